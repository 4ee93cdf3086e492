package verifier

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/types"
)

var (
	checkID = types.ModuleID{Address: types.AddressFromUint64(0xC0DE), Name: "Check"}
	tokenT  = types.NewStruct(checkID.Struct("Token"))
	pairT   = types.NewStruct(checkID.Struct("Pair"))
	t0      = types.Param{Index: 0}
)

// A module with a resource Token, a copyable Pair and a generic Box, to
// which each case adds the functions it needs.
type fixture struct {
	b          *bytecode.ModuleBuilder
	tokenI     uint64
	tokenValue uint64
	pairI      uint64
	pairA      uint64
	boxT0      uint64
}

func newFixture() *fixture {
	b := bytecode.NewModule(checkID.Address, checkID.Name)
	token := b.Struct("Token", true, nil, bytecode.FieldDef{Name: "value", Type: types.U64})
	pair := b.Struct("Pair", false, nil,
		bytecode.FieldDef{Name: "a", Type: types.U64},
		bytecode.FieldDef{Name: "b", Type: types.Bool})
	box := b.Struct("Box", false, []types.Kind{types.All}, bytecode.FieldDef{Name: "item", Type: t0})

	f := &fixture{b: b}
	f.tokenI = b.StructInst(token)
	f.tokenValue = b.FieldInst(f.tokenI, 0)
	f.pairI = b.StructInst(pair)
	f.pairA = b.FieldInst(f.pairI, 0)
	f.boxT0 = b.StructInst(box, t0)
	return f
}

func (f *fixture) define(name string, typeParams []types.Kind, params, returns, locals []types.Type, code ...bytecode.Instruction) int {
	h := f.b.Declare(name, typeParams, params, returns)
	f.b.Define(h, true, locals, code)
	return h
}

func tys(ts ...types.Type) []types.Type {
	return ts
}

var op = bytecode.Instr

func TestVerify(t *testing.T) {
	u64, boolT, addr := types.U64, types.Bool, types.Addr

	testCases := []struct {
		name  string
		build func(f *fixture)
		code  status.Code
		// Offset of the failing instruction in f, or -1 for failures of
		// the module as a whole.
		offset int
	}{
		{"Arithmetic", func(f *fixture) {
			f.define("f", nil, tys(u64, u64), tys(u64), nil,
				op(bytecode.MOVE_LOC, 0), op(bytecode.MOVE_LOC, 1), op(bytecode.ADD), op(bytecode.RET))
		}, 0, 0},
		{"CountLoop", func(f *fixture) {
			code := bytecode.NewCodeBuilder()
			top, done := code.NewLabel(), code.NewLabel()
			code.Op(bytecode.LD_U64, 0).Op(bytecode.ST_LOC, 1).
				Label(top).
				Op(bytecode.COPY_LOC, 1).Op(bytecode.COPY_LOC, 0).Op(bytecode.LT).Jump(bytecode.BR_FALSE, done).
				Op(bytecode.COPY_LOC, 1).Op(bytecode.LD_U64, 1).Op(bytecode.ADD).Op(bytecode.ST_LOC, 1).Jump(bytecode.BRANCH, top).
				Label(done).
				Op(bytecode.MOVE_LOC, 1).Op(bytecode.RET)
			f.define("f", nil, tys(u64), tys(u64), tys(u64), code.MustBuild()...)
		}, 0, 0},
		{"PublishToken", func(f *fixture) {
			f.define("f", nil, tys(addr, u64), nil, nil,
				op(bytecode.MOVE_LOC, 0), op(bytecode.MOVE_LOC, 1), op(bytecode.PACK, f.tokenI),
				op(bytecode.MOVE_TO, f.tokenI), op(bytecode.RET))
		}, 0, 0},
		{"DepositThroughGlobal", func(f *fixture) {
			f.define("f", nil, tys(addr, u64), nil, tys(types.MutRef(u64)),
				op(bytecode.MOVE_LOC, 0), op(bytecode.MUT_BORROW_GLOBAL, f.tokenI), op(bytecode.MUT_BORROW_FIELD, f.tokenValue),
				op(bytecode.ST_LOC, 2), op(bytecode.COPY_LOC, 2), op(bytecode.READ_REF), op(bytecode.MOVE_LOC, 1),
				op(bytecode.ADD), op(bytecode.MOVE_LOC, 2), op(bytecode.WRITE_REF), op(bytecode.RET))
		}, 0, 0},
		{"GenericBox", func(f *fixture) {
			boxT := types.NewStruct(checkID.Struct("Box"), t0)
			f.define("f", []types.Kind{types.All}, tys(t0), tys(boxT), nil,
				op(bytecode.MOVE_LOC, 0), op(bytecode.PACK, f.boxT0), op(bytecode.RET))
		}, 0, 0},
		{"ConsumeOnEveryPath", func(f *fixture) {
			f.define("f", nil, tys(tokenT, boolT), tys(tokenT), nil,
				op(bytecode.MOVE_LOC, 1), op(bytecode.BR_FALSE, 4),
				op(bytecode.MOVE_LOC, 0), op(bytecode.RET),
				op(bytecode.MOVE_LOC, 0), op(bytecode.RET))
		}, 0, 0},
		{"WriteThroughField", func(f *fixture) {
			f.define("f", nil, nil, tys(u64), tys(pairT, types.MutRef(u64)),
				op(bytecode.LD_U64, 1), op(bytecode.LD_TRUE), op(bytecode.PACK, f.pairI), op(bytecode.ST_LOC, 0),
				op(bytecode.MUT_BORROW_LOC, 0), op(bytecode.MUT_BORROW_FIELD, f.pairA), op(bytecode.ST_LOC, 1),
				op(bytecode.LD_U64, 7), op(bytecode.MOVE_LOC, 1), op(bytecode.WRITE_REF),
				op(bytecode.MOVE_LOC, 0), op(bytecode.UNPACK, f.pairI), op(bytecode.POP), op(bytecode.RET))
		}, 0, 0},
		{"ReturnParamReference", func(f *fixture) {
			f.define("f", nil, tys(types.Ref(u64)), tys(types.Ref(u64)), nil,
				op(bytecode.MOVE_LOC, 0), op(bytecode.RET))
		}, 0, 0},
		{"FreezeAndRead", func(f *fixture) {
			f.define("f", nil, nil, tys(u64), tys(u64),
				op(bytecode.LD_U64, 3), op(bytecode.ST_LOC, 0), op(bytecode.MUT_BORROW_LOC, 0),
				op(bytecode.FREEZE_REF), op(bytecode.READ_REF), op(bytecode.RET))
		}, 0, 0},

		{"FallsOffEnd", func(f *fixture) {
			f.define("f", nil, nil, nil, nil, op(bytecode.LD_U64, 1), op(bytecode.POP))
		}, status.MalformedModule, 1},
		{"EmptyBody", func(f *fixture) {
			f.define("f", nil, nil, nil, nil)
		}, status.MalformedModule, -1},
		{"LocalOutOfRange", func(f *fixture) {
			f.define("f", nil, nil, nil, nil, op(bytecode.COPY_LOC, 5), op(bytecode.POP), op(bytecode.RET))
		}, status.IndexOutOfBounds, 0},
		{"BranchOutOfRange", func(f *fixture) {
			f.define("f", nil, nil, nil, nil, op(bytecode.BRANCH, 10))
		}, status.InvalidBranchTarget, 0},
		{"DuplicateFunction", func(f *fixture) {
			h := f.define("f", nil, nil, nil, nil, op(bytecode.RET))
			f.b.Define(h, true, nil, []bytecode.Instruction{op(bytecode.RET)})
		}, status.DuplicateDefinition, -1},
		{"ReferenceField", func(f *fixture) {
			f.b.Struct("Bad", false, nil, bytecode.FieldDef{Name: "r", Type: types.MutRef(u64)})
		}, status.InvalidSignature, -1},
		{"TruncatedConstant", func(f *fixture) {
			m := f.b.Build()
			m.Constants = append(m.Constants, bytecode.Constant{Type: u64, Data: []byte{1}})
		}, status.InvalidConstant, -1},
		{"RecursiveStruct", func(f *fixture) {
			node := types.NewStruct(checkID.Struct("Node"))
			f.b.Struct("Node", false, nil, bytecode.FieldDef{Name: "children", Type: types.Vector{Elem: node}})
		}, status.RecursiveStructDefinition, -1},
		{"BranchHeights", func(f *fixture) {
			f.define("f", nil, tys(boolT), nil, nil,
				op(bytecode.MOVE_LOC, 0), op(bytecode.BR_FALSE, 3), op(bytecode.LD_U64, 1), op(bytecode.RET))
		}, status.StackHeightMismatch, 3},
		{"ReturnWithExtra", func(f *fixture) {
			f.define("f", nil, nil, nil, nil, op(bytecode.LD_U64, 1), op(bytecode.RET))
		}, status.StackHeightMismatch, 1},
		{"PopEmpty", func(f *fixture) {
			f.define("f", nil, nil, nil, nil, op(bytecode.POP), op(bytecode.RET))
		}, status.StackUnderflow, 0},
		{"AddBoolToInt", func(f *fixture) {
			f.define("f", nil, nil, nil, nil,
				op(bytecode.LD_U64, 1), op(bytecode.LD_TRUE), op(bytecode.ADD), op(bytecode.POP), op(bytecode.RET))
		}, status.TypeMismatch, 2},
		{"UnboundTypeParameter", func(f *fixture) {
			f.define("f", nil, nil, nil, nil,
				op(bytecode.LD_U64, 1), op(bytecode.PACK, f.boxT0), op(bytecode.POP), op(bytecode.RET))
		}, status.TypeArityMismatch, 1},
		{"ConstraintViolated", func(f *fixture) {
			id := f.define("id", []types.Kind{types.Copyable}, tys(t0), tys(t0), nil,
				op(bytecode.MOVE_LOC, 0), op(bytecode.RET))
			f.define("f", nil, tys(tokenT), tys(tokenT), nil,
				op(bytecode.MOVE_LOC, 0), op(bytecode.CALL, f.b.FunctionInst(id, tokenT)), op(bytecode.RET))
		}, status.ConstraintNotSatisfied, 1},
		{"CopyToken", func(f *fixture) {
			f.define("f", nil, tys(tokenT), tys(tokenT, tokenT), nil,
				op(bytecode.COPY_LOC, 0), op(bytecode.MOVE_LOC, 0), op(bytecode.RET))
		}, status.CopyResourceValue, 0},
		{"DropToken", func(f *fixture) {
			f.define("f", nil, tys(tokenT), nil, nil, op(bytecode.MOVE_LOC, 0), op(bytecode.POP), op(bytecode.RET))
		}, status.UnusedResourceValue, 1},
		{"LeakTokenLocal", func(f *fixture) {
			f.define("f", nil, tys(tokenT), nil, nil, op(bytecode.RET))
		}, status.UnusedResourceValue, 0},
		{"MoveTwice", func(f *fixture) {
			f.define("f", nil, tys(tokenT), tys(tokenT, tokenT), nil,
				op(bytecode.MOVE_LOC, 0), op(bytecode.MOVE_LOC, 0), op(bytecode.RET))
		}, status.MoveUnavailableLocal, 1},
		{"MovedOnOnePath", func(f *fixture) {
			f.define("f", nil, tys(tokenT, boolT), nil, nil,
				op(bytecode.MOVE_LOC, 1), op(bytecode.BR_FALSE, 5),
				op(bytecode.MOVE_LOC, 0), op(bytecode.UNPACK, f.tokenI), op(bytecode.POP),
				op(bytecode.MOVE_LOC, 0), op(bytecode.UNPACK, f.tokenI), op(bytecode.POP), op(bytecode.RET))
		}, status.MoveUnavailableLocal, 5},
		{"DoubleMutableBorrow", func(f *fixture) {
			f.define("f", nil, nil, nil, tys(u64),
				op(bytecode.LD_U64, 0), op(bytecode.ST_LOC, 0), op(bytecode.MUT_BORROW_LOC, 0),
				op(bytecode.MUT_BORROW_LOC, 0), op(bytecode.POP), op(bytecode.POP), op(bytecode.RET))
		}, status.ConflictingBorrow, 3},
		{"CopyWhileMutablyBorrowed", func(f *fixture) {
			f.define("f", nil, nil, tys(u64), tys(u64, types.MutRef(u64)),
				op(bytecode.LD_U64, 0), op(bytecode.ST_LOC, 0), op(bytecode.MUT_BORROW_LOC, 0),
				op(bytecode.ST_LOC, 1), op(bytecode.COPY_LOC, 0), op(bytecode.RET))
		}, status.ConflictingBorrow, 4},
		{"GlobalBorrowedTwice", func(f *fixture) {
			f.define("f", nil, tys(addr), nil, nil,
				op(bytecode.COPY_LOC, 0), op(bytecode.MUT_BORROW_GLOBAL, f.tokenI),
				op(bytecode.MOVE_LOC, 0), op(bytecode.IMM_BORROW_GLOBAL, f.tokenI),
				op(bytecode.POP), op(bytecode.POP), op(bytecode.RET))
		}, status.ConflictingBorrow, 3},
		{"MoveFromWhileBorrowed", func(f *fixture) {
			f.define("f", nil, tys(addr), tys(tokenT), tys(types.Ref(tokenT)),
				op(bytecode.COPY_LOC, 0), op(bytecode.IMM_BORROW_GLOBAL, f.tokenI), op(bytecode.ST_LOC, 1),
				op(bytecode.MOVE_LOC, 0), op(bytecode.MOVE_FROM, f.tokenI), op(bytecode.RET))
		}, status.ConflictingBorrow, 4},
		{"ReturnLocalReference", func(f *fixture) {
			f.define("f", nil, nil, tys(types.Ref(u64)), tys(u64),
				op(bytecode.LD_U64, 0), op(bytecode.ST_LOC, 0), op(bytecode.IMM_BORROW_LOC, 0), op(bytecode.RET))
		}, status.ReferenceEscapesScope, 3},
		{"MoveBorrowedLocal", func(f *fixture) {
			f.define("f", nil, nil, tys(u64), tys(u64, types.Ref(u64)),
				op(bytecode.LD_U64, 0), op(bytecode.ST_LOC, 0), op(bytecode.IMM_BORROW_LOC, 0),
				op(bytecode.ST_LOC, 1), op(bytecode.MOVE_LOC, 0), op(bytecode.RET))
		}, status.ReferenceEscapesScope, 4},
		{"MoveFromCopyable", func(f *fixture) {
			f.define("f", nil, tys(addr), tys(pairT), nil,
				op(bytecode.MOVE_LOC, 0), op(bytecode.MOVE_FROM, f.pairI), op(bytecode.RET))
		}, status.GlobalAccessOutsideModule, 1},
		{"ForeignGlobal", func(f *fixture) {
			other := types.ModuleID{Address: types.AddressFromUint64(0xF00), Name: "Other"}
			h := f.b.StructHandle(bytecode.StructHandle{Module: other, Name: "Coin", Resource: true})
			f.define("f", nil, tys(addr), tys(boolT), nil,
				op(bytecode.MOVE_LOC, 0), op(bytecode.EXISTS, f.b.StructInst(h)), op(bytecode.RET))
		}, status.GlobalAccessOutsideModule, 1},
		{"WrongReturnType", func(f *fixture) {
			f.define("f", nil, nil, tys(u64), nil, op(bytecode.LD_TRUE), op(bytecode.RET))
		}, status.ReturnTypeMismatch, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			tc.build(f)
			err := Verify(f.b.Build(), nil)
			if tc.code == 0 {
				require.NoError(t, err)
				return
			}
			se, ok := status.AsError(err)
			require.True(t, ok, "expected a status error, got %v", err)
			require.Equal(t, tc.code, se.Code, se.Error())
			require.Equal(t, status.Verification, se.Category)
			require.Equal(t, checkID.String(), se.Location.Module)
			if tc.offset < 0 {
				require.Empty(t, se.Location.Function)
				return
			}
			require.Equal(t, "f", se.Location.Function)
			require.Equal(t, tc.offset, se.Location.Offset)
		})
	}
}

func TestVerifyIsIdempotent(t *testing.T) {
	f := newFixture()
	f.define("f", nil, tys(tokenT), nil, nil, op(bytecode.MOVE_LOC, 0), op(bytecode.POP), op(bytecode.RET))
	m := f.b.Build()

	first := Verify(m, nil)
	second := Verify(m, nil)
	require.Error(t, first)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("verifying twice gave different results (-first +second):\n%s", diff)
	}
}

func TestForeignStructsNeedDependencies(t *testing.T) {
	lib := bytecode.NewModule(types.AddressFromUint64(0xF00), "Lib")
	lib.Struct("Coin", true, nil, bytecode.FieldDef{Name: "value", Type: types.U64})
	libModule := lib.Build()
	coinT := types.NewStruct(libModule.ID.Struct("Coin"))

	f := newFixture()
	f.b.StructHandle(bytecode.StructHandle{Module: libModule.ID, Name: "Coin", Resource: true})
	f.define("keep", nil, tys(coinT), tys(coinT), nil, op(bytecode.MOVE_LOC, 0), op(bytecode.RET))
	m := f.b.Build()

	code, ok := status.CodeOf(Verify(m, nil))
	require.True(t, ok)
	require.Equal(t, status.LinkerError, code)
	require.NoError(t, Verify(m, []*bytecode.Module{libModule}))
}

func TestScripts(t *testing.T) {
	sender := types.AddressFromUint64(0xA11CE)
	testCases := []struct {
		name  string
		build func(b *bytecode.ModuleBuilder)
		code  status.Code
	}{
		{"Main", func(b *bytecode.ModuleBuilder) {
			b.Define(b.Declare(bytecode.ScriptFunction, nil, nil, nil), true, nil, []bytecode.Instruction{op(bytecode.RET)})
		}, 0},
		{"WrongName", func(b *bytecode.ModuleBuilder) {
			b.Define(b.Declare("run", nil, nil, nil), true, nil, []bytecode.Instruction{op(bytecode.RET)})
		}, status.MalformedModule},
		{"DeclaresStruct", func(b *bytecode.ModuleBuilder) {
			b.Struct("S", false, nil)
			b.Define(b.Declare(bytecode.ScriptFunction, nil, nil, nil), true, nil, []bytecode.Instruction{op(bytecode.RET)})
		}, status.MalformedModule},
		{"NoFunction", func(b *bytecode.ModuleBuilder) {}, status.MalformedModule},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := bytecode.NewScript(sender)
			tc.build(b)
			err := Verify(b.Build(), nil)
			if tc.code == 0 {
				require.NoError(t, err)
				return
			}
			code, _ := status.CodeOf(err)
			require.Equal(t, tc.code, code)
		})
	}
}

func TestControlFlowGraph(t *testing.T) {
	code := []bytecode.Instruction{
		op(bytecode.LD_TRUE), op(bytecode.BR_FALSE, 4),
		op(bytecode.LD_U64, 1), op(bytecode.BRANCH, 5),
		op(bytecode.LD_U64, 2),
		op(bytecode.POP), op(bytecode.RET),
		op(bytecode.RET),
	}
	g := newCFG(code)

	data := []struct {
		start int
		end   int
		succs []int
	}{
		{0, 1, []int{4, 2}},
		{2, 3, []int{5}},
		{4, 4, []int{5}},
		{5, 6, nil},
		{7, 7, nil},
	}
	require.Len(t, g.blocks, len(data))
	for _, d := range data {
		b, ok := g.blocks[d.start]
		require.True(t, ok, "no block at %d", d.start)
		require.Equal(t, d.end, b.end)
		require.Equal(t, d.succs, b.succs)
	}
	// The block at 7 is unreachable.
	require.Equal(t, []int{0, 2, 4, 5}, g.order)
}
