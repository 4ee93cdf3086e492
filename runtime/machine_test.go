package runtime

import (
	"math"
	"reflect"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/require"

	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/storage"
	"github.com/glossopoeia/mvm/types"
	"github.com/glossopoeia/mvm/verifier"
)

var (
	bankID = types.ModuleID{Address: types.AddressFromUint64(0xB0B), Name: "Bank"}
	rawID  = types.ModuleID{Address: types.AddressFromUint64(0xB0B), Name: "Raw"}
	coinT  = types.NewStruct(bankID.Struct("Coin"))
	alice  = types.AddressFromUint64(0xA11CE)
)

type moduleMap map[types.ModuleID]*bytecode.Module

func (mm moduleMap) Module(id types.ModuleID) (*bytecode.Module, error) {
	m, ok := mm[id]
	if !ok {
		return nil, status.Newf(status.LinkerError, "no module %s", id)
	}
	return m, nil
}

// Every instruction costs one unit; natives cost one plus their size.
type flatCosts struct{}

func (flatCosts) Instruction(op bytecode.Opcode, size uint64) uint64 { return 1 }
func (flatCosts) Native(name string, size uint64) uint64             { return 1 + size }
func (flatCosts) Publish(size uint64) uint64                         { return size }

func bankModule() *bytecode.Module {
	b := bytecode.NewModule(bankID.Address, bankID.Name)
	coin := b.Struct("Coin", true, nil, bytecode.FieldDef{Name: "value", Type: types.U64})
	coinI := b.StructInst(coin)
	valueF := b.FieldInst(coinI, 0)
	pair := b.Struct("Pair", false, nil,
		bytecode.FieldDef{Name: "a", Type: types.U64},
		bytecode.FieldDef{Name: "b", Type: types.Bool})
	pairI := b.StructInst(pair)

	addr := []types.Type{types.Addr}
	u64 := []types.Type{types.U64}
	op := bytecode.Instr

	publish := b.Declare("publish", nil, []types.Type{types.Addr, types.U64}, nil)
	b.Define(publish, true, nil, []bytecode.Instruction{
		op(bytecode.MOVE_LOC, 0), op(bytecode.MOVE_LOC, 1), op(bytecode.PACK, coinI),
		op(bytecode.MOVE_TO, coinI), op(bytecode.RET),
	})

	balance := b.Declare("balance", nil, addr, u64)
	b.Define(balance, true, nil, []bytecode.Instruction{
		op(bytecode.MOVE_LOC, 0), op(bytecode.IMM_BORROW_GLOBAL, coinI),
		op(bytecode.IMM_BORROW_FIELD, valueF), op(bytecode.READ_REF), op(bytecode.RET),
	})

	deposit := b.Declare("deposit", nil, []types.Type{types.Addr, types.U64}, nil)
	b.Define(deposit, true, []types.Type{types.MutRef(types.U64)}, []bytecode.Instruction{
		op(bytecode.MOVE_LOC, 0), op(bytecode.MUT_BORROW_GLOBAL, coinI), op(bytecode.MUT_BORROW_FIELD, valueF),
		op(bytecode.ST_LOC, 2), op(bytecode.COPY_LOC, 2), op(bytecode.READ_REF), op(bytecode.MOVE_LOC, 1),
		op(bytecode.ADD), op(bytecode.MOVE_LOC, 2), op(bytecode.WRITE_REF), op(bytecode.RET),
	})

	withdraw := b.Declare("withdraw", nil, addr, u64)
	b.Define(withdraw, true, nil, []bytecode.Instruction{
		op(bytecode.MOVE_LOC, 0), op(bytecode.MOVE_FROM, coinI), op(bytecode.UNPACK, coinI), op(bytecode.RET),
	})

	// Compiled code keeps the global reference in a local and works through
	// copies of it.
	bump := b.Declare("bump", nil, addr, nil)
	b.Define(bump, true, []types.Type{types.MutRef(coinT)}, []bytecode.Instruction{
		op(bytecode.MOVE_LOC, 0), op(bytecode.MUT_BORROW_GLOBAL, coinI), op(bytecode.ST_LOC, 1),
		op(bytecode.COPY_LOC, 1), op(bytecode.MUT_BORROW_FIELD, valueF), op(bytecode.READ_REF),
		op(bytecode.LD_U64, 1), op(bytecode.ADD),
		op(bytecode.COPY_LOC, 1), op(bytecode.MUT_BORROW_FIELD, valueF), op(bytecode.WRITE_REF),
		op(bytecode.MOVE_LOC, 1), op(bytecode.POP), op(bytecode.RET),
	})

	peek := b.Declare("peek", nil, addr, u64)
	b.Define(peek, true, []types.Type{types.MutRef(coinT)}, []bytecode.Instruction{
		op(bytecode.MOVE_LOC, 0), op(bytecode.MUT_BORROW_GLOBAL, coinI), op(bytecode.ST_LOC, 1),
		op(bytecode.COPY_LOC, 1), op(bytecode.FREEZE_REF), op(bytecode.IMM_BORROW_FIELD, valueF), op(bytecode.READ_REF),
		op(bytecode.MOVE_LOC, 1), op(bytecode.POP), op(bytecode.RET),
	})

	roundtrip := b.Declare("roundtrip", nil, []types.Type{types.U64, types.Bool}, []types.Type{types.U64, types.Bool})
	b.Define(roundtrip, true, nil, []bytecode.Instruction{
		op(bytecode.MOVE_LOC, 0), op(bytecode.MOVE_LOC, 1), op(bytecode.PACK, pairI),
		op(bytecode.UNPACK, pairI), op(bytecode.RET),
	})

	countTo := b.Declare("count_to", nil, u64, u64)
	code := bytecode.NewCodeBuilder()
	top, done := code.NewLabel(), code.NewLabel()
	code.Op(bytecode.LD_U64, 0).Op(bytecode.ST_LOC, 1).
		Label(top).
		Op(bytecode.COPY_LOC, 1).Op(bytecode.COPY_LOC, 0).Op(bytecode.LT).Jump(bytecode.BR_FALSE, done).
		Op(bytecode.COPY_LOC, 1).Op(bytecode.LD_U64, 1).Op(bytecode.ADD).Op(bytecode.ST_LOC, 1).Jump(bytecode.BRANCH, top).
		Label(done).
		Op(bytecode.MOVE_LOC, 1).Op(bytecode.RET)
	b.Define(countTo, true, u64, code.MustBuild())

	spin := b.Declare("spin", nil, nil, nil)
	loop := bytecode.NewCodeBuilder()
	again := loop.NewLabel()
	b.Define(spin, true, nil, loop.Label(again).Jump(bytecode.BRANCH, again).MustBuild())

	for _, arith := range []struct {
		name string
		op   bytecode.Opcode
	}{{"add", bytecode.ADD}, {"div", bytecode.DIV}, {"shl", bytecode.SHL}} {
		rhs := types.U64
		if arith.op == bytecode.SHL {
			rhs = types.U8
		}
		h := b.Declare(arith.name, nil, []types.Type{types.U64, rhs}, u64)
		b.Define(h, true, nil, []bytecode.Instruction{
			op(bytecode.MOVE_LOC, 0), op(bytecode.MOVE_LOC, 1), op(arith.op), op(bytecode.RET),
		})
	}

	recurse := b.Declare("recurse", nil, nil, nil)
	b.Define(recurse, true, nil, []bytecode.Instruction{
		op(bytecode.CALL, b.FunctionInst(recurse)), op(bytecode.RET),
	})

	length := b.Native("len", nil, []types.Type{types.Vector{Elem: types.U8}}, u64)
	measure := b.Declare("measure", nil, []types.Type{types.Vector{Elem: types.U8}}, u64)
	b.Define(measure, true, nil, []bytecode.Instruction{
		op(bytecode.MOVE_LOC, 0), op(bytecode.CALL, b.FunctionInst(length)), op(bytecode.RET),
	})

	b.Native("boom", nil, nil, nil)
	return b.Build()
}

// Code the verifier rejects, for reaching the runtime's own borrow checks.
func rawModule() *bytecode.Module {
	b := bytecode.NewModule(rawID.Address, rawID.Name)
	coin := b.Struct("Coin", true, nil, bytecode.FieldDef{Name: "value", Type: types.U64})
	coinI := b.StructInst(coin)
	addr := []types.Type{types.Addr}
	op := bytecode.Instr

	publish := b.Declare("publish", nil, []types.Type{types.Addr, types.U64}, nil)
	b.Define(publish, true, nil, []bytecode.Instruction{
		op(bytecode.MOVE_LOC, 0), op(bytecode.MOVE_LOC, 1), op(bytecode.PACK, coinI),
		op(bytecode.MOVE_TO, coinI), op(bytecode.RET),
	})

	conflict := b.Declare("conflict", nil, addr, nil)
	b.Define(conflict, true, []types.Type{types.MutRef(types.NewStruct(rawID.Struct("Coin")))}, []bytecode.Instruction{
		op(bytecode.COPY_LOC, 0), op(bytecode.MUT_BORROW_GLOBAL, coinI), op(bytecode.ST_LOC, 1),
		op(bytecode.MOVE_LOC, 0), op(bytecode.IMM_BORROW_GLOBAL, coinI), op(bytecode.POP),
		op(bytecode.MOVE_LOC, 1), op(bytecode.POP), op(bytecode.RET),
	})
	return b.Build()
}

func bankNatives() *NativeTable {
	natives := NewNativeTable(flatCosts{})
	natives.Register(&Native{
		Name: bankID.String() + "::len",
		Size: func(ctx *NativeContext, args []Value) (uint64, error) {
			return uint64(len(args[0].(*Vector).Elems)), nil
		},
		Fn: func(ctx *NativeContext, typeArgs []types.Type, args []Value) ([]Value, error) {
			return []Value{uint64(len(args[0].(*Vector).Elems))}, nil
		},
	})
	natives.Register(&Native{
		Name: bankID.String() + "::boom",
		Fn: func(ctx *NativeContext, typeArgs []types.Type, args []Value) ([]Value, error) {
			panic("boom")
		},
	})
	return natives
}

type bank struct {
	m      *Machine
	module *LoadedModule
	loader *Loader
}

func newBank(t *testing.T, backend storage.Backend) *bank {
	mod := bankModule()
	require.NoError(t, verifier.Verify(mod, nil))
	return loadBank(t, backend, mod)
}

func loadBank(t *testing.T, backend storage.Backend, mod *bytecode.Module) *bank {
	loader := NewLoader(moduleMap{mod.ID: mod}, bankNatives(), 32, 64)
	lm, err := loader.Load(mod.ID)
	require.NoError(t, err)
	data := NewDataCache(backend, NewValueCodec(loader, 32))
	return &bank{NewMachine(loader, data, flatCosts{}, 16), lm, loader}
}

func (b *bank) run(t *testing.T, name string, budget uint64, args ...Value) ExecutionResult {
	fn, ok := b.module.FunctionByName(name)
	require.True(t, ok, "function %s", name)
	res, err := b.m.Execute(fn, nil, args, budget)
	require.NoError(t, err)
	return res
}

func requireAbort(t *testing.T, res ExecutionResult, code status.Code) {
	t.Helper()
	require.False(t, res.Succeeded(), "expected abort with %s", code)
	require.Equal(t, code, res.Abort.Code)
}

func TestPackUnpackRoundTrip(t *testing.T) {
	b := newBank(t, storage.NewMemory())
	f := func(a uint64, flag bool) bool {
		res := b.run(t, "roundtrip", 100, a, flag)
		return res.Succeeded() && reflect.DeepEqual(res.Returns, []Value{a, flag})
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestCountToGas(t *testing.T) {
	b := newBank(t, storage.NewMemory())

	res := b.run(t, "count_to", 35, uint64(3))
	require.True(t, res.Succeeded())
	require.Equal(t, []Value{uint64(3)}, res.Returns)
	require.Equal(t, uint64(35), res.GasUsed)

	res = b.run(t, "count_to", 34, uint64(3))
	requireAbort(t, res, status.OutOfGas)
	require.Equal(t, uint64(34), res.GasUsed)
	require.Equal(t, "count_to", res.Abort.Location.Function)
}

func TestGasMonotonic(t *testing.T) {
	b := newBank(t, storage.NewMemory())
	used := func(n uint64) uint64 {
		return b.run(t, "count_to", math.MaxUint64, n).GasUsed
	}
	f := func(n uint8) bool {
		small, large := used(uint64(n)), used(uint64(n)+1)
		return small == 8+9*uint64(n) && small < large
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestInfiniteLoopRunsOutOfGas(t *testing.T) {
	b := newBank(t, storage.NewMemory())
	res := b.run(t, "spin", 1000)
	requireAbort(t, res, status.OutOfGas)
	require.Equal(t, uint64(1000), res.GasUsed)
}

func TestArithmeticAborts(t *testing.T) {
	testCases := []struct {
		name string
		fn   string
		args []Value
		exp  Value
		code status.Code
	}{
		{"Add", "add", []Value{uint64(2), uint64(3)}, uint64(5), 0},
		{"AddOverflow", "add", []Value{uint64(math.MaxUint64), uint64(1)}, nil, status.ArithmeticOverflow},
		{"Div", "div", []Value{uint64(7), uint64(2)}, uint64(3), 0},
		{"DivZero", "div", []Value{uint64(1), uint64(0)}, nil, status.DivisionByZero},
		{"Shl", "shl", []Value{uint64(1), uint8(63)}, uint64(1) << 63, 0},
		{"ShlTruncates", "shl", []Value{uint64(3), uint8(63)}, uint64(1) << 63, 0},
		{"ShlTooFar", "shl", []Value{uint64(1), uint8(64)}, nil, status.ArithmeticOverflow},
	}

	b := newBank(t, storage.NewMemory())
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := b.run(t, tc.fn, 100, tc.args...)
			if tc.code != 0 {
				requireAbort(t, res, tc.code)
				require.Equal(t, 2, res.Abort.Location.Offset)
				return
			}
			require.True(t, res.Succeeded())
			require.Equal(t, []Value{tc.exp}, res.Returns)
		})
	}
}

func TestCallStackOverflow(t *testing.T) {
	b := newBank(t, storage.NewMemory())
	res := b.run(t, "recurse", 10000)
	requireAbort(t, res, status.CallStackOverflow)
	require.Equal(t, 0, b.m.stack.Depth())
	require.Equal(t, Aborted, b.m.State())
}

func TestGlobalResources(t *testing.T) {
	b := newBank(t, storage.NewMemory())

	require.True(t, b.run(t, "publish", 100, alice, uint64(10)).Succeeded())
	requireAbort(t, b.run(t, "publish", 100, alice, uint64(1)), status.ResourceAlreadyExists)
	require.True(t, b.run(t, "deposit", 100, alice, uint64(5)).Succeeded())

	res := b.run(t, "balance", 100, alice)
	require.True(t, res.Succeeded())
	require.Equal(t, []Value{uint64(15)}, res.Returns)

	requireAbort(t, b.run(t, "balance", 100, types.AddressFromUint64(2)), status.ResourceNotFound)

	ws, events, err := b.m.Data().Effects()
	require.NoError(t, err)
	require.Empty(t, events)
	require.Len(t, ws, 1)
	require.Equal(t, storage.ResourcePath(alice, coinT), ws[0].Path)
	stored, err := b.m.codec.Decode(ws[0].Value, coinT)
	require.NoError(t, err)
	require.Equal(t, NewStruct(uint64(15)), stored)
}

func TestCopiedGlobalReferences(t *testing.T) {
	testCases := []struct {
		name string
		fn   string
		exp  []Value
	}{
		{"FieldWriteThroughCopy", "bump", nil},
		{"FreezeCopy", "peek", []Value{uint64(11)}},
		{"BorrowsReleased", "withdraw", []Value{uint64(11)}},
	}

	b := newBank(t, storage.NewMemory())
	require.True(t, b.run(t, "publish", 100, alice, uint64(10)).Succeeded())
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := b.run(t, tc.fn, 100, alice)
			require.True(t, res.Succeeded(), "%s: %v", tc.fn, res.Abort)
			if len(tc.exp) > 0 {
				require.Equal(t, tc.exp, res.Returns)
			}
		})
	}
}

func TestGlobalReferenceConflict(t *testing.T) {
	mod := rawModule()
	require.Error(t, verifier.Verify(mod, nil))

	b := loadBank(t, storage.NewMemory(), mod)
	require.True(t, b.run(t, "publish", 100, alice, uint64(10)).Succeeded())

	res := b.run(t, "conflict", 100, alice)
	requireAbort(t, res, status.GlobalReferenceConflict)
	require.Equal(t, status.Location{Module: rawID.String(), Function: "conflict", Offset: 4}, res.Abort.Location)
}

func TestMoveFromCommittedState(t *testing.T) {
	backend := storage.NewMemory()
	b := newBank(t, backend)
	blob, err := b.m.codec.Encode(NewStruct(uint64(7)), coinT)
	require.NoError(t, err)
	require.NoError(t, storage.Put(backend, storage.ResourcePath(alice, coinT), blob))

	res := b.run(t, "withdraw", 100, alice)
	require.True(t, res.Succeeded())
	require.Equal(t, []Value{uint64(7)}, res.Returns)

	ws, _, err := b.m.Data().Effects()
	require.NoError(t, err)
	require.Equal(t, storage.WriteSet{{Path: storage.ResourcePath(alice, coinT)}}, ws)

	_, ok, err := backend.Get(storage.ResourcePath(alice, coinT))
	require.NoError(t, err)
	require.True(t, ok, "backend is untouched until the host applies the write set")
}

func TestNativeCallCharged(t *testing.T) {
	b := newBank(t, storage.NewMemory())
	res := b.run(t, "measure", 100, Bytes([]byte("abc")))
	require.True(t, res.Succeeded())
	require.Equal(t, []Value{uint64(3)}, res.Returns)
	// Three instructions plus a native of size three.
	require.Equal(t, uint64(3+1+3), res.GasUsed)

	res = b.run(t, "measure", 5, Bytes([]byte("abc")))
	requireAbort(t, res, status.OutOfGas)
	require.Equal(t, uint64(5), res.GasUsed)
}

func TestPanicBecomesInvariantViolation(t *testing.T) {
	b := newBank(t, storage.NewMemory())
	fn, _ := b.module.FunctionByName("boom")
	_, err := b.m.Execute(fn, nil, nil, 100)
	code, ok := status.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, status.InternalInvariantViolation, code)
}

func TestEntryArgumentsChecked(t *testing.T) {
	testCases := []struct {
		name     string
		typeArgs []types.Type
		args     []Value
		code     status.Code
	}{
		{"TooFew", nil, []Value{uint64(1)}, status.InvalidArguments},
		{"WrongType", nil, []Value{true, uint64(1)}, status.InvalidArguments},
		{"ExtraTypeArgument", []types.Type{types.U64}, []Value{uint64(1), true}, status.TypeArityMismatch},
	}

	b := newBank(t, storage.NewMemory())
	fn, _ := b.module.FunctionByName("roundtrip")
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := b.m.Execute(fn, tc.typeArgs, tc.args, 100)
			code, ok := status.CodeOf(err)
			require.True(t, ok)
			require.Equal(t, tc.code, code)
		})
	}
}
