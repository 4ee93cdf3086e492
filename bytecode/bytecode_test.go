package bytecode

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/holiman/uint256"

	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/types"
)

func counterModule() *Module {
	b := NewModule(types.AddressFromUint64(0xCAFE), "Counter")
	counter := b.Struct("Counter", true, nil, FieldDef{"value", types.U64})
	inst := b.StructInst(counter)
	field := b.FieldInst(inst, 0)
	b.Constant(uint256.NewInt(1 << 40))

	loop := b.Declare("count_to", nil, []types.Type{types.U64}, []types.Type{types.U64})
	code := NewCodeBuilder()
	top, done := code.NewLabel(), code.NewLabel()
	code.Op(LD_U64, 0).Op(ST_LOC, 1).
		Label(top).
		Op(COPY_LOC, 1).Op(COPY_LOC, 0).Op(LT).Jump(BR_FALSE, done).
		Op(COPY_LOC, 1).Op(LD_U64, 1).Op(ADD).Op(ST_LOC, 1).Jump(BRANCH, top).
		Label(done).
		Op(MOVE_LOC, 1).Op(RET)
	b.Define(loop, true, []types.Type{types.U64}, code.MustBuild())

	get := b.Declare("get", nil, []types.Type{types.Ref(types.NewStruct(b.Self().Struct("Counter")))}, []types.Type{types.U64})
	b.Define(get, true, nil, []Instruction{
		Instr(MOVE_LOC, 0), Instr(IMM_BORROW_FIELD, field), Instr(READ_REF), Instr(RET),
	})
	b.Native("emit", []types.Kind{types.Copyable}, []types.Type{types.Param{Index: 0}}, nil)
	return b.Build()
}

func TestBuilderResolvesLabels(t *testing.T) {
	m := counterModule()
	_, def, ok := m.FindFunction("count_to")
	if !ok {
		t.Fatal("Expected count_to to be defined")
	}
	exp := map[int]uint64{5: 11, 10: 2}
	for at, target := range exp {
		if def.Code[at].Arg != target {
			t.Errorf("Expected branch at %d to target %d, got %d", at, target, def.Code[at].Arg)
		}
	}
}

func TestBuilderUndefinedLabel(t *testing.T) {
	_, err := NewCodeBuilder().Jump(BRANCH, "nowhere").Build()
	if err == nil {
		t.Errorf("Expected an error for an undefined label")
	}
}

func TestModuleRoundTrip(t *testing.T) {
	m := counterModule()
	blob, err := EncodeModule(m)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	decoded, err := DecodeModule(blob)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(m, decoded, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Module changed across encoding (-want +got):\n%s", diff)
	}

	again, err := EncodeModule(decoded)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !bytes.Equal(blob, again) {
		t.Errorf("Expected canonical encoding to be stable")
	}
}

func TestDecodeGarbage(t *testing.T) {
	_, err := DecodeModule([]byte{0xFF, 0x00, 0x13})
	if code, _ := status.CodeOf(err); code != status.MalformedModule {
		t.Errorf("Expected %v, got %v", status.MalformedModule, err)
	}
}

func TestConstants(t *testing.T) {
	data := []any{
		true,
		uint8(7),
		uint64(1) << 63,
		uint256.NewInt(0).Lsh(uint256.NewInt(1), 127),
		types.AddressFromUint64(0xABCD),
		[]byte("abc"),
	}

	for _, v := range data {
		c, err := EncodeConstant(v)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		back, err := DecodeConstant(c)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if diff := cmp.Diff(v, back, cmp.Comparer(func(l, r *uint256.Int) bool { return l.Eq(r) })); diff != "" {
			t.Errorf("Constant %s changed (-want +got):\n%s", c.Type, diff)
		}
	}

	if _, err := EncodeConstant(new(uint256.Int).Lsh(uint256.NewInt(1), 128)); err == nil {
		t.Errorf("Expected u128 overflow to be rejected")
	}
	if _, err := DecodeConstant(Constant{types.U64, []byte{1, 2}}); err == nil {
		t.Errorf("Expected short u64 constant to be rejected")
	}
}

func TestDisassemble(t *testing.T) {
	var out strings.Builder
	NewDisassembler(counterModule(), &out).Disassemble()
	text := out.String()
	for _, want := range []string{
		"module 0xcafe::Counter",
		"resource Counter {",
		"L0:",
		"BR_FALSE         L1",
		"IMM_BORROW_FIELD 0xcafe::Counter::Counter.value",
		"public native fun emit<T0: copyable>(#0): ()",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected disassembly to contain %q, got:\n%s", want, text)
		}
	}
}

func TestOpcodeTableComplete(t *testing.T) {
	for _, op := range AllOpcodes() {
		if _, ok := Info(op); !ok {
			t.Errorf("Opcode %d missing from info table", op)
		}
	}
	if Opcode(0xEE).Valid() {
		t.Errorf("Expected opcode outside the set to be invalid")
	}
}
