package bytecode

import (
	"fmt"

	"github.com/glossopoeia/mvm/types"
)

// CodeBuilder assembles a function body with symbolic branch labels. Labels
// may be referenced before they are placed; Build resolves them to offsets.
type CodeBuilder struct {
	code   []Instruction
	labels map[string]int
	fixups map[int]string
	fresh  NameFresh
}

func NewCodeBuilder() *CodeBuilder {
	return &CodeBuilder{labels: map[string]int{}, fixups: map[int]string{}, fresh: NewNameFresh()}
}

func (b *CodeBuilder) Op(op Opcode, arg ...uint64) *CodeBuilder {
	b.code = append(b.code, Instr(op, arg...))
	return b
}

// Emits a branch instruction targeting a label.
func (b *CodeBuilder) Jump(op Opcode, label string) *CodeBuilder {
	if !op.IsBranch() {
		panic(fmt.Sprintf("Jump used with non-branch opcode %s.", op))
	}
	b.fixups[len(b.code)] = label
	b.code = append(b.code, Instruction{Op: op})
	return b
}

// Places a label at the next instruction offset.
func (b *CodeBuilder) Label(name string) *CodeBuilder {
	if _, ok := b.labels[name]; ok {
		panic(fmt.Sprintf("Label %s placed twice.", name))
	}
	b.labels[name] = len(b.code)
	return b
}

// Returns a label name that has not been handed out by this builder.
func (b *CodeBuilder) NewLabel() string {
	return b.fresh.NextPrefix("L")
}

func (b *CodeBuilder) Build() ([]Instruction, error) {
	code := append([]Instruction{}, b.code...)
	for at, label := range b.fixups {
		target, ok := b.labels[label]
		if !ok {
			return nil, fmt.Errorf("bytecode: undefined label %s", label)
		}
		code[at].Arg = uint64(target)
	}
	return code, nil
}

func (b *CodeBuilder) MustBuild() []Instruction {
	code, err := b.Build()
	if err != nil {
		panic(err)
	}
	return code
}

// ModuleBuilder assembles a Module, deduplicating handles and handing out
// pool indices as they are needed by code.
type ModuleBuilder struct {
	m *Module
}

func NewModule(addr types.Address, name string) *ModuleBuilder {
	return &ModuleBuilder{&Module{ID: types.ModuleID{Address: addr, Name: name}}}
}

func NewScript(addr types.Address) *ModuleBuilder {
	b := NewModule(addr, ScriptName)
	b.m.Script = true
	return b
}

func (b *ModuleBuilder) Self() types.ModuleID {
	return b.m.ID
}

// Adds a struct handle, reusing an existing handle for the same struct.
func (b *ModuleBuilder) StructHandle(h StructHandle) int {
	for i, existing := range b.m.StructHandles {
		if existing.Module == h.Module && existing.Name == h.Name {
			return i
		}
	}
	b.m.StructHandles = append(b.m.StructHandles, h)
	return len(b.m.StructHandles) - 1
}

// Declares and defines a struct owned by this module, returning its handle.
func (b *ModuleBuilder) Struct(name string, resource bool, typeParams []types.Kind, fields ...FieldDef) int {
	h := b.StructHandle(StructHandle{b.m.ID, name, resource, typeParams})
	b.m.Structs = append(b.m.Structs, StructDef{h, fields})
	return h
}

func (b *ModuleBuilder) StructInst(handle int, args ...types.Type) uint64 {
	b.m.StructInsts = append(b.m.StructInsts, StructInst{handle, args})
	return uint64(len(b.m.StructInsts) - 1)
}

func (b *ModuleBuilder) FieldInst(structInst uint64, field int) uint64 {
	b.m.FieldInsts = append(b.m.FieldInsts, FieldInst{int(structInst), field})
	return uint64(len(b.m.FieldInsts) - 1)
}

// Adds a function handle, reusing an existing handle for the same function.
func (b *ModuleBuilder) FunctionHandle(h FunctionHandle) int {
	for i, existing := range b.m.FunctionHandles {
		if existing.Module == h.Module && existing.Name == h.Name {
			return i
		}
	}
	b.m.FunctionHandles = append(b.m.FunctionHandles, h)
	return len(b.m.FunctionHandles) - 1
}

// Declares a function owned by this module without a body, so that code can
// refer to it (recursively, say) before Define is called.
func (b *ModuleBuilder) Declare(name string, typeParams []types.Kind, params []types.Type, returns []types.Type) int {
	return b.FunctionHandle(FunctionHandle{b.m.ID, name, typeParams, params, returns})
}

func (b *ModuleBuilder) Define(handle int, public bool, locals []types.Type, code []Instruction) {
	b.m.Functions = append(b.m.Functions, FunctionDef{Handle: handle, Public: public, Locals: locals, Code: code})
}

func (b *ModuleBuilder) Native(name string, typeParams []types.Kind, params []types.Type, returns []types.Type) int {
	h := b.Declare(name, typeParams, params, returns)
	b.m.Functions = append(b.m.Functions, FunctionDef{Handle: h, Public: true, Native: true})
	return h
}

func (b *ModuleBuilder) FunctionInst(handle int, args ...types.Type) uint64 {
	b.m.FunctionInsts = append(b.m.FunctionInsts, FunctionInst{handle, args})
	return uint64(len(b.m.FunctionInsts) - 1)
}

// Adds a constant, encoding the Go value in its canonical form.
func (b *ModuleBuilder) Constant(v any) uint64 {
	c, err := EncodeConstant(v)
	if err != nil {
		panic(err)
	}
	b.m.Constants = append(b.m.Constants, c)
	return uint64(len(b.m.Constants) - 1)
}

func (b *ModuleBuilder) Build() *Module {
	return b.m
}
