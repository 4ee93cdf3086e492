package bytecode

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/glossopoeia/mvm/types"
)

// The name every script unit carries, and the name of its single function.
const (
	ScriptName     = "script"
	ScriptFunction = "main"
)

// A struct referenced by a module, either its own or one it depends on.
type StructHandle struct {
	Module     types.ModuleID
	Name       string
	Resource   bool
	TypeParams []types.Kind
}

func (h StructHandle) ID() types.StructID {
	return types.StructID{Module: h.Module, Name: h.Name}
}

// A function referenced by a module. Params and Returns may mention the
// function's own type parameters.
type FunctionHandle struct {
	Module     types.ModuleID
	Name       string
	TypeParams []types.Kind
	Params     []types.Type
	Returns    []types.Type
}

func (h FunctionHandle) String() string {
	return fmt.Sprintf("%s::%s", h.Module, h.Name)
}

type FieldDef struct {
	Name string
	Type types.Type
}

// A struct declared by this module. Handle indexes StructHandles and must
// name a handle owned by the module.
type StructDef struct {
	Handle int
	Fields []FieldDef
}

// A function declared by this module. Locals lists the slots past the
// parameters; the frame's local count is len(Params) + len(Locals). Native
// functions carry no code.
type FunctionDef struct {
	Handle int
	Public bool
	Native bool
	Locals []types.Type
	Code   []Instruction
}

// Constants are stored in their canonical byte encoding. Only primitive types
// and vector<u8> are allowed in the pool.
type Constant struct {
	Type types.Type
	Data []byte
}

// Generic instantiation tables. Instructions that name a struct or function
// point at one of these, so the same opcode form serves generic and
// non-generic code. TypeArgs may mention the enclosing function's parameters.
type StructInst struct {
	Handle   int
	TypeArgs []types.Type
}

type FunctionInst struct {
	Handle   int
	TypeArgs []types.Type
}

// A field of a struct instantiation. Struct indexes StructInsts.
type FieldInst struct {
	Struct int
	Field  int
}

// Module is the in-memory form of a compiled module or script. It is
// immutable once handed to the verifier.
type Module struct {
	ID              types.ModuleID
	Script          bool
	StructHandles   []StructHandle
	FunctionHandles []FunctionHandle
	Structs         []StructDef
	Functions       []FunctionDef
	Constants       []Constant
	StructInsts     []StructInst
	FunctionInsts   []FunctionInst
	FieldInsts      []FieldInst
}

func (m *Module) Name() string {
	return m.ID.String()
}

// Finds the definition of a struct handle owned by this module.
func (m *Module) StructDefOf(handle int) (*StructDef, bool) {
	for i := range m.Structs {
		if m.Structs[i].Handle == handle {
			return &m.Structs[i], true
		}
	}
	return nil, false
}

// Finds a function definition by name.
func (m *Module) FindFunction(name string) (int, *FunctionDef, bool) {
	for i := range m.Functions {
		def := &m.Functions[i]
		if def.Handle >= 0 && def.Handle < len(m.FunctionHandles) && m.FunctionHandles[def.Handle].Name == name {
			return i, def, true
		}
	}
	return -1, nil, false
}

// Finds a struct definition by name.
func (m *Module) FindStruct(name string) (*StructDef, bool) {
	for i := range m.Structs {
		def := &m.Structs[i]
		if def.Handle >= 0 && def.Handle < len(m.StructHandles) && m.StructHandles[def.Handle].Name == name {
			return def, true
		}
	}
	return nil, false
}

func (m *Module) FunctionHandleOf(def *FunctionDef) FunctionHandle {
	return m.FunctionHandles[def.Handle]
}

// The locals of a function in slot order: parameters first.
func (m *Module) LocalTypes(def *FunctionDef) []types.Type {
	h := m.FunctionHandles[def.Handle]
	res := make([]types.Type, 0, len(h.Params)+len(def.Locals))
	res = append(res, h.Params...)
	return append(res, def.Locals...)
}

// Struct infos for every struct this module defines, for kind computation.
// Assumes handles are in bounds.
func (m *Module) StructInfos() []*types.StructInfo {
	infos := make([]*types.StructInfo, 0, len(m.Structs))
	for _, def := range m.Structs {
		h := m.StructHandles[def.Handle]
		fields := make([]types.Type, len(def.Fields))
		for i, f := range def.Fields {
			fields[i] = f.Type
		}
		infos = append(infos, &types.StructInfo{ID: h.ID(), Resource: h.Resource, TypeParams: h.TypeParams, Fields: fields})
	}
	return infos
}

// The other modules this one references through its handles, in a
// deterministic order.
func (m *Module) Dependencies() []types.ModuleID {
	seen := map[types.ModuleID]bool{m.ID: true}
	deps := []types.ModuleID{}
	add := func(id types.ModuleID) {
		if !seen[id] {
			seen[id] = true
			deps = append(deps, id)
		}
	}
	for _, h := range m.StructHandles {
		add(h.Module)
	}
	for _, h := range m.FunctionHandles {
		add(h.Module)
	}
	slices.SortFunc(deps, func(a, b types.ModuleID) int { return strings.Compare(a.String(), b.String()) })
	return deps
}
