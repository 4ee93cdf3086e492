package runtime

import (
	"sync"

	"github.com/rjNemo/underscore"

	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/types"
)

// ModuleSource supplies module code by id. It returns a LinkerError when the
// module does not exist.
type ModuleSource interface {
	Module(id types.ModuleID) (*bytecode.Module, error)
}

// Function is a function definition resolved against its module.
type Function struct {
	Module     *LoadedModule
	Def        *bytecode.FunctionDef
	Handle     bytecode.FunctionHandle
	Name       string
	LocalTypes []types.Type
	Code       []bytecode.Instruction
	Native     *Native
}

func (f *Function) QualifiedName() string {
	return f.Module.ID.String() + "::" + f.Name
}

func (f *Function) IsNative() bool {
	return f.Native != nil
}

// StructType is a struct definition resolved against its module.
type StructType struct {
	ID         types.StructID
	Resource   bool
	TypeParams []types.Kind
	Fields     []types.Type
	FieldNames []string
}

// LoadedModule is a linked module: every handle it uses points at a resolved
// definition, possibly in another loaded module.
type LoadedModule struct {
	*bytecode.Module
	functions []*Function
	// Indexed by handle.
	calls   []*Function
	structs []*StructType
}

func (lm *LoadedModule) FunctionByName(name string) (*Function, bool) {
	fn, err := underscore.Find(lm.functions, func(f *Function) bool { return f.Name == name })
	return fn, err == nil
}

func (lm *LoadedModule) Functions() []*Function {
	return lm.functions
}

// Loader links modules on demand and caches them. It is safe for concurrent
// use; linked modules are immutable.
type Loader struct {
	mu       sync.Mutex
	source   ModuleSource
	natives  *NativeTable
	modules  map[types.ModuleID]*LoadedModule
	kinds    *types.Kinds
	maxDepth int
}

func NewLoader(source ModuleSource, natives *NativeTable, maxTypeDepth int, kindCacheSize int) *Loader {
	l := &Loader{
		source:   source,
		natives:  natives,
		modules:  map[types.ModuleID]*LoadedModule{},
		maxDepth: maxTypeDepth,
	}
	l.kinds = types.NewKinds(l, maxTypeDepth, kindCacheSize)
	return l
}

func (l *Loader) Kinds() *types.Kinds {
	return l.kinds
}

func (l *Loader) MaxTypeDepth() int {
	return l.maxDepth
}

// Load links the module with the given id and everything it depends on.
func (l *Loader) Load(id types.ModuleID) (*LoadedModule, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(id, map[types.ModuleID]bool{})
}

// LoadScript links a script against the loaded modules. Scripts are never
// cached.
func (l *Loader) LoadScript(m *bytecode.Module) (*LoadedModule, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.link(m, map[types.ModuleID]bool{m.ID: true})
}

// Forget drops a cached module, used when a publish is rolled back.
func (l *Loader) Forget(id types.ModuleID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.modules, id)
}

func (l *Loader) load(id types.ModuleID, visiting map[types.ModuleID]bool) (*LoadedModule, error) {
	if lm, ok := l.modules[id]; ok {
		return lm, nil
	}
	if visiting[id] {
		return nil, status.Newf(status.LinkerError, "cyclic dependency through %s", id)
	}
	m, err := l.source.Module(id)
	if err != nil {
		return nil, err
	}
	if m.ID != id {
		return nil, status.Newf(status.LinkerError, "module stored as %s declares itself %s", id, m.ID)
	}
	visiting[id] = true
	defer delete(visiting, id)

	lm, err := l.link(m, visiting)
	if err != nil {
		return nil, err
	}
	l.modules[id] = lm
	return lm, nil
}

func (l *Loader) link(m *bytecode.Module, visiting map[types.ModuleID]bool) (*LoadedModule, error) {
	lm := &LoadedModule{Module: m}

	for _, dep := range m.Dependencies() {
		if _, err := l.load(dep, visiting); err != nil {
			return nil, err
		}
	}

	lm.structs = make([]*StructType, len(m.StructHandles))
	for i, h := range m.StructHandles {
		st, err := l.resolveStructHandle(m, h)
		if err != nil {
			return nil, err
		}
		lm.structs[i] = st
	}

	for i := range m.Functions {
		def := &m.Functions[i]
		h := m.FunctionHandles[def.Handle]
		fn := &Function{Module: lm, Def: def, Handle: h, Name: h.Name, LocalTypes: m.LocalTypes(def), Code: def.Code}
		if def.Native {
			qualified := fn.QualifiedName()
			native, ok := l.natives.Lookup(qualified)
			if !ok {
				return nil, status.Newf(status.LinkerError, "missing native %s", qualified)
			}
			fn.Native = native
		}
		lm.functions = append(lm.functions, fn)
	}

	lm.calls = make([]*Function, len(m.FunctionHandles))
	for i, h := range m.FunctionHandles {
		if h.Module == m.ID {
			fn, ok := lm.FunctionByName(h.Name)
			if !ok {
				return nil, status.Newf(status.LinkerError, "function %s declared but not defined", h)
			}
			lm.calls[i] = fn
			continue
		}
		dep := l.modules[h.Module]
		fn, ok := dep.FunctionByName(h.Name)
		if !ok {
			return nil, status.Newf(status.LinkerError, "unknown function %s", h)
		}
		if !fn.Def.Public {
			return nil, status.Newf(status.LinkerError, "function %s is not public", h)
		}
		if !sameSignature(h, fn.Handle) {
			return nil, status.Newf(status.LinkerError, "signature of %s does not match its definition", h)
		}
		lm.calls[i] = fn
	}
	return lm, nil
}

func (l *Loader) resolveStructHandle(m *bytecode.Module, h bytecode.StructHandle) (*StructType, error) {
	var owner *bytecode.Module
	if h.Module == m.ID {
		owner = m
	} else {
		owner = l.modules[h.Module].Module
	}
	def, ok := owner.FindStruct(h.Name)
	if !ok {
		return nil, status.Newf(status.LinkerError, "unknown struct %s", h.ID())
	}
	declared := owner.StructHandles[def.Handle]
	if declared.Resource != h.Resource || !sameKinds(declared.TypeParams, h.TypeParams) {
		return nil, status.Newf(status.LinkerError, "handle for %s does not match its definition", h.ID())
	}
	st := &StructType{ID: h.ID(), Resource: h.Resource, TypeParams: h.TypeParams}
	for _, f := range def.Fields {
		st.Fields = append(st.Fields, f.Type)
		st.FieldNames = append(st.FieldNames, f.Name)
	}
	return st, nil
}

func sameKinds(l []types.Kind, r []types.Kind) bool {
	if len(l) != len(r) {
		return false
	}
	for i := range l {
		if l[i] != r[i] {
			return false
		}
	}
	return true
}

func sameSignature(l bytecode.FunctionHandle, r bytecode.FunctionHandle) bool {
	return sameKinds(l.TypeParams, r.TypeParams) && types.EqualAll(l.Params, r.Params) && types.EqualAll(l.Returns, r.Returns)
}

// Struct returns the resolved struct behind a handle of a loaded module.
func (lm *LoadedModule) Struct(handle int) *StructType {
	return lm.structs[handle]
}

// Callee returns the resolved function behind a handle of a loaded module.
func (lm *LoadedModule) Callee(handle int) *Function {
	return lm.calls[handle]
}

// ResolveStruct implements types.StructResolver over loaded modules, loading
// the owning module on demand.
func (l *Loader) ResolveStruct(id types.StructID) (*types.StructInfo, error) {
	st, err := l.structType(id)
	if err != nil {
		return nil, err
	}
	return &types.StructInfo{ID: st.ID, Resource: st.Resource, TypeParams: st.TypeParams, Fields: st.Fields}, nil
}

func (l *Loader) structType(id types.StructID) (*StructType, error) {
	lm, err := l.Load(id.Module)
	if err != nil {
		return nil, err
	}
	for _, st := range lm.structs {
		if st.ID == id {
			return st, nil
		}
	}
	return nil, status.Newf(status.LinkerError, "unknown struct %s", id)
}

// LayoutResolver gives the instantiated field types of a concrete struct
// type, which is what value serialization and argument checking walk.
type LayoutResolver interface {
	FieldTypes(s types.Struct) ([]types.Type, error)
}

func (l *Loader) FieldTypes(s types.Struct) ([]types.Type, error) {
	st, err := l.structType(s.ID)
	if err != nil {
		return nil, err
	}
	if len(st.TypeParams) != len(s.TypeArgs) {
		return nil, status.Newf(status.TypeArityMismatch, "%s expects %d type arguments, got %d", s.ID, len(st.TypeParams), len(s.TypeArgs))
	}
	return types.NewSubstitution(s.TypeArgs, l.maxDepth).ApplyAll(st.Fields)
}
