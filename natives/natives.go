// Package natives holds the standard native functions published under the
// core address, together with the modules that declare them.
package natives

import (
	"github.com/tliron/commonlog"

	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/runtime"
	"github.com/glossopoeia/mvm/types"
)

var log = commonlog.GetLogger("mvm.natives")

// A native declaration: the module and signature bytecode sees, plus the
// implementation the dispatcher runs.
type declaration struct {
	module     string
	name       string
	typeParams []types.Kind
	params     []types.Type
	returns    []types.Type
	size       func(ctx *runtime.NativeContext, args []runtime.Value) (uint64, error)
	fn         runtime.NativeFunc
}

func (d declaration) qualifiedName() string {
	return types.ModuleID{Address: types.CoreAddress, Name: d.module}.String() + "::" + d.name
}

var (
	bytesT = types.Vector{Elem: types.U8}
	t0     = types.Param{Index: 0}
	vecT0  = types.Vector{Elem: t0}
)

func declarations() []declaration {
	var decls []declaration
	decls = append(decls, hashDeclarations()...)
	decls = append(decls, signatureDeclarations()...)
	decls = append(decls, vectorDeclarations()...)
	decls = append(decls, eventDeclarations()...)
	decls = append(decls, hostDeclarations()...)
	return decls
}

// Register adds every standard native to the table.
func Register(table *runtime.NativeTable) {
	for _, d := range declarations() {
		table.Register(&runtime.Native{Name: d.qualifiedName(), Size: d.size, Fn: d.fn})
	}
}

// Modules builds the core modules declaring the standard natives. They must
// be published before code that calls the natives can link.
func Modules() []*bytecode.Module {
	builders := map[string]*bytecode.ModuleBuilder{}
	var order []string
	for _, d := range declarations() {
		b, ok := builders[d.module]
		if !ok {
			b = bytecode.NewModule(types.CoreAddress, d.module)
			builders[d.module] = b
			order = append(order, d.module)
		}
		b.Native(d.name, d.typeParams, d.params, d.returns)
	}
	mods := make([]*bytecode.Module, len(order))
	for i, name := range order {
		mods[i] = builders[name].Build()
	}
	return mods
}

// byteLen sizes natives over one vector<u8> argument at the given position.
func byteLen(pos int) func(ctx *runtime.NativeContext, args []runtime.Value) (uint64, error) {
	return func(ctx *runtime.NativeContext, args []runtime.Value) (uint64, error) {
		vec, ok := args[pos].(*runtime.Vector)
		if !ok {
			return 0, nil
		}
		return uint64(len(vec.Elems)), nil
	}
}
