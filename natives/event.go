package natives

import (
	"github.com/davecgh/go-spew/spew"

	"github.com/glossopoeia/mvm/runtime"
	"github.com/glossopoeia/mvm/types"
)

func eventDeclarations() []declaration {
	return []declaration{
		{module: "Event", name: "emit", typeParams: []types.Kind{types.Copyable}, params: []types.Type{t0},
			size: valueSize, fn: emit},
		{module: "Debug", name: "print", typeParams: []types.Kind{types.All}, params: []types.Type{types.Ref(t0)},
			fn: debugPrint},
	}
}

func valueSize(ctx *runtime.NativeContext, args []runtime.Value) (uint64, error) {
	return runtime.Size(args[0]), nil
}

func emit(ctx *runtime.NativeContext, typeArgs []types.Type, args []runtime.Value) ([]runtime.Value, error) {
	return nil, ctx.Emit(typeArgs[0], args[0])
}

func debugPrint(ctx *runtime.NativeContext, typeArgs []types.Type, args []runtime.Value) ([]runtime.Value, error) {
	v, err := ctx.ReadRef(args[0].(runtime.Ref))
	if err != nil {
		return nil, err
	}
	log.Infof("[debug] %s: %s", typeArgs[0], spew.Sdump(v))
	return nil, nil
}
