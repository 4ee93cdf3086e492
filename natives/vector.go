package natives

import (
	"github.com/glossopoeia/mvm/runtime"
	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/types"
)

func outOfBounds(index uint64, length int) error {
	return status.Newf(status.VectorIndexOutOfBounds, "index %d out of bounds for length %d", index, length)
}

func vectorDeclarations() []declaration {
	all := []types.Kind{types.All}
	ref, mut := types.Ref(vecT0), types.MutRef(vecT0)
	u64 := types.U64
	return []declaration{
		{module: "Vector", name: "empty", typeParams: all, returns: []types.Type{vecT0}, fn: vectorEmpty},
		{module: "Vector", name: "length", typeParams: all, params: []types.Type{ref}, returns: []types.Type{u64}, fn: vectorLength},
		{module: "Vector", name: "borrow", typeParams: all, params: []types.Type{ref, u64}, returns: []types.Type{types.Ref(t0)}, fn: vectorBorrow(false)},
		{module: "Vector", name: "borrow_mut", typeParams: all, params: []types.Type{mut, u64}, returns: []types.Type{types.MutRef(t0)}, fn: vectorBorrow(true)},
		{module: "Vector", name: "push_back", typeParams: all, params: []types.Type{mut, t0}, fn: vectorPushBack},
		{module: "Vector", name: "pop_back", typeParams: all, params: []types.Type{mut}, returns: []types.Type{t0}, fn: vectorPopBack},
		{module: "Vector", name: "destroy_empty", typeParams: all, params: []types.Type{vecT0}, fn: vectorDestroyEmpty},
		{module: "Vector", name: "swap", typeParams: all, params: []types.Type{mut, u64, u64}, fn: vectorSwap},
	}
}

func vectorEmpty(ctx *runtime.NativeContext, typeArgs []types.Type, args []runtime.Value) ([]runtime.Value, error) {
	return []runtime.Value{runtime.NewVector()}, nil
}

func vectorLength(ctx *runtime.NativeContext, typeArgs []types.Type, args []runtime.Value) ([]runtime.Value, error) {
	vec, err := ctx.Vector(args[0].(runtime.Ref), false)
	if err != nil {
		return nil, err
	}
	return []runtime.Value{uint64(len(vec.Elems))}, nil
}

func vectorBorrow(mutable bool) runtime.NativeFunc {
	return func(ctx *runtime.NativeContext, typeArgs []types.Type, args []runtime.Value) ([]runtime.Value, error) {
		r := args[0].(runtime.Ref)
		vec, err := ctx.Vector(r, false)
		if err != nil {
			return nil, err
		}
		idx := args[1].(uint64)
		if idx >= uint64(len(vec.Elems)) {
			return nil, outOfBounds(idx, len(vec.Elems))
		}
		return []runtime.Value{ctx.BorrowElement(r, int(idx), mutable)}, nil
	}
}

func vectorPushBack(ctx *runtime.NativeContext, typeArgs []types.Type, args []runtime.Value) ([]runtime.Value, error) {
	vec, err := ctx.Vector(args[0].(runtime.Ref), true)
	if err != nil {
		return nil, err
	}
	vec.Elems = append(vec.Elems, args[1])
	return nil, nil
}

func vectorPopBack(ctx *runtime.NativeContext, typeArgs []types.Type, args []runtime.Value) ([]runtime.Value, error) {
	vec, err := ctx.Vector(args[0].(runtime.Ref), true)
	if err != nil {
		return nil, err
	}
	n := len(vec.Elems)
	if n == 0 {
		return nil, outOfBounds(0, 0)
	}
	last := vec.Elems[n-1]
	vec.Elems[n-1] = nil
	vec.Elems = vec.Elems[:n-1]
	return []runtime.Value{last}, nil
}

func vectorDestroyEmpty(ctx *runtime.NativeContext, typeArgs []types.Type, args []runtime.Value) ([]runtime.Value, error) {
	vec := args[0].(*runtime.Vector)
	if len(vec.Elems) != 0 {
		return nil, status.Newf(status.VectorNotEmpty, "destroying vector of length %d", len(vec.Elems))
	}
	return nil, nil
}

func vectorSwap(ctx *runtime.NativeContext, typeArgs []types.Type, args []runtime.Value) ([]runtime.Value, error) {
	vec, err := ctx.Vector(args[0].(runtime.Ref), true)
	if err != nil {
		return nil, err
	}
	i, j := args[1].(uint64), args[2].(uint64)
	for _, idx := range []uint64{i, j} {
		if idx >= uint64(len(vec.Elems)) {
			return nil, outOfBounds(idx, len(vec.Elems))
		}
	}
	vec.Elems[i], vec.Elems[j] = vec.Elems[j], vec.Elems[i]
	return nil, nil
}
