package natives

import (
	"github.com/pkg/errors"

	"github.com/glossopoeia/mvm/runtime"
	"github.com/glossopoeia/mvm/types"
)

// Natives reading what the host knows about the running transaction: the
// block it is part of and the prices its oracle quotes.
func hostDeclarations() []declaration {
	return []declaration{
		{module: "Block", name: "get_current_block_height", returns: []types.Type{types.U64}, fn: blockHeight},
		{module: "Time", name: "now", returns: []types.Type{types.U64}, fn: now},
		{module: "Oracle", name: "get_price", params: []types.Type{bytesT}, returns: []types.Type{types.U128},
			size: byteLen(0), fn: price},
	}
}

func blockHeight(ctx *runtime.NativeContext, typeArgs []types.Type, args []runtime.Value) ([]runtime.Value, error) {
	return []runtime.Value{ctx.Context().BlockHeight}, nil
}

func now(ctx *runtime.NativeContext, typeArgs []types.Type, args []runtime.Value) ([]runtime.Value, error) {
	return []runtime.Value{ctx.Context().Timestamp}, nil
}

func price(ctx *runtime.NativeContext, typeArgs []types.Type, args []runtime.Value) ([]runtime.Value, error) {
	ticker, ok := runtime.ToBytes(args[0])
	if !ok {
		return nil, errors.New("ticker is not a byte vector")
	}
	p, ok := ctx.Price(string(ticker))
	if !ok {
		return nil, errors.Errorf("no price for %q", ticker)
	}
	return []runtime.Value{p}, nil
}
