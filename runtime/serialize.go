package runtime

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/types"
)

// ValueCodec turns values into canonical CBOR and back, guided by their
// type. Integers encode as CBOR unsigned integers except u128, which encodes
// as a 16-byte big-endian string like addresses do. Vectors and structs are
// CBOR arrays.
type ValueCodec struct {
	layouts  LayoutResolver
	maxDepth int
	enc      cbor.EncMode
}

func NewValueCodec(layouts LayoutResolver, maxDepth int) *ValueCodec {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("runtime: failed to create CBOR enc mode: %v", err))
	}
	return &ValueCodec{layouts, maxDepth, enc}
}

func (c *ValueCodec) Encode(v Value, t types.Type) ([]byte, error) {
	w, err := c.toWire(v, t, 0)
	if err != nil {
		return nil, err
	}
	return c.enc.Marshal(w)
}

func (c *ValueCodec) Decode(data []byte, t types.Type) (Value, error) {
	var w any
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, status.Wrap(status.StorageError, errors.Wrapf(err, "decoding %s", t))
	}
	return c.fromWire(w, t, 0)
}

func (c *ValueCodec) depthCheck(t types.Type, depth int) error {
	if depth > c.maxDepth {
		return status.Newf(status.RecursiveTypeInstantiation, "value of %s nests deeper than %d", t, c.maxDepth)
	}
	return nil
}

func (c *ValueCodec) toWire(v Value, t types.Type, depth int) (any, error) {
	if err := c.depthCheck(t, depth); err != nil {
		return nil, err
	}
	switch tt := t.(type) {
	case types.Prim:
		switch val := v.(type) {
		case bool, uint8, uint64:
			return val, nil
		case U128:
			full := val.Bytes32()
			return full[16:], nil
		case types.Address:
			return val[:], nil
		}
	case types.Vector:
		vec, ok := v.(*Vector)
		if !ok {
			break
		}
		res := make([]any, len(vec.Elems))
		for i, e := range vec.Elems {
			w, err := c.toWire(e, tt.Elem, depth+1)
			if err != nil {
				return nil, err
			}
			res[i] = w
		}
		return res, nil
	case types.Struct:
		s, ok := v.(*Struct)
		if !ok {
			break
		}
		fields, err := c.layouts.FieldTypes(tt)
		if err != nil {
			return nil, err
		}
		if len(fields) != len(s.Fields) {
			break
		}
		res := make([]any, len(s.Fields))
		for i, f := range s.Fields {
			w, err := c.toWire(f, fields[i], depth+1)
			if err != nil {
				return nil, err
			}
			res[i] = w
		}
		return res, nil
	}
	return nil, status.Invariantf("cannot serialize %T as %s", v, t)
}

func (c *ValueCodec) fromWire(w any, t types.Type, depth int) (Value, error) {
	if err := c.depthCheck(t, depth); err != nil {
		return nil, err
	}
	bad := status.Newf(status.StorageError, "stored value does not match %s", t)
	switch tt := t.(type) {
	case types.Prim:
		switch tt {
		case types.Bool:
			if b, ok := w.(bool); ok {
				return b, nil
			}
		case types.U8:
			if n, ok := w.(uint64); ok && n <= 0xFF {
				return uint8(n), nil
			}
		case types.U64:
			if n, ok := w.(uint64); ok {
				return n, nil
			}
		case types.U128:
			if b, ok := w.([]byte); ok && len(b) == 16 {
				return *new(uint256.Int).SetBytes(b), nil
			}
		case types.Addr:
			if b, ok := w.([]byte); ok && len(b) == types.AddressLength {
				var a types.Address
				copy(a[:], b)
				return a, nil
			}
		}
		return nil, bad
	case types.Vector:
		arr, ok := w.([]any)
		if !ok {
			return nil, bad
		}
		elems := make([]Value, len(arr))
		for i, e := range arr {
			v, err := c.fromWire(e, tt.Elem, depth+1)
			if err != nil {
				return nil, err
			}
			elems[i] = v
		}
		return &Vector{elems}, nil
	case types.Struct:
		arr, ok := w.([]any)
		if !ok {
			return nil, bad
		}
		fields, err := c.layouts.FieldTypes(tt)
		if err != nil {
			return nil, err
		}
		if len(fields) != len(arr) {
			return nil, bad
		}
		vals := make([]Value, len(arr))
		for i, f := range arr {
			v, err := c.fromWire(f, fields[i], depth+1)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		return &Struct{vals}, nil
	default:
		return nil, status.Invariantf("cannot deserialize values of %s", t)
	}
}
