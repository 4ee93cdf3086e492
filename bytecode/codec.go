package bytecode

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/types"
)

// Constants use fixed-width big-endian encodings: one byte for bool and u8,
// eight for u64, sixteen for u128 and address. vector<u8> is stored raw.

var bytesType = types.Vector{Elem: types.U8}

func ReadUInt64(data []byte, offset int) (uint64, int) {
	result := (uint64(data[offset]) << 56) |
		(uint64(data[offset+1]) << 48) |
		(uint64(data[offset+2]) << 40) |
		(uint64(data[offset+3]) << 32) |
		(uint64(data[offset+4]) << 24) |
		(uint64(data[offset+5]) << 16) |
		(uint64(data[offset+6]) << 8) |
		uint64(data[offset+7])
	return result, offset + 8
}

func WriteUInt64(buf []byte, val uint64) []byte {
	return append(buf,
		byte(val>>56),
		byte(val>>48),
		byte(val>>40),
		byte(val>>32),
		byte(val>>24),
		byte(val>>16),
		byte(val>>8),
		byte(val))
}

func ReadUInt128(data []byte, offset int) (*uint256.Int, int) {
	return new(uint256.Int).SetBytes(data[offset : offset+16]), offset + 16
}

func WriteUInt128(buf []byte, val *uint256.Int) []byte {
	full := val.Bytes32()
	return append(buf, full[16:]...)
}

// Whether a type may appear in the constant pool.
func IsConstantType(t types.Type) bool {
	if p, ok := t.(types.Prim); ok {
		return p != 0
	}
	return types.Equal(t, bytesType)
}

func constantWidth(t types.Type) int {
	switch t {
	case types.Bool, types.U8:
		return 1
	case types.U64:
		return 8
	case types.U128, types.Addr:
		return 16
	default:
		return -1
	}
}

// Decodes a constant into a Go value: bool, uint8, uint64, *uint256.Int,
// types.Address or []byte.
func DecodeConstant(c Constant) (any, error) {
	if !IsConstantType(c.Type) {
		return nil, status.Newf(status.InvalidConstant, "type %s not allowed in constant pool", c.Type)
	}
	if types.Equal(c.Type, bytesType) {
		return append([]byte{}, c.Data...), nil
	}
	if w := constantWidth(c.Type); len(c.Data) != w {
		return nil, status.Newf(status.InvalidConstant, "%s constant has %d bytes, expected %d", c.Type, len(c.Data), w)
	}
	switch c.Type {
	case types.Bool:
		switch c.Data[0] {
		case 0:
			return false, nil
		case 1:
			return true, nil
		default:
			return nil, status.Newf(status.InvalidConstant, "bool constant byte %d", c.Data[0])
		}
	case types.U8:
		return c.Data[0], nil
	case types.U64:
		v, _ := ReadUInt64(c.Data, 0)
		return v, nil
	case types.U128:
		v, _ := ReadUInt128(c.Data, 0)
		return v, nil
	case types.Addr:
		var a types.Address
		copy(a[:], c.Data)
		return a, nil
	default:
		panic("Invalid constant type encountered.")
	}
}

// Encodes a Go value into a constant of the matching type.
func EncodeConstant(v any) (Constant, error) {
	switch val := v.(type) {
	case bool:
		b := byte(0)
		if val {
			b = 1
		}
		return Constant{types.Bool, []byte{b}}, nil
	case uint8:
		return Constant{types.U8, []byte{val}}, nil
	case uint64:
		return Constant{types.U64, WriteUInt64(nil, val)}, nil
	case *uint256.Int:
		if val.BitLen() > 128 {
			return Constant{}, fmt.Errorf("bytecode: u128 constant %s out of range", val.ToBig().String())
		}
		return Constant{types.U128, WriteUInt128(nil, val)}, nil
	case types.Address:
		return Constant{types.Addr, append([]byte{}, val[:]...)}, nil
	case []byte:
		return Constant{bytesType, append([]byte{}, val...)}, nil
	default:
		return Constant{}, fmt.Errorf("bytecode: cannot encode %T as a constant", v)
	}
}
