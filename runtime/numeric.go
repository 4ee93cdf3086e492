package runtime

import (
	"math"
	"math/bits"

	"github.com/holiman/uint256"

	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/status"
)

// Integer arithmetic over u8, u64 and u128. Both operands of a binary
// operation always have the same width in verified code; a mismatch here is
// an invariant violation and panics, which the interpreter turns into one.

var u128Max = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))

func overflow(op bytecode.Opcode) error {
	return status.Newf(status.ArithmeticOverflow, "%s overflowed", op)
}

func fitsU128(v *uint256.Int) bool {
	return v.BitLen() <= 128
}

func Arith(op bytecode.Opcode, l Value, r Value) (Value, error) {
	switch op {
	case bytecode.ADD:
		return Add(l, r)
	case bytecode.SUB:
		return Subtract(l, r)
	case bytecode.MUL:
		return Multiply(l, r)
	case bytecode.DIV:
		return Divide(l, r)
	case bytecode.MOD:
		return Modulo(l, r)
	case bytecode.BIT_OR, bytecode.BIT_AND, bytecode.XOR:
		return Bitwise(op, l, r), nil
	case bytecode.SHL:
		return ShiftLeft(l, r.(uint8))
	case bytecode.SHR:
		return ShiftRight(l, r.(uint8))
	default:
		panic("Invalid arithmetic instruction.")
	}
}

func Add(l Value, r Value) (Value, error) {
	switch lv := l.(type) {
	case uint8:
		res := uint16(lv) + uint16(r.(uint8))
		if res > math.MaxUint8 {
			return nil, overflow(bytecode.ADD)
		}
		return uint8(res), nil
	case uint64:
		res, carry := bits.Add64(lv, r.(uint64), 0)
		if carry != 0 {
			return nil, overflow(bytecode.ADD)
		}
		return res, nil
	case U128:
		rv := r.(U128)
		var res uint256.Int
		res.Add(&lv, &rv)
		if !fitsU128(&res) {
			return nil, overflow(bytecode.ADD)
		}
		return res, nil
	default:
		panic("Invalid addition argument type.")
	}
}

func Subtract(l Value, r Value) (Value, error) {
	switch lv := l.(type) {
	case uint8:
		rv := r.(uint8)
		if rv > lv {
			return nil, overflow(bytecode.SUB)
		}
		return lv - rv, nil
	case uint64:
		res, borrow := bits.Sub64(lv, r.(uint64), 0)
		if borrow != 0 {
			return nil, overflow(bytecode.SUB)
		}
		return res, nil
	case U128:
		rv := r.(U128)
		var res uint256.Int
		if _, under := res.SubOverflow(&lv, &rv); under {
			return nil, overflow(bytecode.SUB)
		}
		return res, nil
	default:
		panic("Invalid subtraction argument type.")
	}
}

func Multiply(l Value, r Value) (Value, error) {
	switch lv := l.(type) {
	case uint8:
		res := uint16(lv) * uint16(r.(uint8))
		if res > math.MaxUint8 {
			return nil, overflow(bytecode.MUL)
		}
		return uint8(res), nil
	case uint64:
		hi, lo := bits.Mul64(lv, r.(uint64))
		if hi != 0 {
			return nil, overflow(bytecode.MUL)
		}
		return lo, nil
	case U128:
		rv := r.(U128)
		var res uint256.Int
		// Two values below 2^128 cannot overflow 256 bits.
		res.Mul(&lv, &rv)
		if !fitsU128(&res) {
			return nil, overflow(bytecode.MUL)
		}
		return res, nil
	default:
		panic("Invalid multiplication argument type.")
	}
}

func divisionByZero(op bytecode.Opcode) error {
	return status.Newf(status.DivisionByZero, "%s by zero", op)
}

func Divide(l Value, r Value) (Value, error) {
	switch lv := l.(type) {
	case uint8:
		rv := r.(uint8)
		if rv == 0 {
			return nil, divisionByZero(bytecode.DIV)
		}
		return lv / rv, nil
	case uint64:
		rv := r.(uint64)
		if rv == 0 {
			return nil, divisionByZero(bytecode.DIV)
		}
		return lv / rv, nil
	case U128:
		rv := r.(U128)
		if rv.IsZero() {
			return nil, divisionByZero(bytecode.DIV)
		}
		var res uint256.Int
		res.Div(&lv, &rv)
		return res, nil
	default:
		panic("Invalid division argument type.")
	}
}

func Modulo(l Value, r Value) (Value, error) {
	switch lv := l.(type) {
	case uint8:
		rv := r.(uint8)
		if rv == 0 {
			return nil, divisionByZero(bytecode.MOD)
		}
		return lv % rv, nil
	case uint64:
		rv := r.(uint64)
		if rv == 0 {
			return nil, divisionByZero(bytecode.MOD)
		}
		return lv % rv, nil
	case U128:
		rv := r.(U128)
		if rv.IsZero() {
			return nil, divisionByZero(bytecode.MOD)
		}
		var res uint256.Int
		res.Mod(&lv, &rv)
		return res, nil
	default:
		panic("Invalid modulo argument type.")
	}
}

func Bitwise(op bytecode.Opcode, l Value, r Value) Value {
	switch lv := l.(type) {
	case uint8:
		rv := r.(uint8)
		switch op {
		case bytecode.BIT_OR:
			return lv | rv
		case bytecode.BIT_AND:
			return lv & rv
		default:
			return lv ^ rv
		}
	case uint64:
		rv := r.(uint64)
		switch op {
		case bytecode.BIT_OR:
			return lv | rv
		case bytecode.BIT_AND:
			return lv & rv
		default:
			return lv ^ rv
		}
	case U128:
		rv := r.(U128)
		var res uint256.Int
		switch op {
		case bytecode.BIT_OR:
			res.Or(&lv, &rv)
		case bytecode.BIT_AND:
			res.And(&lv, &rv)
		default:
			res.Xor(&lv, &rv)
		}
		return res
	default:
		panic("Invalid bitwise argument type.")
	}
}

// Shifts by the operand's bit width or more abort. Bits shifted out of a left
// shift are discarded.
func ShiftLeft(l Value, n uint8) (Value, error) {
	switch lv := l.(type) {
	case uint8:
		if n >= 8 {
			return nil, overflow(bytecode.SHL)
		}
		return lv << n, nil
	case uint64:
		if n >= 64 {
			return nil, overflow(bytecode.SHL)
		}
		return lv << n, nil
	case U128:
		if n >= 128 {
			return nil, overflow(bytecode.SHL)
		}
		var res uint256.Int
		res.Lsh(&lv, uint(n))
		res.And(&res, u128Max)
		return res, nil
	default:
		panic("Invalid shift argument type.")
	}
}

func ShiftRight(l Value, n uint8) (Value, error) {
	switch lv := l.(type) {
	case uint8:
		if n >= 8 {
			return nil, overflow(bytecode.SHR)
		}
		return lv >> n, nil
	case uint64:
		if n >= 64 {
			return nil, overflow(bytecode.SHR)
		}
		return lv >> n, nil
	case U128:
		if n >= 128 {
			return nil, overflow(bytecode.SHR)
		}
		var res uint256.Int
		res.Rsh(&lv, uint(n))
		return res, nil
	default:
		panic("Invalid shift argument type.")
	}
}

// Compare returns -1, 0 or 1 as l is less than, equal to or greater than r.
func Compare(l Value, r Value) int {
	switch lv := l.(type) {
	case uint8:
		rv := r.(uint8)
		switch {
		case lv < rv:
			return -1
		case lv > rv:
			return 1
		default:
			return 0
		}
	case uint64:
		rv := r.(uint64)
		switch {
		case lv < rv:
			return -1
		case lv > rv:
			return 1
		default:
			return 0
		}
	case U128:
		rv := r.(U128)
		return lv.Cmp(&rv)
	default:
		panic("Invalid comparison argument type.")
	}
}

func Comparison(op bytecode.Opcode, l Value, r Value) bool {
	c := Compare(l, r)
	switch op {
	case bytecode.LT:
		return c < 0
	case bytecode.GT:
		return c > 0
	case bytecode.LE:
		return c <= 0
	case bytecode.GE:
		return c >= 0
	default:
		panic("Invalid comparison instruction.")
	}
}

func toU128(v Value) U128 {
	switch val := v.(type) {
	case uint8:
		return NewU128(uint64(val))
	case uint64:
		return NewU128(val)
	case U128:
		return val
	default:
		panic("Invalid cast argument type.")
	}
}

// Cast converts between integer widths, aborting when the value does not fit
// the target.
func Cast(op bytecode.Opcode, v Value) (Value, error) {
	wide := toU128(v)
	switch op {
	case bytecode.CAST_U8:
		if wide.BitLen() > 8 {
			return nil, overflow(op)
		}
		return uint8(wide.Uint64()), nil
	case bytecode.CAST_U64:
		if !wide.IsUint64() {
			return nil, overflow(op)
		}
		return wide.Uint64(), nil
	case bytecode.CAST_U128:
		return wide, nil
	default:
		panic("Invalid cast instruction.")
	}
}
