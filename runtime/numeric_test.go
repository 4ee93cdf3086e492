package runtime

import (
	"math"
	"testing"
	"testing/quick"

	"github.com/holiman/uint256"

	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/status"
)

func u128(hex string) U128 {
	return *uint256.MustFromHex(hex)
}

func TestArith(t *testing.T) {
	testCases := []struct {
		name string
		op   bytecode.Opcode
		l, r Value
		exp  Value
		code status.Code
	}{
		{"AddU8", bytecode.ADD, uint8(200), uint8(55), uint8(255), 0},
		{"AddU8Overflow", bytecode.ADD, uint8(200), uint8(56), nil, status.ArithmeticOverflow},
		{"SubU64Underflow", bytecode.SUB, uint64(1), uint64(2), nil, status.ArithmeticOverflow},
		{"MulU64Overflow", bytecode.MUL, uint64(math.MaxUint32 + 1), uint64(math.MaxUint32 + 1), nil, status.ArithmeticOverflow},
		{"AddU128Max", bytecode.ADD, u128("0xfffffffffffffffffffffffffffffffe"), NewU128(1), u128("0xffffffffffffffffffffffffffffffff"), 0},
		{"AddU128Overflow", bytecode.ADD, u128("0xffffffffffffffffffffffffffffffff"), NewU128(1), nil, status.ArithmeticOverflow},
		{"MulU128Overflow", bytecode.MUL, u128("0x10000000000000000"), u128("0x10000000000000000"), nil, status.ArithmeticOverflow},
		{"ModU8Zero", bytecode.MOD, uint8(3), uint8(0), nil, status.DivisionByZero},
		{"DivU128Zero", bytecode.DIV, NewU128(3), NewU128(0), nil, status.DivisionByZero},
		{"XorU8", bytecode.XOR, uint8(0xF0), uint8(0xFF), uint8(0x0F), 0},
		{"ShlU8Truncates", bytecode.SHL, uint8(0x81), uint8(1), uint8(0x02), 0},
		{"ShlU128Truncates", bytecode.SHL, u128("0xffffffffffffffffffffffffffffffff"), uint8(127), u128("0x80000000000000000000000000000000"), 0},
		{"ShrU128TooFar", bytecode.SHR, NewU128(1), uint8(128), nil, status.ArithmeticOverflow},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Arith(tc.op, tc.l, tc.r)
			if tc.code != 0 {
				if code, _ := status.CodeOf(err); code != tc.code {
					t.Errorf("Expected %s, got %v", tc.code, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !Equals(res, tc.exp) {
				t.Errorf("Expected %v, got %v instead", tc.exp, res)
			}
		})
	}
}

func TestCast(t *testing.T) {
	testCases := []struct {
		name string
		op   bytecode.Opcode
		v    Value
		exp  Value
		ok   bool
	}{
		{"U64ToU8", bytecode.CAST_U8, uint64(255), uint8(255), true},
		{"U64ToU8TooLarge", bytecode.CAST_U8, uint64(256), nil, false},
		{"U128ToU64", bytecode.CAST_U64, NewU128(math.MaxUint64), uint64(math.MaxUint64), true},
		{"U128ToU64TooLarge", bytecode.CAST_U64, u128("0x10000000000000000"), nil, false},
		{"U8ToU128", bytecode.CAST_U128, uint8(7), NewU128(7), true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Cast(tc.op, tc.v)
			if !tc.ok {
				if code, _ := status.CodeOf(err); code != status.ArithmeticOverflow {
					t.Errorf("Expected overflow, got %v", err)
				}
				return
			}
			if err != nil || !Equals(res, tc.exp) {
				t.Errorf("Expected %v, got %v (%v)", tc.exp, res, err)
			}
		})
	}
}

func TestU64AddMatchesWideAdd(t *testing.T) {
	f := func(l, r uint64) bool {
		res, err := Add(l, r)
		wide := new(uint256.Int).Add(uint256.NewInt(l), uint256.NewInt(r))
		if !wide.IsUint64() {
			return err != nil
		}
		return err == nil && res.(uint64) == wide.Uint64()
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestCompare(t *testing.T) {
	f := func(l, r uint64) bool {
		lt := Comparison(bytecode.LT, NewU128(l), NewU128(r))
		ge := Comparison(bytecode.GE, l, r)
		return lt == (l < r) && ge == (l >= r)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}
