// Package fixedmath provides checked 18-decimal fixed-point arithmetic for
// collateral ratios and price conversions.
//
// All quantities are big integers denominated in 1e18 base units. Division
// truncates toward zero — a deliberate, testable rounding policy, not an
// approximation. Operands and results are bounded to 256 bits; the
// intermediate product of MulDiv runs at full width, so a*b/c never loses
// precision before the final division.
package fixedmath

import (
	"errors"
	"math/big"
)

var (
	// ErrArithmeticOverflow is returned when an operand or result exceeds
	// the 256-bit representable range.
	ErrArithmeticOverflow = errors.New("fixedmath: value exceeds 256 bits")

	// ErrDivisionByZero is returned when a divisor is zero.
	ErrDivisionByZero = errors.New("fixedmath: division by zero")
)

// One is the fixed-point representation of 1.0 (1e18).
var One = mustBig("1000000000000000000")

var hundred = big.NewInt(100)

const maxBits = 256

func mustBig(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("fixedmath: invalid integer constant " + value)
	}
	return v
}

// MulDiv computes a*b/c with a full-width intermediate product and
// truncation toward zero. Nil operands count as zero; a nil or zero
// divisor fails with ErrDivisionByZero.
func MulDiv(a, b, c *big.Int) (*big.Int, error) {
	if c == nil || c.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	if a == nil || b == nil {
		return big.NewInt(0), nil
	}
	if a.BitLen() > maxBits || b.BitLen() > maxBits || c.BitLen() > maxBits {
		return nil, ErrArithmeticOverflow
	}
	product := new(big.Int).Mul(a, b)
	result := product.Quo(product, c)
	if result.BitLen() > maxBits {
		return nil, ErrArithmeticOverflow
	}
	return result, nil
}

// PercentOf returns value*percent/100, truncated toward zero.
func PercentOf(value *big.Int, percent uint64) (*big.Int, error) {
	return MulDiv(value, new(big.Int).SetUint64(percent), hundred)
}
