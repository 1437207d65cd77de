// Package fixed implements the venue's fixed-point arithmetic.
//
// Prices, sizes and collateral share one scale: an int64 holds the value
// multiplied by Scale. Products are computed in 128 bits and only the final
// quotient has to fit in 64 bits.
package fixed

import (
	"errors"
	"math"
	"math/bits"

	"github.com/shopspring/decimal"
)

const (
	// Decimals is the number of fractional digits carried by every amount.
	Decimals = 6
	// Scale is 10^Decimals.
	Scale int64 = 1_000_000
	// BpsDenominator converts basis points to a ratio.
	BpsDenominator int64 = 10_000
)

var (
	ErrOverflow  = errors.New("fixed: overflow")
	ErrPrecision = errors.New("fixed: too many decimal places")
	ErrSyntax    = errors.New("fixed: invalid number")
)

var maxDecimal = decimal.NewFromInt(math.MaxInt64)

// MulDiv returns a*b/c truncated toward zero. It panics when c is zero or
// the quotient does not fit in an int64.
func MulDiv(a, b, c int64) int64 {
	q, _, err := mulDiv(a, b, c)
	if err != nil {
		panic(err)
	}
	return q
}

// MulDivUp is MulDiv rounded away from zero.
func MulDivUp(a, b, c int64) int64 {
	q, err := CheckedMulDivUp(a, b, c)
	if err != nil {
		panic(err)
	}
	return q
}

// CheckedMulDiv is MulDiv reporting ErrOverflow instead of panicking.
func CheckedMulDiv(a, b, c int64) (int64, error) {
	q, _, err := mulDiv(a, b, c)
	return q, err
}

// CheckedMulDivUp is MulDivUp reporting ErrOverflow instead of panicking.
func CheckedMulDivUp(a, b, c int64) (int64, error) {
	q, rem, err := mulDiv(a, b, c)
	if err != nil || rem == 0 {
		return q, err
	}
	if (a < 0) != (b < 0) != (c < 0) {
		if q == math.MinInt64 {
			return 0, ErrOverflow
		}
		return q - 1, nil
	}
	if q == math.MaxInt64 {
		return 0, ErrOverflow
	}
	return q + 1, nil
}

// CheckedAdd returns a+b or ErrOverflow.
func CheckedAdd(a, b int64) (int64, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, ErrOverflow
	}
	return s, nil
}

func mulDiv(a, b, c int64) (int64, uint64, error) {
	if c == 0 {
		panic("fixed: division by zero")
	}
	neg := (a < 0) != (b < 0) != (c < 0)

	hi, lo := bits.Mul64(abs(a), abs(b))
	den := abs(c)
	if hi >= den {
		return 0, 0, ErrOverflow
	}
	q, rem := bits.Div64(hi, lo, den)

	if neg {
		if q > uint64(math.MaxInt64)+1 {
			return 0, 0, ErrOverflow
		}
		return -int64(q), rem, nil
	}
	if q > math.MaxInt64 {
		return 0, 0, ErrOverflow
	}
	return int64(q), rem, nil
}

func abs(v int64) uint64 {
	if v < 0 {
		return uint64(-(v + 1)) + 1
	}
	return uint64(v)
}

// Notional is price*size in collateral units.
func Notional(price, size int64) int64 {
	return MulDiv(price, size, Scale)
}

// CheckedNotional is Notional reporting ErrOverflow instead of panicking.
func CheckedNotional(price, size int64) (int64, error) {
	return CheckedMulDiv(price, size, Scale)
}

// Bps applies a basis point rate to an amount, truncating.
func Bps(amount, bps int64) int64 {
	return MulDiv(amount, bps, BpsDenominator)
}

// BpsUp applies a basis point rate to an amount, rounding up.
func BpsUp(amount, bps int64) int64 {
	return MulDivUp(amount, bps, BpsDenominator)
}

// CheckedBpsUp is BpsUp reporting ErrOverflow instead of panicking.
func CheckedBpsUp(amount, bps int64) (int64, error) {
	return CheckedMulDivUp(amount, bps, BpsDenominator)
}

// Parse converts a decimal string such as "2010.5" into scaled units.
func Parse(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrSyntax
	}
	return FromDecimal(d)
}

// FromDecimal scales d into fixed units.
func FromDecimal(d decimal.Decimal) (int64, error) {
	scaled := d.Shift(Decimals)
	if !scaled.IsInteger() {
		return 0, ErrPrecision
	}
	if scaled.Abs().GreaterThan(maxDecimal) {
		return 0, ErrOverflow
	}
	return scaled.IntPart(), nil
}

// Decimal converts scaled units back into a decimal value.
func Decimal(v int64) decimal.Decimal {
	return decimal.New(v, -Decimals)
}

// Format renders scaled units without trailing zeros.
func Format(v int64) string {
	return Decimal(v).String()
}

// Units converts a whole number into scaled units.
func Units(n int64) int64 {
	return n * Scale
}
