package fixedpoint

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// All USD values and factors are 30-decimal fixed point. Token amounts stay
// in native token units; a token's price is scaled to 10^(30 - decimals) so
// that amount * price lands back on the 30-decimal USD scale.
const FloatDecimals = 30

var (
	// Float is 10^30, the unit factor.
	Float = new(big.Int).Exp(big.NewInt(10), big.NewInt(FloatDecimals), nil)

	// Wei is 10^18, the market-share token unit.
	Wei = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// Rounding selects the direction for inexact division.
type Rounding int

const (
	RoundDown Rounding = iota // toward zero
	RoundUp                   // away from zero
)

// Expand returns n * 10^decimals.
func Expand(n int64, decimals int64) *big.Int {
	exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil)
	return exp.Mul(exp, big.NewInt(n))
}

// FloatValue returns n * 10^(30-decimals), i.e. a 30-decimal value with
// `decimals` fractional digits. FloatValue(5, 2) is 0.05.
func FloatValue(n int64, decimals int64) *big.Int {
	return Expand(n, FloatDecimals-decimals)
}

// ApplyFactor returns value * factor / 10^30, rounded toward zero.
func ApplyFactor(value, factor *big.Int) *big.Int {
	return MulDiv(value, factor, Float, RoundDown)
}

// MulDiv returns value * numerator / denominator with the requested rounding.
// Rounding direction is applied to the magnitude, so RoundUp moves away from
// zero for negative results as well.
func MulDiv(value, numerator, denominator *big.Int, rounding Rounding) *big.Int {
	if denominator.Sign() == 0 {
		panic("fixedpoint: division by zero")
	}
	product := new(big.Int).Mul(value, numerator)
	quo, rem := new(big.Int).QuoRem(product, denominator, new(big.Int))
	if rounding == RoundUp && rem.Sign() != 0 {
		if (product.Sign() < 0) != (denominator.Sign() < 0) {
			quo.Sub(quo, big.NewInt(1))
		} else {
			quo.Add(quo, big.NewInt(1))
		}
	}
	return quo
}

// Div returns value / denominator on the 30-decimal scale, i.e.
// value * 10^30 / denominator.
func Div(value, denominator *big.Int, rounding Rounding) *big.Int {
	return MulDiv(value, Float, denominator, rounding)
}

// ToFactor returns value / divisor as a 30-decimal factor, rounded down.
func ToFactor(value, divisor *big.Int) *big.Int {
	if divisor.Sign() == 0 {
		return new(big.Int)
	}
	return MulDiv(value, Float, divisor, RoundDown)
}

// powPrecision bounds the decimal expansion used for fractional exponents.
// 40 digits keeps the full 30-decimal scale exact for the exponents in use.
const powPrecision = 40

// ApplyExponentFactor computes value^exponent where both value and exponent
// are 30-decimal fixed point and value >= 0. An exponent of exactly 1.0 is
// the identity. Fractional exponents go through shopspring/decimal.
func ApplyExponentFactor(value, exponent *big.Int) *big.Int {
	if value.Sign() <= 0 {
		return new(big.Int)
	}
	if exponent.Cmp(Float) == 0 {
		return new(big.Int).Set(value)
	}
	base := decimal.NewFromBigInt(value, -FloatDecimals)
	exp := decimal.NewFromBigInt(exponent, -FloatDecimals)
	out, err := base.PowWithPrecision(exp, powPrecision)
	if err != nil {
		panic("fixedpoint: invalid exponent computation: " + err.Error())
	}
	return out.Shift(FloatDecimals).Truncate(0).BigInt()
}

// Abs returns |v| as a fresh value.
func Abs(v *big.Int) *big.Int {
	return new(big.Int).Abs(v)
}

// Neg returns -v as a fresh value.
func Neg(v *big.Int) *big.Int {
	return new(big.Int).Neg(v)
}

// Min returns the smaller of a and b as a fresh value, so callers can
// mutate the result without aliasing an argument.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Max returns the larger of a and b as a fresh value.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// BoundMagnitude clamps v to [-bound, bound] where bound >= 0.
func BoundMagnitude(v, bound *big.Int) *big.Int {
	if Abs(v).Cmp(bound) <= 0 {
		return new(big.Int).Set(v)
	}
	if v.Sign() < 0 {
		return Neg(bound)
	}
	return new(big.Int).Set(bound)
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi *big.Int) *big.Int {
	if v.Cmp(lo) < 0 {
		return new(big.Int).Set(lo)
	}
	if v.Cmp(hi) > 0 {
		return new(big.Int).Set(hi)
	}
	return new(big.Int).Set(v)
}
