package fixedpoint_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/fixedpoint"
)

func TestFloatValue(t *testing.T) {
	// 5% as a 30-decimal factor
	got := fixedpoint.FloatValue(5, 2)
	want, _ := new(big.Int).SetString("50000000000000000000000000000", 10)
	if got.Cmp(want) != 0 {
		t.Errorf("FloatValue(5, 2) = %s, want %s", got, want)
	}
}

func TestApplyFactor(t *testing.T) {
	// $1,000,000 * 0.05 = $50,000
	value := fixedpoint.FloatValue(1_000_000, 0)
	factor := fixedpoint.FloatValue(5, 2)
	got := fixedpoint.ApplyFactor(value, factor)
	if got.Cmp(fixedpoint.FloatValue(50_000, 0)) != 0 {
		t.Errorf("ApplyFactor = %s", got)
	}
}

func TestMulDivRounding(t *testing.T) {
	// 7 / 2 rounds to 3 down, 4 up; -7 / 2 rounds to -3 down, -4 up
	cases := []struct {
		value, want int64
		rounding    fixedpoint.Rounding
	}{
		{7, 3, fixedpoint.RoundDown},
		{7, 4, fixedpoint.RoundUp},
		{-7, -3, fixedpoint.RoundDown},
		{-7, -4, fixedpoint.RoundUp},
	}
	for _, tc := range cases {
		got := fixedpoint.MulDiv(big.NewInt(tc.value), big.NewInt(1), big.NewInt(2), tc.rounding)
		if got.Int64() != tc.want {
			t.Errorf("MulDiv(%d, 1, 2, %v) = %d, want %d", tc.value, tc.rounding, got.Int64(), tc.want)
		}
	}
}

func TestApplyExponentFactorSquare(t *testing.T) {
	// 3.0^2.0 = 9.0
	value := fixedpoint.FloatValue(3, 0)
	exponent := fixedpoint.FloatValue(2, 0)
	got := fixedpoint.ApplyExponentFactor(value, exponent)
	require.Zero(t, got.Cmp(fixedpoint.FloatValue(9, 0)))
}

func TestApplyExponentFactorIdentity(t *testing.T) {
	value := fixedpoint.FloatValue(1_234_567, 3)
	got := fixedpoint.ApplyExponentFactor(value, fixedpoint.Float)
	require.Zero(t, got.Cmp(value))
}

func TestApplyExponentFactorLargeBase(t *testing.T) {
	// (10^6)^2 = 10^12 on the USD scale, exercising values well past int64
	value := fixedpoint.FloatValue(1_000_000, 0)
	exponent := fixedpoint.FloatValue(2, 0)
	got := fixedpoint.ApplyExponentFactor(value, exponent)
	require.Zero(t, got.Cmp(fixedpoint.FloatValue(1, -12)))
}

func TestApplyExponentFactorZeroBase(t *testing.T) {
	got := fixedpoint.ApplyExponentFactor(new(big.Int), fixedpoint.FloatValue(2, 0))
	require.Zero(t, got.Sign())
}

func TestBoundMagnitude(t *testing.T) {
	bound := big.NewInt(10)
	if got := fixedpoint.BoundMagnitude(big.NewInt(25), bound); got.Int64() != 10 {
		t.Errorf("got %d, want 10", got.Int64())
	}
	if got := fixedpoint.BoundMagnitude(big.NewInt(-25), bound); got.Int64() != -10 {
		t.Errorf("got %d, want -10", got.Int64())
	}
	if got := fixedpoint.BoundMagnitude(big.NewInt(-7), bound); got.Int64() != -7 {
		t.Errorf("got %d, want -7", got.Int64())
	}
}

func TestMinMaxReturnFreshValues(t *testing.T) {
	a, b := big.NewInt(5), big.NewInt(9)
	got := fixedpoint.Min(a, b)
	if got.Int64() != 5 {
		t.Fatalf("got %d, want 5", got.Int64())
	}
	// callers subtract the result in place, e.g. x.Sub(x, Min(y, x));
	// mutating it must not touch the argument it was picked from
	got.Sub(got, big.NewInt(5))
	if a.Int64() != 5 {
		t.Errorf("Min aliased its argument: a = %d, want 5", a.Int64())
	}
	got = fixedpoint.Max(a, b)
	got.SetInt64(0)
	if b.Int64() != 9 {
		t.Errorf("Max aliased its argument: b = %d, want 9", b.Int64())
	}
}

func TestClamp(t *testing.T) {
	lo, hi := big.NewInt(0), big.NewInt(100)
	if got := fixedpoint.Clamp(big.NewInt(-5), lo, hi); got.Sign() != 0 {
		t.Errorf("got %s, want 0", got)
	}
	if got := fixedpoint.Clamp(big.NewInt(500), lo, hi); got.Int64() != 100 {
		t.Errorf("got %s, want 100", got)
	}
}
