// Package fees accrues funding and borrowing factors per market. Factors are
// cumulative 30-decimal values; replaying a refresh at the same timestamp is
// a no-op and no refresh may move time backwards, so accrual is bit-exact
// regardless of when it is triggered.
package fees

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/fixedpoint"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/market"
)

var ErrTimestampRegression = errors.New("fee refresh timestamp regression")

// FundingState tracks the adaptive funding rate for one market.
//
// SavedFundingFactorPerSecond is signed: positive means longs pay shorts.
// CumulativeCost accrues the factor each side has paid per USD of size;
// CumulativeClaim accrues the factor each side may claim. Both are
// monotonically non-decreasing.
type FundingState struct {
	SavedFundingFactorPerSecond *big.Int
	CumulativeCost              market.SidePair
	CumulativeClaim             market.SidePair
	LastUpdate                  int64
}

func NewFundingState() *FundingState {
	return &FundingState{
		SavedFundingFactorPerSecond: new(big.Int),
		CumulativeCost:              market.NewSidePair(),
		CumulativeClaim:             market.NewSidePair(),
	}
}

func (f *FundingState) Clone() *FundingState {
	return &FundingState{
		SavedFundingFactorPerSecond: new(big.Int).Set(f.SavedFundingFactorPerSecond),
		CumulativeCost:              f.CumulativeCost.Clone(),
		CumulativeClaim:             f.CumulativeClaim.Clone(),
		LastUpdate:                  f.LastUpdate,
	}
}

// nextFundingFactorPerSecond advances the saved per-second rate over dt
// seconds given the current open-interest skew.
//
// While the skew magnitude exceeds ThresholdForStableFunding (or the skew
// points against the saved rate) the rate drifts toward the skew by
// skew * increaseFactor * dt. Below ThresholdForDecreaseFunding the rate
// decays by decreaseFactor * dt without crossing zero. Between the two
// thresholds it holds. The result is clamped to the configured magnitude
// bounds.
func nextFundingFactorPerSecond(cfg *market.Config, saved *big.Int, pool *market.PoolState, dt int64) *big.Int {
	longOi := pool.OpenInterestUsd.Get(true)
	shortOi := pool.OpenInterestUsd.Get(false)
	totalOi := new(big.Int).Add(longOi, shortOi)
	if totalOi.Sign() == 0 {
		return new(big.Int).Set(saved)
	}

	skewUsd := new(big.Int).Sub(longOi, shortOi)
	skewFactor := fixedpoint.ToFactor(fixedpoint.Abs(skewUsd), totalOi)
	if cfg.FundingExponent.Sign() != 0 && cfg.FundingExponent.Cmp(fixedpoint.Float) != 0 {
		skewFactor = fixedpoint.ApplyExponentFactor(skewFactor, cfg.FundingExponent)
	}

	next := new(big.Int).Set(saved)
	skewSign := skewUsd.Sign()
	againstSaved := saved.Sign() != 0 && skewSign != 0 && saved.Sign() != skewSign

	switch {
	case skewSign != 0 && (skewFactor.Cmp(cfg.ThresholdForStableFunding) > 0 || againstSaved):
		delta := fixedpoint.ApplyFactor(skewFactor, cfg.FundingIncreaseFactorPerSecond)
		delta.Mul(delta, big.NewInt(dt))
		if skewSign < 0 {
			delta.Neg(delta)
		}
		next.Add(next, delta)

	case skewFactor.Cmp(cfg.ThresholdForDecreaseFunding) < 0 && saved.Sign() != 0:
		decay := new(big.Int).Mul(cfg.FundingDecreaseFactorPerSecond, big.NewInt(dt))
		if fixedpoint.Abs(saved).Cmp(decay) <= 0 {
			next.SetInt64(0)
		} else if saved.Sign() > 0 {
			next.Sub(next, decay)
		} else {
			next.Add(next, decay)
		}
	}

	if next.Sign() != 0 {
		magnitude := fixedpoint.Clamp(fixedpoint.Abs(next), cfg.MinFundingFactorPerSecond, cfg.MaxFundingFactorPerSecond)
		if next.Sign() < 0 {
			magnitude.Neg(magnitude)
		}
		next = magnitude
	}
	return next
}

// advanceFunding applies dt seconds of funding at the freshly computed rate.
// The paying side accrues cost per USD of its size; the receiving side
// accrues a claim scaled by the open-interest ratio so total paid equals
// total claimable.
func (f *FundingState) advance(cfg *market.Config, pool *market.PoolState, dt int64) {
	next := nextFundingFactorPerSecond(cfg, f.SavedFundingFactorPerSecond, pool, dt)
	f.SavedFundingFactorPerSecond = next
	if next.Sign() == 0 || dt == 0 {
		return
	}

	longsPay := next.Sign() > 0
	payerOi := pool.OpenInterestUsd.Get(longsPay)
	receiverOi := pool.OpenInterestUsd.Get(!longsPay)
	if payerOi.Sign() == 0 {
		return
	}

	costDelta := new(big.Int).Mul(fixedpoint.Abs(next), big.NewInt(dt))
	f.CumulativeCost.Add(longsPay, costDelta)

	if receiverOi.Sign() > 0 {
		// total funding usd = costDelta * payerOi; claim factor spreads it
		// over the receiving side's open interest
		claimDelta := fixedpoint.MulDiv(costDelta, payerOi, receiverOi, fixedpoint.RoundDown)
		f.CumulativeClaim.Add(!longsPay, claimDelta)
	}
}

// FundingAmounts is a position-level funding settlement.
type FundingAmounts struct {
	CostUsd  *big.Int // owed by the position, >= 0
	ClaimUsd *big.Int // owed to the position, >= 0
}

// PositionFunding computes funding owed by and to a position of sizeUsd on
// one side, given the factor snapshots taken at the position's last touch.
func (f *FundingState) PositionFunding(isLong bool, sizeUsd, costSnapshot, claimSnapshot *big.Int) FundingAmounts {
	costDelta := new(big.Int).Sub(f.CumulativeCost.Get(isLong), costSnapshot)
	claimDelta := new(big.Int).Sub(f.CumulativeClaim.Get(isLong), claimSnapshot)
	return FundingAmounts{
		CostUsd:  fixedpoint.ApplyFactor(sizeUsd, costDelta),
		ClaimUsd: fixedpoint.ApplyFactor(sizeUsd, claimDelta),
	}
}

func (f *FundingState) validateTimestamp(now int64) error {
	if now < f.LastUpdate {
		return fmt.Errorf("%w: funding last %d now %d", ErrTimestampRegression, f.LastUpdate, now)
	}
	return nil
}
