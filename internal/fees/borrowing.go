package fees

import (
	"fmt"
	"math/big"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/fixedpoint"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/market"
)

// BorrowingState tracks the cumulative borrowing factor for one side of a
// market, plus the sum of sizeUsd * entry factor across open positions so
// pending (unsettled) borrowing fees can be valued without iterating
// positions.
type BorrowingState struct {
	CumulativeFactor    *big.Int
	SizeTimesFactorSum  *big.Int // sum of sizeUsd * factor-at-entry, 60-decimal
	OpenInterestAtEntry *big.Int // sum of sizeUsd across open positions
	LastUpdate          int64
}

func NewBorrowingState() *BorrowingState {
	return &BorrowingState{
		CumulativeFactor:    new(big.Int),
		SizeTimesFactorSum:  new(big.Int),
		OpenInterestAtEntry: new(big.Int),
	}
}

func (b *BorrowingState) Clone() *BorrowingState {
	return &BorrowingState{
		CumulativeFactor:    new(big.Int).Set(b.CumulativeFactor),
		SizeTimesFactorSum:  new(big.Int).Set(b.SizeTimesFactorSum),
		OpenInterestAtEntry: new(big.Int).Set(b.OpenInterestAtEntry),
		LastUpdate:          b.LastUpdate,
	}
}

// borrowingFactorPerSecond derives the per-second rate from reserved
// utilization: base * utilization^exponent, plus a surcharge proportional to
// usage above the optimal point when a kink is configured.
func borrowingFactorPerSecond(
	m market.Market,
	cfg *market.Config,
	pool *market.PoolState,
	isLong bool,
) *big.Int {
	token := m.ShortToken
	if isLong {
		token = m.LongToken
	}
	poolAmount := pool.GetPoolAmount(token)
	if poolAmount.Sign() == 0 {
		return new(big.Int)
	}
	reserved := pool.ReservedAmount.Get(isLong)
	utilization := fixedpoint.ToFactor(reserved, poolAmount)

	base := cfg.BorrowingFactorPerSecond.Get(isLong)
	exponent := cfg.BorrowingExponent.Get(isLong)
	rate := fixedpoint.ApplyFactor(base, fixedpoint.ApplyExponentFactor(utilization, exponent))

	if cfg.OptimalUsageFactor.Sign() > 0 && utilization.Cmp(cfg.OptimalUsageFactor) > 0 {
		excess := new(big.Int).Sub(utilization, cfg.OptimalUsageFactor)
		surcharge := fixedpoint.ApplyFactor(cfg.AboveOptimalUsageBorrowingFactor, excess)
		rate.Add(rate, surcharge)
	}
	return rate
}

// advance accrues dt seconds of borrowing at the current utilization.
func (b *BorrowingState) advance(m market.Market, cfg *market.Config, pool *market.PoolState, isLong bool, dt int64) {
	rate := borrowingFactorPerSecond(m, cfg, pool, isLong)
	if rate.Sign() > 0 && dt > 0 {
		delta := new(big.Int).Mul(rate, big.NewInt(dt))
		b.CumulativeFactor.Add(b.CumulativeFactor, delta)
	}
}

// PositionBorrowingUsd returns the borrowing fee owed by a position of
// sizeUsd whose factor snapshot was taken at its last touch.
func (b *BorrowingState) PositionBorrowingUsd(sizeUsd, factorSnapshot *big.Int) *big.Int {
	delta := new(big.Int).Sub(b.CumulativeFactor, factorSnapshot)
	if delta.Sign() <= 0 {
		return new(big.Int)
	}
	return fixedpoint.ApplyFactor(sizeUsd, delta)
}

// PendingUsd returns the borrowing fees accrued but not yet settled across
// all open positions on this side:
//
//	cumulativeFactor * openInterest - sum(sizeUsd * entryFactor)
func (b *BorrowingState) PendingUsd() *big.Int {
	gross := new(big.Int).Mul(b.CumulativeFactor, b.OpenInterestAtEntry)
	gross.Sub(gross, b.SizeTimesFactorSum)
	if gross.Sign() <= 0 {
		return new(big.Int)
	}
	return gross.Quo(gross, fixedpoint.Float)
}

// OnPositionChanged maintains the pending-fee aggregates when a position's
// size changes. For increases, factor is the current cumulative factor; for
// decreases, it is the position's snapshot.
func (b *BorrowingState) OnPositionChanged(sizeDeltaUsd, factor *big.Int) {
	b.OpenInterestAtEntry.Add(b.OpenInterestAtEntry, sizeDeltaUsd)
	product := new(big.Int).Mul(sizeDeltaUsd, factor)
	b.SizeTimesFactorSum.Add(b.SizeTimesFactorSum, product)
	if b.OpenInterestAtEntry.Sign() < 0 || b.SizeTimesFactorSum.Sign() < 0 {
		// aggregates cannot be negative; clamp drift from rounded decreases
		if b.OpenInterestAtEntry.Sign() < 0 {
			b.OpenInterestAtEntry.SetInt64(0)
		}
		if b.SizeTimesFactorSum.Sign() < 0 {
			b.SizeTimesFactorSum.SetInt64(0)
		}
	}
}

func (b *BorrowingState) validateTimestamp(now int64) error {
	if now < b.LastUpdate {
		return fmt.Errorf("%w: borrowing last %d now %d", ErrTimestampRegression, b.LastUpdate, now)
	}
	return nil
}
