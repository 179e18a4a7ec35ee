// Package impact prices the pool-imbalance cost of swaps and position
// changes and manages the impact pools fed by negative impact.
package impact

import (
	"math/big"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/fixedpoint"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/market"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/pricing"
)

// Curve holds one power-law impact parameterization. The positive factor
// rewards actions that reduce imbalance, the negative factor charges actions
// that increase it; the negative factor is the larger of the two so round
// trips cannot profit.
type Curve struct {
	PositiveFactor *big.Int
	NegativeFactor *big.Int
	Exponent       *big.Int
}

func SwapCurve(cfg *market.Config) Curve {
	return Curve{
		PositiveFactor: cfg.SwapImpactFactorPositive,
		NegativeFactor: cfg.SwapImpactFactorNegative,
		Exponent:       cfg.SwapImpactExponent,
	}
}

func PositionCurve(cfg *market.Config) Curve {
	return Curve{
		PositiveFactor: cfg.PositionImpactFactorPositive,
		NegativeFactor: cfg.PositionImpactFactorNegative,
		Exponent:       cfg.PositionImpactExponent,
	}
}

// applyImpactFactor evaluates factor * diff^exponent for a USD imbalance.
func applyImpactFactor(diffUsd, factor, exponent *big.Int) *big.Int {
	return fixedpoint.ApplyFactor(fixedpoint.ApplyExponentFactor(diffUsd, exponent), factor)
}

// PriceImpactUsd prices the move from (longBefore, shortBefore) to
// (longAfter, shortAfter) USD imbalance values. Positive result means the
// action improved balance and is paid a rebate; negative means it worsened
// balance and is charged.
func PriceImpactUsd(c Curve, longBefore, shortBefore, longAfter, shortAfter *big.Int) *big.Int {
	diffBefore := new(big.Int).Sub(longBefore, shortBefore)
	diffAfter := new(big.Int).Sub(longAfter, shortAfter)

	sameSide := (diffBefore.Sign() >= 0) == (diffAfter.Sign() >= 0)
	absBefore := fixedpoint.Abs(diffBefore)
	absAfter := fixedpoint.Abs(diffAfter)

	if sameSide {
		improved := absAfter.Cmp(absBefore) < 0
		factor := c.NegativeFactor
		if improved {
			factor = c.PositiveFactor
		}
		before := applyImpactFactor(absBefore, factor, c.Exponent)
		after := applyImpactFactor(absAfter, factor, c.Exponent)
		return before.Sub(before, after)
	}

	// crossover: rebate the balanced leg at the positive factor, charge the
	// newly imbalanced leg at the negative factor
	rebate := applyImpactFactor(absBefore, c.PositiveFactor, c.Exponent)
	charge := applyImpactFactor(absAfter, c.NegativeFactor, c.Exponent)
	return rebate.Sub(rebate, charge)
}

// PositionImpactUsd prices a position size change of sizeDeltaUsd (signed:
// positive opens/increases, negative decreases) on one side, optionally
// taking virtual open interest into account. When virtual inventory is
// provided the charge is the worse of actual and virtual.
func PositionImpactUsd(c Curve, pool *market.PoolState, isLong bool, sizeDeltaUsd *big.Int) *big.Int {
	longBefore := new(big.Int).Set(pool.OpenInterestUsd.Get(true))
	shortBefore := new(big.Int).Set(pool.OpenInterestUsd.Get(false))
	longAfter := new(big.Int).Set(longBefore)
	shortAfter := new(big.Int).Set(shortBefore)
	if isLong {
		longAfter.Add(longAfter, sizeDeltaUsd)
	} else {
		shortAfter.Add(shortAfter, sizeDeltaUsd)
	}
	actual := PriceImpactUsd(c, longBefore, shortBefore, longAfter, shortAfter)

	if pool.VirtualPositionInventory == nil {
		return actual
	}

	// virtual inventory is the signed long-minus-short imbalance across
	// correlated markets
	vBefore := new(big.Int).Set(pool.VirtualPositionInventory)
	vAfter := new(big.Int).Set(vBefore)
	if isLong {
		vAfter.Add(vAfter, sizeDeltaUsd)
	} else {
		vAfter.Sub(vAfter, sizeDeltaUsd)
	}
	virtual := PriceImpactUsd(c, vBefore, new(big.Int), vAfter, new(big.Int))
	if virtual.Cmp(actual) < 0 {
		return virtual
	}
	return actual
}

// SwapImpactUsd prices moving usdDeltaA into token A and usdDeltaB out of
// token B (deltas signed) against the market's long/short pool values.
func SwapImpactUsd(
	c Curve,
	m market.Market,
	pool *market.PoolState,
	prices pricing.Resolver,
	usdDeltaLong, usdDeltaShort *big.Int,
) (*big.Int, error) {
	longPrice, err := prices.GetPrice(m.LongToken)
	if err != nil {
		return nil, err
	}
	shortPrice, err := prices.GetPrice(m.ShortToken)
	if err != nil {
		return nil, err
	}

	longBefore := new(big.Int).Mul(pool.GetPoolAmount(m.LongToken), longPrice.Mid())
	shortBefore := new(big.Int).Mul(pool.GetPoolAmount(m.ShortToken), shortPrice.Mid())
	longAfter := new(big.Int).Add(longBefore, usdDeltaLong)
	shortAfter := new(big.Int).Add(shortBefore, usdDeltaShort)

	actual := PriceImpactUsd(c, longBefore, shortBefore, longAfter, shortAfter)

	if pool.VirtualSwapInventory == nil {
		return actual, nil
	}
	vLongBefore := new(big.Int).Mul(virtualAmount(pool, m.LongToken), longPrice.Mid())
	vShortBefore := new(big.Int).Mul(virtualAmount(pool, m.ShortToken), shortPrice.Mid())
	vLongAfter := new(big.Int).Add(vLongBefore, usdDeltaLong)
	vShortAfter := new(big.Int).Add(vShortBefore, usdDeltaShort)
	virtual := PriceImpactUsd(c, vLongBefore, vShortBefore, vLongAfter, vShortAfter)
	if virtual.Cmp(actual) < 0 {
		return virtual, nil
	}
	return actual, nil
}

func virtualAmount(pool *market.PoolState, token string) *big.Int {
	if v, ok := pool.VirtualSwapInventory[token]; ok {
		return v
	}
	return new(big.Int)
}

// ApplyPositionImpact settles a position impact amount against the position
// impact pool and returns the token amount credited (positive impact) or
// the token amount absorbed from the trader (negative impact delta applied
// to the pool). Positive payouts are capped at the pool's current balance
// and by maxImpactFactor * sizeUsd; payouts never borrow against future
// inflows.
func ApplyPositionImpact(
	cfg *market.Config,
	pool *market.PoolState,
	indexPrice pricing.Price,
	sizeUsd *big.Int,
	impactUsd *big.Int,
) *big.Int {
	if impactUsd.Sign() == 0 {
		return new(big.Int)
	}

	if impactUsd.Sign() > 0 {
		capped := new(big.Int).Set(impactUsd)
		if cfg.MaxPositionImpactFactorPositive.Sign() > 0 {
			maxUsd := fixedpoint.ApplyFactor(sizeUsd, cfg.MaxPositionImpactFactorPositive)
			capped = fixedpoint.Min(capped, maxUsd)
		}
		// payout priced at the max price so the pool never over-pays
		amount := new(big.Int).Quo(capped, indexPrice.Max)
		amount = fixedpoint.Min(amount, pool.PositionImpactPoolAmount)
		pool.PositionImpactPoolAmount.Sub(pool.PositionImpactPoolAmount, amount)
		return amount
	}

	negativeUsd := fixedpoint.Abs(impactUsd)
	if cfg.MaxPositionImpactFactorNegative.Sign() > 0 {
		maxUsd := fixedpoint.ApplyFactor(sizeUsd, cfg.MaxPositionImpactFactorNegative)
		negativeUsd = fixedpoint.Min(negativeUsd, maxUsd)
	}
	// charge priced at the min price, rounded up in the pool's favor
	amount := fixedpoint.MulDiv(negativeUsd, big.NewInt(1), indexPrice.Min, fixedpoint.RoundUp)
	pool.PositionImpactPoolAmount.Add(pool.PositionImpactPoolAmount, amount)
	return new(big.Int).Neg(amount)
}

// ApplySwapImpact settles a swap impact amount against the swap impact pool
// of the given token. Positive impact pays out of the pool, capped at its
// balance; negative impact accrues into it. Returns the signed token amount
// applied to the trader's output.
func ApplySwapImpact(pool *market.PoolState, token string, price pricing.Price, impactUsd *big.Int) *big.Int {
	if impactUsd.Sign() == 0 {
		return new(big.Int)
	}
	if impactUsd.Sign() > 0 {
		amount := new(big.Int).Quo(impactUsd, price.Max)
		amount = fixedpoint.Min(amount, pool.GetSwapImpactPoolAmount(token))
		// balance checked above, delta cannot go negative
		_ = pool.ApplySwapImpactDelta(token, new(big.Int).Neg(amount))
		return amount
	}
	amount := fixedpoint.MulDiv(fixedpoint.Abs(impactUsd), big.NewInt(1), price.Min, fixedpoint.RoundUp)
	_ = pool.ApplySwapImpactDelta(token, amount)
	return new(big.Int).Neg(amount)
}

// Distribute moves position impact pool value back to liquidity providers
// at the configured linear rate. The distribution never takes the pool
// below MinPositionImpactPoolAmount: a breach is clamped to land exactly on
// the minimum.
func Distribute(cfg *market.Config, pool *market.PoolState, now int64) *big.Int {
	if pool.LastImpactDistribution == 0 {
		pool.LastImpactDistribution = now
		return new(big.Int)
	}
	dt := now - pool.LastImpactDistribution
	if dt <= 0 || cfg.PositionImpactPoolDistributionRate.Sign() == 0 {
		pool.LastImpactDistribution = now
		return new(big.Int)
	}

	amount := new(big.Int).Mul(cfg.PositionImpactPoolDistributionRate, big.NewInt(dt))
	amount.Quo(amount, fixedpoint.Float)

	available := new(big.Int).Sub(pool.PositionImpactPoolAmount, cfg.MinPositionImpactPoolAmount)
	if available.Sign() <= 0 {
		pool.LastImpactDistribution = now
		return new(big.Int)
	}
	if amount.Cmp(available) > 0 {
		amount = available
	}

	pool.PositionImpactPoolAmount.Sub(pool.PositionImpactPoolAmount, amount)
	pool.LastImpactDistribution = now
	return amount
}
