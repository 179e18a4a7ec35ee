package fees_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/fees"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/fixedpoint"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/market"
)

func ethUsdMarket() market.Market {
	return market.Market{
		Name:        "ETH-USD",
		IndexToken:  "WETH",
		LongToken:   "WETH",
		ShortToken:  "USDC",
		MarketToken: "GM-ETH-USD",
	}
}

func adaptiveFundingConfig() *market.Config {
	cfg := market.DefaultConfig()
	cfg.FundingIncreaseFactorPerSecond = fixedpoint.FloatValue(1, 6) // 0.0001%
	cfg.FundingDecreaseFactorPerSecond = fixedpoint.FloatValue(2, 8) // 0.000002%
	cfg.ThresholdForStableFunding = fixedpoint.FloatValue(5, 2)      // 5%
	cfg.ThresholdForDecreaseFunding = fixedpoint.FloatValue(3, 2)    // 3%
	cfg.MinFundingFactorPerSecond = new(big.Int)
	cfg.MaxFundingFactorPerSecond = fixedpoint.Float
	return cfg
}

func skewedPool() *market.PoolState {
	pool := market.NewPoolState()
	pool.OpenInterestUsd.Set(true, fixedpoint.FloatValue(106_000, 0))
	pool.OpenInterestUsd.Set(false, fixedpoint.FloatValue(94_000, 0))
	return pool
}

func TestAdaptiveFundingRateRampsWithSkew(t *testing.T) {
	m := ethUsdMarket()
	cfg := adaptiveFundingConfig()
	pool := skewedPool()
	eng := fees.NewEngine(zerolog.Nop())

	base := int64(1_000_000)
	require.NoError(t, eng.Refresh(m, cfg, pool, base))

	// skew 12k/200k = 6%, above the 5% stable threshold: after 600s the
	// rate has ramped by 6% * 0.0001%/s * 600 = 0.0036%
	require.NoError(t, eng.Refresh(m, cfg, pool, base+600))

	want, _ := new(big.Int).SetString("36000000000000000000000000", 10)
	got := eng.Get(m.Name).Funding.SavedFundingFactorPerSecond
	require.Zero(t, got.Cmp(want), "saved rate = %s, want %s", got, want)
}

func TestFundingRefreshIdempotentAtSameTimestamp(t *testing.T) {
	m := ethUsdMarket()
	cfg := adaptiveFundingConfig()
	pool := skewedPool()
	eng := fees.NewEngine(zerolog.Nop())

	require.NoError(t, eng.Refresh(m, cfg, pool, 1_000_000))
	require.NoError(t, eng.Refresh(m, cfg, pool, 1_000_600))

	saved := new(big.Int).Set(eng.Get(m.Name).Funding.SavedFundingFactorPerSecond)
	cost := new(big.Int).Set(eng.Get(m.Name).Funding.CumulativeCost.Get(true))

	require.NoError(t, eng.Refresh(m, cfg, pool, 1_000_600))
	require.NoError(t, eng.Refresh(m, cfg, pool, 1_000_600))

	require.Zero(t, saved.Cmp(eng.Get(m.Name).Funding.SavedFundingFactorPerSecond))
	require.Zero(t, cost.Cmp(eng.Get(m.Name).Funding.CumulativeCost.Get(true)))
}

func TestFundingRefreshRejectsTimeRegression(t *testing.T) {
	m := ethUsdMarket()
	cfg := adaptiveFundingConfig()
	pool := skewedPool()
	eng := fees.NewEngine(zerolog.Nop())

	require.NoError(t, eng.Refresh(m, cfg, pool, 1_000_000))
	err := eng.Refresh(m, cfg, pool, 999_999)
	require.True(t, errors.Is(err, fees.ErrTimestampRegression), "got %v", err)
}

func TestFundingFactorsMonotonic(t *testing.T) {
	m := ethUsdMarket()
	cfg := adaptiveFundingConfig()
	pool := skewedPool()
	eng := fees.NewEngine(zerolog.Nop())

	require.NoError(t, eng.Refresh(m, cfg, pool, 1_000_000))
	prevCost := new(big.Int)
	prevClaim := new(big.Int)
	for i := int64(1); i <= 10; i++ {
		require.NoError(t, eng.Refresh(m, cfg, pool, 1_000_000+i*300))
		cost := eng.Get(m.Name).Funding.CumulativeCost.Get(true)
		claim := eng.Get(m.Name).Funding.CumulativeClaim.Get(false)
		require.True(t, cost.Cmp(prevCost) >= 0, "cost factor decreased")
		require.True(t, claim.Cmp(prevClaim) >= 0, "claim factor decreased")
		prevCost.Set(cost)
		prevClaim.Set(claim)
	}
}

func TestFundingPaidEqualsClaimable(t *testing.T) {
	m := ethUsdMarket()
	cfg := adaptiveFundingConfig()
	pool := skewedPool()
	eng := fees.NewEngine(zerolog.Nop())

	require.NoError(t, eng.Refresh(m, cfg, pool, 1_000_000))
	require.NoError(t, eng.Refresh(m, cfg, pool, 1_003_600))

	mf := eng.Get(m.Name)
	// total paid by longs vs total claimable by shorts, across full OI
	paid := fixedpoint.ApplyFactor(pool.OpenInterestUsd.Get(true), mf.Funding.CumulativeCost.Get(true))
	claimable := fixedpoint.ApplyFactor(pool.OpenInterestUsd.Get(false), mf.Funding.CumulativeClaim.Get(false))

	diff := new(big.Int).Sub(paid, claimable)
	// rounding residual stays within one unit per open-interest dollar
	require.True(t, diff.Sign() >= 0, "claimable exceeds paid")
	require.True(t, diff.Cmp(fixedpoint.FloatValue(1, 6)) < 0, "residual too large: %s", diff)
}

func TestFundingRateDecaysBelowThreshold(t *testing.T) {
	m := ethUsdMarket()
	cfg := adaptiveFundingConfig()
	pool := skewedPool()
	eng := fees.NewEngine(zerolog.Nop())

	require.NoError(t, eng.Refresh(m, cfg, pool, 1_000_000))
	require.NoError(t, eng.Refresh(m, cfg, pool, 1_000_600))
	rampedUp := new(big.Int).Set(eng.Get(m.Name).Funding.SavedFundingFactorPerSecond)
	require.Positive(t, rampedUp.Sign())

	// rebalance open interest to 2% skew, below the 3% decrease threshold
	pool.OpenInterestUsd.Set(true, fixedpoint.FloatValue(102_000, 0))
	pool.OpenInterestUsd.Set(false, fixedpoint.FloatValue(98_000, 0))

	require.NoError(t, eng.Refresh(m, cfg, pool, 1_001_200))
	decayed := eng.Get(m.Name).Funding.SavedFundingFactorPerSecond
	require.True(t, decayed.Cmp(rampedUp) < 0, "rate did not decay: %s >= %s", decayed, rampedUp)
	require.True(t, decayed.Sign() >= 0, "decay crossed zero")
}

func TestPositionFundingSettlement(t *testing.T) {
	m := ethUsdMarket()
	cfg := adaptiveFundingConfig()
	pool := skewedPool()
	eng := fees.NewEngine(zerolog.Nop())

	require.NoError(t, eng.Refresh(m, cfg, pool, 1_000_000))
	mf := eng.Get(m.Name)
	snap := fees.CurrentSnapshot(mf, true)

	require.NoError(t, eng.Refresh(m, cfg, pool, 1_003_600))

	sizeUsd := fixedpoint.FloatValue(106_000, 0)
	settled := fees.SettlePosition(mf, true, sizeUsd, snap)
	require.Positive(t, settled.FundingCostUsd.Sign(), "long should owe funding")
	require.Zero(t, settled.FundingClaimUsd.Sign(), "long should have no claim")

	// settle again from fresh snapshots: nothing further owed
	snap2 := fees.CurrentSnapshot(mf, true)
	settled2 := fees.SettlePosition(mf, true, sizeUsd, snap2)
	require.Zero(t, settled2.FundingCostUsd.Sign())
}

func TestBorrowingFactorFromUtilization(t *testing.T) {
	m := ethUsdMarket()
	cfg := market.DefaultConfig()
	cfg.BorrowingFactorPerSecond.Set(true, fixedpoint.FloatValue(1, 8))
	cfg.BorrowingExponent.Set(true, fixedpoint.FloatValue(2, 0))

	pool := market.NewPoolState()
	pool.PoolAmount["WETH"] = fixedpoint.Expand(100, 18)
	pool.ReservedAmount.Set(true, fixedpoint.Expand(50, 18))

	eng := fees.NewEngine(zerolog.Nop())
	require.NoError(t, eng.Refresh(m, cfg, pool, 1_000_000))
	require.NoError(t, eng.Refresh(m, cfg, pool, 1_000_100))

	// utilization 0.5, exponent 2: rate = base * 0.25; over 100s
	want := new(big.Int).Mul(fixedpoint.FloatValue(25, 10), big.NewInt(100))
	got := eng.Get(m.Name).BorrowingSide(true).CumulativeFactor
	require.Zero(t, got.Cmp(want), "cumulative = %s, want %s", got, want)
}

func TestBorrowingKinkSurcharge(t *testing.T) {
	m := ethUsdMarket()
	cfg := market.DefaultConfig()
	cfg.BorrowingFactorPerSecond.Set(true, fixedpoint.FloatValue(1, 8))
	cfg.BorrowingExponent.Set(true, fixedpoint.Float)
	cfg.OptimalUsageFactor = fixedpoint.FloatValue(8, 1)               // 80%
	cfg.AboveOptimalUsageBorrowingFactor = fixedpoint.FloatValue(1, 7) // 10x base

	pool := market.NewPoolState()
	pool.PoolAmount["WETH"] = fixedpoint.Expand(100, 18)
	pool.ReservedAmount.Set(true, fixedpoint.Expand(100, 18)) // 100% used

	eng := fees.NewEngine(zerolog.Nop())
	require.NoError(t, eng.Refresh(m, cfg, pool, 1_000_000))
	require.NoError(t, eng.Refresh(m, cfg, pool, 1_000_001))

	// base * 1.0 + aboveOptimal * 0.2 excess
	want := new(big.Int).Add(
		fixedpoint.FloatValue(1, 8),
		fixedpoint.ApplyFactor(fixedpoint.FloatValue(1, 7), fixedpoint.FloatValue(2, 1)),
	)
	got := eng.Get(m.Name).BorrowingSide(true).CumulativeFactor
	require.Zero(t, got.Cmp(want), "cumulative = %s, want %s", got, want)
}

func TestPendingBorrowingUsd(t *testing.T) {
	mf := fees.NewMarketFees()
	b := mf.BorrowingSide(true)

	// position of $100k opened at factor 0
	b.OnPositionChanged(fixedpoint.FloatValue(100_000, 0), new(big.Int))
	// factor accrues to 0.001
	b.CumulativeFactor = fixedpoint.FloatValue(1, 3)

	// pending = 100k * 0.001 = $100
	want := fixedpoint.FloatValue(100, 0)
	require.Zero(t, fees.PendingBorrowingUsd(mf).Cmp(want))
}
