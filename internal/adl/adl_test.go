package adl_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/adl"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/fees"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/fixedpoint"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/market"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/position"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/pricing"
)

func usd(n int64) *big.Int { return fixedpoint.FloatValue(n, 0) }

func ethUsdPrices(ethUsd int64) *pricing.StaticResolver {
	ethPrice := fixedpoint.Expand(ethUsd, 12)
	usdcPrice := fixedpoint.Expand(1, 24)
	return &pricing.StaticResolver{
		Prices: map[string]pricing.Price{
			"WETH": pricing.NewPrice(ethPrice, ethPrice),
			"USDC": pricing.NewPrice(usdcPrice, usdcPrice),
		},
	}
}

// profitableLongCtx seeds a pool with 1,000 ETH + 5,000,000 USDC, opens a
// $1,000,000 long at $5,000 and then doubles the index price, leaving the
// long side sitting on $1,000,000 of unrealized profit.
func profitableLongCtx(t *testing.T) (position.Ctx, *position.Ledger, position.Key) {
	t.Helper()
	pool := market.NewPoolState()
	if err := pool.ApplyPoolDelta("WETH", fixedpoint.Expand(1000, 18)); err != nil {
		t.Fatal(err)
	}
	if err := pool.ApplyPoolDelta("USDC", fixedpoint.Expand(5_000_000, 6)); err != nil {
		t.Fatal(err)
	}

	cfg := market.DefaultConfig()
	cfg.MaxPnlFactorForAdl = fixedpoint.FloatValue(5, 2)   // 5%
	cfg.MinPnlFactorAfterAdl = fixedpoint.FloatValue(2, 2) // 2%

	ctx := position.Ctx{
		Market: market.Market{
			Name:        "ETH-USD",
			IndexToken:  "WETH",
			LongToken:   "WETH",
			ShortToken:  "USDC",
			MarketToken: "GM-ETH-USD",
		},
		Config: cfg,
		Pool:   pool,
		Fees:   fees.NewMarketFees(),
		Prices: ethUsdPrices(5000),
		Now:    1000,
	}

	ledger := position.NewLedger(position.NewRepo())
	key := position.Key{Account: "alice", Market: "ETH-USD", CollateralToken: "USDC", IsLong: true}
	if _, err := ledger.Increase(ctx, key, usd(1_000_000), fixedpoint.Expand(300_000, 6)); err != nil {
		t.Fatalf("increase: %v", err)
	}

	ctx.Prices = ethUsdPrices(10_000)
	return ctx, ledger, key
}

func TestUpdateStateLatchesOnExcessPnl(t *testing.T) {
	ctx, _, _ := profitableLongCtx(t)
	c := adl.NewController(zerolog.Nop())

	// $1M profit over $15M of pool value is ~6.7%, past the 5% ceiling
	st, err := c.UpdateState(ctx, true, 100)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !st.Enabled {
		t.Fatal("adl should be enabled")
	}

	// a second trigger in the same block is dropped even if prices moved
	ctx.Prices = ethUsdPrices(5000)
	st, err = c.UpdateState(ctx, true, 100)
	if err != nil {
		t.Fatalf("update same block: %v", err)
	}
	if !st.Enabled {
		t.Error("same-block trigger must not re-derive the latch")
	}

	// the next block disables it
	st, err = c.UpdateState(ctx, true, 101)
	if err != nil {
		t.Fatalf("update next block: %v", err)
	}
	if st.Enabled {
		t.Error("adl should disable once pnl recedes")
	}
}

func TestExecuteAdlRequiresEnabledLatch(t *testing.T) {
	ctx, ledger, key := profitableLongCtx(t)
	c := adl.NewController(zerolog.Nop())

	_, err := c.ExecuteAdl(ctx, ledger, key, usd(500_000))
	if !errors.Is(err, adl.ErrAdlNotEnabled) {
		t.Fatalf("err = %v, want ErrAdlNotEnabled", err)
	}
}

func TestExecuteAdlForceDecreases(t *testing.T) {
	ctx, ledger, key := profitableLongCtx(t)
	c := adl.NewController(zerolog.Nop())
	if _, err := c.UpdateState(ctx, true, 100); err != nil {
		t.Fatalf("update: %v", err)
	}

	dec, err := c.ExecuteAdl(ctx, ledger, key, usd(500_000))
	if err != nil {
		t.Fatalf("execute adl: %v", err)
	}
	// half the position closes at the doubled price: $500k of profit
	if dec.RealizedPnlUsd.Cmp(usd(500_000)) != 0 {
		t.Errorf("realized pnl = %s, want $500,000", dec.RealizedPnlUsd)
	}
	if dec.PayoutToken != "WETH" {
		t.Errorf("payout token = %q, want WETH", dec.PayoutToken)
	}

	pos, ok := ledger.Repo().Get(key)
	if !ok {
		t.Fatal("position closed entirely")
	}
	if pos.SizeUsd.Cmp(usd(500_000)) != 0 {
		t.Errorf("remaining size = %s, want $500,000", pos.SizeUsd)
	}
}

func TestExecuteAdlRejectsOvershoot(t *testing.T) {
	ctx, ledger, key := profitableLongCtx(t)
	c := adl.NewController(zerolog.Nop())
	if _, err := c.UpdateState(ctx, true, 100); err != nil {
		t.Fatalf("update: %v", err)
	}

	// closing the full position wipes all side profit, landing the factor
	// at zero, well under the 2% floor
	_, err := c.ExecuteAdl(ctx, ledger, key, usd(1_000_000))
	if !errors.Is(err, adl.ErrAdlOvershoot) {
		t.Fatalf("err = %v, want ErrAdlOvershoot", err)
	}
}

func TestExecuteAdlRefusesAtTargetFactor(t *testing.T) {
	ctx, ledger, key := profitableLongCtx(t)
	c := adl.NewController(zerolog.Nop())
	if _, err := c.UpdateState(ctx, true, 100); err != nil {
		t.Fatalf("update: %v", err)
	}

	// target already above the current factor: nothing to deleverage
	ctx.Config.MinPnlFactorAfterAdl = fixedpoint.FloatValue(50, 2)
	_, err := c.ExecuteAdl(ctx, ledger, key, usd(500_000))
	if !errors.Is(err, adl.ErrAdlNotRequired) {
		t.Fatalf("err = %v, want ErrAdlNotRequired", err)
	}
}

func TestExecuteAdlRefusesUnprofitablePosition(t *testing.T) {
	ctx, ledger, key := profitableLongCtx(t)
	c := adl.NewController(zerolog.Nop())
	if _, err := c.UpdateState(ctx, true, 100); err != nil {
		t.Fatalf("update: %v", err)
	}

	// a second, losing long on the same side must not be chosen: open one
	// for bob at the doubled price, then drop the price slightly so only
	// alice is in profit
	bob := position.Key{Account: "bob", Market: "ETH-USD", CollateralToken: "USDC", IsLong: true}
	if _, err := ledger.Increase(ctx, bob, usd(100_000), fixedpoint.Expand(50_000, 6)); err != nil {
		t.Fatalf("increase bob: %v", err)
	}
	ctx.Prices = ethUsdPrices(9_900)

	_, err := c.ExecuteAdl(ctx, ledger, bob, usd(50_000))
	if !errors.Is(err, adl.ErrAdlNotRequired) {
		t.Fatalf("err = %v, want ErrAdlNotRequired", err)
	}

	// the profitable position is left for an explicit ExecuteAdl call
	pos, ok := ledger.Repo().Get(key)
	if !ok {
		t.Fatal("profitable position gone")
	}
	if pos.SizeUsd.Cmp(usd(1_000_000)) != 0 {
		t.Errorf("profitable position size = %s, want $1,000,000", pos.SizeUsd)
	}
}
