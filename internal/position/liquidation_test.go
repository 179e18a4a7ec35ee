package position_test

import (
	"errors"
	"testing"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/fixedpoint"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/position"
)

func TestHealthyPositionNotLiquidatable(t *testing.T) {
	ledger := position.NewLedger(position.NewRepo())
	ctx := seededCtx(5000, 1000)
	key := longKey()

	if _, err := ledger.Increase(ctx, key, usd(200_000), fixedpoint.Expand(50_000, 6)); err != nil {
		t.Fatalf("increase: %v", err)
	}

	pos, _ := ledger.Repo().Get(key)
	check, err := position.CheckLiquidatable(ctx, pos)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Liquidatable {
		t.Errorf("healthy position flagged liquidatable: %s", check.Reason)
	}

	if _, err := ledger.Liquidate(ctx, key); !errors.Is(err, position.ErrInvalidLiquidation) {
		t.Fatalf("err = %v, want ErrInvalidLiquidation", err)
	}
	if _, ok := ledger.Repo().Get(key); !ok {
		t.Error("rejected liquidation must not remove the position")
	}
}

func TestLiquidationWhenLossExceedsCollateral(t *testing.T) {
	ledger := position.NewLedger(position.NewRepo())
	ctx := seededCtx(5000, 1000)
	key := longKey()

	// 20x: $200,000 on 10,000 USDC
	if _, err := ledger.Increase(ctx, key, usd(200_000), fixedpoint.Expand(10_000, 6)); err != nil {
		t.Fatalf("increase: %v", err)
	}

	// at $4,700 the 40 ETH position is down $12,000, past the collateral
	ctx.Prices = ethUsdPrices(4700)
	pos, _ := ledger.Repo().Get(key)
	check, err := position.CheckLiquidatable(ctx, pos)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !check.Liquidatable || check.Reason != position.ReasonNoCollateral {
		t.Fatalf("check = %+v, want liquidatable with no collateral", check)
	}
	if check.PnlUsd.Cmp(usd(-12_000)) != 0 {
		t.Errorf("pnl = %s, want -$12,000", check.PnlUsd)
	}

	res, err := ledger.Liquidate(ctx, key)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	// the pool absorbs everything that is left; the trader gets nothing back
	if res.CollateralSeized.Cmp(fixedpoint.Expand(10_000, 6)) != 0 {
		t.Errorf("seized = %s, want 10,000 USDC", res.CollateralSeized)
	}
	if res.CollateralReturned.Sign() != 0 {
		t.Errorf("returned = %s, want 0", res.CollateralReturned)
	}
	if _, ok := ledger.Repo().Get(key); ok {
		t.Error("liquidated position still stored")
	}
	if got := ctx.Pool.OpenInterestUsd.Get(true); got.Sign() != 0 {
		t.Errorf("open interest not released: %s", got)
	}
	wantPool := fixedpoint.Expand(5_010_000, 6)
	if got := ctx.Pool.GetPoolAmount("USDC"); got.Cmp(wantPool) != 0 {
		t.Errorf("pool USDC = %s, want %s", got, wantPool)
	}
}

func TestLiquidationAtCollateralFactorFloorReturnsResidual(t *testing.T) {
	ledger := position.NewLedger(position.NewRepo())
	ctx := seededCtx(5000, 1000)
	ctx.Config.MinCollateralFactorForLiquidation = fixedpoint.FloatValue(1, 2) // 1%
	key := longKey()

	if _, err := ledger.Increase(ctx, key, usd(200_000), fixedpoint.Expand(10_000, 6)); err != nil {
		t.Fatalf("increase: %v", err)
	}

	// at $4,790 the loss is $8,400: $1,600 remains, under the 1% ($2,000) floor
	ctx.Prices = ethUsdPrices(4790)
	pos, _ := ledger.Repo().Get(key)
	check, err := position.CheckLiquidatable(ctx, pos)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !check.Liquidatable || check.Reason != position.ReasonMinCollateralFactor {
		t.Fatalf("check = %+v, want liquidatable on collateral factor", check)
	}

	res, err := ledger.Liquidate(ctx, key)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if res.CollateralSeized.Cmp(fixedpoint.Expand(8_400, 6)) != 0 {
		t.Errorf("seized = %s, want 8,400 USDC", res.CollateralSeized)
	}
	if res.CollateralReturned.Cmp(fixedpoint.Expand(1_600, 6)) != 0 {
		t.Errorf("returned = %s, want 1,600 USDC", res.CollateralReturned)
	}
}

func TestLiquidationImpactFloor(t *testing.T) {
	ledger := position.NewLedger(position.NewRepo())
	ctx := seededCtx(5000, 1000)
	key := longKey()

	if _, err := ledger.Increase(ctx, key, usd(200_000), fixedpoint.Expand(50_000, 6)); err != nil {
		t.Fatalf("increase: %v", err)
	}

	// a short-heavy book makes closing the long worsen the skew; the raw
	// charge would be 1e-8 * (400k^2 - 200k^2) = $1,200
	ctx.Pool.ApplyOpenInterestDelta("USDC", false, usd(400_000))
	ctx.Config.PositionImpactFactorNegative = fixedpoint.FloatValue(1, 8)
	ctx.Config.PositionImpactExponent = fixedpoint.FloatValue(2, 0)
	ctx.Config.MaxPositionImpactFactorForLiquidations = fixedpoint.FloatValue(1, 3) // 0.1%

	pos, _ := ledger.Repo().Get(key)
	check, err := position.CheckLiquidatable(ctx, pos)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	// floored at 0.1% of $200,000
	if check.PriceImpactUsd.Cmp(usd(-200)) != 0 {
		t.Errorf("impact = %s, want -$200", check.PriceImpactUsd)
	}
	if check.Liquidatable {
		t.Errorf("well-collateralized position flagged liquidatable: %s", check.Reason)
	}
}

func TestLiquidationPositiveImpactNotCredited(t *testing.T) {
	ledger := position.NewLedger(position.NewRepo())
	ctx := seededCtx(5000, 1000)
	key := longKey()

	if _, err := ledger.Increase(ctx, key, usd(200_000), fixedpoint.Expand(10_000, 6)); err != nil {
		t.Fatalf("increase: %v", err)
	}

	// closing the long would rebalance the book for a rebate, but the check
	// must not lean on it
	ctx.Config.PositionImpactFactorPositive = fixedpoint.FloatValue(5, 9)
	ctx.Config.PositionImpactExponent = fixedpoint.FloatValue(2, 0)

	pos, _ := ledger.Repo().Get(key)
	check, err := position.CheckLiquidatable(ctx, pos)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.PriceImpactUsd.Sign() != 0 {
		t.Errorf("positive impact credited: %s", check.PriceImpactUsd)
	}
}
