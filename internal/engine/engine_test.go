package engine_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/adl"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/engine"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/event"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/fixedpoint"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/market"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/order"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/position"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/pricing"
)

var minExecutionFee = big.NewInt(1_000_000)

func usd(n int64) *big.Int { return fixedpoint.FloatValue(n, 0) }

func newTestEngine(t *testing.T, cfg *market.Config) (*engine.Engine, chan engine.Output) {
	t.Helper()
	persistChan := make(chan engine.Output, 1024)
	e := engine.New(engine.Config{
		MinExecutionFee: minExecutionFee,
		PersistChan:     persistChan,
		Logger:          zerolog.Nop(),
	})
	ethMarket := market.Market{
		Name:        "ETH-USD",
		IndexToken:  "WETH",
		LongToken:   "WETH",
		ShortToken:  "USDC",
		MarketToken: "GM-ETH-USD",
	}
	if cfg == nil {
		cfg = market.DefaultConfig()
	}
	if err := e.AddMarket(ethMarket, cfg); err != nil {
		t.Fatalf("AddMarket failed: %v", err)
	}
	return e, persistChan
}

func ethUsdInput(ethUsd, now, block int64) engine.Input {
	ethPrice := fixedpoint.Expand(ethUsd, 12)
	usdcPrice := fixedpoint.Expand(1, 24)
	return engine.Input{
		Timestamp: now,
		Block:     block,
		Prices: &pricing.StaticResolver{
			Prices: map[string]pricing.Price{
				"WETH": pricing.NewPrice(ethPrice, ethPrice),
				"USDC": pricing.NewPrice(usdcPrice, usdcPrice),
			},
		},
	}
}

// seedPool deposits 1000 WETH and 5,000,000 USDC from "lp" at $5,000.
func seedPool(t *testing.T, e *engine.Engine, now int64) *big.Int {
	t.Helper()
	minted, _, err := e.Deposit(ethUsdInput(5000, now, 1), "lp", "ETH-USD",
		fixedpoint.Expand(1000, 18), fixedpoint.Expand(5_000_000, 6))
	if err != nil {
		t.Fatalf("seed deposit failed: %v", err)
	}
	return minted
}

func drainOutputs(ch chan engine.Output) []engine.Output {
	var outputs []engine.Output
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func TestDepositMintsSharesAtParValue(t *testing.T) {
	e, persistCh := newTestEngine(t, nil)

	minted := seedPool(t, e, 1000)

	// $10M into an empty pool at a $1 share price mints 10M GM shares
	want := fixedpoint.Expand(10_000_000, 18)
	if minted.Cmp(want) != 0 {
		t.Errorf("minted = %s, want %s", minted, want)
	}
	if got := e.ShareBalance("ETH-USD", "lp"); got.Cmp(want) != 0 {
		t.Errorf("share balance = %s, want %s", got, want)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	env := outputs[0].Envelope
	if env.Sequence != 0 {
		t.Errorf("sequence = %d, want 0", env.Sequence)
	}
	if env.EventType != event.TypeDepositExecuted {
		t.Errorf("event type = %s, want deposit_executed", env.EventType)
	}
	if env.StateHash == env.PrevHash {
		t.Error("state hash did not advance from chain tip")
	}
}

func TestWithdrawReturnsProportionalAmounts(t *testing.T) {
	e, persistCh := newTestEngine(t, nil)
	seedPool(t, e, 1000)
	drainOutputs(persistCh)

	res, _, err := e.Withdraw(ethUsdInput(5000, 1100, 2), "lp", "ETH-USD", fixedpoint.Expand(5_000_000, 18))
	if err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}

	// half the shares redeem half the pool: 500 WETH and 2.5M USDC
	if want := fixedpoint.Expand(500, 18); res.LongTokenAmount.Cmp(want) != 0 {
		t.Errorf("long amount = %s, want %s", res.LongTokenAmount, want)
	}
	if want := fixedpoint.Expand(2_500_000, 6); res.ShortTokenAmount.Cmp(want) != 0 {
		t.Errorf("short amount = %s, want %s", res.ShortTokenAmount, want)
	}
	if got, want := e.ShareBalance("ETH-USD", "lp"), fixedpoint.Expand(5_000_000, 18); got.Cmp(want) != 0 {
		t.Errorf("share balance = %s, want %s", got, want)
	}
}

func TestWithdrawRejectsUnbackedShares(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	seedPool(t, e, 1000)

	_, _, err := e.Withdraw(ethUsdInput(5000, 1100, 2), "mallory", "ETH-USD", fixedpoint.Expand(1, 18))
	if !errors.Is(err, engine.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
}

func TestOrderLifecycleOpensPosition(t *testing.T) {
	e, persistCh := newTestEngine(t, nil)
	seedPool(t, e, 1000)
	drainOutputs(persistCh)

	o, _, err := e.CreateOrder(ethUsdInput(5000, 1100, 2), order.CreateParams{
		Account:                      "alice",
		Market:                       "ETH-USD",
		Kind:                         order.MarketIncrease,
		IsLong:                       true,
		InitialCollateralToken:       "USDC",
		InitialCollateralDeltaAmount: fixedpoint.Expand(50_000, 6),
		SizeDeltaUsd:                 usd(200_000),
		ExecutionFee:                 minExecutionFee,
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	res, _, err := e.ExecuteOrder(ethUsdInput(5000, 1200, 3), o.ID, nil)
	if err != nil {
		t.Fatalf("ExecuteOrder failed: %v", err)
	}
	if !res.Executed {
		t.Fatal("order did not execute")
	}

	key := position.Key{Account: "alice", Market: "ETH-USD", CollateralToken: "USDC", IsLong: true}
	pos, ok := e.PositionByKey(key)
	if !ok {
		t.Fatal("position not found after execution")
	}
	// $200,000 at $5,000 is 40 ETH
	if want := fixedpoint.Expand(40, 18); pos.SizeInTokens.Cmp(want) != 0 {
		t.Errorf("size in tokens = %s, want %s", pos.SizeInTokens, want)
	}
	if _, ok := e.OrderByID(o.ID); ok {
		t.Error("executed order still pending")
	}

	outputs := drainOutputs(persistCh)
	// order created, order executed, position increased
	if len(outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outputs))
	}
	wantTypes := []event.Type{event.TypeOrderCreated, event.TypeOrderExecuted, event.TypePositionIncreased}
	for i, o := range outputs {
		if o.Envelope.EventType != wantTypes[i] {
			t.Errorf("output %d: event type = %s, want %s", i, o.Envelope.EventType, wantTypes[i])
		}
	}
}

func TestControlledCancellationLeavesPoolUntouched(t *testing.T) {
	e, persistCh := newTestEngine(t, nil)
	seedPool(t, e, 1000)
	drainOutputs(persistCh)

	o, _, err := e.CreateOrder(ethUsdInput(5000, 1100, 2), order.CreateParams{
		Account:                      "alice",
		Market:                       "ETH-USD",
		Kind:                         order.MarketIncrease,
		IsLong:                       true,
		InitialCollateralToken:       "USDC",
		InitialCollateralDeltaAmount: fixedpoint.Expand(50_000, 6),
		SizeDeltaUsd:                 usd(200_000),
		AcceptablePrice:              fixedpoint.Expand(4900, 12),
		ExecutionFee:                 minExecutionFee,
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	drainOutputs(persistCh)

	res, _, err := e.ExecuteOrder(ethUsdInput(5000, 1200, 3), o.ID, nil)
	if err != nil {
		t.Fatalf("ExecuteOrder failed: %v", err)
	}
	if !res.Cancelled {
		t.Fatal("expected a controlled cancellation")
	}
	if _, ok := e.OrderByID(o.ID); ok {
		t.Error("cancelled order still pending")
	}

	pool := e.Pool("ETH-USD")
	if want := fixedpoint.Expand(1000, 18); pool.GetPoolAmount("WETH").Cmp(want) != 0 {
		t.Errorf("pool WETH = %s, want %s", pool.GetPoolAmount("WETH"), want)
	}
	if want := fixedpoint.Expand(5_000_000, 6); pool.GetPoolAmount("USDC").Cmp(want) != 0 {
		t.Errorf("pool USDC = %s, want %s", pool.GetPoolAmount("USDC"), want)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Envelope.EventType != event.TypeOrderCancelled {
		t.Errorf("event type = %s, want order_cancelled", outputs[0].Envelope.EventType)
	}
}

func TestHardFailureLeavesOrderPending(t *testing.T) {
	e, persistCh := newTestEngine(t, nil)
	seedPool(t, e, 1000)
	drainOutputs(persistCh)

	o, _, err := e.CreateOrder(ethUsdInput(5000, 1100, 2), order.CreateParams{
		Account:                      "alice",
		Market:                       "ETH-USD",
		Kind:                         order.LimitIncrease,
		IsLong:                       true,
		InitialCollateralToken:       "USDC",
		InitialCollateralDeltaAmount: fixedpoint.Expand(50_000, 6),
		SizeDeltaUsd:                 usd(200_000),
		TriggerPrice:                 fixedpoint.Expand(4800, 12),
		ExecutionFee:                 minExecutionFee,
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	drainOutputs(persistCh)

	_, _, err = e.ExecuteOrder(ethUsdInput(5000, 1200, 3), o.ID, nil)
	if !errors.Is(err, order.ErrTriggerPriceNotReached) {
		t.Fatalf("expected ErrTriggerPriceNotReached, got %v", err)
	}
	if _, ok := e.OrderByID(o.ID); !ok {
		t.Error("order should still be pending after a hard failure")
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Errorf("expected no outputs, got %d", len(outputs))
	}
}

func TestTimestampRegressionRejected(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	seedPool(t, e, 2000)

	_, _, err := e.Deposit(ethUsdInput(5000, 1000, 2), "lp", "ETH-USD",
		fixedpoint.Expand(1, 18), new(big.Int))
	if !errors.Is(err, engine.ErrTimestampRegression) {
		t.Fatalf("expected ErrTimestampRegression, got %v", err)
	}
}

func TestHashChainLinksOutputs(t *testing.T) {
	e, persistCh := newTestEngine(t, nil)
	seedPool(t, e, 1000)

	for i := int64(0); i < 4; i++ {
		_, _, err := e.Deposit(ethUsdInput(5000, 1100+i*100, 2+i), "lp", "ETH-USD",
			fixedpoint.Expand(1, 18), new(big.Int))
		if err != nil {
			t.Fatalf("deposit %d failed: %v", i, err)
		}
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 5 {
		t.Fatalf("expected 5 outputs, got %d", len(outputs))
	}
	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i) {
			t.Errorf("output %d: sequence = %d, want %d", i, o.Envelope.Sequence, i)
		}
		if i > 0 && o.Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("output %d: prev hash not chained to previous state hash", i)
		}
	}
}

func TestLiquidationThroughEngine(t *testing.T) {
	e, persistCh := newTestEngine(t, nil)
	seedPool(t, e, 1000)

	o, _, err := e.CreateOrder(ethUsdInput(5000, 1100, 2), order.CreateParams{
		Account:                      "bob",
		Market:                       "ETH-USD",
		Kind:                         order.MarketIncrease,
		IsLong:                       true,
		InitialCollateralToken:       "USDC",
		InitialCollateralDeltaAmount: fixedpoint.Expand(10_000, 6),
		SizeDeltaUsd:                 usd(200_000),
		ExecutionFee:                 minExecutionFee,
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if _, _, err := e.ExecuteOrder(ethUsdInput(5000, 1200, 3), o.ID, nil); err != nil {
		t.Fatalf("ExecuteOrder failed: %v", err)
	}
	drainOutputs(persistCh)

	key := position.Key{Account: "bob", Market: "ETH-USD", CollateralToken: "USDC", IsLong: true}

	// at $4,700 the $200k long is $12k underwater against $10k collateral
	res, _, err := e.ExecuteLiquidation(ethUsdInput(4700, 1300, 4), key)
	if err != nil {
		t.Fatalf("ExecuteLiquidation failed: %v", err)
	}
	if res.CollateralSeized.Cmp(fixedpoint.Expand(10_000, 6)) != 0 {
		t.Errorf("collateral seized = %s, want all 10,000 USDC", res.CollateralSeized)
	}
	if _, ok := e.PositionByKey(key); ok {
		t.Error("position survived liquidation")
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Envelope.EventType != event.TypeLiquidationExecuted {
		t.Errorf("event type = %s, want liquidation_executed", outputs[0].Envelope.EventType)
	}
}

func TestLiquidationRefusesHealthyPosition(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	seedPool(t, e, 1000)

	o, _, err := e.CreateOrder(ethUsdInput(5000, 1100, 2), order.CreateParams{
		Account:                      "bob",
		Market:                       "ETH-USD",
		Kind:                         order.MarketIncrease,
		IsLong:                       true,
		InitialCollateralToken:       "USDC",
		InitialCollateralDeltaAmount: fixedpoint.Expand(50_000, 6),
		SizeDeltaUsd:                 usd(200_000),
		ExecutionFee:                 minExecutionFee,
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if _, _, err := e.ExecuteOrder(ethUsdInput(5000, 1200, 3), o.ID, nil); err != nil {
		t.Fatalf("ExecuteOrder failed: %v", err)
	}

	key := position.Key{Account: "bob", Market: "ETH-USD", CollateralToken: "USDC", IsLong: true}
	_, _, err = e.ExecuteLiquidation(ethUsdInput(5000, 1300, 4), key)
	if !errors.Is(err, position.ErrInvalidLiquidation) {
		t.Fatalf("expected ErrInvalidLiquidation, got %v", err)
	}
	if _, ok := e.PositionByKey(key); !ok {
		t.Error("healthy position removed by refused liquidation")
	}
}

func TestAdlLatchAndForcedDecrease(t *testing.T) {
	cfg := market.DefaultConfig()
	cfg.MaxPnlFactorForAdl = fixedpoint.FloatValue(5, 2)   // 5%
	cfg.MinPnlFactorAfterAdl = fixedpoint.FloatValue(2, 2) // 2%
	e, _ := newTestEngine(t, cfg)
	seedPool(t, e, 1000)

	o, _, err := e.CreateOrder(ethUsdInput(5000, 1100, 2), order.CreateParams{
		Account:                      "alice",
		Market:                       "ETH-USD",
		Kind:                         order.MarketIncrease,
		IsLong:                       true,
		InitialCollateralToken:       "USDC",
		InitialCollateralDeltaAmount: fixedpoint.Expand(300_000, 6),
		SizeDeltaUsd:                 usd(1_000_000),
		ExecutionFee:                 minExecutionFee,
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if _, _, err := e.ExecuteOrder(ethUsdInput(5000, 1200, 3), o.ID, nil); err != nil {
		t.Fatalf("ExecuteOrder failed: %v", err)
	}

	key := position.Key{Account: "alice", Market: "ETH-USD", CollateralToken: "USDC", IsLong: true}

	// latched off at entry price
	in := ethUsdInput(5000, 1300, 4)
	if _, err := e.UpdateAdlState(in, "ETH-USD", true); err != nil {
		t.Fatalf("UpdateAdlState failed: %v", err)
	}
	if _, _, err := e.ExecuteAdl(in, key, usd(500_000)); err == nil {
		t.Fatal("expected ADL to be refused while latch is off")
	}

	// doubling the index price puts long pnl at ~6.7% of pool value
	in = ethUsdInput(10_000, 1400, 5)
	if _, err := e.UpdateAdlState(in, "ETH-USD", true); err != nil {
		t.Fatalf("UpdateAdlState failed: %v", err)
	}
	if st := e.AdlState("ETH-USD", true); !st.Enabled {
		t.Fatal("adl latch should be enabled")
	}

	dec, _, err := e.ExecuteAdl(in, key, usd(500_000))
	if err != nil {
		t.Fatalf("ExecuteAdl failed: %v", err)
	}
	if dec.RealizedPnlUsd.Cmp(usd(500_000)) != 0 {
		t.Errorf("realized pnl = %s, want %s", dec.RealizedPnlUsd, usd(500_000))
	}
	pos, ok := e.PositionByKey(key)
	if !ok {
		t.Fatal("position fully closed by partial adl")
	}
	if pos.SizeUsd.Cmp(usd(500_000)) != 0 {
		t.Errorf("remaining size = %s, want %s", pos.SizeUsd, usd(500_000))
	}
}

func TestAdlOvershootRollsBack(t *testing.T) {
	cfg := market.DefaultConfig()
	cfg.MaxPnlFactorForAdl = fixedpoint.FloatValue(5, 2)   // 5%
	cfg.MinPnlFactorAfterAdl = fixedpoint.FloatValue(2, 2) // 2%
	e, persistCh := newTestEngine(t, cfg)
	seedPool(t, e, 1000)

	o, _, err := e.CreateOrder(ethUsdInput(5000, 1100, 2), order.CreateParams{
		Account:                      "alice",
		Market:                       "ETH-USD",
		Kind:                         order.MarketIncrease,
		IsLong:                       true,
		InitialCollateralToken:       "USDC",
		InitialCollateralDeltaAmount: fixedpoint.Expand(300_000, 6),
		SizeDeltaUsd:                 usd(1_000_000),
		ExecutionFee:                 minExecutionFee,
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if _, _, err := e.ExecuteOrder(ethUsdInput(5000, 1200, 3), o.ID, nil); err != nil {
		t.Fatalf("ExecuteOrder failed: %v", err)
	}

	in := ethUsdInput(10_000, 1300, 4)
	if _, err := e.UpdateAdlState(in, "ETH-USD", true); err != nil {
		t.Fatalf("UpdateAdlState failed: %v", err)
	}
	drainOutputs(persistCh)

	// a full close wipes the side's entire profit, far past the 2% floor
	key := position.Key{Account: "alice", Market: "ETH-USD", CollateralToken: "USDC", IsLong: true}
	seq := e.Sequence()
	_, _, err = e.ExecuteAdl(in, key, usd(1_000_000))
	if !errors.Is(err, adl.ErrAdlOvershoot) {
		t.Fatalf("err = %v, want ErrAdlOvershoot", err)
	}

	// the refused decrease must leave no trace
	pos, ok := e.PositionByKey(key)
	if !ok {
		t.Fatal("position gone after refused adl")
	}
	if pos.SizeUsd.Cmp(usd(1_000_000)) != 0 {
		t.Errorf("size = %s, want %s", pos.SizeUsd, usd(1_000_000))
	}
	if e.Sequence() != seq {
		t.Errorf("sequence = %d, want %d", e.Sequence(), seq)
	}
	if got := drainOutputs(persistCh); len(got) != 0 {
		t.Errorf("emitted %d outputs, want 0", len(got))
	}
}

func TestClaimFundingNothingToClaim(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	seedPool(t, e, 1000)

	_, _, err := e.ClaimFunding(ethUsdInput(5000, 1100, 2), "alice", "ETH-USD", "USDC")
	if !errors.Is(err, engine.ErrNothingToClaim) {
		t.Fatalf("expected ErrNothingToClaim, got %v", err)
	}
}

func TestRefreshFeesEmitsSnapshot(t *testing.T) {
	e, persistCh := newTestEngine(t, nil)
	seedPool(t, e, 1000)
	drainOutputs(persistCh)

	out, err := e.RefreshFees(ethUsdInput(5000, 2000, 2), "ETH-USD")
	if err != nil {
		t.Fatalf("RefreshFees failed: %v", err)
	}
	if out.Envelope.EventType != event.TypeFundingRefreshed {
		t.Errorf("event type = %s, want funding_refreshed", out.Envelope.EventType)
	}
	payload, ok := out.Envelope.Payload.(*event.FundingRefreshed)
	if !ok {
		t.Fatalf("payload is %T, want *event.FundingRefreshed", out.Envelope.Payload)
	}
	if payload.CumulativeCostLong.Sign() != 0 {
		t.Errorf("first refresh accrued funding: %s", payload.CumulativeCostLong)
	}
}
