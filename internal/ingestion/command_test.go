package ingestion_test

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/engine"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/fixedpoint"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/ingestion"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/market"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/order"
)

func marshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func oraclePayload(ethUsd int64, timestamp, block int64) map[string]interface{} {
	return map[string]interface{}{
		"timestamp": timestamp,
		"block":     block,
		"prices": map[string]interface{}{
			"WETH": map[string]string{
				"min": fixedpoint.Expand(ethUsd, 12).String(),
				"max": fixedpoint.Expand(ethUsd, 12).String(),
			},
			"USDC": map[string]string{
				"min": fixedpoint.Expand(1, 24).String(),
				"max": fixedpoint.Expand(1, 24).String(),
			},
		},
	}
}

func TestParseCreateOrder(t *testing.T) {
	payload := map[string]interface{}{
		"oracle":                          oraclePayload(5000, 1100, 2),
		"account":                         "alice",
		"market":                          "ETH-USD",
		"kind":                            "limit_increase",
		"is_long":                         true,
		"initial_collateral_token":        "USDC",
		"initial_collateral_delta_amount": fixedpoint.Expand(50_000, 6).String(),
		"size_delta_usd":                  fixedpoint.FloatValue(200_000, 0).String(),
		"trigger_price":                   fixedpoint.Expand(4800, 12).String(),
		"execution_fee":                   "1000000",
	}

	cmd, err := ingestion.ParseCommand("gmx.settlement.commands.create_order.ETH-USD", marshal(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	co, ok := cmd.(*ingestion.CreateOrderCommand)
	if !ok {
		t.Fatalf("expected *CreateOrderCommand, got %T", cmd)
	}

	if co.Params.Account != "alice" {
		t.Errorf("account: got %s, want alice", co.Params.Account)
	}
	if co.Params.Kind != order.LimitIncrease {
		t.Errorf("kind: got %v, want LimitIncrease", co.Params.Kind)
	}
	if co.Params.SizeDeltaUsd.Cmp(fixedpoint.FloatValue(200_000, 0)) != 0 {
		t.Errorf("size delta: got %s", co.Params.SizeDeltaUsd)
	}
	if co.In.Timestamp != 1100 || co.In.Block != 2 {
		t.Errorf("input time: got %d/%d, want 1100/2", co.In.Timestamp, co.In.Block)
	}
	p, err := co.In.Prices.GetPrice("WETH")
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	if p.Min.Cmp(fixedpoint.Expand(5000, 12)) != 0 {
		t.Errorf("WETH price: got %s", p.Min)
	}
}

func TestParseUpdateOrderKeepsAbsentFields(t *testing.T) {
	payload := map[string]interface{}{
		"oracle":         oraclePayload(5000, 1100, 2),
		"order_id":       "order-1",
		"caller":         "alice",
		"size_delta_usd": fixedpoint.FloatValue(150_000, 0).String(),
	}

	cmd, err := ingestion.ParseCommand("gmx.settlement.commands.update_order", marshal(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	uo, ok := cmd.(*ingestion.UpdateOrderCommand)
	if !ok {
		t.Fatalf("expected *UpdateOrderCommand, got %T", cmd)
	}
	if uo.SizeDeltaUsd == nil || uo.SizeDeltaUsd.Cmp(fixedpoint.FloatValue(150_000, 0)) != 0 {
		t.Errorf("size delta: got %v", uo.SizeDeltaUsd)
	}
	// absent fields stay nil so the stored order keeps its values
	if uo.TriggerPrice != nil || uo.AcceptablePrice != nil || uo.MinOutputAmount != nil {
		t.Errorf("absent fields parsed non-nil: %v %v %v", uo.TriggerPrice, uo.AcceptablePrice, uo.MinOutputAmount)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []struct {
		name    string
		subject string
		payload map[string]interface{}
	}{
		{
			name:    "unknown command",
			subject: "gmx.settlement.commands.burn_everything",
			payload: map[string]interface{}{"oracle": oraclePayload(5000, 1100, 2)},
		},
		{
			name:    "outside hierarchy",
			subject: "gmx.settlement.events.deposit_executed",
			payload: map[string]interface{}{"oracle": oraclePayload(5000, 1100, 2)},
		},
		{
			name:    "missing prices",
			subject: "gmx.settlement.commands.deposit",
			payload: map[string]interface{}{
				"oracle":  map[string]interface{}{"timestamp": 1100, "block": 2},
				"account": "lp", "market": "ETH-USD",
			},
		},
		{
			name:    "bad amount",
			subject: "gmx.settlement.commands.deposit",
			payload: map[string]interface{}{
				"oracle":      oraclePayload(5000, 1100, 2),
				"account":     "lp",
				"market":      "ETH-USD",
				"long_amount": "ten",
			},
		},
		{
			name:    "bad kind",
			subject: "gmx.settlement.commands.create_order",
			payload: map[string]interface{}{
				"oracle": oraclePayload(5000, 1100, 2),
				"kind":   "liquidation",
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ingestion.ParseCommand(tc.subject, marshal(t, tc.payload)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestDepositCommandDrivesEngine(t *testing.T) {
	e := engine.New(engine.Config{
		MinExecutionFee: big.NewInt(0),
		Logger:          zerolog.Nop(),
	})
	if err := e.AddMarket(market.Market{
		Name:        "ETH-USD",
		IndexToken:  "WETH",
		LongToken:   "WETH",
		ShortToken:  "USDC",
		MarketToken: "GM-ETH-USD",
	}, market.DefaultConfig()); err != nil {
		t.Fatalf("add market: %v", err)
	}

	payload := map[string]interface{}{
		"oracle":       oraclePayload(5000, 1100, 2),
		"account":      "lp",
		"market":       "ETH-USD",
		"long_amount":  fixedpoint.Expand(10, 18).String(),
		"short_amount": fixedpoint.Expand(50_000, 6).String(),
	}
	cmd, err := ingestion.ParseCommand("gmx.settlement.commands.deposit", marshal(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if err := cmd.Apply(e); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if got := e.ShareBalance("ETH-USD", "lp"); got.Sign() <= 0 {
		t.Errorf("share balance = %s, want > 0", got)
	}
	if e.Sequence() != 1 {
		t.Errorf("sequence = %d, want 1", e.Sequence())
	}
}

func TestCommandRejectionSurfacesEngineError(t *testing.T) {
	e := engine.New(engine.Config{
		MinExecutionFee: big.NewInt(0),
		Logger:          zerolog.Nop(),
	})

	payload := map[string]interface{}{
		"oracle":      oraclePayload(5000, 1100, 2),
		"account":     "lp",
		"market":      "NO-SUCH-MARKET",
		"long_amount": fixedpoint.Expand(10, 18).String(),
	}
	cmd, err := ingestion.ParseCommand("gmx.settlement.commands.deposit", marshal(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if err := cmd.Apply(e); !errors.Is(err, engine.ErrUnknownMarket) {
		t.Fatalf("err = %v, want ErrUnknownMarket", err)
	}
}
