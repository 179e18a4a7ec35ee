// Package ingestion consumes settlement commands from NATS JetStream and
// feeds them to the engine. Each subject maps to one engine operation; the
// payload carries the oracle price set the operation executes against.
package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/engine"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/order"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/position"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/pricing"
)

// CommandSubjectPrefix is the inbound subject hierarchy. The token after
// the prefix selects the operation: gmx.settlement.commands.create_order.
const CommandSubjectPrefix = "gmx.settlement.commands."

// Command is a parsed inbound operation, ready to run against the engine.
// Apply returns the engine's rejection when the operation does not commit;
// rejections are deterministic and must not be redelivered.
type Command interface {
	Name() string
	Apply(e *engine.Engine) error
}

// ParseCommand converts a subject and JSON payload into a typed Command.
func ParseCommand(subject string, data []byte) (Command, error) {
	op := strings.TrimPrefix(subject, CommandSubjectPrefix)
	if op == subject {
		return nil, fmt.Errorf("subject %q outside command hierarchy", subject)
	}
	// subjects may carry a trailing market token for filtering
	if i := strings.IndexByte(op, '.'); i >= 0 {
		op = op[:i]
	}

	switch op {
	case "create_order":
		return parseCreateOrder(data)
	case "update_order":
		return parseUpdateOrder(data)
	case "cancel_order":
		return parseCancelOrder(data)
	case "execute_order":
		return parseExecuteOrder(data)
	case "deposit":
		return parseDeposit(data)
	case "withdraw":
		return parseWithdraw(data)
	case "claim_funding":
		return parseClaimFunding(data)
	case "refresh_fees":
		return parseRefreshFees(data)
	case "distribute_impact":
		return parseDistributeImpact(data)
	case "update_adl_state":
		return parseUpdateAdlState(data)
	case "execute_adl":
		return parseExecuteAdl(data)
	case "liquidate":
		return parseLiquidate(data)
	default:
		return nil, fmt.Errorf("unknown command %q", op)
	}
}

// --- JSON wire formats ---
// Amounts and prices travel as decimal strings; field names use snake_case
// to match upstream producers.

type priceJSON struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

type oracleJSON struct {
	Timestamp    int64                `json:"timestamp"`
	Block        int64                `json:"block"`
	Prices       map[string]priceJSON `json:"prices"`
	MinTimestamp int64                `json:"min_timestamp,omitempty"`
	MaxTimestamp int64                `json:"max_timestamp,omitempty"`
	MaxStaleness int64                `json:"max_staleness,omitempty"`
}

func (o oracleJSON) toInput() (engine.Input, error) {
	if len(o.Prices) == 0 {
		return engine.Input{}, fmt.Errorf("oracle carries no prices")
	}
	prices := make(map[string]pricing.Price, len(o.Prices))
	for token, p := range o.Prices {
		min, err := parseBig(p.Min)
		if err != nil {
			return engine.Input{}, fmt.Errorf("price %s min: %w", token, err)
		}
		max, err := parseBig(p.Max)
		if err != nil {
			return engine.Input{}, fmt.Errorf("price %s max: %w", token, err)
		}
		prices[token] = pricing.NewPrice(min, max)
	}
	return engine.Input{
		Timestamp: o.Timestamp,
		Block:     o.Block,
		Prices: &pricing.StaticResolver{
			Prices: prices,
			Win: pricing.Window{
				MinTimestamp: o.MinTimestamp,
				MaxTimestamp: o.MaxTimestamp,
				MaxStaleness: o.MaxStaleness,
			},
		},
	}, nil
}

func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

// parseBigOpt maps a missing field to nil so partial updates keep stored
// values.
func parseBigOpt(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	return parseBig(*s)
}

// --- create_order ---

type createOrderJSON struct {
	Oracle                       oracleJSON `json:"oracle"`
	Account                      string     `json:"account"`
	Market                       string     `json:"market"`
	Kind                         string     `json:"kind"`
	IsLong                       bool       `json:"is_long"`
	InitialCollateralToken       string     `json:"initial_collateral_token"`
	InitialCollateralDeltaAmount string     `json:"initial_collateral_delta_amount"`
	SizeDeltaUsd                 string     `json:"size_delta_usd"`
	TriggerPrice                 string     `json:"trigger_price"`
	AcceptablePrice              string     `json:"acceptable_price"`
	MinOutputAmount              string     `json:"min_output_amount"`
	SwapPath                     []string   `json:"swap_path"`
	ExecutionFee                 string     `json:"execution_fee"`
	ValidFrom                    int64      `json:"valid_from"`
	ValidUntil                   int64      `json:"valid_until"`
	AutoCancel                   bool       `json:"auto_cancel"`
}

// CreateOrderCommand admits a new order into the order store.
type CreateOrderCommand struct {
	In     engine.Input
	Params order.CreateParams
}

func (c *CreateOrderCommand) Name() string { return "create_order" }

func (c *CreateOrderCommand) Apply(e *engine.Engine) error {
	_, _, err := e.CreateOrder(c.In, c.Params)
	return err
}

func parseCreateOrder(data []byte) (*CreateOrderCommand, error) {
	var j createOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse create_order: %w", err)
	}
	in, err := j.Oracle.toInput()
	if err != nil {
		return nil, err
	}
	kind, ok := order.KindFromString(j.Kind)
	if !ok {
		return nil, fmt.Errorf("parse create_order: unknown kind %q", j.Kind)
	}
	collateral, err := parseBig(j.InitialCollateralDeltaAmount)
	if err != nil {
		return nil, err
	}
	sizeDelta, err := parseBig(j.SizeDeltaUsd)
	if err != nil {
		return nil, err
	}
	trigger, err := parseBig(j.TriggerPrice)
	if err != nil {
		return nil, err
	}
	acceptable, err := parseBig(j.AcceptablePrice)
	if err != nil {
		return nil, err
	}
	minOutput, err := parseBig(j.MinOutputAmount)
	if err != nil {
		return nil, err
	}
	fee, err := parseBig(j.ExecutionFee)
	if err != nil {
		return nil, err
	}
	return &CreateOrderCommand{
		In: in,
		Params: order.CreateParams{
			Account:                      j.Account,
			Market:                       j.Market,
			Kind:                         kind,
			IsLong:                       j.IsLong,
			InitialCollateralToken:       j.InitialCollateralToken,
			InitialCollateralDeltaAmount: collateral,
			SizeDeltaUsd:                 sizeDelta,
			TriggerPrice:                 trigger,
			AcceptablePrice:              acceptable,
			MinOutputAmount:              minOutput,
			SwapPath:                     j.SwapPath,
			ExecutionFee:                 fee,
			ValidFrom:                    j.ValidFrom,
			ValidUntil:                   j.ValidUntil,
			AutoCancel:                   j.AutoCancel,
		},
	}, nil
}

// --- update_order ---

type updateOrderJSON struct {
	Oracle          oracleJSON `json:"oracle"`
	OrderID         string     `json:"order_id"`
	Caller          string     `json:"caller"`
	SizeDeltaUsd    *string    `json:"size_delta_usd"`
	AcceptablePrice *string    `json:"acceptable_price"`
	TriggerPrice    *string    `json:"trigger_price"`
	MinOutputAmount *string    `json:"min_output_amount"`
}

// UpdateOrderCommand rewrites the adjustable fields of a resting order.
// Absent fields keep their stored values.
type UpdateOrderCommand struct {
	In              engine.Input
	OrderID         string
	Caller          string
	SizeDeltaUsd    *big.Int
	AcceptablePrice *big.Int
	TriggerPrice    *big.Int
	MinOutputAmount *big.Int
}

func (c *UpdateOrderCommand) Name() string { return "update_order" }

func (c *UpdateOrderCommand) Apply(e *engine.Engine) error {
	_, err := e.UpdateOrder(c.In, c.OrderID, c.Caller, c.SizeDeltaUsd, c.AcceptablePrice, c.TriggerPrice, c.MinOutputAmount)
	return err
}

func parseUpdateOrder(data []byte) (*UpdateOrderCommand, error) {
	var j updateOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse update_order: %w", err)
	}
	in, err := j.Oracle.toInput()
	if err != nil {
		return nil, err
	}
	sizeDelta, err := parseBigOpt(j.SizeDeltaUsd)
	if err != nil {
		return nil, err
	}
	acceptable, err := parseBigOpt(j.AcceptablePrice)
	if err != nil {
		return nil, err
	}
	trigger, err := parseBigOpt(j.TriggerPrice)
	if err != nil {
		return nil, err
	}
	minOutput, err := parseBigOpt(j.MinOutputAmount)
	if err != nil {
		return nil, err
	}
	return &UpdateOrderCommand{
		In:              in,
		OrderID:         j.OrderID,
		Caller:          j.Caller,
		SizeDeltaUsd:    sizeDelta,
		AcceptablePrice: acceptable,
		TriggerPrice:    trigger,
		MinOutputAmount: minOutput,
	}, nil
}

// --- cancel_order ---

type cancelOrderJSON struct {
	Oracle           oracleJSON `json:"oracle"`
	OrderID          string     `json:"order_id"`
	Caller           string     `json:"caller"`
	CancellationCost string     `json:"cancellation_cost"`
}

// CancelOrderCommand removes a pending order and refunds its fee.
type CancelOrderCommand struct {
	In               engine.Input
	OrderID          string
	Caller           string
	CancellationCost *big.Int
}

func (c *CancelOrderCommand) Name() string { return "cancel_order" }

func (c *CancelOrderCommand) Apply(e *engine.Engine) error {
	_, _, err := e.CancelOrder(c.In, c.OrderID, c.Caller, c.CancellationCost)
	return err
}

func parseCancelOrder(data []byte) (*CancelOrderCommand, error) {
	var j cancelOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse cancel_order: %w", err)
	}
	in, err := j.Oracle.toInput()
	if err != nil {
		return nil, err
	}
	cost, err := parseBig(j.CancellationCost)
	if err != nil {
		return nil, err
	}
	return &CancelOrderCommand{In: in, OrderID: j.OrderID, Caller: j.Caller, CancellationCost: cost}, nil
}

// --- execute_order ---

type executeOrderJSON struct {
	Oracle     oracleJSON `json:"oracle"`
	OrderID    string     `json:"order_id"`
	KeeperCost string     `json:"keeper_cost"`
}

// ExecuteOrderCommand settles a pending order at the oracle price.
type ExecuteOrderCommand struct {
	In         engine.Input
	OrderID    string
	KeeperCost *big.Int
}

func (c *ExecuteOrderCommand) Name() string { return "execute_order" }

func (c *ExecuteOrderCommand) Apply(e *engine.Engine) error {
	_, _, err := e.ExecuteOrder(c.In, c.OrderID, c.KeeperCost)
	return err
}

func parseExecuteOrder(data []byte) (*ExecuteOrderCommand, error) {
	var j executeOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse execute_order: %w", err)
	}
	in, err := j.Oracle.toInput()
	if err != nil {
		return nil, err
	}
	cost, err := parseBig(j.KeeperCost)
	if err != nil {
		return nil, err
	}
	return &ExecuteOrderCommand{In: in, OrderID: j.OrderID, KeeperCost: cost}, nil
}

// --- deposit / withdraw ---

type depositJSON struct {
	Oracle      oracleJSON `json:"oracle"`
	Account     string     `json:"account"`
	Market      string     `json:"market"`
	LongAmount  string     `json:"long_amount"`
	ShortAmount string     `json:"short_amount"`
}

// DepositCommand adds liquidity and mints GM shares.
type DepositCommand struct {
	In          engine.Input
	Account     string
	Market      string
	LongAmount  *big.Int
	ShortAmount *big.Int
}

func (c *DepositCommand) Name() string { return "deposit" }

func (c *DepositCommand) Apply(e *engine.Engine) error {
	_, _, err := e.Deposit(c.In, c.Account, c.Market, c.LongAmount, c.ShortAmount)
	return err
}

func parseDeposit(data []byte) (*DepositCommand, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse deposit: %w", err)
	}
	in, err := j.Oracle.toInput()
	if err != nil {
		return nil, err
	}
	long, err := parseBig(j.LongAmount)
	if err != nil {
		return nil, err
	}
	short, err := parseBig(j.ShortAmount)
	if err != nil {
		return nil, err
	}
	return &DepositCommand{In: in, Account: j.Account, Market: j.Market, LongAmount: long, ShortAmount: short}, nil
}

type withdrawJSON struct {
	Oracle      oracleJSON `json:"oracle"`
	Account     string     `json:"account"`
	Market      string     `json:"market"`
	ShareAmount string     `json:"share_amount"`
}

// WithdrawCommand burns GM shares for pool tokens.
type WithdrawCommand struct {
	In          engine.Input
	Account     string
	Market      string
	ShareAmount *big.Int
}

func (c *WithdrawCommand) Name() string { return "withdraw" }

func (c *WithdrawCommand) Apply(e *engine.Engine) error {
	_, _, err := e.Withdraw(c.In, c.Account, c.Market, c.ShareAmount)
	return err
}

func parseWithdraw(data []byte) (*WithdrawCommand, error) {
	var j withdrawJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse withdraw: %w", err)
	}
	in, err := j.Oracle.toInput()
	if err != nil {
		return nil, err
	}
	shares, err := parseBig(j.ShareAmount)
	if err != nil {
		return nil, err
	}
	return &WithdrawCommand{In: in, Account: j.Account, Market: j.Market, ShareAmount: shares}, nil
}

// --- claim_funding ---

type claimFundingJSON struct {
	Oracle  oracleJSON `json:"oracle"`
	Account string     `json:"account"`
	Market  string     `json:"market"`
	Token   string     `json:"token"`
}

// ClaimFundingCommand pays out an account's accrued funding in one token.
type ClaimFundingCommand struct {
	In      engine.Input
	Account string
	Market  string
	Token   string
}

func (c *ClaimFundingCommand) Name() string { return "claim_funding" }

func (c *ClaimFundingCommand) Apply(e *engine.Engine) error {
	_, _, err := e.ClaimFunding(c.In, c.Account, c.Market, c.Token)
	return err
}

func parseClaimFunding(data []byte) (*ClaimFundingCommand, error) {
	var j claimFundingJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse claim_funding: %w", err)
	}
	in, err := j.Oracle.toInput()
	if err != nil {
		return nil, err
	}
	return &ClaimFundingCommand{In: in, Account: j.Account, Market: j.Market, Token: j.Token}, nil
}

// --- keeper maintenance: refresh_fees / distribute_impact / update_adl_state ---

type marketOpJSON struct {
	Oracle oracleJSON `json:"oracle"`
	Market string     `json:"market"`
	IsLong bool       `json:"is_long"`
}

// RefreshFeesCommand accrues funding and borrowing up to the oracle time.
type RefreshFeesCommand struct {
	In     engine.Input
	Market string
}

func (c *RefreshFeesCommand) Name() string { return "refresh_fees" }

func (c *RefreshFeesCommand) Apply(e *engine.Engine) error {
	_, err := e.RefreshFees(c.In, c.Market)
	return err
}

func parseRefreshFees(data []byte) (*RefreshFeesCommand, error) {
	var j marketOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse refresh_fees: %w", err)
	}
	in, err := j.Oracle.toInput()
	if err != nil {
		return nil, err
	}
	return &RefreshFeesCommand{In: in, Market: j.Market}, nil
}

// DistributeImpactCommand streams impact pool value back to the pool.
type DistributeImpactCommand struct {
	In     engine.Input
	Market string
}

func (c *DistributeImpactCommand) Name() string { return "distribute_impact" }

func (c *DistributeImpactCommand) Apply(e *engine.Engine) error {
	_, _, err := e.DistributeImpactPool(c.In, c.Market)
	return err
}

func parseDistributeImpact(data []byte) (*DistributeImpactCommand, error) {
	var j marketOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse distribute_impact: %w", err)
	}
	in, err := j.Oracle.toInput()
	if err != nil {
		return nil, err
	}
	return &DistributeImpactCommand{In: in, Market: j.Market}, nil
}

// UpdateAdlStateCommand re-derives the ADL latch for a market side.
type UpdateAdlStateCommand struct {
	In     engine.Input
	Market string
	IsLong bool
}

func (c *UpdateAdlStateCommand) Name() string { return "update_adl_state" }

func (c *UpdateAdlStateCommand) Apply(e *engine.Engine) error {
	_, err := e.UpdateAdlState(c.In, c.Market, c.IsLong)
	return err
}

func parseUpdateAdlState(data []byte) (*UpdateAdlStateCommand, error) {
	var j marketOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse update_adl_state: %w", err)
	}
	in, err := j.Oracle.toInput()
	if err != nil {
		return nil, err
	}
	return &UpdateAdlStateCommand{In: in, Market: j.Market, IsLong: j.IsLong}, nil
}

// --- execute_adl / liquidate ---

type positionOpJSON struct {
	Oracle          oracleJSON `json:"oracle"`
	Account         string     `json:"account"`
	Market          string     `json:"market"`
	CollateralToken string     `json:"collateral_token"`
	IsLong          bool       `json:"is_long"`
	SizeDeltaUsd    string     `json:"size_delta_usd"`
}

func (j positionOpJSON) key() position.Key {
	return position.Key{
		Account:         j.Account,
		Market:          j.Market,
		CollateralToken: j.CollateralToken,
		IsLong:          j.IsLong,
	}
}

// ExecuteAdlCommand force-decreases a keeper-chosen profitable position.
type ExecuteAdlCommand struct {
	In           engine.Input
	Key          position.Key
	SizeDeltaUsd *big.Int
}

func (c *ExecuteAdlCommand) Name() string { return "execute_adl" }

func (c *ExecuteAdlCommand) Apply(e *engine.Engine) error {
	_, _, err := e.ExecuteAdl(c.In, c.Key, c.SizeDeltaUsd)
	return err
}

func parseExecuteAdl(data []byte) (*ExecuteAdlCommand, error) {
	var j positionOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse execute_adl: %w", err)
	}
	in, err := j.Oracle.toInput()
	if err != nil {
		return nil, err
	}
	sizeDelta, err := parseBig(j.SizeDeltaUsd)
	if err != nil {
		return nil, err
	}
	return &ExecuteAdlCommand{In: in, Key: j.key(), SizeDeltaUsd: sizeDelta}, nil
}

// LiquidateCommand force-closes an insolvent position.
type LiquidateCommand struct {
	In  engine.Input
	Key position.Key
}

func (c *LiquidateCommand) Name() string { return "liquidate" }

func (c *LiquidateCommand) Apply(e *engine.Engine) error {
	_, _, err := e.ExecuteLiquidation(c.In, c.Key)
	return err
}

func parseLiquidate(data []byte) (*LiquidateCommand, error) {
	var j positionOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse liquidate: %w", err)
	}
	in, err := j.Oracle.toInput()
	if err != nil {
		return nil, err
	}
	return &LiquidateCommand{In: in, Key: j.key()}, nil
}
