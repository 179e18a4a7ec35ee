package event

import "math/big"

// OrderCreated records a new pending order and its escrow.
type OrderCreated struct {
	OrderID         string   `json:"order_id"`
	Account         string   `json:"account"`
	MarketID        string   `json:"market_id,omitempty"`
	Kind            string   `json:"kind"`
	IsLong          bool     `json:"is_long"`
	SizeDeltaUsd    *big.Int `json:"size_delta_usd"`
	CollateralToken string   `json:"collateral_token"`
	CollateralDelta *big.Int `json:"collateral_delta"`
	ExecutionFee    *big.Int `json:"execution_fee"`
}

func (e *OrderCreated) EventType() Type { return TypeOrderCreated }
func (e *OrderCreated) Market() string  { return e.MarketID }

type OrderUpdated struct {
	OrderID      string   `json:"order_id"`
	MarketID     string   `json:"market_id,omitempty"`
	SizeDeltaUsd *big.Int `json:"size_delta_usd"`
	TriggerPrice *big.Int `json:"trigger_price"`
}

func (e *OrderUpdated) EventType() Type { return TypeOrderUpdated }
func (e *OrderUpdated) Market() string  { return e.MarketID }

// OrderCancelled covers both trader cancellation and controlled execution
// cancellation; Reason distinguishes them.
type OrderCancelled struct {
	OrderID            string   `json:"order_id"`
	Account            string   `json:"account"`
	MarketID           string   `json:"market_id,omitempty"`
	Reason             string   `json:"reason"`
	ExecutionFeeRefund *big.Int `json:"execution_fee_refund"`
}

func (e *OrderCancelled) EventType() Type { return TypeOrderCancelled }
func (e *OrderCancelled) Market() string  { return e.MarketID }

type OrderExecuted struct {
	OrderID            string   `json:"order_id"`
	Account            string   `json:"account"`
	MarketID           string   `json:"market_id,omitempty"`
	Kind               string   `json:"kind"`
	ExecutionPrice     *big.Int `json:"execution_price,omitempty"`
	ExecutionFeeRefund *big.Int `json:"execution_fee_refund"`
}

func (e *OrderExecuted) EventType() Type { return TypeOrderExecuted }
func (e *OrderExecuted) Market() string  { return e.MarketID }

type SwapExecuted struct {
	OrderID   string   `json:"order_id"`
	Account   string   `json:"account"`
	TokenIn   string   `json:"token_in"`
	AmountIn  *big.Int `json:"amount_in"`
	TokenOut  string   `json:"token_out"`
	AmountOut *big.Int `json:"amount_out"`
	FeeUsd    *big.Int `json:"fee_usd"`
	ImpactUsd *big.Int `json:"impact_usd"`
}

func (e *SwapExecuted) EventType() Type { return TypeSwapExecuted }
func (e *SwapExecuted) Market() string  { return "" }

type PositionIncreased struct {
	Account           string   `json:"account"`
	MarketID          string   `json:"market_id"`
	CollateralToken   string   `json:"collateral_token"`
	IsLong            bool     `json:"is_long"`
	SizeDeltaUsd      *big.Int `json:"size_delta_usd"`
	SizeDeltaInTokens *big.Int `json:"size_delta_in_tokens"`
	CollateralDelta   *big.Int `json:"collateral_delta"`
	ExecutionPrice    *big.Int `json:"execution_price"`
	PriceImpactUsd    *big.Int `json:"price_impact_usd"`
	FundingCostUsd    *big.Int `json:"funding_cost_usd"`
	BorrowingUsd      *big.Int `json:"borrowing_usd"`
}

func (e *PositionIncreased) EventType() Type { return TypePositionIncreased }
func (e *PositionIncreased) Market() string  { return e.MarketID }

type PositionDecreased struct {
	Account            string   `json:"account"`
	MarketID           string   `json:"market_id"`
	CollateralToken    string   `json:"collateral_token"`
	IsLong             bool     `json:"is_long"`
	SizeDeltaUsd       *big.Int `json:"size_delta_usd"`
	SizeDeltaInTokens  *big.Int `json:"size_delta_in_tokens"`
	ExecutionPrice     *big.Int `json:"execution_price"`
	RealizedPnlUsd     *big.Int `json:"realized_pnl_usd"`
	PriceImpactUsd     *big.Int `json:"price_impact_usd"`
	FundingCostUsd     *big.Int `json:"funding_cost_usd"`
	BorrowingUsd       *big.Int `json:"borrowing_usd"`
	PayoutToken        string   `json:"payout_token,omitempty"`
	PayoutAmount       *big.Int `json:"payout_amount"`
	CollateralReturned *big.Int `json:"collateral_returned"`
	Closed             bool     `json:"closed"`
}

func (e *PositionDecreased) EventType() Type { return TypePositionDecreased }
func (e *PositionDecreased) Market() string  { return e.MarketID }

type DepositExecuted struct {
	Account      string   `json:"account"`
	MarketID     string   `json:"market_id"`
	LongAmount   *big.Int `json:"long_amount"`
	ShortAmount  *big.Int `json:"short_amount"`
	MintedShares *big.Int `json:"minted_shares"`
}

func (e *DepositExecuted) EventType() Type { return TypeDepositExecuted }
func (e *DepositExecuted) Market() string  { return e.MarketID }

type WithdrawalExecuted struct {
	Account      string   `json:"account"`
	MarketID     string   `json:"market_id"`
	BurnedShares *big.Int `json:"burned_shares"`
	LongAmount   *big.Int `json:"long_amount"`
	ShortAmount  *big.Int `json:"short_amount"`
}

func (e *WithdrawalExecuted) EventType() Type { return TypeWithdrawalExecuted }
func (e *WithdrawalExecuted) Market() string  { return e.MarketID }

// FundingRefreshed snapshots the cumulative factors after an accrual tick.
type FundingRefreshed struct {
	MarketID             string   `json:"market_id"`
	FundingRatePerSecond *big.Int `json:"funding_rate_per_second"`
	CumulativeCostLong   *big.Int `json:"cumulative_cost_long"`
	CumulativeCostShort  *big.Int `json:"cumulative_cost_short"`
	BorrowingFactorLong  *big.Int `json:"borrowing_factor_long"`
	BorrowingFactorShort *big.Int `json:"borrowing_factor_short"`
}

func (e *FundingRefreshed) EventType() Type { return TypeFundingRefreshed }
func (e *FundingRefreshed) Market() string  { return e.MarketID }

type FundingClaimed struct {
	Account  string   `json:"account"`
	MarketID string   `json:"market_id"`
	Token    string   `json:"token"`
	Amount   *big.Int `json:"amount"`
}

func (e *FundingClaimed) EventType() Type { return TypeFundingClaimed }
func (e *FundingClaimed) Market() string  { return e.MarketID }

type ImpactPoolDistributed struct {
	MarketID        string   `json:"market_id"`
	Amount          *big.Int `json:"amount"`
	RemainingAmount *big.Int `json:"remaining_amount"`
}

func (e *ImpactPoolDistributed) EventType() Type { return TypeImpactPoolDistributed }
func (e *ImpactPoolDistributed) Market() string  { return e.MarketID }

type AdlStateUpdated struct {
	MarketID string `json:"market_id"`
	IsLong   bool   `json:"is_long"`
	Enabled  bool   `json:"enabled"`
	Block    int64  `json:"block"`
}

func (e *AdlStateUpdated) EventType() Type { return TypeAdlStateUpdated }
func (e *AdlStateUpdated) Market() string  { return e.MarketID }

type AdlExecuted struct {
	Account        string   `json:"account"`
	MarketID       string   `json:"market_id"`
	IsLong         bool     `json:"is_long"`
	SizeDeltaUsd   *big.Int `json:"size_delta_usd"`
	RealizedPnlUsd *big.Int `json:"realized_pnl_usd"`
}

func (e *AdlExecuted) EventType() Type { return TypeAdlExecuted }
func (e *AdlExecuted) Market() string  { return e.MarketID }

type LiquidationExecuted struct {
	Account            string   `json:"account"`
	MarketID           string   `json:"market_id"`
	CollateralToken    string   `json:"collateral_token"`
	IsLong             bool     `json:"is_long"`
	SizeUsd            *big.Int `json:"size_usd"`
	Reason             string   `json:"reason"`
	CollateralSeized   *big.Int `json:"collateral_seized"`
	CollateralReturned *big.Int `json:"collateral_returned"`
}

func (e *LiquidationExecuted) EventType() Type { return TypeLiquidationExecuted }
func (e *LiquidationExecuted) Market() string  { return e.MarketID }
