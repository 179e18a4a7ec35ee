// Package event defines the settlement event log: typed payloads for every
// state-changing operation, the envelope that sequences them, and the
// outbound publisher consumed by downstream indexers.
package event

// Type discriminator for event payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeOrderCreated
	TypeOrderUpdated
	TypeOrderCancelled
	TypeOrderExecuted
	TypeSwapExecuted
	TypePositionIncreased
	TypePositionDecreased
	TypeDepositExecuted
	TypeWithdrawalExecuted
	TypeFundingRefreshed
	TypeFundingClaimed
	TypeImpactPoolDistributed
	TypeAdlStateUpdated
	TypeAdlExecuted
	TypeLiquidationExecuted
)

func (t Type) String() string {
	switch t {
	case TypeOrderCreated:
		return "order_created"
	case TypeOrderUpdated:
		return "order_updated"
	case TypeOrderCancelled:
		return "order_cancelled"
	case TypeOrderExecuted:
		return "order_executed"
	case TypeSwapExecuted:
		return "swap_executed"
	case TypePositionIncreased:
		return "position_increased"
	case TypePositionDecreased:
		return "position_decreased"
	case TypeDepositExecuted:
		return "deposit_executed"
	case TypeWithdrawalExecuted:
		return "withdrawal_executed"
	case TypeFundingRefreshed:
		return "funding_refreshed"
	case TypeFundingClaimed:
		return "funding_claimed"
	case TypeImpactPoolDistributed:
		return "impact_pool_distributed"
	case TypeAdlStateUpdated:
		return "adl_state_updated"
	case TypeAdlExecuted:
		return "adl_executed"
	case TypeLiquidationExecuted:
		return "liquidation_executed"
	}
	return "unknown"
}

// Event is the interface all payloads implement.
type Event interface {
	EventType() Type

	// Market returns the market context, empty for cross-market events.
	Market() string
}

// Envelope wraps every event in the log.
type Envelope struct {
	// Global monotonic sequence assigned by the settlement engine
	Sequence int64 `json:"sequence"`

	EventType Type   `json:"event_type"`
	MarketID  string `json:"market_id,omitempty"`

	// Operation timestamp, unix seconds. Versioned input, never wall clock.
	Timestamp int64 `json:"timestamp"`

	Payload Event `json:"payload"`

	// SHA-256 of engine state after applying this event, chained to the
	// previous envelope's hash
	StateHash [32]byte `json:"state_hash"`
	PrevHash  [32]byte `json:"prev_hash"`
}
