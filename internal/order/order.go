// Package order validates, stores, and transitions settlement orders.
// Orders live only in the Created state; execution and cancellation are
// terminal and remove the record.
package order

import (
	"math/big"
	"sort"
)

// Kind is the order variant; it selects the execution path.
type Kind int

const (
	MarketSwap Kind = iota
	LimitSwap
	MarketIncrease
	LimitIncrease
	MarketDecrease
	LimitDecrease
	StopLossDecrease
	// Liquidation orders are synthesized by the system and are single-shot:
	// they never enter the order store.
	Liquidation
)

func (k Kind) String() string {
	switch k {
	case MarketSwap:
		return "market_swap"
	case LimitSwap:
		return "limit_swap"
	case MarketIncrease:
		return "market_increase"
	case LimitIncrease:
		return "limit_increase"
	case MarketDecrease:
		return "market_decrease"
	case LimitDecrease:
		return "limit_decrease"
	case StopLossDecrease:
		return "stop_loss_decrease"
	case Liquidation:
		return "liquidation"
	}
	return "unknown"
}

// KindFromString is the inverse of String for user-creatable kinds.
func KindFromString(s string) (Kind, bool) {
	for _, k := range []Kind{MarketSwap, LimitSwap, MarketIncrease, LimitIncrease, MarketDecrease, LimitDecrease, StopLossDecrease} {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

func (k Kind) IsSwap() bool {
	return k == MarketSwap || k == LimitSwap
}

func (k Kind) IsIncrease() bool {
	return k == MarketIncrease || k == LimitIncrease
}

func (k Kind) IsDecrease() bool {
	return k == MarketDecrease || k == LimitDecrease || k == StopLossDecrease || k == Liquidation
}

// IsMarket reports whether the order executes at the next available price
// with no trigger condition.
func (k Kind) IsMarket() bool {
	return k == MarketSwap || k == MarketIncrease || k == MarketDecrease
}

// UserCreatable reports whether a trader may create this kind.
func (k Kind) UserCreatable() bool {
	return k != Liquidation
}

// Order is a pending settlement instruction. Immutable except through
// StateMachine.Update.
type Order struct {
	ID      string
	Account string
	Market  string
	Kind    Kind
	IsLong  bool

	// InitialCollateralToken is the token the account funded the order
	// with; a swap path may convert it before the position is touched.
	InitialCollateralToken       string
	InitialCollateralDeltaAmount *big.Int
	SizeDeltaUsd                 *big.Int

	// TriggerPrice arms limit and stop-loss kinds; AcceptablePrice bounds
	// the execution price in the trader's favor. Zero means unset.
	TriggerPrice    *big.Int
	AcceptablePrice *big.Int

	// MinOutputAmount guards swap output; checked after the full path runs.
	MinOutputAmount *big.Int
	SwapPath        []string

	// ExecutionFee is escrowed at creation and refunded net of keeper cost.
	ExecutionFee *big.Int

	// Validity window, unix seconds. Zero bounds are open.
	ValidFrom  int64
	ValidUntil int64
	AutoCancel bool

	CreatedAt int64
	UpdatedAt int64
}

func (o *Order) Clone() *Order {
	c := *o
	c.InitialCollateralDeltaAmount = new(big.Int).Set(o.InitialCollateralDeltaAmount)
	c.SizeDeltaUsd = new(big.Int).Set(o.SizeDeltaUsd)
	c.TriggerPrice = new(big.Int).Set(o.TriggerPrice)
	c.AcceptablePrice = new(big.Int).Set(o.AcceptablePrice)
	c.MinOutputAmount = new(big.Int).Set(o.MinOutputAmount)
	c.ExecutionFee = new(big.Int).Set(o.ExecutionFee)
	c.SwapPath = append([]string(nil), o.SwapPath...)
	return &c
}

// Repo stores pending orders by ID.
type Repo struct {
	orders map[string]*Order
}

func NewRepo() *Repo {
	return &Repo{orders: make(map[string]*Order)}
}

func (r *Repo) Get(id string) (*Order, bool) {
	o, ok := r.orders[id]
	return o, ok
}

func (r *Repo) Put(o *Order) {
	r.orders[o.ID] = o
}

func (r *Repo) Delete(id string) {
	delete(r.orders, id)
}

func (r *Repo) Len() int {
	return len(r.orders)
}

// List returns all pending orders, oldest first, ties broken by ID.
func (r *Repo) List() []*Order {
	out := make([]*Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ByAccount returns the account's pending orders, oldest first.
func (r *Repo) ByAccount(account string) []*Order {
	var out []*Order
	for _, o := range r.List() {
		if o.Account == account {
			out = append(out, o)
		}
	}
	return out
}

func (r *Repo) Clone() *Repo {
	c := NewRepo()
	for id, o := range r.orders {
		c.orders[id] = o.Clone()
	}
	return c
}
