// Package position owns position records and their collateral, PnL, and fee
// accounting. All mutation goes through the Ledger.
package position

import (
	"math/big"
	"sort"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/fixedpoint"
)

// Key identifies a position. One position exists per key; a second increase
// with the same key grows the existing position.
type Key struct {
	Account         string
	Market          string
	CollateralToken string
	IsLong          bool
}

// Position is a leveraged exposure to a market's index token.
type Position struct {
	Account         string
	Market          string
	CollateralToken string
	IsLong          bool

	SizeUsd          *big.Int // 30-decimal USD notional
	SizeInTokens     *big.Int // index token units
	CollateralAmount *big.Int // collateral token units

	// Fee factor snapshots taken at the last touch.
	FundingCostFactor  *big.Int
	FundingClaimFactor *big.Int
	BorrowingFactor    *big.Int

	// PendingImpactAmount is price impact accrued on increases, in index
	// token units (negative = owed to the impact pool), settled when the
	// position decreases.
	PendingImpactAmount *big.Int

	IncreasedAt int64
	DecreasedAt int64
}

func (p *Position) Key() Key {
	return Key{Account: p.Account, Market: p.Market, CollateralToken: p.CollateralToken, IsLong: p.IsLong}
}

// EntryPrice returns sizeUsd / sizeInTokens, the average entry price.
func (p *Position) EntryPrice() *big.Int {
	if p.SizeInTokens.Sign() == 0 {
		return new(big.Int)
	}
	return new(big.Int).Quo(p.SizeUsd, p.SizeInTokens)
}

// PnlUsd returns unrealized PnL at the given index price, signed from the
// trader's perspective.
func (p *Position) PnlUsd(indexPrice *big.Int) *big.Int {
	value := new(big.Int).Mul(p.SizeInTokens, indexPrice)
	if p.IsLong {
		return value.Sub(value, p.SizeUsd)
	}
	return new(big.Int).Sub(p.SizeUsd, value)
}

// LeverageFactor returns sizeUsd / collateralUsd as a 30-decimal factor.
func (p *Position) LeverageFactor(collateralPrice *big.Int) *big.Int {
	collateralUsd := new(big.Int).Mul(p.CollateralAmount, collateralPrice)
	if collateralUsd.Sign() == 0 {
		return new(big.Int)
	}
	return fixedpoint.ToFactor(p.SizeUsd, collateralUsd)
}

func (p *Position) Clone() *Position {
	c := *p
	c.SizeUsd = new(big.Int).Set(p.SizeUsd)
	c.SizeInTokens = new(big.Int).Set(p.SizeInTokens)
	c.CollateralAmount = new(big.Int).Set(p.CollateralAmount)
	c.FundingCostFactor = new(big.Int).Set(p.FundingCostFactor)
	c.FundingClaimFactor = new(big.Int).Set(p.FundingClaimFactor)
	c.BorrowingFactor = new(big.Int).Set(p.BorrowingFactor)
	c.PendingImpactAmount = new(big.Int).Set(p.PendingImpactAmount)
	return &c
}

// Repo stores positions keyed by their composite key.
type Repo struct {
	positions map[Key]*Position
}

func NewRepo() *Repo {
	return &Repo{positions: make(map[Key]*Position)}
}

func (r *Repo) Get(key Key) (*Position, bool) {
	p, ok := r.positions[key]
	return p, ok
}

func (r *Repo) Put(p *Position) {
	r.positions[p.Key()] = p
}

func (r *Repo) Delete(key Key) {
	delete(r.positions, key)
}

func (r *Repo) Len() int {
	return len(r.positions)
}

// Clone deep-copies the repo for scratch execution.
func (r *Repo) Clone() *Repo {
	c := NewRepo()
	for key, p := range r.positions {
		c.positions[key] = p.Clone()
	}
	return c
}

// ByMarket returns positions in a market, ordered deterministically.
func (r *Repo) ByMarket(marketName string) []*Position {
	var out []*Position
	for key, p := range r.positions {
		if key.Market == marketName {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Account != b.Account {
			return a.Account < b.Account
		}
		if a.CollateralToken != b.CollateralToken {
			return a.CollateralToken < b.CollateralToken
		}
		return a.IsLong && !b.IsLong
	})
	return out
}
