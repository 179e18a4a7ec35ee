package fees

import (
	"math/big"

	"github.com/rs/zerolog"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/market"
)

// MarketFees bundles the funding and per-side borrowing state of one market.
type MarketFees struct {
	Funding   *FundingState
	Borrowing [2]*BorrowingState // index 0 short, 1 long
}

func NewMarketFees() *MarketFees {
	return &MarketFees{
		Funding:   NewFundingState(),
		Borrowing: [2]*BorrowingState{NewBorrowingState(), NewBorrowingState()},
	}
}

func (mf *MarketFees) BorrowingSide(isLong bool) *BorrowingState {
	if isLong {
		return mf.Borrowing[1]
	}
	return mf.Borrowing[0]
}

func (mf *MarketFees) Clone() *MarketFees {
	return &MarketFees{
		Funding:   mf.Funding.Clone(),
		Borrowing: [2]*BorrowingState{mf.Borrowing[0].Clone(), mf.Borrowing[1].Clone()},
	}
}

// Engine is the only writer of funding and borrowing state. Every position
// touch refreshes both accruals first, so no accrual era is skipped or
// double-counted.
type Engine struct {
	state  map[string]*MarketFees
	logger zerolog.Logger
}

func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		state:  make(map[string]*MarketFees),
		logger: logger,
	}
}

// Get returns the fee state for a market, creating it on first use.
func (e *Engine) Get(marketName string) *MarketFees {
	mf, ok := e.state[marketName]
	if !ok {
		mf = NewMarketFees()
		e.state[marketName] = mf
	}
	return mf
}

// Put replaces a market's fee state. Used when committing a cloned working
// state after a successful settlement operation.
func (e *Engine) Put(marketName string, mf *MarketFees) {
	e.state[marketName] = mf
}

// CloneState deep-copies every market's fee state for scratch execution.
func (e *Engine) CloneState() *Engine {
	c := &Engine{state: make(map[string]*MarketFees, len(e.state)), logger: e.logger}
	for name, mf := range e.state {
		c.state[name] = mf.Clone()
	}
	return c
}

// Refresh advances funding and borrowing accrual for a market up to now.
// Calling it twice at the same timestamp is a no-op; a timestamp earlier
// than the last update is rejected.
func (e *Engine) Refresh(m market.Market, cfg *market.Config, pool *market.PoolState, now int64) error {
	return RefreshState(e.Get(m.Name), m, cfg, pool, now)
}

// RefreshState advances an explicit fee-state value. Settlement operations
// run on cloned state and call this directly.
func RefreshState(mf *MarketFees, m market.Market, cfg *market.Config, pool *market.PoolState, now int64) error {
	if m.IsSwapOnly() {
		return nil
	}
	if err := mf.Funding.validateTimestamp(now); err != nil {
		return err
	}
	dt := now - mf.Funding.LastUpdate
	if mf.Funding.LastUpdate == 0 {
		// first touch establishes the epoch without accruing
		dt = 0
	}
	mf.Funding.advance(cfg, pool, dt)
	mf.Funding.LastUpdate = now

	for _, isLong := range []bool{false, true} {
		b := mf.BorrowingSide(isLong)
		if err := b.validateTimestamp(now); err != nil {
			return err
		}
		bdt := now - b.LastUpdate
		if b.LastUpdate == 0 {
			bdt = 0
		}
		b.advance(m, cfg, pool, isLong, bdt)
		b.LastUpdate = now
	}
	return nil
}

// PendingBorrowingUsd values borrowing fees accrued across all open
// positions but not yet settled into the pool. Pool valuation adds this.
func PendingBorrowingUsd(mf *MarketFees) *big.Int {
	total := mf.BorrowingSide(true).PendingUsd()
	return total.Add(total, mf.BorrowingSide(false).PendingUsd())
}

// PositionFeeSnapshot carries the factor snapshots stored on a position.
type PositionFeeSnapshot struct {
	FundingCostFactor  *big.Int
	FundingClaimFactor *big.Int
	BorrowingFactor    *big.Int
}

// CurrentSnapshot returns the factors a freshly touched position must store.
func CurrentSnapshot(mf *MarketFees, isLong bool) PositionFeeSnapshot {
	return PositionFeeSnapshot{
		FundingCostFactor:  new(big.Int).Set(mf.Funding.CumulativeCost.Get(isLong)),
		FundingClaimFactor: new(big.Int).Set(mf.Funding.CumulativeClaim.Get(isLong)),
		BorrowingFactor:    new(big.Int).Set(mf.BorrowingSide(isLong).CumulativeFactor),
	}
}

// PositionFees is one position's settled funding and borrowing charges.
type PositionFees struct {
	FundingCostUsd  *big.Int // paid from collateral to the opposite side
	FundingClaimUsd *big.Int // credited to the position's claimable balance
	BorrowingUsd    *big.Int // paid to the pool / fee receiver split
}

// SettlePosition computes the fees a position owes since its snapshots.
func SettlePosition(mf *MarketFees, isLong bool, sizeUsd *big.Int, snap PositionFeeSnapshot) PositionFees {
	funding := mf.Funding.PositionFunding(isLong, sizeUsd, snap.FundingCostFactor, snap.FundingClaimFactor)
	borrowing := mf.BorrowingSide(isLong).PositionBorrowingUsd(sizeUsd, snap.BorrowingFactor)
	return PositionFees{
		FundingCostUsd:  funding.CostUsd,
		FundingClaimUsd: funding.ClaimUsd,
		BorrowingUsd:    borrowing,
	}
}
