package market

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/fixedpoint"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/pricing"
)

var (
	ErrPoolAmountNegative      = errors.New("pool amount would go negative")
	ErrMaxPoolAmountExceeded   = errors.New("max pool amount exceeded")
	ErrInsufficientReserve     = errors.New("insufficient reserve")
	ErrMaxOpenInterestExceeded = errors.New("max open interest exceeded")
)

// PoolState is the mutable per-market pool record. It is written only
// through the Accountant and the fee/impact engines; everything else takes
// read snapshots.
type PoolState struct {
	// PoolAmount per token, native units. Never negative.
	PoolAmount map[string]*big.Int

	// Impact pools. Swap impact is held per token; position impact is held
	// in index-token units and netted out of share pricing.
	SwapImpactPoolAmount     map[string]*big.Int
	PositionImpactPoolAmount *big.Int
	LastImpactDistribution   int64 // unix seconds

	// Open interest, USD 30-decimal, split per side and per collateral token.
	OpenInterestUsd          SidePair
	OpenInterestByCollateral map[string]*SidePair

	// Open interest in index-token units per side, used for trader PnL.
	OpenInterestInTokens SidePair

	// ReservedAmount per side in native units of that side's backing token
	// (long token for longs, short token for shorts).
	ReservedAmount SidePair

	// Claimable balances: token -> account -> native amount.
	ClaimableFunding map[string]map[string]*big.Int
	ClaimableFees    map[string]*big.Int

	// Virtual inventory adjustments for cross-market impact. Optional;
	// nil/empty means not tracked for this market.
	VirtualSwapInventory     map[string]*big.Int
	VirtualPositionInventory *big.Int // signed, USD

	// MarketTokenSupply is the outstanding GM shares, 18 decimals.
	MarketTokenSupply *big.Int
}

func NewPoolState() *PoolState {
	return &PoolState{
		PoolAmount:               make(map[string]*big.Int),
		SwapImpactPoolAmount:     make(map[string]*big.Int),
		PositionImpactPoolAmount: new(big.Int),
		OpenInterestUsd:          NewSidePair(),
		OpenInterestByCollateral: make(map[string]*SidePair),
		OpenInterestInTokens:     NewSidePair(),
		ReservedAmount:           NewSidePair(),
		ClaimableFunding:         make(map[string]map[string]*big.Int),
		ClaimableFees:            make(map[string]*big.Int),
		MarketTokenSupply:        new(big.Int),
	}
}

// GetPoolAmount returns the pool balance for a token (zero if untracked).
func (p *PoolState) GetPoolAmount(token string) *big.Int {
	if v, ok := p.PoolAmount[token]; ok {
		return v
	}
	return new(big.Int)
}

// ApplyPoolDelta adjusts a token's pool amount, rejecting negative results.
func (p *PoolState) ApplyPoolDelta(token string, delta *big.Int) error {
	next := new(big.Int).Add(p.GetPoolAmount(token), delta)
	if next.Sign() < 0 {
		return fmt.Errorf("%w: token %s delta %s balance %s", ErrPoolAmountNegative, token, delta, p.GetPoolAmount(token))
	}
	p.PoolAmount[token] = next
	return nil
}

// GetSwapImpactPoolAmount returns the swap impact pool balance for a token.
func (p *PoolState) GetSwapImpactPoolAmount(token string) *big.Int {
	if v, ok := p.SwapImpactPoolAmount[token]; ok {
		return v
	}
	return new(big.Int)
}

// ApplySwapImpactDelta adjusts a token's swap impact pool. Payouts must be
// capped by the caller; a negative result is an invariant violation.
func (p *PoolState) ApplySwapImpactDelta(token string, delta *big.Int) error {
	next := new(big.Int).Add(p.GetSwapImpactPoolAmount(token), delta)
	if next.Sign() < 0 {
		return fmt.Errorf("%w: swap impact pool for %s", ErrPoolAmountNegative, token)
	}
	p.SwapImpactPoolAmount[token] = next
	return nil
}

// ApplyOpenInterestDelta adjusts USD open interest for (side, collateral).
func (p *PoolState) ApplyOpenInterestDelta(collateralToken string, isLong bool, deltaUsd *big.Int) {
	p.OpenInterestUsd.Add(isLong, deltaUsd)
	byColl, ok := p.OpenInterestByCollateral[collateralToken]
	if !ok {
		pair := NewSidePair()
		byColl = &pair
		p.OpenInterestByCollateral[collateralToken] = byColl
	}
	byColl.Add(isLong, deltaUsd)
}

// AddClaimableFunding credits a claimable funding balance.
func (p *PoolState) AddClaimableFunding(token, account string, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	byAccount, ok := p.ClaimableFunding[token]
	if !ok {
		byAccount = make(map[string]*big.Int)
		p.ClaimableFunding[token] = byAccount
	}
	cur, ok := byAccount[account]
	if !ok {
		cur = new(big.Int)
	}
	byAccount[account] = new(big.Int).Add(cur, amount)
}

// ClaimFunding zeroes and returns an account's claimable funding balance.
func (p *PoolState) ClaimFunding(token, account string) *big.Int {
	byAccount, ok := p.ClaimableFunding[token]
	if !ok {
		return new(big.Int)
	}
	amount, ok := byAccount[account]
	if !ok {
		return new(big.Int)
	}
	delete(byAccount, account)
	return amount
}

// AddClaimableFee credits the fee-receiver balance for a token.
func (p *PoolState) AddClaimableFee(token string, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	cur, ok := p.ClaimableFees[token]
	if !ok {
		cur = new(big.Int)
	}
	p.ClaimableFees[token] = new(big.Int).Add(cur, amount)
}

// Clone deep-copies the pool state. Settlement operations mutate a clone
// and commit it only when every invariant passes.
func (p *PoolState) Clone() *PoolState {
	c := &PoolState{
		PoolAmount:               cloneAmounts(p.PoolAmount),
		SwapImpactPoolAmount:     cloneAmounts(p.SwapImpactPoolAmount),
		PositionImpactPoolAmount: new(big.Int).Set(p.PositionImpactPoolAmount),
		LastImpactDistribution:   p.LastImpactDistribution,
		OpenInterestUsd:          p.OpenInterestUsd.Clone(),
		OpenInterestByCollateral: make(map[string]*SidePair, len(p.OpenInterestByCollateral)),
		OpenInterestInTokens:     p.OpenInterestInTokens.Clone(),
		ReservedAmount:           p.ReservedAmount.Clone(),
		ClaimableFunding:         make(map[string]map[string]*big.Int, len(p.ClaimableFunding)),
		ClaimableFees:            cloneAmounts(p.ClaimableFees),
		MarketTokenSupply:        new(big.Int).Set(p.MarketTokenSupply),
	}
	for token, pair := range p.OpenInterestByCollateral {
		cp := pair.Clone()
		c.OpenInterestByCollateral[token] = &cp
	}
	for token, byAccount := range p.ClaimableFunding {
		c.ClaimableFunding[token] = cloneAmounts(byAccount)
	}
	if p.VirtualSwapInventory != nil {
		c.VirtualSwapInventory = cloneAmounts(p.VirtualSwapInventory)
	}
	if p.VirtualPositionInventory != nil {
		c.VirtualPositionInventory = new(big.Int).Set(p.VirtualPositionInventory)
	}
	return c
}

func cloneAmounts(m map[string]*big.Int) map[string]*big.Int {
	out := make(map[string]*big.Int, len(m))
	for k, v := range m {
		out[k] = new(big.Int).Set(v)
	}
	return out
}

// ValidatePoolAmount checks the configured per-token cap.
func ValidatePoolAmount(cfg *Config, pool *PoolState, token string) error {
	max, ok := cfg.MaxPoolAmount[token]
	if !ok || max.Sign() == 0 {
		return nil
	}
	if pool.GetPoolAmount(token).Cmp(max) > 0 {
		return fmt.Errorf("%w: token %s amount %s max %s", ErrMaxPoolAmountExceeded, token, pool.GetPoolAmount(token), max)
	}
	return nil
}

// ValidateReserve checks pool_amount >= reserved and the reserve-factor cap
// for one side. Longs reserve the long token, shorts the short token.
func ValidateReserve(m Market, cfg *Config, pool *PoolState, prices pricing.Resolver, isLong bool) error {
	token := m.ShortToken
	if isLong {
		token = m.LongToken
	}
	reserved := pool.ReservedAmount.Get(isLong)
	poolAmount := pool.GetPoolAmount(token)
	if poolAmount.Cmp(reserved) < 0 {
		return fmt.Errorf("%w: %s reserved %s exceeds pool %s", ErrInsufficientReserve, token, reserved, poolAmount)
	}

	price, err := prices.GetPrice(token)
	if err != nil {
		return err
	}
	poolUsd := new(big.Int).Mul(poolAmount, price.Pick(false))
	maxReservedUsd := fixedpoint.ApplyFactor(poolUsd, cfg.ReserveFactor.Get(isLong))
	reservedUsd := new(big.Int).Mul(reserved, price.Pick(true))
	if reservedUsd.Cmp(maxReservedUsd) > 0 {
		return fmt.Errorf("%w: reserved %s usd exceeds factor cap %s", ErrInsufficientReserve, reservedUsd, maxReservedUsd)
	}
	return nil
}

// RecomputeReserved derives the reserved backing amounts from current open
// interest. Longs reserve the long token (one token per open-interest token
// when the index is the long token, otherwise valued at the min price);
// shorts reserve short tokens covering their USD notional.
func RecomputeReserved(m Market, pool *PoolState, prices pricing.Resolver) error {
	if m.IsSwapOnly() {
		return nil
	}
	if m.IndexToken == m.LongToken {
		pool.ReservedAmount.Set(true, new(big.Int).Set(pool.OpenInterestInTokens.Get(true)))
	} else {
		longPrice, err := prices.GetPrice(m.LongToken)
		if err != nil {
			return err
		}
		reserved := fixedpoint.MulDiv(pool.OpenInterestUsd.Get(true), big.NewInt(1), longPrice.Pick(false), fixedpoint.RoundUp)
		pool.ReservedAmount.Set(true, reserved)
	}

	shortPrice, err := prices.GetPrice(m.ShortToken)
	if err != nil {
		return err
	}
	reserved := fixedpoint.MulDiv(pool.OpenInterestUsd.Get(false), big.NewInt(1), shortPrice.Pick(false), fixedpoint.RoundUp)
	pool.ReservedAmount.Set(false, reserved)
	return nil
}

// ValidateOpenInterest checks the configured USD cap for one side.
func ValidateOpenInterest(cfg *Config, pool *PoolState, isLong bool) error {
	max := cfg.MaxOpenInterestUsd.Get(isLong)
	if max.Sign() == 0 {
		return nil
	}
	if pool.OpenInterestUsd.Get(isLong).Cmp(max) > 0 {
		return fmt.Errorf("%w: open interest %s max %s", ErrMaxOpenInterestExceeded, pool.OpenInterestUsd.Get(isLong), max)
	}
	return nil
}

// PoolStateRepo keys pool state by market name.
type PoolStateRepo struct {
	pools map[string]*PoolState
}

func NewPoolStateRepo() *PoolStateRepo {
	return &PoolStateRepo{pools: make(map[string]*PoolState)}
}

func (r *PoolStateRepo) Get(marketName string) *PoolState {
	pool, ok := r.pools[marketName]
	if !ok {
		pool = NewPoolState()
		r.pools[marketName] = pool
	}
	return pool
}

func (r *PoolStateRepo) Put(marketName string, pool *PoolState) {
	r.pools[marketName] = pool
}

// Clone deep-copies every pool so an operation can run against a scratch
// snapshot and commit by swapping repos.
func (r *PoolStateRepo) Clone() *PoolStateRepo {
	c := NewPoolStateRepo()
	for name, pool := range r.pools {
		c.pools[name] = pool.Clone()
	}
	return c
}
