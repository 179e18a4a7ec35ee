package market

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/fixedpoint"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/pricing"
)

var (
	ErrPnlFactorExceedsAllowedRange = errors.New("pnl factor exceeds allowed range")
	ErrUsdDeltaExceedsPoolValue     = errors.New("usd delta exceeds pool value")
	ErrEmptyDeposit                 = errors.New("empty deposit")
	ErrEmptyWithdrawal              = errors.New("empty withdrawal")
	ErrInsufficientMarketTokens     = errors.New("insufficient market tokens")
)

// Accountant values pools and mints/burns market-share tokens. It is the
// only writer of PoolAmount and MarketTokenSupply outside the swap and
// position settlement paths.
type Accountant struct{}

func NewAccountant() *Accountant {
	return &Accountant{}
}

// PoolValueInfo breaks down one pool valuation.
type PoolValueInfo struct {
	Value               *big.Int // USD 30-decimal, post adjustments
	LongTokenUsd        *big.Int
	ShortTokenUsd       *big.Int
	ImpactPoolUsd       *big.Int
	NetPnlUsd           *big.Int // trader PnL before capping, signed
	PendingBorrowingUsd *big.Int
}

// PoolValue computes pool value as
//
//	long usd + short usd + pending borrowing fees
//	  - position impact pool usd - capped trader pnl
//
// Trader profit reduces pool value; trader loss increases it. The cap on
// profit depends on the action being valued.
func (a *Accountant) PoolValue(
	m Market,
	cfg *Config,
	pool *PoolState,
	prices pricing.Resolver,
	pendingBorrowingUsd *big.Int,
	kind PnlFactorKind,
	maximize bool,
) (*PoolValueInfo, error) {
	longPrice, err := prices.GetPrice(m.LongToken)
	if err != nil {
		return nil, err
	}
	shortPrice, err := prices.GetPrice(m.ShortToken)
	if err != nil {
		return nil, err
	}

	longUsd := new(big.Int).Mul(pool.GetPoolAmount(m.LongToken), longPrice.Pick(maximize))
	shortUsd := new(big.Int).Mul(pool.GetPoolAmount(m.ShortToken), shortPrice.Pick(maximize))
	if m.IsSingleToken() {
		// one balance backs both sides; count it once
		shortUsd = new(big.Int)
	}
	value := new(big.Int).Add(longUsd, shortUsd)
	if pendingBorrowingUsd != nil {
		value.Add(value, pendingBorrowingUsd)
	}

	info := &PoolValueInfo{
		LongTokenUsd:        longUsd,
		ShortTokenUsd:       shortUsd,
		ImpactPoolUsd:       new(big.Int),
		NetPnlUsd:           new(big.Int),
		PendingBorrowingUsd: new(big.Int),
	}
	if pendingBorrowingUsd != nil {
		info.PendingBorrowingUsd.Set(pendingBorrowingUsd)
	}

	if !m.IsSwapOnly() {
		indexPrice, err := prices.GetPrice(m.IndexToken)
		if err != nil {
			return nil, err
		}
		// the impact pool is a claim against pool value; use the price that
		// minimizes value when the caller maximizes, and vice versa
		info.ImpactPoolUsd = new(big.Int).Mul(pool.PositionImpactPoolAmount, indexPrice.Pick(!maximize))
		value.Sub(value, info.ImpactPoolUsd)

		info.NetPnlUsd = a.NetPnl(m, pool, indexPrice, !maximize)
		cappedPnl := a.capPnl(cfg, info.NetPnlUsd, value, kind)
		value.Sub(value, cappedPnl)
	}

	if value.Sign() < 0 {
		return nil, fmt.Errorf("%w: computed pool value %s", ErrUsdDeltaExceedsPoolValue, value)
	}
	info.Value = value
	return info, nil
}

// NetPnl returns aggregate trader PnL across both sides, signed from the
// traders' perspective.
func (a *Accountant) NetPnl(m Market, pool *PoolState, indexPrice pricing.Price, maximize bool) *big.Int {
	long := a.SidePnl(pool, indexPrice, true, maximize)
	short := a.SidePnl(pool, indexPrice, false, maximize)
	return long.Add(long, short)
}

// SidePnl returns trader PnL for one side: open interest in tokens valued at
// the index price minus the USD entry notional (reversed for shorts).
func (a *Accountant) SidePnl(pool *PoolState, indexPrice pricing.Price, isLong, maximize bool) *big.Int {
	oiTokens := pool.OpenInterestInTokens.Get(isLong)
	oiUsd := pool.OpenInterestUsd.Get(isLong)
	valueAtPrice := new(big.Int).Mul(oiTokens, indexPrice.Pick(maximize))
	if isLong {
		return valueAtPrice.Sub(valueAtPrice, oiUsd)
	}
	return new(big.Int).Sub(oiUsd, valueAtPrice)
}

// capPnl truncates trader profit at poolValue * maxPnlFactor. Losses are
// never capped.
func (a *Accountant) capPnl(cfg *Config, pnl, poolValue *big.Int, kind PnlFactorKind) *big.Int {
	if pnl.Sign() <= 0 {
		return new(big.Int).Set(pnl)
	}
	maxPnl := fixedpoint.ApplyFactor(poolValue, cfg.MaxPnlFactor(kind))
	return fixedpoint.Min(new(big.Int).Set(pnl), maxPnl)
}

// ValidateMaxPnl rejects deposits/withdrawals while trader profit exceeds
// the action's ceiling, instead of silently truncating share prices.
func (a *Accountant) ValidateMaxPnl(
	m Market,
	cfg *Config,
	pool *PoolState,
	prices pricing.Resolver,
	pendingBorrowingUsd *big.Int,
	kind PnlFactorKind,
) error {
	if m.IsSwapOnly() {
		return nil
	}
	info, err := a.PoolValue(m, cfg, pool, prices, pendingBorrowingUsd, PnlFactorForTraders, true)
	if err != nil {
		return err
	}
	if info.NetPnlUsd.Sign() <= 0 || info.Value.Sign() == 0 {
		return nil
	}
	// factor measured against value before the pnl deduction
	base := new(big.Int).Add(info.Value, info.NetPnlUsd)
	pnlFactor := fixedpoint.ToFactor(info.NetPnlUsd, base)
	if pnlFactor.Cmp(cfg.MaxPnlFactor(kind)) > 0 {
		return fmt.Errorf("%w: factor %s max %s", ErrPnlFactorExceedsAllowedRange, pnlFactor, cfg.MaxPnlFactor(kind))
	}
	return nil
}

// MarketTokenPrice returns the GM share price, 30-decimal. An empty pool
// prices at exactly 1.0.
func (a *Accountant) MarketTokenPrice(
	m Market,
	cfg *Config,
	pool *PoolState,
	prices pricing.Resolver,
	pendingBorrowingUsd *big.Int,
	kind PnlFactorKind,
	maximize bool,
) (*big.Int, error) {
	if pool.MarketTokenSupply.Sign() == 0 {
		return new(big.Int).Set(fixedpoint.Float), nil
	}
	info, err := a.PoolValue(m, cfg, pool, prices, pendingBorrowingUsd, kind, maximize)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulDiv(info.Value, fixedpoint.Wei, pool.MarketTokenSupply, fixedpoint.RoundDown), nil
}

// Deposit adds long/short token amounts to the pool and mints GM shares at
// the instantaneous share price. Returns the minted amount (18 decimals).
func (a *Accountant) Deposit(
	m Market,
	cfg *Config,
	pool *PoolState,
	prices pricing.Resolver,
	pendingBorrowingUsd *big.Int,
	longAmount, shortAmount *big.Int,
) (*big.Int, error) {
	if longAmount.Sign() <= 0 && shortAmount.Sign() <= 0 {
		return nil, ErrEmptyDeposit
	}
	if err := a.ValidateMaxPnl(m, cfg, pool, prices, pendingBorrowingUsd, PnlFactorForDeposits); err != nil {
		return nil, err
	}

	// price the shares before the contribution lands in the pool, with
	// value maximized so depositors cannot mint cheap shares
	price, err := a.MarketTokenPrice(m, cfg, pool, prices, pendingBorrowingUsd, PnlFactorForDeposits, true)
	if err != nil {
		return nil, err
	}

	longPrice, err := prices.GetPrice(m.LongToken)
	if err != nil {
		return nil, err
	}
	shortPrice, err := prices.GetPrice(m.ShortToken)
	if err != nil {
		return nil, err
	}

	depositUsd := new(big.Int).Mul(longAmount, longPrice.Pick(false))
	depositUsd.Add(depositUsd, new(big.Int).Mul(shortAmount, shortPrice.Pick(false)))

	if err := pool.ApplyPoolDelta(m.LongToken, longAmount); err != nil {
		return nil, err
	}
	if !m.IsSingleToken() {
		if err := pool.ApplyPoolDelta(m.ShortToken, shortAmount); err != nil {
			return nil, err
		}
	} else if shortAmount.Sign() != 0 {
		if err := pool.ApplyPoolDelta(m.LongToken, shortAmount); err != nil {
			return nil, err
		}
	}
	if err := ValidatePoolAmount(cfg, pool, m.LongToken); err != nil {
		return nil, err
	}
	if err := ValidatePoolAmount(cfg, pool, m.ShortToken); err != nil {
		return nil, err
	}

	minted := fixedpoint.MulDiv(depositUsd, fixedpoint.Wei, price, fixedpoint.RoundDown)
	pool.MarketTokenSupply.Add(pool.MarketTokenSupply, minted)
	return minted, nil
}

// WithdrawalResult is the long/short split returned by Withdraw.
type WithdrawalResult struct {
	LongTokenAmount  *big.Int
	ShortTokenAmount *big.Int
}

// Withdraw burns GM shares and pays out long/short tokens split by each
// token's share of current pool USD value. Only the final rounding unit is
// exposed as a residual.
func (a *Accountant) Withdraw(
	m Market,
	cfg *Config,
	pool *PoolState,
	prices pricing.Resolver,
	pendingBorrowingUsd *big.Int,
	marketTokenAmount *big.Int,
) (*WithdrawalResult, error) {
	if marketTokenAmount.Sign() <= 0 {
		return nil, ErrEmptyWithdrawal
	}
	if pool.MarketTokenSupply.Cmp(marketTokenAmount) < 0 {
		return nil, fmt.Errorf("%w: burn %s supply %s", ErrInsufficientMarketTokens, marketTokenAmount, pool.MarketTokenSupply)
	}
	if err := a.ValidateMaxPnl(m, cfg, pool, prices, pendingBorrowingUsd, PnlFactorForWithdrawals); err != nil {
		return nil, err
	}

	// value minimized so withdrawers cannot drain at an inflated price
	price, err := a.MarketTokenPrice(m, cfg, pool, prices, pendingBorrowingUsd, PnlFactorForWithdrawals, false)
	if err != nil {
		return nil, err
	}
	withdrawalUsd := fixedpoint.MulDiv(marketTokenAmount, price, fixedpoint.Wei, fixedpoint.RoundDown)

	longPrice, err := prices.GetPrice(m.LongToken)
	if err != nil {
		return nil, err
	}
	shortPrice, err := prices.GetPrice(m.ShortToken)
	if err != nil {
		return nil, err
	}

	longUsd := new(big.Int).Mul(pool.GetPoolAmount(m.LongToken), longPrice.Pick(true))
	shortUsd := new(big.Int).Mul(pool.GetPoolAmount(m.ShortToken), shortPrice.Pick(true))
	if m.IsSingleToken() {
		shortUsd = new(big.Int)
	}
	totalUsd := new(big.Int).Add(longUsd, shortUsd)
	if totalUsd.Sign() == 0 || withdrawalUsd.Cmp(totalUsd) > 0 {
		return nil, fmt.Errorf("%w: withdrawal %s pool %s", ErrUsdDeltaExceedsPoolValue, withdrawalUsd, totalUsd)
	}

	longShareUsd := fixedpoint.MulDiv(withdrawalUsd, longUsd, totalUsd, fixedpoint.RoundDown)
	shortShareUsd := new(big.Int).Sub(withdrawalUsd, longShareUsd)

	res := &WithdrawalResult{
		LongTokenAmount:  new(big.Int).Quo(longShareUsd, longPrice.Pick(true)),
		ShortTokenAmount: new(big.Int).Quo(shortShareUsd, shortPrice.Pick(true)),
	}

	if err := pool.ApplyPoolDelta(m.LongToken, fixedpoint.Neg(res.LongTokenAmount)); err != nil {
		return nil, err
	}
	if err := pool.ApplyPoolDelta(m.ShortToken, fixedpoint.Neg(res.ShortTokenAmount)); err != nil {
		return nil, err
	}
	if err := ValidateReserve(m, cfg, pool, prices, true); err != nil {
		return nil, err
	}
	if err := ValidateReserve(m, cfg, pool, prices, false); err != nil {
		return nil, err
	}

	pool.MarketTokenSupply.Sub(pool.MarketTokenSupply, marketTokenAmount)
	return res, nil
}
