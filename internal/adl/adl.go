// Package adl forces partial position decreases when aggregate trader
// profit on one side of a market exceeds what the pool can safely cover.
package adl

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/fixedpoint"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/market"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/position"
)

var (
	ErrAdlNotEnabled  = errors.New("adl not enabled for market side")
	ErrAdlNotRequired = errors.New("adl not required")
	ErrAdlOvershoot   = errors.New("adl overshoots min pnl factor")
)

// State is the per-(market, side) latch. Block records the trigger that
// last wrote the latch so repeated triggers within one block are dropped.
type State struct {
	Enabled bool
	Block   int64
}

type stateKey struct {
	Market string
	IsLong bool
}

// Controller owns the ADL latches and the forced-decrease path.
type Controller struct {
	states     map[stateKey]*State
	accountant *market.Accountant
	logger     zerolog.Logger
}

func NewController(logger zerolog.Logger) *Controller {
	return &Controller{
		states:     make(map[stateKey]*State),
		accountant: market.NewAccountant(),
		logger:     logger.With().Str("component", "adl_controller").Logger(),
	}
}

// GetState returns the latch for a market side.
func (c *Controller) GetState(marketName string, isLong bool) State {
	if st, ok := c.states[stateKey{marketName, isLong}]; ok {
		return *st
	}
	return State{}
}

// SetState overwrites the latch for a market side. Used when restoring a
// snapshot; live updates go through UpdateState.
func (c *Controller) SetState(marketName string, isLong bool, st State) {
	c.states[stateKey{marketName, isLong}] = &st
}

// PnlToPoolFactor returns one side's trader PnL as a 30-decimal fraction of
// the pool's token value. Profit is taken at the maximized price and pool
// value at the minimized one, so the factor errs toward triggering.
func (c *Controller) PnlToPoolFactor(ctx position.Ctx, isLong bool) (*big.Int, error) {
	indexPrice, err := ctx.Prices.GetPrice(ctx.Market.IndexToken)
	if err != nil {
		return nil, err
	}
	longPrice, err := ctx.Prices.GetPrice(ctx.Market.LongToken)
	if err != nil {
		return nil, err
	}
	shortPrice, err := ctx.Prices.GetPrice(ctx.Market.ShortToken)
	if err != nil {
		return nil, err
	}

	pnl := c.accountant.SidePnl(ctx.Pool, indexPrice, isLong, true)

	poolUsd := new(big.Int).Mul(ctx.Pool.GetPoolAmount(ctx.Market.LongToken), longPrice.Min)
	if !ctx.Market.IsSingleToken() {
		shortUsd := new(big.Int).Mul(ctx.Pool.GetPoolAmount(ctx.Market.ShortToken), shortPrice.Min)
		poolUsd.Add(poolUsd, shortUsd)
	}
	if poolUsd.Sign() == 0 {
		return nil, fmt.Errorf("%w: market %s has no pool value", market.ErrUsdDeltaExceedsPoolValue, ctx.Market.Name)
	}
	return fixedpoint.ToFactor(pnl, poolUsd), nil
}

// UpdateState re-derives the latch for a (market, side) from current prices.
// A repeated trigger in the block that last wrote the latch is a no-op.
func (c *Controller) UpdateState(ctx position.Ctx, isLong bool, block int64) (State, error) {
	key := stateKey{ctx.Market.Name, isLong}
	if st, ok := c.states[key]; ok && st.Block == block {
		return *st, nil
	}

	factor, err := c.PnlToPoolFactor(ctx, isLong)
	if err != nil {
		return State{}, err
	}
	st := &State{
		Enabled: factor.Cmp(ctx.Config.MaxPnlFactorForAdl) > 0,
		Block:   block,
	}
	c.states[key] = st
	c.logger.Info().
		Str("market", ctx.Market.Name).
		Bool("is_long", isLong).
		Bool("enabled", st.Enabled).
		Str("pnl_to_pool_factor", factor.String()).
		Int64("block", block).
		Msg("adl state updated")
	return *st, nil
}

// ExecuteAdl force-decreases a keeper-chosen position by sizeDeltaUsd. It
// runs the regular decrease path at the oracle price with no acceptable
// price bound, and refuses when the latch is off, the side's PnL factor
// is already at or under the post-ADL target, or the decrease would push
// the factor below that target.
func (c *Controller) ExecuteAdl(ctx position.Ctx, ledger *position.Ledger, key position.Key, sizeDeltaUsd *big.Int) (*position.DecreaseResult, error) {
	st := c.GetState(ctx.Market.Name, key.IsLong)
	if !st.Enabled {
		return nil, fmt.Errorf("%w: %s isLong=%v", ErrAdlNotEnabled, ctx.Market.Name, key.IsLong)
	}

	before, err := c.PnlToPoolFactor(ctx, key.IsLong)
	if err != nil {
		return nil, err
	}
	if before.Cmp(ctx.Config.MinPnlFactorAfterAdl) <= 0 {
		return nil, fmt.Errorf("%w: pnl factor %s already at target %s", ErrAdlNotRequired, before, ctx.Config.MinPnlFactorAfterAdl)
	}

	pos, ok := ledger.Repo().Get(key)
	if !ok {
		return nil, position.ErrEmptyPosition
	}
	indexPrice, err := ctx.Prices.GetPrice(ctx.Market.IndexToken)
	if err != nil {
		return nil, err
	}
	if pos.PnlUsd(indexPrice.Pick(!key.IsLong)).Sign() <= 0 {
		return nil, fmt.Errorf("%w: position carries no profit", ErrAdlNotRequired)
	}

	dec, err := ledger.Decrease(ctx, key, sizeDeltaUsd, new(big.Int))
	if err != nil {
		return nil, err
	}

	after, err := c.PnlToPoolFactor(ctx, key.IsLong)
	if err != nil {
		return nil, err
	}
	// the decrease may only deleverage down to the target, never past it;
	// callers applying this on a forked state discard the decrease on error
	if after.Cmp(ctx.Config.MinPnlFactorAfterAdl) < 0 {
		return nil, fmt.Errorf("%w: pnl factor %s below target %s", ErrAdlOvershoot, after, ctx.Config.MinPnlFactorAfterAdl)
	}
	c.logger.Info().
		Str("market", ctx.Market.Name).
		Str("account", key.Account).
		Str("size_delta_usd", sizeDeltaUsd.String()).
		Str("pnl_factor_before", before.String()).
		Str("pnl_factor_after", after.String()).
		Msg("adl executed")
	return dec, nil
}
