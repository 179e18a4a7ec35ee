package engine

import (
	"fmt"
	"math/big"
	"time"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/event"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/fees"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/impact"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/market"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/order"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/position"
)

// CreateOrder validates and stores a new pending order.
func (e *Engine) CreateOrder(in Input, p order.CreateParams) (*order.Order, *Output, error) {
	const op = "create_order"
	start := time.Now()
	if err := e.validateInput(in); err != nil {
		return nil, nil, e.reject(op, err)
	}

	sm := order.NewStateMachine(e.orders, e.auth, e.minExecutionFee, e.logger)
	o, err := sm.Create(e.liveEnv(in), p)
	if err != nil {
		return nil, nil, e.reject(op, err)
	}

	if e.metrics != nil {
		e.metrics.OrdersCreated.WithLabelValues(o.Kind.String()).Inc()
	}
	out := e.emit(in, o.Market, &event.OrderCreated{
		OrderID:         o.ID,
		Account:         o.Account,
		MarketID:        o.Market,
		Kind:            o.Kind.String(),
		IsLong:          o.IsLong,
		SizeDeltaUsd:    o.SizeDeltaUsd,
		CollateralToken: o.InitialCollateralToken,
		CollateralDelta: o.InitialCollateralDeltaAmount,
		ExecutionFee:    o.ExecutionFee,
	})
	e.opDone(op, start)
	return o, out, nil
}

// UpdateOrder rewrites the adjustable fields of a resting order.
func (e *Engine) UpdateOrder(in Input, id, caller string, sizeDeltaUsd, acceptablePrice, triggerPrice, minOutput *big.Int) (*Output, error) {
	const op = "update_order"
	start := time.Now()
	if err := e.validateInput(in); err != nil {
		return nil, e.reject(op, err)
	}

	sm := order.NewStateMachine(e.orders, e.auth, e.minExecutionFee, e.logger)
	o, err := sm.Update(e.liveEnv(in), id, caller, sizeDeltaUsd, acceptablePrice, triggerPrice, minOutput)
	if err != nil {
		return nil, e.reject(op, err)
	}

	out := e.emit(in, o.Market, &event.OrderUpdated{
		OrderID:      o.ID,
		MarketID:     o.Market,
		SizeDeltaUsd: o.SizeDeltaUsd,
		TriggerPrice: o.TriggerPrice,
	})
	e.opDone(op, start)
	return out, nil
}

// CancelOrder removes a pending order at the owner's request.
func (e *Engine) CancelOrder(in Input, id, caller string, cancellationCost *big.Int) (*order.CancelResult, *Output, error) {
	const op = "cancel_order"
	start := time.Now()
	if err := e.validateInput(in); err != nil {
		return nil, nil, e.reject(op, err)
	}

	sm := order.NewStateMachine(e.orders, e.auth, e.minExecutionFee, e.logger)
	res, err := sm.Cancel(e.liveEnv(in), id, caller, cancellationCost)
	if err != nil {
		return nil, nil, e.reject(op, err)
	}

	o := res.Order
	if e.metrics != nil {
		e.metrics.OrdersCancelled.WithLabelValues(o.Kind.String(), "user_requested").Inc()
	}
	out := e.emit(in, o.Market, &event.OrderCancelled{
		OrderID:            o.ID,
		Account:            o.Account,
		MarketID:           o.Market,
		Reason:             "user_requested",
		ExecutionFeeRefund: res.ExecutionFeeRefund,
	})
	e.opDone(op, start)
	return res, out, nil
}

// ExecuteOrder runs a pending order against the supplied prices. The order
// executes, cancels for a controlled reason (consuming it and refunding the
// fee without touching pool state), or fails leaving it pending.
func (e *Engine) ExecuteOrder(in Input, id string, keeperCost *big.Int) (*order.ExecutionResult, *Output, error) {
	const op = "execute_order"
	start := time.Now()
	if err := e.validateInput(in); err != nil {
		return nil, nil, e.reject(op, err)
	}

	w := e.fork()
	sm := order.NewStateMachine(w.orders, e.auth, e.minExecutionFee, e.logger)
	res, err := sm.Execute(e.envFor(w, in), id, keeperCost)
	if err != nil {
		return nil, nil, e.reject(op, err)
	}
	o := res.Order

	if res.Cancelled {
		// controlled cancellation consumes the order only; the pool, fee
		// and position clones are discarded
		e.orders = w.orders
		if e.metrics != nil {
			e.metrics.OrdersCancelled.WithLabelValues(o.Kind.String(), "execution").Inc()
		}
		out := e.emit(in, o.Market, &event.OrderCancelled{
			OrderID:            o.ID,
			Account:            o.Account,
			MarketID:           o.Market,
			Reason:             res.CancellationReason.Error(),
			ExecutionFeeRefund: res.ExecutionFeeRefund,
		})
		e.opDone(op, start)
		return res, out, nil
	}

	e.commit(w)
	if e.metrics != nil {
		e.metrics.OrdersExecuted.WithLabelValues(o.Kind.String()).Inc()
	}
	out := e.emit(in, o.Market, &event.OrderExecuted{
		OrderID:            o.ID,
		Account:            o.Account,
		MarketID:           o.Market,
		Kind:               o.Kind.String(),
		ExecutionPrice:     res.ExecutionPrice,
		ExecutionFeeRefund: res.ExecutionFeeRefund,
	})

	// derived detail envelope for the state delta the order produced
	switch {
	case res.Increase != nil:
		inc := res.Increase
		e.emit(in, o.Market, &event.PositionIncreased{
			Account:           o.Account,
			MarketID:          o.Market,
			CollateralToken:   inc.Position.CollateralToken,
			IsLong:            o.IsLong,
			SizeDeltaUsd:      o.SizeDeltaUsd,
			SizeDeltaInTokens: inc.SizeDeltaInTokens,
			CollateralDelta:   o.InitialCollateralDeltaAmount,
			ExecutionPrice:    inc.ExecutionPrice,
			PriceImpactUsd:    inc.PriceImpactUsd,
			FundingCostUsd:    inc.FundingCostUsd,
			BorrowingUsd:      inc.BorrowingUsd,
		})
	case res.Decrease != nil:
		dec := res.Decrease
		e.emit(in, o.Market, &event.PositionDecreased{
			Account:            o.Account,
			MarketID:           o.Market,
			CollateralToken:    o.InitialCollateralToken,
			IsLong:             o.IsLong,
			SizeDeltaUsd:       o.SizeDeltaUsd,
			SizeDeltaInTokens:  dec.SizeDeltaInTokens,
			ExecutionPrice:     dec.ExecutionPrice,
			RealizedPnlUsd:     dec.RealizedPnlUsd,
			PriceImpactUsd:     dec.PriceImpactUsd,
			FundingCostUsd:     dec.FundingCostUsd,
			BorrowingUsd:       dec.BorrowingUsd,
			PayoutToken:        dec.PayoutToken,
			PayoutAmount:       dec.PayoutTokenAmount,
			CollateralReturned: dec.CollateralReturned,
			Closed:             dec.Position == nil,
		})
	case res.Swap != nil:
		swap := res.Swap
		e.emit(in, "", &event.SwapExecuted{
			OrderID:   o.ID,
			Account:   o.Account,
			TokenIn:   o.InitialCollateralToken,
			AmountIn:  o.InitialCollateralDeltaAmount,
			TokenOut:  swap.TokenOut,
			AmountOut: swap.AmountOut,
			FeeUsd:    swap.FeeUsd,
			ImpactUsd: swap.ImpactUsd,
		})
	}
	e.opDone(op, start)
	return res, out, nil
}

// Deposit adds liquidity to a market pool and credits GM shares.
func (e *Engine) Deposit(in Input, account, marketName string, longAmount, shortAmount *big.Int) (*big.Int, *Output, error) {
	const op = "deposit"
	start := time.Now()
	if err := e.validateInput(in); err != nil {
		return nil, nil, e.reject(op, err)
	}
	m, cfg, err := e.getMarket(marketName)
	if err != nil {
		return nil, nil, e.reject(op, err)
	}

	w := e.fork()
	pool := w.pools.Get(marketName)
	if err := w.fees.Refresh(m, cfg, pool, in.Timestamp); err != nil {
		return nil, nil, e.reject(op, err)
	}
	pending := fees.PendingBorrowingUsd(w.fees.Get(marketName))
	minted, err := e.accountant.Deposit(m, cfg, pool, in.Prices, pending, longAmount, shortAmount)
	if err != nil {
		return nil, nil, e.reject(op, err)
	}

	e.pools = w.pools
	e.fees = w.fees
	e.creditShares(marketName, account, minted)
	out := e.emit(in, marketName, &event.DepositExecuted{
		Account:      account,
		MarketID:     marketName,
		LongAmount:   longAmount,
		ShortAmount:  shortAmount,
		MintedShares: minted,
	})
	e.opDone(op, start)
	return minted, out, nil
}

// Withdraw burns an account's GM shares against the pool.
func (e *Engine) Withdraw(in Input, account, marketName string, shareAmount *big.Int) (*market.WithdrawalResult, *Output, error) {
	const op = "withdraw"
	start := time.Now()
	if err := e.validateInput(in); err != nil {
		return nil, nil, e.reject(op, err)
	}
	m, cfg, err := e.getMarket(marketName)
	if err != nil {
		return nil, nil, e.reject(op, err)
	}
	if bal := e.ShareBalance(marketName, account); bal.Cmp(shareAmount) < 0 {
		return nil, nil, e.reject(op, fmt.Errorf("%w: have %s, need %s", ErrInsufficientShares, bal, shareAmount))
	}

	w := e.fork()
	pool := w.pools.Get(marketName)
	if err := w.fees.Refresh(m, cfg, pool, in.Timestamp); err != nil {
		return nil, nil, e.reject(op, err)
	}
	pending := fees.PendingBorrowingUsd(w.fees.Get(marketName))
	res, err := e.accountant.Withdraw(m, cfg, pool, in.Prices, pending, shareAmount)
	if err != nil {
		return nil, nil, e.reject(op, err)
	}

	e.pools = w.pools
	e.fees = w.fees
	if err := e.debitShares(marketName, account, shareAmount); err != nil {
		// balance was checked before the fork
		panic(err)
	}
	out := e.emit(in, marketName, &event.WithdrawalExecuted{
		Account:      account,
		MarketID:     marketName,
		BurnedShares: shareAmount,
		LongAmount:   res.LongTokenAmount,
		ShortAmount:  res.ShortTokenAmount,
	})
	e.opDone(op, start)
	return res, out, nil
}

// RefreshFees advances funding and borrowing accrual for a market.
func (e *Engine) RefreshFees(in Input, marketName string) (*Output, error) {
	const op = "refresh_fees"
	start := time.Now()
	if err := e.validateInput(in); err != nil {
		return nil, e.reject(op, err)
	}
	m, cfg, err := e.getMarket(marketName)
	if err != nil {
		return nil, e.reject(op, err)
	}

	w := working{pools: e.pools, fees: e.fees.CloneState(), positions: e.positions, orders: e.orders}
	if err := w.fees.Refresh(m, cfg, e.pools.Get(marketName), in.Timestamp); err != nil {
		return nil, e.reject(op, err)
	}
	e.fees = w.fees

	mf := e.fees.Get(marketName)
	if e.metrics != nil {
		e.metrics.FundingRefreshes.WithLabelValues(marketName).Inc()
	}
	out := e.emit(in, marketName, &event.FundingRefreshed{
		MarketID:             marketName,
		FundingRatePerSecond: mf.Funding.SavedFundingFactorPerSecond,
		CumulativeCostLong:   mf.Funding.CumulativeCost.Get(true),
		CumulativeCostShort:  mf.Funding.CumulativeCost.Get(false),
		BorrowingFactorLong:  mf.BorrowingSide(true).CumulativeFactor,
		BorrowingFactorShort: mf.BorrowingSide(false).CumulativeFactor,
	})
	e.opDone(op, start)
	return out, nil
}

// ClaimFunding pays out an account's accrued funding balance in one token.
func (e *Engine) ClaimFunding(in Input, account, marketName, token string) (*big.Int, *Output, error) {
	const op = "claim_funding"
	start := time.Now()
	if err := e.validateInput(in); err != nil {
		return nil, nil, e.reject(op, err)
	}
	if _, _, err := e.getMarket(marketName); err != nil {
		return nil, nil, e.reject(op, err)
	}

	pools := e.pools.Clone()
	amount := pools.Get(marketName).ClaimFunding(token, account)
	if amount.Sign() == 0 {
		return nil, nil, e.reject(op, fmt.Errorf("%w: %s has no claimable %s in %s", ErrNothingToClaim, account, token, marketName))
	}

	e.pools = pools
	out := e.emit(in, marketName, &event.FundingClaimed{
		Account:  account,
		MarketID: marketName,
		Token:    token,
		Amount:   amount,
	})
	e.opDone(op, start)
	return amount, out, nil
}

// DistributeImpactPool streams position impact pool value back to the pool
// at the configured per-second rate.
func (e *Engine) DistributeImpactPool(in Input, marketName string) (*big.Int, *Output, error) {
	const op = "distribute_impact_pool"
	start := time.Now()
	if err := e.validateInput(in); err != nil {
		return nil, nil, e.reject(op, err)
	}
	_, cfg, err := e.getMarket(marketName)
	if err != nil {
		return nil, nil, e.reject(op, err)
	}

	pools := e.pools.Clone()
	pool := pools.Get(marketName)
	amount := impact.Distribute(cfg, pool, in.Timestamp)

	e.pools = pools
	out := e.emit(in, marketName, &event.ImpactPoolDistributed{
		MarketID:        marketName,
		Amount:          amount,
		RemainingAmount: pool.PositionImpactPoolAmount,
	})
	e.opDone(op, start)
	return amount, out, nil
}

// UpdateAdlState re-derives the ADL latch for a market side.
func (e *Engine) UpdateAdlState(in Input, marketName string, isLong bool) (*Output, error) {
	const op = "update_adl_state"
	start := time.Now()
	if err := e.validateInput(in); err != nil {
		return nil, e.reject(op, err)
	}
	m, cfg, err := e.getMarket(marketName)
	if err != nil {
		return nil, e.reject(op, err)
	}

	live := working{pools: e.pools, fees: e.fees, positions: e.positions, orders: e.orders}
	st, err := e.adl.UpdateState(e.ctxFor(live, m, cfg, in), isLong, in.Block)
	if err != nil {
		return nil, e.reject(op, err)
	}

	if e.metrics != nil {
		enabled := 0.0
		if st.Enabled {
			enabled = 1.0
		}
		e.metrics.AdlStateEnabled.WithLabelValues(marketName, sideLabel(isLong)).Set(enabled)
	}
	out := e.emit(in, marketName, &event.AdlStateUpdated{
		MarketID: marketName,
		IsLong:   isLong,
		Enabled:  st.Enabled,
		Block:    st.Block,
	})
	e.opDone(op, start)
	return out, nil
}

// ExecuteAdl force-decreases a profitable position while the ADL latch for
// its market side is on.
func (e *Engine) ExecuteAdl(in Input, key position.Key, sizeDeltaUsd *big.Int) (*position.DecreaseResult, *Output, error) {
	const op = "execute_adl"
	start := time.Now()
	if err := e.validateInput(in); err != nil {
		return nil, nil, e.reject(op, err)
	}
	m, cfg, err := e.getMarket(key.Market)
	if err != nil {
		return nil, nil, e.reject(op, err)
	}

	w := e.fork()
	ctx := e.ctxFor(w, m, cfg, in)
	if err := w.fees.Refresh(m, cfg, ctx.Pool, in.Timestamp); err != nil {
		return nil, nil, e.reject(op, err)
	}
	dec, err := e.adl.ExecuteAdl(ctx, position.NewLedger(w.positions), key, sizeDeltaUsd)
	if err != nil {
		return nil, nil, e.reject(op, err)
	}

	e.commit(w)
	if e.metrics != nil {
		e.metrics.AdlExecutions.WithLabelValues(key.Market).Inc()
	}
	out := e.emit(in, key.Market, &event.AdlExecuted{
		Account:        key.Account,
		MarketID:       key.Market,
		IsLong:         key.IsLong,
		SizeDeltaUsd:   sizeDeltaUsd,
		RealizedPnlUsd: dec.RealizedPnlUsd,
	})
	e.opDone(op, start)
	return dec, out, nil
}

// ExecuteLiquidation force-closes an insolvent position.
func (e *Engine) ExecuteLiquidation(in Input, key position.Key) (*position.LiquidationResult, *Output, error) {
	const op = "execute_liquidation"
	start := time.Now()
	if err := e.validateInput(in); err != nil {
		return nil, nil, e.reject(op, err)
	}
	m, cfg, err := e.getMarket(key.Market)
	if err != nil {
		return nil, nil, e.reject(op, err)
	}

	w := e.fork()
	ctx := e.ctxFor(w, m, cfg, in)
	if err := w.fees.Refresh(m, cfg, ctx.Pool, in.Timestamp); err != nil {
		return nil, nil, e.reject(op, err)
	}
	res, err := position.NewLedger(w.positions).Liquidate(ctx, key)
	if err != nil {
		return nil, nil, e.reject(op, err)
	}

	e.commit(w)
	if e.metrics != nil {
		e.metrics.LiquidationsExecuted.WithLabelValues(key.Market).Inc()
	}
	out := e.emit(in, key.Market, &event.LiquidationExecuted{
		Account:            key.Account,
		MarketID:           key.Market,
		CollateralToken:    key.CollateralToken,
		IsLong:             key.IsLong,
		SizeUsd:            res.SizeUsd,
		Reason:             string(res.Check.Reason),
		CollateralSeized:   res.CollateralSeized,
		CollateralReturned: res.CollateralReturned,
	})
	e.opDone(op, start)
	return res, out, nil
}

// liveEnv wraps the engine's live state for operations that only touch the
// order store. Those validate fully before mutating, so no fork is needed.
func (e *Engine) liveEnv(in Input) order.Env {
	return order.Env{
		Markets: e.markets,
		Pools:   e.pools,
		Fees:    e.fees,
		Ledger:  position.NewLedger(e.positions),
		Prices:  in.Prices,
		Now:     in.Timestamp,
	}
}

func sideLabel(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}
