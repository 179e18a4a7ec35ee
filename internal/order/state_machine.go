package order

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/fees"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/fixedpoint"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/market"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/position"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/pricing"
)

var (
	ErrOrderNotFound            = errors.New("order not found")
	ErrEmptyOrder               = errors.New("empty order")
	ErrUnknownMarket            = errors.New("unknown market")
	ErrSystemOnlyOrderKind      = errors.New("order kind is system-only")
	ErrInsufficientExecutionFee = errors.New("insufficient execution fee")
	ErrInvalidTriggerPrice      = errors.New("invalid trigger price")
	ErrOrderNotUpdatable        = errors.New("order kind cannot be updated")
	ErrUnauthorized             = errors.New("caller not authorized")
	ErrTriggerPriceNotReached   = errors.New("trigger price not reached")
	ErrPriceNotAcceptable       = errors.New("execution price worse than acceptable price")
	ErrOrderExpired             = errors.New("order validity window elapsed")
	ErrOrderNotYetValid         = errors.New("order validity window not started")
)

// Authorizer gates mutating calls on pending orders. The state machine
// never re-implements permission logic beyond consulting this.
type Authorizer interface {
	CanCancel(caller string, o *Order) bool
	CanUpdate(caller string, o *Order) bool
}

// AccountAuthorizer permits only the order's own account.
type AccountAuthorizer struct{}

func (AccountAuthorizer) CanCancel(caller string, o *Order) bool { return caller == o.Account }
func (AccountAuthorizer) CanUpdate(caller string, o *Order) bool { return caller == o.Account }

// Env bundles the collaborators one settlement operation reads and writes.
// All of it must come from a single consistent snapshot.
type Env struct {
	Markets *market.Repo
	Pools   *market.PoolStateRepo
	Fees    *fees.Engine
	Ledger  *position.Ledger
	Prices  pricing.Resolver
	Now     int64
}

func (e Env) positionCtx(m market.Market, cfg *market.Config) position.Ctx {
	return position.Ctx{
		Market: m,
		Config: cfg,
		Pool:   e.Pools.Get(m.Name),
		Fees:   e.Fees.Get(m.Name),
		Prices: e.Prices,
		Now:    e.Now,
	}
}

// StateMachine owns the order store and its lifecycle transitions.
type StateMachine struct {
	repo            *Repo
	auth            Authorizer
	minExecutionFee *big.Int
	logger          zerolog.Logger
}

func NewStateMachine(repo *Repo, auth Authorizer, minExecutionFee *big.Int, logger zerolog.Logger) *StateMachine {
	return &StateMachine{
		repo:            repo,
		auth:            auth,
		minExecutionFee: minExecutionFee,
		logger:          logger.With().Str("component", "order_state_machine").Logger(),
	}
}

func (s *StateMachine) Repo() *Repo { return s.repo }

// CreateParams carries the trader-supplied order fields.
type CreateParams struct {
	Account                      string
	Market                       string
	Kind                         Kind
	IsLong                       bool
	InitialCollateralToken       string
	InitialCollateralDeltaAmount *big.Int
	SizeDeltaUsd                 *big.Int
	TriggerPrice                 *big.Int
	AcceptablePrice              *big.Int
	MinOutputAmount              *big.Int
	SwapPath                     []string
	ExecutionFee                 *big.Int
	ValidFrom                    int64
	ValidUntil                   int64
	AutoCancel                   bool
}

// Create validates params and stores a new pending order. Nothing is
// written on failure.
func (s *StateMachine) Create(env Env, p CreateParams) (*Order, error) {
	if !p.Kind.UserCreatable() {
		return nil, fmt.Errorf("%w: %s", ErrSystemOnlyOrderKind, p.Kind)
	}
	if zeroOrNil(p.SizeDeltaUsd) && zeroOrNil(p.InitialCollateralDeltaAmount) {
		return nil, ErrEmptyOrder
	}
	if p.Kind.IsSwap() && zeroOrNil(p.InitialCollateralDeltaAmount) {
		return nil, fmt.Errorf("%w: swap without input amount", ErrEmptyOrder)
	}

	if !p.Kind.IsSwap() {
		m, ok := env.Markets.Get(p.Market)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, p.Market)
		}
		if m.IsSwapOnly() {
			return nil, fmt.Errorf("%w: %s holds no positions", ErrUnknownMarket, p.Market)
		}
	}
	if err := validateSwapPath(env, p.SwapPath); err != nil {
		return nil, err
	}
	if p.ExecutionFee == nil || p.ExecutionFee.Cmp(s.minExecutionFee) < 0 {
		return nil, fmt.Errorf("%w: got %s, need %s", ErrInsufficientExecutionFee, p.ExecutionFee, s.minExecutionFee)
	}
	if err := validateTriggerPrice(p.Kind, p.IsLong, p.TriggerPrice, p.AcceptablePrice); err != nil {
		return nil, err
	}

	o := &Order{
		ID:                           uuid.NewString(),
		Account:                      p.Account,
		Market:                       p.Market,
		Kind:                         p.Kind,
		IsLong:                       p.IsLong,
		InitialCollateralToken:       p.InitialCollateralToken,
		InitialCollateralDeltaAmount: bigOrZero(p.InitialCollateralDeltaAmount),
		SizeDeltaUsd:                 bigOrZero(p.SizeDeltaUsd),
		TriggerPrice:                 bigOrZero(p.TriggerPrice),
		AcceptablePrice:              bigOrZero(p.AcceptablePrice),
		MinOutputAmount:              bigOrZero(p.MinOutputAmount),
		SwapPath:                     append([]string(nil), p.SwapPath...),
		ExecutionFee:                 bigOrZero(p.ExecutionFee),
		ValidFrom:                    p.ValidFrom,
		ValidUntil:                   p.ValidUntil,
		AutoCancel:                   p.AutoCancel,
		CreatedAt:                    env.Now,
		UpdatedAt:                    env.Now,
	}
	s.repo.Put(o)
	s.logger.Info().
		Str("order_id", o.ID).
		Str("account", o.Account).
		Str("market", o.Market).
		Str("kind", o.Kind.String()).
		Str("size_delta_usd", o.SizeDeltaUsd.String()).
		Msg("order created")
	return o, nil
}

// Update rewrites the adjustable fields of a resting limit or stop order.
func (s *StateMachine) Update(env Env, id, caller string, sizeDeltaUsd, acceptablePrice, triggerPrice, minOutput *big.Int) (*Order, error) {
	o, ok := s.repo.Get(id)
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Kind.IsMarket() {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotUpdatable, o.Kind)
	}
	if !s.auth.CanUpdate(caller, o) {
		return nil, fmt.Errorf("%w: %s cannot update order of %s", ErrUnauthorized, caller, o.Account)
	}
	// validate against the effective post-update values so a partial
	// update cannot leave the order in a state Create would reject
	effTrigger := o.TriggerPrice
	if triggerPrice != nil {
		effTrigger = triggerPrice
	}
	effAcceptable := o.AcceptablePrice
	if acceptablePrice != nil {
		effAcceptable = acceptablePrice
	}
	if err := validateTriggerPrice(o.Kind, o.IsLong, effTrigger, effAcceptable); err != nil {
		return nil, err
	}

	if sizeDeltaUsd != nil {
		o.SizeDeltaUsd = new(big.Int).Set(sizeDeltaUsd)
	}
	if acceptablePrice != nil {
		o.AcceptablePrice = new(big.Int).Set(acceptablePrice)
	}
	if triggerPrice != nil {
		o.TriggerPrice = new(big.Int).Set(triggerPrice)
	}
	if minOutput != nil {
		o.MinOutputAmount = new(big.Int).Set(minOutput)
	}
	o.UpdatedAt = env.Now
	s.logger.Info().Str("order_id", o.ID).Msg("order updated")
	return o, nil
}

// CancelResult reports the fee refund of a cancellation.
type CancelResult struct {
	Order              *Order
	ExecutionFeeRefund *big.Int
}

// Cancel removes a pending order and refunds the remaining execution fee
// net of the cancellation cost.
func (s *StateMachine) Cancel(env Env, id, caller string, cancellationCost *big.Int) (*CancelResult, error) {
	o, ok := s.repo.Get(id)
	if !ok {
		return nil, ErrOrderNotFound
	}
	if !s.auth.CanCancel(caller, o) {
		return nil, fmt.Errorf("%w: %s cannot cancel order of %s", ErrUnauthorized, caller, o.Account)
	}
	s.repo.Delete(id)
	s.logger.Info().Str("order_id", id).Str("caller", caller).Msg("order cancelled")
	return &CancelResult{Order: o, ExecutionFeeRefund: feeRefund(o.ExecutionFee, cancellationCost)}, nil
}

// ExecutionResult reports what executing an order did. Exactly one of
// Executed and Cancelled is set; a cancelled execution consumed the order
// for a controlled reason without touching pool or position state.
type ExecutionResult struct {
	Order              *Order
	Executed           bool
	Cancelled          bool
	CancellationReason error
	ExecutionPrice     *big.Int
	Increase           *position.IncreaseResult
	Decrease           *position.DecreaseResult
	Swap               *SwapResult
	ExecutionFeeRefund *big.Int
}

// cancellable reports whether an execution failure is a controlled
// cancellation reason (order consumed, funds returned) rather than a fault
// that leaves the order pending.
func cancellable(err error) bool {
	return errors.Is(err, position.ErrUnableToWithdrawCollateral) ||
		errors.Is(err, position.ErrInsufficientCollateral) ||
		errors.Is(err, position.ErrMaxLeverageExceeded) ||
		errors.Is(err, position.ErrMinPositionSize) ||
		errors.Is(err, ErrInsufficientSwapOutput) ||
		errors.Is(err, ErrDuplicatedMarketInSwapPath) ||
		errors.Is(err, ErrPriceNotAcceptable) ||
		errors.Is(err, ErrOrderExpired)
}

// Execute runs a pending order against resolved prices. keeperCost is
// deducted from the escrowed execution fee; the remainder is refunded.
//
// The caller is expected to run this against cloned state and commit only
// on a clean result, so a returned error leaves nothing to undo.
func (s *StateMachine) Execute(env Env, id string, keeperCost *big.Int) (*ExecutionResult, error) {
	o, ok := s.repo.Get(id)
	if !ok {
		return nil, ErrOrderNotFound
	}
	if err := env.Prices.Window().Validate(env.Now); err != nil {
		return nil, err
	}
	if o.ValidFrom > 0 && env.Now < o.ValidFrom {
		return nil, fmt.Errorf("%w: valid from %d, now %d", ErrOrderNotYetValid, o.ValidFrom, env.Now)
	}
	if o.ValidUntil > 0 && env.Now > o.ValidUntil {
		if o.AutoCancel {
			return s.cancelWithReason(o, keeperCost, ErrOrderExpired), nil
		}
		return nil, fmt.Errorf("%w: valid until %d, now %d", ErrOrderExpired, o.ValidUntil, env.Now)
	}

	res, err := s.dispatch(env, o)
	if err != nil {
		if cancellable(err) {
			s.logger.Warn().Str("order_id", o.ID).Err(err).Msg("order cancelled on execution")
			return s.cancelWithReason(o, keeperCost, err), nil
		}
		return nil, err
	}

	res.Order = o
	res.Executed = true
	res.ExecutionFeeRefund = feeRefund(o.ExecutionFee, keeperCost)
	s.repo.Delete(o.ID)
	s.logger.Info().
		Str("order_id", o.ID).
		Str("kind", o.Kind.String()).
		Msg("order executed")
	return res, nil
}

func (s *StateMachine) cancelWithReason(o *Order, keeperCost *big.Int, reason error) *ExecutionResult {
	s.repo.Delete(o.ID)
	return &ExecutionResult{
		Order:              o,
		Cancelled:          true,
		CancellationReason: reason,
		ExecutionFeeRefund: feeRefund(o.ExecutionFee, keeperCost),
	}
}

func (s *StateMachine) dispatch(env Env, o *Order) (*ExecutionResult, error) {
	if o.Kind.IsSwap() {
		return s.executeSwap(env, o)
	}

	m, ok := env.Markets.Get(o.Market)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, o.Market)
	}
	cfg, _ := env.Markets.GetConfig(o.Market)
	pool := env.Pools.Get(o.Market)
	if err := env.Fees.Refresh(m, cfg, pool, env.Now); err != nil {
		return nil, err
	}

	indexPrice, err := env.Prices.GetPrice(m.IndexToken)
	if err != nil {
		return nil, err
	}

	if o.Kind.IsIncrease() {
		return s.executeIncrease(env, o, m, cfg, indexPrice)
	}
	return s.executeDecrease(env, o, m, cfg, indexPrice)
}

func (s *StateMachine) executeSwap(env Env, o *Order) (*ExecutionResult, error) {
	swap, err := swapAlongPath(env, o.SwapPath, o.InitialCollateralToken, o.InitialCollateralDeltaAmount)
	if err != nil {
		return nil, err
	}
	if o.MinOutputAmount.Sign() > 0 && swap.AmountOut.Cmp(o.MinOutputAmount) < 0 {
		return nil, fmt.Errorf("%w: got %s, need %s", ErrInsufficientSwapOutput, swap.AmountOut, o.MinOutputAmount)
	}
	return &ExecutionResult{Swap: swap}, nil
}

func (s *StateMachine) executeIncrease(env Env, o *Order, m market.Market, cfg *market.Config, indexPrice pricing.Price) (*ExecutionResult, error) {
	execPrice := indexPrice.Pick(o.IsLong)
	if err := checkTrigger(o, execPrice); err != nil {
		return nil, err
	}
	if err := checkAcceptable(o, execPrice); err != nil {
		return nil, err
	}

	collateralToken := o.InitialCollateralToken
	collateralAmount := o.InitialCollateralDeltaAmount
	if len(o.SwapPath) > 0 {
		swap, err := swapAlongPath(env, o.SwapPath, collateralToken, collateralAmount)
		if err != nil {
			return nil, err
		}
		collateralToken = swap.TokenOut
		collateralAmount = swap.AmountOut
	}

	key := position.Key{Account: o.Account, Market: o.Market, CollateralToken: collateralToken, IsLong: o.IsLong}
	inc, err := env.Ledger.Increase(env.positionCtx(m, cfg), key, o.SizeDeltaUsd, collateralAmount)
	if err != nil {
		return nil, err
	}
	if err := s.validatePoolAfter(env, m, cfg, o.IsLong); err != nil {
		return nil, err
	}
	return &ExecutionResult{ExecutionPrice: inc.ExecutionPrice, Increase: inc}, nil
}

func (s *StateMachine) executeDecrease(env Env, o *Order, m market.Market, cfg *market.Config, indexPrice pricing.Price) (*ExecutionResult, error) {
	execPrice := indexPrice.Pick(!o.IsLong)
	if err := checkTrigger(o, execPrice); err != nil {
		return nil, err
	}
	if err := checkAcceptable(o, execPrice); err != nil {
		return nil, err
	}

	key := position.Key{Account: o.Account, Market: o.Market, CollateralToken: o.InitialCollateralToken, IsLong: o.IsLong}
	dec, err := env.Ledger.Decrease(env.positionCtx(m, cfg), key, o.SizeDeltaUsd, o.InitialCollateralDeltaAmount)
	if err != nil {
		return nil, err
	}
	res := &ExecutionResult{ExecutionPrice: dec.ExecutionPrice, Decrease: dec}

	// optionally route the returned collateral through a swap path
	if len(o.SwapPath) > 0 && dec.CollateralReturned.Sign() > 0 {
		swap, err := swapAlongPath(env, o.SwapPath, o.InitialCollateralToken, dec.CollateralReturned)
		if err != nil {
			return nil, err
		}
		if o.MinOutputAmount.Sign() > 0 && swap.AmountOut.Cmp(o.MinOutputAmount) < 0 {
			return nil, fmt.Errorf("%w: got %s, need %s", ErrInsufficientSwapOutput, swap.AmountOut, o.MinOutputAmount)
		}
		res.Swap = swap
	}
	if err := s.validatePoolAfter(env, m, cfg, o.IsLong); err != nil {
		return nil, err
	}
	return res, nil
}

// validatePoolAfter re-derives reserves and checks pool invariants once the
// ledger delta landed.
func (s *StateMachine) validatePoolAfter(env Env, m market.Market, cfg *market.Config, isLong bool) error {
	pool := env.Pools.Get(m.Name)
	if err := market.RecomputeReserved(m, pool, env.Prices); err != nil {
		return err
	}
	if err := market.ValidateReserve(m, cfg, pool, env.Prices, isLong); err != nil {
		return err
	}
	return market.ValidateOpenInterest(cfg, pool, isLong)
}

// checkTrigger verifies a resting order's trigger condition against the
// execution price. Market orders always pass.
func checkTrigger(o *Order, execPrice *big.Int) error {
	if o.Kind.IsMarket() || o.TriggerPrice.Sign() == 0 {
		return nil
	}
	var reached bool
	switch o.Kind {
	case LimitIncrease:
		// buy the dip: longs arm at or below trigger, shorts at or above
		if o.IsLong {
			reached = execPrice.Cmp(o.TriggerPrice) <= 0
		} else {
			reached = execPrice.Cmp(o.TriggerPrice) >= 0
		}
	case LimitDecrease:
		// take profit
		if o.IsLong {
			reached = execPrice.Cmp(o.TriggerPrice) >= 0
		} else {
			reached = execPrice.Cmp(o.TriggerPrice) <= 0
		}
	case StopLossDecrease:
		if o.IsLong {
			reached = execPrice.Cmp(o.TriggerPrice) <= 0
		} else {
			reached = execPrice.Cmp(o.TriggerPrice) >= 0
		}
	default:
		reached = true
	}
	if !reached {
		return fmt.Errorf("%w: price %s, trigger %s", ErrTriggerPriceNotReached, execPrice, o.TriggerPrice)
	}
	return nil
}

// checkAcceptable bounds the execution price in the trader's favor.
func checkAcceptable(o *Order, execPrice *big.Int) error {
	if o.AcceptablePrice.Sign() == 0 {
		return nil
	}
	ok := true
	if o.Kind.IsIncrease() == o.IsLong {
		// paying side: price must not exceed the acceptable bound
		ok = execPrice.Cmp(o.AcceptablePrice) <= 0
	} else {
		ok = execPrice.Cmp(o.AcceptablePrice) >= 0
	}
	if !ok {
		return fmt.Errorf("%w: price %s, acceptable %s", ErrPriceNotAcceptable, execPrice, o.AcceptablePrice)
	}
	return nil
}

// validateTriggerPrice enforces the trigger/acceptable ordering for resting
// orders at create and update time.
func validateTriggerPrice(kind Kind, isLong bool, trigger, acceptable *big.Int) error {
	if kind.IsMarket() || kind == LimitSwap {
		return nil
	}
	if zeroOrNil(trigger) {
		return fmt.Errorf("%w: %s requires a trigger price", ErrInvalidTriggerPrice, kind)
	}
	if zeroOrNil(acceptable) {
		return nil
	}
	// the acceptable price must sit on the favorable side of the trigger,
	// otherwise the order could never execute
	var ok bool
	if kind.IsIncrease() == isLong {
		ok = acceptable.Cmp(trigger) >= 0
	} else {
		ok = acceptable.Cmp(trigger) <= 0
	}
	if !ok {
		return fmt.Errorf("%w: acceptable %s crosses trigger %s", ErrInvalidTriggerPrice, acceptable, trigger)
	}
	return nil
}

func feeRefund(fee, cost *big.Int) *big.Int {
	refund := new(big.Int).Set(fee)
	if cost != nil {
		refund.Sub(refund, cost)
	}
	return fixedpoint.Max(refund, new(big.Int))
}

func zeroOrNil(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
