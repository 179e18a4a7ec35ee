// Package engine serializes settlement operations over the in-memory
// market, pool, fee, position and order state. Every operation runs on
// cloned state and commits by pointer swap, so a failed operation leaves
// nothing to undo and a committed one is covered by the hash chain.
package engine

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/adl"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/event"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/fees"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/market"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/observability"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/order"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/position"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/pricing"
)

var (
	ErrTimestampRegression = errors.New("operation timestamp regression")
	ErrUnknownMarket       = errors.New("unknown market")
	ErrNothingToClaim      = errors.New("nothing to claim")
	ErrInsufficientShares  = errors.New("insufficient market token balance")
)

// Output pairs a committed envelope with the canonical digest bytes that
// produced its state hash.
type Output struct {
	Envelope   *event.Envelope
	StateDelta []byte
}

// Config wires the engine's collaborators. Channels may be nil, in which
// case outputs are not forwarded (used by tests).
type Config struct {
	StartSequence   int64
	MinExecutionFee *big.Int
	Authorizer      order.Authorizer
	PersistChan     chan<- Output
	PublishChan     chan<- *event.Envelope
	Metrics         *observability.Metrics
	Logger          zerolog.Logger
}

// Engine is the single-threaded settlement processor. All methods must be
// called from one goroutine.
type Engine struct {
	markets    *market.Repo
	pools      *market.PoolStateRepo
	fees       *fees.Engine
	positions  *position.Repo
	orders     *order.Repo
	adl        *adl.Controller
	accountant *market.Accountant

	// GM share balances: market -> account -> shares, 18 decimals.
	shares map[string]map[string]*big.Int

	sequence      int64
	lastTimestamp int64
	hasher        *StateHasher

	auth            order.Authorizer
	minExecutionFee *big.Int

	persistChan chan<- Output
	publishChan chan<- *event.Envelope
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

func New(cfg Config) *Engine {
	auth := cfg.Authorizer
	if auth == nil {
		auth = order.AccountAuthorizer{}
	}
	minFee := cfg.MinExecutionFee
	if minFee == nil {
		minFee = new(big.Int)
	}
	return &Engine{
		markets:         market.NewRepo(),
		pools:           market.NewPoolStateRepo(),
		fees:            fees.NewEngine(cfg.Logger),
		positions:       position.NewRepo(),
		orders:          order.NewRepo(),
		adl:             adl.NewController(cfg.Logger),
		accountant:      market.NewAccountant(),
		shares:          make(map[string]map[string]*big.Int),
		sequence:        cfg.StartSequence,
		hasher:          NewStateHasher(),
		auth:            auth,
		minExecutionFee: minFee,
		persistChan:     cfg.PersistChan,
		publishChan:     cfg.PublishChan,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger.With().Str("component", "engine").Logger(),
	}
}

// Input carries the versioned inputs of one settlement operation. The
// engine never reads the wall clock; time, block height and prices all
// arrive here.
type Input struct {
	Timestamp int64 // unix seconds, must not move backwards
	Block     int64
	Prices    pricing.Resolver
}

func (e *Engine) validateInput(in Input) error {
	if in.Timestamp < e.lastTimestamp {
		return fmt.Errorf("%w: %d after %d", ErrTimestampRegression, in.Timestamp, e.lastTimestamp)
	}
	return nil
}

// AddMarket registers a market and its risk configuration. Markets are
// registered at bootstrap, before the operation stream starts.
func (e *Engine) AddMarket(m market.Market, cfg *market.Config) error {
	return e.markets.Put(m, cfg)
}

func (e *Engine) getMarket(name string) (market.Market, *market.Config, error) {
	m, ok := e.markets.Get(name)
	if !ok {
		return market.Market{}, nil, fmt.Errorf("%w: %s", ErrUnknownMarket, name)
	}
	cfg, _ := e.markets.GetConfig(name)
	return m, cfg, nil
}

// working is a full clone of the mutable state. Operations run against it
// and the engine swaps in the parts they actually changed.
type working struct {
	pools     *market.PoolStateRepo
	fees      *fees.Engine
	positions *position.Repo
	orders    *order.Repo
}

func (e *Engine) fork() working {
	return working{
		pools:     e.pools.Clone(),
		fees:      e.fees.CloneState(),
		positions: e.positions.Clone(),
		orders:    e.orders.Clone(),
	}
}

func (e *Engine) commit(w working) {
	e.pools = w.pools
	e.fees = w.fees
	e.positions = w.positions
	e.orders = w.orders
}

func (e *Engine) envFor(w working, in Input) order.Env {
	return order.Env{
		Markets: e.markets,
		Pools:   w.pools,
		Fees:    w.fees,
		Ledger:  position.NewLedger(w.positions),
		Prices:  in.Prices,
		Now:     in.Timestamp,
	}
}

func (e *Engine) ctxFor(w working, m market.Market, cfg *market.Config, in Input) position.Ctx {
	return position.Ctx{
		Market: m,
		Config: cfg,
		Pool:   w.pools.Get(m.Name),
		Fees:   w.fees.Get(m.Name),
		Prices: in.Prices,
		Now:    in.Timestamp,
	}
}

// emit seals one committed operation into the hash chain and forwards it.
// The persist send blocks so no envelope is ever lost; the publish send
// drops on a full channel because consumers can replay from the event log.
func (e *Engine) emit(in Input, marketID string, payload event.Event) *Output {
	seq := e.sequence
	digest := e.digest(marketID)

	hashStart := time.Now()
	prev := e.hasher.GetPrevHash()
	hash := e.hasher.ComputeHash(seq, digest)
	if e.metrics != nil {
		e.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	env := &event.Envelope{
		Sequence:  seq,
		EventType: payload.EventType(),
		MarketID:  marketID,
		Timestamp: in.Timestamp,
		Payload:   payload,
		StateHash: hash,
		PrevHash:  prev,
	}
	e.sequence++
	e.lastTimestamp = in.Timestamp

	out := Output{Envelope: env, StateDelta: digest}
	if e.persistChan != nil {
		e.persistChan <- out
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- env:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
	return &out
}

func (e *Engine) opDone(op string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.OpsApplied.WithLabelValues(op).Inc()
	e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	e.metrics.Sequence.Set(float64(e.sequence))
	e.metrics.PendingOrders.Set(float64(e.orders.Len()))
	e.metrics.OpenPositions.Set(float64(e.positions.Len()))
}

func (e *Engine) reject(op string, err error) error {
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op, rejectReason(err)).Inc()
	}
	return err
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrTimestampRegression):
		return "timestamp_regression"
	case errors.Is(err, ErrUnknownMarket), errors.Is(err, order.ErrUnknownMarket):
		return "unknown_market"
	case errors.Is(err, order.ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, order.ErrUnauthorized):
		return "unauthorized"
	default:
		return "validation"
	}
}

// digest builds canonical bytes over the affected market's pool and
// position state, or over every market when marketID is empty (swaps may
// touch several pools).
func (e *Engine) digest(marketID string) []byte {
	names := []string{marketID}
	if marketID == "" {
		names = e.markets.Names()
	}
	sort.Strings(names)

	buf := make([]byte, 0, 512)
	for _, name := range names {
		pool := e.pools.Get(name)
		buf = appendString(buf, name)
		buf = appendAmounts(buf, pool.PoolAmount)
		buf = appendAmounts(buf, pool.SwapImpactPoolAmount)
		buf = appendBig(buf, pool.PositionImpactPoolAmount)
		buf = appendBig(buf, pool.OpenInterestUsd.Get(true))
		buf = appendBig(buf, pool.OpenInterestUsd.Get(false))
		buf = appendBig(buf, pool.OpenInterestInTokens.Get(true))
		buf = appendBig(buf, pool.OpenInterestInTokens.Get(false))
		buf = appendBig(buf, pool.MarketTokenSupply)

		for _, pos := range e.positions.ByMarket(name) {
			buf = appendString(buf, pos.Account)
			buf = appendString(buf, pos.CollateralToken)
			if pos.IsLong {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
			buf = appendBig(buf, pos.SizeUsd)
			buf = appendBig(buf, pos.SizeInTokens)
			buf = appendBig(buf, pos.CollateralAmount)
		}
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func appendBig(buf []byte, v *big.Int) []byte {
	if v.Sign() < 0 {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	b := v.Bytes()
	buf = append(buf, byte(len(b)))
	return append(buf, b...)
}

func appendAmounts(buf []byte, amounts map[string]*big.Int) []byte {
	tokens := make([]string, 0, len(amounts))
	for token := range amounts {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	for _, token := range tokens {
		buf = appendString(buf, token)
		buf = appendBig(buf, amounts[token])
	}
	return buf
}

// --- GM share accounting ---

// ShareBalance returns an account's GM share balance for a market.
func (e *Engine) ShareBalance(marketName, account string) *big.Int {
	byAccount, ok := e.shares[marketName]
	if !ok {
		return new(big.Int)
	}
	bal, ok := byAccount[account]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(bal)
}

func (e *Engine) creditShares(marketName, account string, amount *big.Int) {
	byAccount, ok := e.shares[marketName]
	if !ok {
		byAccount = make(map[string]*big.Int)
		e.shares[marketName] = byAccount
	}
	cur, ok := byAccount[account]
	if !ok {
		cur = new(big.Int)
	}
	byAccount[account] = new(big.Int).Add(cur, amount)
}

func (e *Engine) debitShares(marketName, account string, amount *big.Int) error {
	bal := e.ShareBalance(marketName, account)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientShares, bal, amount)
	}
	e.shares[marketName][account] = bal.Sub(bal, amount)
	return nil
}

// --- Read accessors for the query layer ---

// Sequence returns the next sequence number to assign.
func (e *Engine) Sequence() int64 {
	return e.sequence
}

// StateHash returns the current chain tip.
func (e *Engine) StateHash() [32]byte {
	return e.hasher.GetPrevHash()
}

// Pool returns the live pool state for a market. Callers must not mutate.
func (e *Engine) Pool(marketName string) *market.PoolState {
	return e.pools.Get(marketName)
}

// PositionByKey returns the live position record for a key.
func (e *Engine) PositionByKey(key position.Key) (*position.Position, bool) {
	return e.positions.Get(key)
}

// PositionsByMarket returns the live positions in a market.
func (e *Engine) PositionsByMarket(marketName string) []*position.Position {
	return e.positions.ByMarket(marketName)
}

// OrderByID returns a pending order.
func (e *Engine) OrderByID(id string) (*order.Order, bool) {
	return e.orders.Get(id)
}

// OrdersByAccount returns an account's pending orders.
func (e *Engine) OrdersByAccount(account string) []*order.Order {
	return e.orders.ByAccount(account)
}

// AdlState returns the ADL latch for a market side.
func (e *Engine) AdlState(marketName string, isLong bool) adl.State {
	return e.adl.GetState(marketName, isLong)
}

// FeeState returns the live fee state for a market. Callers must not mutate.
func (e *Engine) FeeState(marketName string) *fees.MarketFees {
	return e.fees.Get(marketName)
}

// RestoreSequence rewinds the engine to a recovered sequence, timestamp and
// hash chain tip. Used on warm restart after snapshot restore.
func (e *Engine) RestoreSequence(sequence, lastTimestamp int64, stateHash [32]byte) {
	e.sequence = sequence
	e.lastTimestamp = lastTimestamp
	e.hasher.SetPrevHash(stateHash)
}
