package engine

import (
	"fmt"
	"math/big"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/adl"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/fees"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/keys"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/market"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/order"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/position"
)

// Snapshot is the full mutable engine state at one sequence. Markets and
// risk configs are not part of it; they are re-registered from service
// configuration before RestoreSnapshot.
type Snapshot struct {
	Sequence      int64  `json:"sequence"`
	LastTimestamp int64  `json:"last_timestamp"`
	StateHash     []byte `json:"state_hash"`

	Pools    map[string]*market.PoolState   `json:"pools"`
	Fees     map[string]*fees.MarketFees    `json:"fees"`
	Shares   map[string]map[string]*big.Int `json:"shares"`
	Position []SnapshotPosition             `json:"positions"`
	Orders   []SnapshotOrder                `json:"orders"`
	Adl      []SnapshotAdlState             `json:"adl_states"`
}

// SnapshotPosition keys a position the way the event log addresses
// persisted state.
type SnapshotPosition struct {
	Key      string             `json:"key"`
	Position *position.Position `json:"position"`
}

type SnapshotOrder struct {
	Key   string       `json:"key"`
	Order *order.Order `json:"order"`
}

type SnapshotAdlState struct {
	Key    string    `json:"key"`
	Market string    `json:"market"`
	IsLong bool      `json:"is_long"`
	State  adl.State `json:"state"`
}

// Snapshot captures the engine's state for persistence. Must be called
// from the engine goroutine, like every other method.
func (e *Engine) Snapshot() *Snapshot {
	hash := e.hasher.GetPrevHash()
	snap := &Snapshot{
		Sequence:      e.sequence,
		LastTimestamp: e.lastTimestamp,
		StateHash:     append([]byte(nil), hash[:]...),
		Pools:         make(map[string]*market.PoolState),
		Fees:          make(map[string]*fees.MarketFees),
		Shares:        make(map[string]map[string]*big.Int),
	}

	for _, name := range e.markets.Names() {
		snap.Pools[name] = e.pools.Get(name).Clone()
		snap.Fees[name] = e.fees.Get(name).Clone()

		for _, p := range e.positions.ByMarket(name) {
			snap.Position = append(snap.Position, SnapshotPosition{
				Key:      keys.Derive(keys.TagPosition, p.Account, p.Market, p.CollateralToken, keys.Side(p.IsLong)),
				Position: p.Clone(),
			})
		}

		for _, isLong := range []bool{true, false} {
			st := e.adl.GetState(name, isLong)
			if !st.Enabled && st.Block == 0 {
				continue
			}
			snap.Adl = append(snap.Adl, SnapshotAdlState{
				Key:    keys.Derive(keys.TagAdlState, name, keys.Side(isLong)),
				Market: name,
				IsLong: isLong,
				State:  st,
			})
		}
	}

	for _, o := range e.orders.List() {
		snap.Orders = append(snap.Orders, SnapshotOrder{
			Key:   keys.Derive(keys.TagOrder, o.ID),
			Order: o.Clone(),
		})
	}

	for mkt, byAccount := range e.shares {
		dst := make(map[string]*big.Int, len(byAccount))
		for acct, bal := range byAccount {
			dst[acct] = new(big.Int).Set(bal)
		}
		snap.Shares[mkt] = dst
	}

	return snap
}

// RestoreSnapshot loads a snapshot into a freshly constructed engine whose
// markets have already been registered via AddMarket.
func (e *Engine) RestoreSnapshot(snap *Snapshot) error {
	for name, pool := range snap.Pools {
		if _, ok := e.markets.Get(name); !ok {
			return fmt.Errorf("restore snapshot: %w: %s", ErrUnknownMarket, name)
		}
		e.pools.Put(name, pool.Clone())
	}
	for name, mf := range snap.Fees {
		e.fees.Put(name, mf.Clone())
	}
	for _, sp := range snap.Position {
		e.positions.Put(sp.Position.Clone())
	}
	for _, so := range snap.Orders {
		e.orders.Put(so.Order.Clone())
	}
	for _, sa := range snap.Adl {
		e.adl.SetState(sa.Market, sa.IsLong, sa.State)
	}

	e.shares = make(map[string]map[string]*big.Int, len(snap.Shares))
	for mkt, byAccount := range snap.Shares {
		dst := make(map[string]*big.Int, len(byAccount))
		for acct, bal := range byAccount {
			dst[acct] = new(big.Int).Set(bal)
		}
		e.shares[mkt] = dst
	}

	var hash [32]byte
	if len(snap.StateHash) != len(hash) {
		return fmt.Errorf("restore snapshot: state hash is %d bytes, want %d", len(snap.StateHash), len(hash))
	}
	copy(hash[:], snap.StateHash)
	e.RestoreSequence(snap.Sequence, snap.LastTimestamp, hash)
	return nil
}
