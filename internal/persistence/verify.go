package persistence

import (
	"bytes"
	"context"
	"fmt"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/engine"
)

// ChainError reports where a persisted hash chain diverges from what the
// stored state deltas imply.
type ChainError struct {
	Sequence int64
	Detail   string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("hash chain broken at sequence %d: %s", e.Sequence, e.Detail)
}

// VerifyChain walks the event log from fromSequence and recomputes every
// link from the stored state deltas. prevHash is the chain tip just
// before fromSequence: the genesis hash for a full audit, or a
// snapshot's state hash when promoting it. Returns the number of events
// verified and the final chain tip.
func (s *SnapshotStore) VerifyChain(ctx context.Context, fromSequence int64, prevHash [32]byte) (int64, [32]byte, error) {
	const pageSize = 1000

	verified := int64(0)
	next := fromSequence

	for {
		rows, err := s.LoadEventsFrom(ctx, next, pageSize)
		if err != nil {
			return verified, prevHash, err
		}
		if len(rows) == 0 {
			return verified, prevHash, nil
		}

		for _, r := range rows {
			if r.Sequence != next {
				return verified, prevHash, &ChainError{
					Sequence: r.Sequence,
					Detail:   fmt.Sprintf("sequence gap, expected %d", next),
				}
			}
			if !bytes.Equal(r.PrevHash, prevHash[:]) {
				return verified, prevHash, &ChainError{
					Sequence: r.Sequence,
					Detail:   "prev hash does not match chain tip",
				}
			}
			want := engine.ChainHash(prevHash, r.Sequence, r.StateDelta)
			if !bytes.Equal(r.StateHash, want[:]) {
				return verified, prevHash, &ChainError{
					Sequence: r.Sequence,
					Detail:   "state hash does not match recomputed link",
				}
			}
			copy(prevHash[:], r.StateHash)
			verified++
			next = r.Sequence + 1
		}
	}
}
