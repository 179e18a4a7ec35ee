package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// EventRow is one row of settlement.events. Hashes are raw SHA-256 bytes,
// the payload is the JSON-encoded event body.
type EventRow struct {
	Sequence   int64
	EventType  string
	MarketID   *string
	Timestamp  int64
	Payload    []byte
	StateHash  []byte
	PrevHash   []byte
	StateDelta []byte
}

// execer is satisfied by both *sql.DB and *sql.Tx so batches can be
// written inside the worker's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter appends settlement envelopes to Postgres using multi-row
// INSERT. Writes are idempotent on sequence, so a retried batch that
// partially landed is safe to send again.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of rows to settlement.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO settlement.events
		(sequence, event_type, market_id, timestamp, payload, state_hash, prev_hash, state_delta)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*8)

	for i, r := range rows {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			r.Sequence, r.EventType, r.MarketID, r.Timestamp,
			r.Payload, r.StateHash, r.PrevHash, r.StateDelta,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
