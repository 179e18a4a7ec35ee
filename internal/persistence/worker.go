package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/engine"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/observability"
)

// Worker drains the engine's persist channel and batch-writes the event
// log to Postgres. The engine sends on that channel with a blocking send,
// so when the worker falls behind the engine stalls instead of losing an
// envelope.
type Worker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan engine.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan engine.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Worker {
	return &Worker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger.With().Str("component", "persistence_worker").Logger(),
	}
}

// rowFromOutput flattens a committed envelope into an event_log row.
func rowFromOutput(out engine.Output) (EventRow, error) {
	env := out.Envelope
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return EventRow{}, fmt.Errorf("marshal %s payload: %w", env.EventType, err)
	}
	row := EventRow{
		Sequence:   env.Sequence,
		EventType:  env.EventType.String(),
		Timestamp:  env.Timestamp,
		Payload:    payload,
		StateHash:  append([]byte(nil), env.StateHash[:]...),
		PrevHash:   append([]byte(nil), env.PrevHash[:]...),
		StateDelta: out.StateDelta,
	}
	if env.MarketID != "" {
		m := env.MarketID
		row.MarketID = &m
	}
	return row, nil
}

// Run batches incoming outputs and flushes when the batch fills or the
// flush timeout expires. Blocks until ctx is cancelled or the input
// channel closes.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]EventRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.logger.Error().Err(err).Int("events", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case out, ok := <-w.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						w.logger.Error().Err(err).Int("events", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			row, err := rowFromOutput(out)
			if err != nil {
				// Marshalling only fails on a programming error; the
				// sequence gap would poison replay, so treat it as fatal.
				return err
			}
			batch = append(batch, row)

			if len(batch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write lands
// or the context is cancelled. The event log never drops a committed
// envelope, so there is no attempt cap.
func (w *Worker) flushWithRetry(ctx context.Context, rows []EventRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(rows)).
				Msg("persistence retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				// One final attempt with a background context so a
				// graceful shutdown does not strand the batch.
				if err := w.flush(context.Background(), rows); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, rows)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("attempts", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		w.logger.Error().Err(err).Msg("persistence flush failed")
	}
}

func (w *Worker) flush(ctx context.Context, rows []EventRow) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, rows); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistEventsWritten.Add(float64(len(rows)))
		w.metrics.PersistLastSequence.Set(float64(rows[len(rows)-1].Sequence))
	}
	return nil
}
