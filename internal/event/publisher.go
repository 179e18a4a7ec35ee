package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const outboundStreamName = "GMX_SETTLEMENT_EVENTS"

// Publisher publishes settled envelopes to NATS for downstream consumers.
// Subjects follow the pattern: gmx.settlement.events.{event_type}.{market_id}
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan *Envelope
	logger    zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, inputChan <-chan *Envelope, logger zerolog.Logger) *Publisher {
	return &Publisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger.With().Str("component", "publisher").Logger(),
	}
}

// Run starts the outbound publisher loop. Envelopes are published after
// the engine has committed them; a publish failure is non-fatal because
// consumers can replay from the event log.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.inputChan:
			if !ok {
				return nil
			}

			if err := p.publish(ctx, env); err != nil {
				p.logger.Warn().
					Err(err).
					Int64("sequence", env.Sequence).
					Str("event_type", env.EventType.String()).
					Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := fmt.Sprintf("gmx.settlement.events.%s", env.EventType)
	if env.MarketID != "" {
		subject = fmt.Sprintf("%s.%s", subject, env.MarketID)
	}

	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates or updates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      outboundStreamName,
		Subjects:  []string{"gmx.settlement.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", outboundStreamName).Msg("ensured outbound stream")
	return nil
}
