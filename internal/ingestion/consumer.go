package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/observability"
)

const (
	commandStreamName   = "GMX_SETTLEMENT_COMMANDS"
	commandConsumerName = "settlement-engine"
)

// Delivery is a parsed command plus its JetStream acknowledgement hooks.
// The dispatcher calls Ack after processing; a deterministic rejection is
// still acked since redelivery would only reject again. Nak is for
// shutdown, so the message redelivers to the next instance.
type Delivery struct {
	Cmd Command
	Ack func()
	Nak func()
}

// Consumer pulls settlement commands off JetStream, parses them, and hands
// deliveries to the engine owner over a channel. Parsing happens on the
// consume callback; all engine access stays with the channel reader.
type Consumer struct {
	js      jetstream.JetStream
	out     chan<- Delivery
	metrics *observability.Metrics
	logger  zerolog.Logger
	cc      jetstream.ConsumeContext
}

func NewConsumer(js jetstream.JetStream, out chan<- Delivery, metrics *observability.Metrics, logger zerolog.Logger) *Consumer {
	return &Consumer{
		js:      js,
		out:     out,
		metrics: metrics,
		logger:  logger.With().Str("component", "command_consumer").Logger(),
	}
}

// EnsureCommandStream creates or updates the inbound command stream.
// Commands are consumed in stream order by a single durable consumer so
// the engine sees one total order.
func EnsureCommandStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      commandStreamName,
		Subjects:  []string{CommandSubjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", commandStreamName, err)
	}
	logger.Info().Str("stream", commandStreamName).Msg("ensured command stream")
	return nil
}

// Start creates the durable consumer and begins feeding deliveries.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, commandStreamName, jetstream.ConsumerConfig{
		Durable:       commandConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxAckPending: 1,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", commandConsumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		cmd, err := ParseCommand(msg.Subject(), msg.Data())
		if err != nil {
			// malformed payloads never become valid on redelivery
			c.logger.Error().Err(err).Str("subject", msg.Subject()).Msg("dropping unparseable command")
			if c.metrics != nil {
				c.metrics.IngestParseErrors.Inc()
			}
			msg.Term()
			return
		}
		if c.metrics != nil {
			c.metrics.IngestCommands.WithLabelValues(cmd.Name()).Inc()
		}
		d := Delivery{
			Cmd: cmd,
			Ack: func() { msg.Ack() },
			Nak: func() { msg.Nak() },
		}
		select {
		case c.out <- d:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", commandConsumerName, err)
	}
	c.cc = cc
	c.logger.Info().Str("stream", commandStreamName).Str("consumer", commandConsumerName).Msg("command consumer started")
	return nil
}

// Stop drains the consume context.
func (c *Consumer) Stop() {
	if c.cc != nil {
		c.cc.Stop()
	}
}
