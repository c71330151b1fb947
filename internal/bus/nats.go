package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Yaugourt/LiquidTerminal-Back/internal/monitoring"
)

// NATSBus broadcasts over a NATS subject for deployments that already run a
// NATS cluster. Semantics match the Redis backend: core NATS pub/sub, no
// persistence, at-most-once to live subscribers.
type NATSBus struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewNATSBus(url, subject string, logger zerolog.Logger) (*NATSBus, error) {
	l := logger.With().Str("component", "bus").Str("backend", "nats").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			l.Error().Err(err).Msg("NATS async error")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to NATS: %w", err)
	}

	return &NATSBus{conn: conn, subject: subject, logger: l}, nil
}

func (b *NATSBus) Publish(_ context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: encode message: %w", err)
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		monitoring.BusPublishErrorsTotal.Inc()
		return fmt.Errorf("bus: publish to %s: %w", b.subject, err)
	}
	monitoring.BusPublishedTotal.Inc()
	return nil
}

func (b *NATSBus) Subscribe(_ context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return errors.New("bus: already subscribed")
	}

	sub, err := b.conn.Subscribe(b.subject, func(m *nats.Msg) {
		defer monitoring.RecoverPanic(b.logger, "bus-nats")
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Error().Err(err).Msg("Dropping undecodable broadcast payload")
			return
		}
		monitoring.BusReceivedTotal.Inc()
		h(msg)
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", b.subject, err)
	}
	b.sub = sub

	b.logger.Info().Str("subject", b.subject).Msg("Subscribed to broadcast subject")
	return nil
}

// Close drains the subscription and connection so in-flight deliveries
// finish before the process exits.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Msg("Unsubscribe failed during close")
		}
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
