package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Yaugourt/LiquidTerminal-Back/internal/monitoring"
)

// RedisBus broadcasts over a Redis pub/sub channel, reusing the client that
// already backs the snapshot cache. The client is borrowed; its owner closes
// it.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

func NewRedisBus(client *redis.Client, channel string, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "bus").Str("backend", "redis").Logger(),
	}
}

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: encode message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		monitoring.BusPublishErrorsTotal.Inc()
		return fmt.Errorf("bus: publish to %s: %w", b.channel, err)
	}
	monitoring.BusPublishedTotal.Inc()
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return errors.New("bus: already subscribed")
	}

	pubsub := b.client.Subscribe(ctx, b.channel)
	// Receive confirms the SUBSCRIBE before we consider ourselves attached.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("bus: subscribe %s: %w", b.channel, err)
	}
	b.pubsub = pubsub

	ch := pubsub.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer monitoring.RecoverPanic(b.logger, "bus-redis")
		for m := range ch {
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.logger.Error().Err(err).Msg("Dropping undecodable broadcast payload")
				continue
			}
			monitoring.BusReceivedTotal.Inc()
			h(msg)
		}
	}()

	b.logger.Info().Str("channel", b.channel).Msg("Subscribed to broadcast channel")
	return nil
}

// Close detaches the subscription and waits for the receive goroutine. The
// underlying Redis client stays open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	pubsub := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	b.wg.Wait()
	return err
}
