// Package bus carries freshly observed liquidation batches between the
// refresh loop and the stream fan-out. Delivery is fire-and-forget: a batch
// published while a subscriber is absent is simply not seen by it, and
// reconnecting consumers recover through the resume path, not the bus.
package bus

import (
	"context"

	"github.com/Yaugourt/LiquidTerminal-Back/internal/liquidation"
)

// Message is one broadcast batch. Events are strictly ascending by tid and
// all newer than the previously published batch.
type Message struct {
	Events    []liquidation.Event `json:"events"`
	Timestamp int64               `json:"timestamp"`
}

// NewMessage stamps a batch with the publish time in epoch milliseconds.
func NewMessage(events []liquidation.Event, nowMs int64) Message {
	return Message{Events: events, Timestamp: nowMs}
}

// Handler consumes one decoded batch. It runs on the bus receive goroutine,
// so implementations hand work off rather than block.
type Handler func(msg Message)

// Bus is a broadcast channel with at-most-once delivery to live subscribers.
type Bus interface {
	// Publish sends one batch to every current subscriber.
	Publish(ctx context.Context, msg Message) error

	// Subscribe registers h for every batch published after this call.
	// A bus supports at most one subscription.
	Subscribe(ctx context.Context, h Handler) error

	Close() error
}
