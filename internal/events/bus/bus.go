// Package bus provides the in-process event bus for Coterie.
//
// Publications are assigned a single total order; every subscription
// observes its matching subset of that order with no gaps and no replay
// of events published before the subscription existed. Subscribers pull
// from a per-subscription FIFO buffer; when a bounded buffer is full the
// publisher waits, so ordering is never corrupted by silent drops.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusClosed is returned by operations on a closed bus.
	ErrBusClosed = errors.New("event bus is closed")

	// ErrSubscriptionClosed is returned by Next after the subscription
	// has been cancelled.
	ErrSubscriptionClosed = errors.New("subscription is closed")
)

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // Service that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// String returns a payload field as a string, or "" when absent.
func (e *Event) String(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// Bus is the pub/sub contract used across the coordinator.
type Bus interface {
	// Publish delivers the event into the buffer of every live matching
	// subscription. It blocks while any bounded buffer is full and
	// returns the context error if the caller gives up mid-wait.
	Publish(ctx context.Context, event *Event) error

	// Subscribe registers a subscription for the given subject pattern
	// (NATS-style wildcards: * for one token, > for the rest). The
	// subscription observes every matching event published after
	// Subscribe returns; earlier events are never replayed.
	Subscribe(pattern string, opts ...SubscribeOption) (*Subscription, error)

	// Close cancels every subscription and rejects further publishes.
	Close() error
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	buffer    int
	hasBuffer bool
	filter    func(*Event) bool
}

// WithBuffer bounds the subscription buffer to n events (0 = unbounded).
// Publishers block while the buffer is full.
func WithBuffer(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		o.buffer = n
		o.hasBuffer = true
	}
}

// WithFilter narrows the subscription with a predicate over event payloads,
// evaluated after the subject pattern matches.
func WithFilter(fn func(*Event) bool) SubscribeOption {
	return func(o *subscribeOptions) {
		o.filter = fn
	}
}
