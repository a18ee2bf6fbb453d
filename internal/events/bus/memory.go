package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/coterie-dev/coterie/internal/common/logger"
)

// MemoryBus implements Bus with in-process delivery.
//
// A single publish mutex assigns every event its place in the total
// order; while a publisher holds it, the event is appended to each
// matching subscription buffer in turn. Buffers are drained
// independently, so one slow consumer delays publishers (by design of
// the bounded buffer) but never reorders anyone.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	closed bool

	// pubMu serializes publishes end to end, including waits on full
	// buffers. Ordering depends on it; do not narrow its scope.
	pubMu sync.Mutex

	buffer int
	logger *logger.Logger
}

// NewMemoryBus creates an in-process bus. buffer is the default
// subscription capacity; 0 means unbounded.
func NewMemoryBus(buffer int, log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		buffer: buffer,
		logger: log,
	}
}

// Publish delivers the event to every matching live subscription,
// blocking while any bounded buffer is full.
func (b *MemoryBus) Publish(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}
	if event.Type == "" {
		return fmt.Errorf("event type is empty")
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.wants(event) {
			continue
		}
		if err := sub.enqueue(ctx, event); err != nil {
			return fmt.Errorf("publish %s interrupted: %w", event.Type, err)
		}
	}

	b.logger.Debug("Published event",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe registers a subscription for a subject pattern.
func (b *MemoryBus) Subscribe(pattern string, opts ...SubscribeOption) (*Subscription, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("subject pattern is empty")
	}
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid subject pattern %q: %w", pattern, err)
	}

	var options subscribeOptions
	for _, opt := range opts {
		opt(&options)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := newSubscription(pattern, re, options, b.buffer, b.remove)
	b.subs = append(b.subs, sub)

	b.logger.Debug("Subscribed to subject",
		zap.String("pattern", pattern),
		zap.String("subscription_id", sub.ID()))
	return sub, nil
}

// Close cancels all subscriptions and rejects further publishes.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	// Cancel outside the registry lock; Cancel re-enters remove.
	for _, sub := range subs {
		sub.Cancel()
	}

	b.logger.Info("Event bus closed")
	return nil
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryBus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Match reports whether a subject matches a NATS-style pattern.
// Invalid patterns match nothing.
func Match(pattern, subject string) bool {
	re, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to an anchored regex.
// * matches a single token, > matches the remaining tokens.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	return regexp.Compile("^" + escaped + "$")
}
