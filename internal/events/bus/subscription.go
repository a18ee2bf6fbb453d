package bus

import (
	"context"
	"regexp"
	"sync"

	"github.com/google/uuid"
)

// Subscription is an ordered stream of matching events. Events are
// buffered per subscription and handed out by Next in publish order.
type Subscription struct {
	id      string
	pattern string
	re      *regexp.Regexp
	filter  func(*Event) bool
	cap     int // 0 = unbounded

	mu    sync.Mutex
	queue []*Event

	// ready and space carry at most one pending signal each; waiters
	// re-check queue state after waking, so coalesced signals are fine.
	ready chan struct{}
	space chan struct{}

	done     chan struct{}
	cancelFn func(*Subscription)
	once     sync.Once
}

func newSubscription(pattern string, re *regexp.Regexp, opts subscribeOptions, capacity int, cancelFn func(*Subscription)) *Subscription {
	if opts.hasBuffer {
		capacity = opts.buffer
	}
	return &Subscription{
		id:       uuid.New().String(),
		pattern:  pattern,
		re:       re,
		filter:   opts.filter,
		cap:      capacity,
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		cancelFn: cancelFn,
	}
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Pattern returns the subject pattern the subscription was created with.
func (s *Subscription) Pattern() string { return s.pattern }

// wants reports whether the event matches this subscription's pattern
// and filter.
func (s *Subscription) wants(event *Event) bool {
	if !s.re.MatchString(event.Type) {
		return false
	}
	if s.filter != nil && !s.filter(event) {
		return false
	}
	return true
}

// enqueue appends the event to the buffer, waiting while a bounded
// buffer is full. A cancelled subscription absorbs the event without
// blocking; a cancelled ctx aborts the wait with its error.
func (s *Subscription) enqueue(ctx context.Context, event *Event) error {
	for {
		select {
		case <-s.done:
			return nil
		default:
		}

		s.mu.Lock()
		if s.cap <= 0 || len(s.queue) < s.cap {
			s.queue = append(s.queue, event)
			s.mu.Unlock()
			signal(s.ready)
			return nil
		}
		s.mu.Unlock()

		select {
		case <-s.space:
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Next blocks until an event is available, the subscription is cancelled,
// or ctx expires. Events come out in the order they were published.
func (s *Subscription) Next(ctx context.Context) (*Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			event := s.queue[0]
			s.queue = s.queue[1:]
			remaining := len(s.queue)
			s.mu.Unlock()
			signal(s.space)
			if remaining > 0 {
				signal(s.ready)
			}
			return event, nil
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-s.done:
			return nil, ErrSubscriptionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Cancel tears the subscription down. Pending buffered events are
// discarded, blocked publishers are released, and subsequent publishes
// skip this subscription. Cancel is idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		if s.cancelFn != nil {
			s.cancelFn(s)
		}
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	})
}

// signal sets a level-triggered flag without blocking.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
