// Package wait provides the long-poll primitive shared by task claiming
// and memory waits.
//
// The order of operations closes the lost-wakeup race: the event
// subscription exists before the first store check, so a publish landing
// between check and wait is buffered rather than missed.
package wait

import (
	"context"
	"errors"
	"time"

	"github.com/coterie-dev/coterie/internal/common/logger"
	"github.com/coterie-dev/coterie/internal/events/bus"
)

// Outcome is the definite result of an Await call.
type Outcome int

const (
	// OutcomeSatisfied means the condition held before the deadline.
	OutcomeSatisfied Outcome = iota
	// OutcomeTimedOut means the deadline fired first.
	OutcomeTimedOut
)

// Condition checks current store state. It runs once before waiting and
// once per matching event; each run should use a fresh read scope.
type Condition func(ctx context.Context) (bool, error)

// Waiter runs subscribe-check-wait loops against the event bus.
type Waiter struct {
	bus    bus.Bus
	logger *logger.Logger
}

// New creates a Waiter.
func New(eventBus bus.Bus, log *logger.Logger) *Waiter {
	return &Waiter{bus: eventBus, logger: log.WithComponent("wait")}
}

// Await blocks until the condition holds or the timeout elapses.
//
// Subscribe happens before the first condition check. Every matching
// event triggers a re-check; the wait is purely event-driven, the
// deadline is the only timer. Caller cancellation counts as a timeout
// and always tears the subscription down.
func (w *Waiter) Await(ctx context.Context, pattern string, opts []bus.SubscribeOption, timeout time.Duration, cond Condition) (Outcome, error) {
	sub, err := w.bus.Subscribe(pattern, opts...)
	if err != nil {
		return OutcomeTimedOut, err
	}
	defer sub.Cancel()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := cond(ctx)
	if err != nil {
		return OutcomeTimedOut, err
	}
	if ok {
		return OutcomeSatisfied, nil
	}

	for {
		if _, err := sub.Next(waitCtx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
				errors.Is(err, bus.ErrSubscriptionClosed) {
				return OutcomeTimedOut, nil
			}
			return OutcomeTimedOut, err
		}
		ok, err := cond(ctx)
		if err != nil {
			return OutcomeTimedOut, err
		}
		if ok {
			return OutcomeSatisfied, nil
		}
	}
}
