// Package clock provides the single source of "now" for the coordinator.
// Every timestamp persisted to the store or stamped onto an event passes
// through a Clock, so tests can pin and advance time deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time in UTC.
type Clock interface {
	Now() time.Time
}

// System returns a Clock backed by the system wall clock.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a settable clock for tests. The zero value is not usable;
// construct it with NewManual.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a manual clock pinned to start (normalized to UTC).
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the currently pinned time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set pins the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}
