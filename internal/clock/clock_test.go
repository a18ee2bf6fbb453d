package clock

import (
	"testing"
	"time"
)

func TestSystemClockReturnsUTC(t *testing.T) {
	now := System().Now()
	if now.Location() != time.UTC {
		t.Errorf("expected UTC location, got %v", now.Location())
	}
	if time.Since(now) > time.Minute {
		t.Errorf("system clock far from wall time: %v", now)
	}
}

func TestManualClock(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewManual(start)

	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("expected %v, got %v", start, got)
	}

	c.Advance(150 * time.Millisecond)
	if got := c.Now(); !got.Equal(start.Add(150 * time.Millisecond)) {
		t.Fatalf("expected advance by 150ms, got %v", got)
	}

	pinned := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	c.Set(pinned)
	if got := c.Now(); !got.Equal(pinned) {
		t.Fatalf("expected %v after Set, got %v", pinned, got)
	}
}

func TestManualClockNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	c := NewManual(time.Date(2026, 3, 1, 14, 0, 0, 0, loc))
	if c.Now().Location() != time.UTC {
		t.Errorf("expected UTC location, got %v", c.Now().Location())
	}
}
