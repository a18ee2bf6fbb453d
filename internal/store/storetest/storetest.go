// Package storetest provides store fixtures for tests: a migrated
// SQLite store in a temp directory wired to a caller-supplied bus.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/coterie-dev/coterie/internal/common/logger"
	"github.com/coterie-dev/coterie/internal/db"
	"github.com/coterie-dev/coterie/internal/events/bus"
	"github.com/coterie-dev/coterie/internal/store"
)

// Logger returns a quiet logger for tests.
func Logger(t testing.TB) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "console",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

// New creates a migrated store over a fresh SQLite file. The pool is
// closed when the test ends.
func New(t testing.TB, eventBus bus.Bus) *store.Store {
	t.Helper()

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "coterie-test.db"), 1000)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	st, err := store.New(context.Background(), pool, eventBus, Logger(t))
	if err != nil {
		t.Fatalf("Failed to initialize test store: %v", err)
	}
	return st
}

// NewWithBus creates a store plus its own memory bus, for tests that
// also need to observe events.
func NewWithBus(t testing.TB) (*store.Store, *bus.MemoryBus) {
	t.Helper()
	b := bus.NewMemoryBus(64, Logger(t))
	t.Cleanup(func() { _ = b.Close() })
	return New(t, b), b
}
