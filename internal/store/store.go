// Package store provides transactional persistence for agents, work
// items, memory entries, and the event log.
//
// Callers interact through two scope kinds. A ReadScope is a cheap
// snapshot view off the reader pool and never blocks writers. A
// WriteScope wraps a transaction on the writer pool: mutations become
// visible atomically on Commit, and events queued during the scope are
// published only after the commit succeeds, so subscribers never observe
// an event for an uncommitted row.
package store

import (
	"context"
	"fmt"

	"github.com/coterie-dev/coterie/internal/common/logger"
	"github.com/coterie-dev/coterie/internal/db"
	"github.com/coterie-dev/coterie/internal/events/bus"
)

// Store owns the database pool and hands out scopes.
type Store struct {
	pool   *db.Pool
	bus    bus.Bus
	logger *logger.Logger
}

// New creates a Store and runs the schema migration.
func New(ctx context.Context, pool *db.Pool, eventBus bus.Bus, log *logger.Logger) (*Store, error) {
	s := &Store{
		pool:   pool,
		bus:    eventBus,
		logger: log.WithComponent("store"),
	}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run schema migration: %w", err)
	}
	return s, nil
}

// Read returns a snapshot read scope. Read scopes carry no resources
// beyond the reader pool and need no cleanup.
func (s *Store) Read() *ReadScope {
	return &ReadScope{db: s.pool.Reader()}
}

// Write begins a write scope. The caller must finish it with Commit or
// Discard; deferring Discard after a successful Commit is a no-op.
func (s *Store) Write(ctx context.Context) (*WriteScope, error) {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin write scope: %w", err)
	}
	return &WriteScope{tx: tx, bus: s.bus, logger: s.logger}, nil
}

// Close releases the underlying pools.
func (s *Store) Close() error {
	return s.pool.Close()
}
