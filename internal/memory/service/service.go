// Package service implements the shared key/value memory: namespaced
// entries with upsert semantics, side-effect-free reads, explicit access
// accounting, and an event-driven wait for keys that do not exist yet.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coterie-dev/coterie/internal/clock"
	"github.com/coterie-dev/coterie/internal/common/logger"
	"github.com/coterie-dev/coterie/internal/events"
	"github.com/coterie-dev/coterie/internal/events/bus"
	"github.com/coterie-dev/coterie/internal/memory/models"
	"github.com/coterie-dev/coterie/internal/store"
	"github.com/coterie-dev/coterie/internal/wait"
)

var (
	// ErrEmptyKey is returned when a save has a blank key.
	ErrEmptyKey = errors.New("memory key is empty")

	// ErrEmptyValue is returned when a save has a blank value.
	ErrEmptyValue = errors.New("memory value is empty")

	// ErrNotFound is returned when the entry does not exist.
	ErrNotFound = errors.New("memory entry not found")
)

// Service is the memory store service.
type Service struct {
	store  *store.Store
	waiter *wait.Waiter
	clock  clock.Clock
	logger *logger.Logger
}

// New creates a Service.
func New(st *store.Store, waiter *wait.Waiter, clk clock.Clock, log *logger.Logger) *Service {
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		store:  st,
		waiter: waiter,
		clock:  clk,
		logger: log.WithComponent("memory-service"),
	}
}

// SaveRequest carries one upsert.
type SaveRequest struct {
	Key       string
	Value     string
	Namespace string
	Type      string
	Metadata  string
}

// Save upserts the entry under (namespace, key). A first save publishes
// memory.saved; replacing an existing value preserves created_at and the
// access statistics and publishes memory.updated. Concurrent saves to
// one key serialize through the store; the last committed value wins.
func (s *Service) Save(ctx context.Context, req SaveRequest) (*models.Entry, error) {
	if strings.TrimSpace(req.Key) == "" {
		return nil, ErrEmptyKey
	}
	if req.Value == "" {
		return nil, ErrEmptyValue
	}
	if req.Type == "" {
		req.Type = models.DefaultType
	}

	scope, err := s.store.Write(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.Discard()

	existing, err := scope.GetMemory(ctx, req.Namespace, req.Key)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	entry := &models.Entry{
		Namespace:   req.Namespace,
		Key:         req.Key,
		Value:       req.Value,
		Type:        req.Type,
		Metadata:    req.Metadata,
		Size:        int64(len(req.Value)),
		CreatedAt:   now,
		LastUpdated: now,
	}
	subject := events.MemorySaved
	if existing != nil {
		entry.CreatedAt = existing.CreatedAt
		entry.AccessedAt = existing.AccessedAt
		entry.AccessCount = existing.AccessCount
		subject = events.MemoryUpdated
	}

	if err := scope.UpsertMemory(ctx, entry); err != nil {
		return nil, err
	}
	scope.QueueEvent(bus.NewEvent(subject, events.SourceMemory, map[string]interface{}{
		events.KeyNamespace: entry.Namespace,
		events.KeyKey:       entry.Key,
	}))
	if err := scope.Commit(ctx); err != nil {
		return nil, err
	}

	s.logger.Debug("Memory entry saved",
		zap.String("namespace", entry.Namespace),
		zap.String("key", entry.Key),
		zap.Int64("size", entry.Size))
	return entry, nil
}

// Read returns the entry snapshot, or ErrNotFound. Reads mutate nothing;
// callers that want access statistics recorded pair this with
// TouchAccess.
func (s *Service) Read(ctx context.Context, key, namespace string) (*models.Entry, error) {
	entry, err := s.store.Read().GetMemory(ctx, namespace, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry, nil
}

// TouchAccess increments the entry's access count and stamps accessed_at.
func (s *Service) TouchAccess(ctx context.Context, key, namespace string) error {
	scope, err := s.store.Write(ctx)
	if err != nil {
		return err
	}
	defer scope.Discard()

	found, err := scope.TouchMemoryAccess(ctx, namespace, key, s.clock.Now())
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return scope.Commit(ctx)
}

// List returns every entry in the namespace.
func (s *Service) List(ctx context.Context, namespace string) ([]*models.Entry, error) {
	return s.store.Read().ListMemory(ctx, namespace)
}

// WaitForKey blocks until the entry exists or the timeout elapses. The
// bool result distinguishes a timeout (false) from presence; a missing
// key is not an error here.
func (s *Service) WaitForKey(ctx context.Context, key, namespace string, timeout time.Duration) (*models.Entry, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrEmptyKey
	}

	var found *models.Entry
	outcome, err := s.waiter.Await(ctx, events.MemoryEvents,
		[]bus.SubscribeOption{bus.WithFilter(func(e *bus.Event) bool {
			return e.String(events.KeyNamespace) == namespace && e.String(events.KeyKey) == key
		})},
		timeout,
		func(ctx context.Context) (bool, error) {
			entry, err := s.store.Read().GetMemory(ctx, namespace, key)
			if err != nil {
				return false, err
			}
			if entry == nil {
				return false, nil
			}
			found = entry
			return true, nil
		})
	if err != nil {
		return nil, false, err
	}
	if outcome == wait.OutcomeTimedOut {
		return nil, false, nil
	}
	return found, true, nil
}
