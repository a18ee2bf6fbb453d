// Package eventlog mirrors bus events into the durable audit table.
//
// The recorder is a passive downstream subscriber: it owns all writes to
// the event_log table and never feeds back into the services it
// observes. A failed insert loses one audit record and nothing else.
package eventlog

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coterie-dev/coterie/internal/clock"
	"github.com/coterie-dev/coterie/internal/common/logger"
	"github.com/coterie-dev/coterie/internal/eventlog/models"
	"github.com/coterie-dev/coterie/internal/events"
	"github.com/coterie-dev/coterie/internal/events/bus"
	"github.com/coterie-dev/coterie/internal/store"
)

// Recorder consumes task and agent events and appends one audit entry
// per event.
type Recorder struct {
	store  *store.Store
	bus    bus.Bus
	clock  clock.Clock
	logger *logger.Logger

	mu     sync.Mutex
	subs   []*bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecorder creates a Recorder.
func NewRecorder(st *store.Store, eventBus bus.Bus, clk clock.Clock, log *logger.Logger) *Recorder {
	if clk == nil {
		clk = clock.System()
	}
	return &Recorder{
		store:  st,
		bus:    eventBus,
		clock:  clk,
		logger: log.WithComponent("event-logger"),
	}
}

// Start opens the task and agent subscriptions and begins consuming.
// Both subscriptions exist before Start returns, so every event
// published afterwards is recorded.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())

	for _, pattern := range []string{events.TaskEvents, events.AgentEvents} {
		sub, err := r.bus.Subscribe(pattern)
		if err != nil {
			cancel()
			for _, s := range r.subs {
				s.Cancel()
			}
			r.subs = nil
			return err
		}
		r.subs = append(r.subs, sub)
	}
	r.cancel = cancel

	for _, sub := range r.subs {
		r.wg.Add(1)
		go r.consume(runCtx, sub)
	}

	r.logger.Info("Event logger started")
	return nil
}

// Stop cancels the subscriptions and waits for in-flight writes.
func (r *Recorder) Stop() {
	r.mu.Lock()
	subs := r.subs
	cancel := r.cancel
	r.subs = nil
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	for _, sub := range subs {
		sub.Cancel()
	}
	cancel()
	r.wg.Wait()
	r.logger.Info("Event logger stopped")
}

func (r *Recorder) consume(ctx context.Context, sub *bus.Subscription) {
	defer r.wg.Done()
	for {
		event, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := r.record(ctx, event); err != nil {
			// Audit loss is acceptable; publisher liveness is not.
			r.logger.Error("Failed to record event",
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
}

func (r *Recorder) record(ctx context.Context, event *bus.Event) error {
	entry := entryFor(event)
	entry.ID = uuid.New().String()
	entry.Timestamp = r.clock.Now()

	scope, err := r.store.Write(ctx)
	if err != nil {
		return err
	}
	defer scope.Discard()

	if err := scope.InsertEventLog(ctx, entry); err != nil {
		return err
	}
	return scope.Commit(ctx)
}

// entryFor maps a bus event onto an audit entry: PascalCase event type,
// entity and actor from the payload, Warning severity for failures and
// kills.
func entryFor(event *bus.Event) *models.Entry {
	family := events.Family(event.Type)
	variant := events.Variant(event.Type)

	entry := &models.Entry{
		EventType: pascalCase(family) + pascalCase(variant),
		Actor:     event.String(events.KeyAgentID),
		Severity:  models.SeverityInformation,
	}

	payload, err := json.Marshal(event.Data)
	if err != nil {
		payload = []byte("{}")
	}
	entry.Payload = string(payload)

	switch family {
	case "task":
		entry.EntityType = models.EntityTask
		entry.EntityID = event.String(events.KeyTaskID)
		if event.Type == events.TaskFailed {
			entry.Severity = models.SeverityWarning
		}
		if event.Type == events.TaskCreated {
			if persona := event.String(events.KeyPersonaID); persona != "" {
				entry.Tags = "persona:" + persona
			}
		}
	case "agent":
		entry.EntityType = models.EntityAgent
		entry.EntityID = event.String(events.KeyAgentID)
		if event.Type == events.AgentKilled {
			entry.Severity = models.SeverityWarning
		}
		entry.Tags = "event:" + variant
	case "memory":
		entry.EntityType = models.EntityMemory
		entry.EntityID = event.String(events.KeyNamespace) + "/" + event.String(events.KeyKey)
	}

	return entry
}

// pascalCase converts a snake_case subject token to PascalCase
// ("status_changed" to "StatusChanged").
func pascalCase(token string) string {
	parts := strings.Split(token, "_")
	var b strings.Builder
	for _, part := range parts {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

// Query returns audit entries matching the filter via a read scope.
func (r *Recorder) Query(ctx context.Context, q store.EventLogQuery) ([]*models.Entry, error) {
	return r.store.Read().ListEventLog(ctx, q)
}
