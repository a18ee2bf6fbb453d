package eventlog_test

import (
	"context"
	"testing"
	"time"

	"github.com/coterie-dev/coterie/internal/clock"
	"github.com/coterie-dev/coterie/internal/eventlog"
	"github.com/coterie-dev/coterie/internal/eventlog/models"
	"github.com/coterie-dev/coterie/internal/events"
	"github.com/coterie-dev/coterie/internal/events/bus"
	"github.com/coterie-dev/coterie/internal/store"
	"github.com/coterie-dev/coterie/internal/store/storetest"
)

func startRecorder(t *testing.T) (*eventlog.Recorder, *bus.MemoryBus) {
	t.Helper()
	st, b := storetest.NewWithBus(t)
	clk := clock.NewManual(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	rec := eventlog.NewRecorder(st, b, clk, storetest.Logger(t))
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("start recorder: %v", err)
	}
	t.Cleanup(rec.Stop)
	return rec, b
}

// queryEventually polls until the asynchronous consumer has landed the
// expected number of rows.
func queryEventually(t *testing.T, rec *eventlog.Recorder, q store.EventLogQuery, want int) []*models.Entry {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		entries, err := rec.Query(context.Background(), q)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(entries) >= want {
			return entries
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d audit entries, want %d", len(entries), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecordsTaskEventsWithPascalCaseTypes(t *testing.T) {
	rec, b := startRecorder(t)
	ctx := context.Background()

	if err := b.Publish(ctx, bus.NewEvent(events.TaskCreated, events.SourceCoordinator, map[string]interface{}{
		events.KeyTaskID:    "t1",
		events.KeyPersonaID: "builder",
	})); err != nil {
		t.Fatalf("publish: %v", err)
	}

	entries := queryEventually(t, rec, store.EventLogQuery{EntityType: "task"}, 1)
	entry := entries[0]
	if entry.EventType != "TaskCreated" {
		t.Errorf("event_type = %q, want TaskCreated", entry.EventType)
	}
	if entry.EntityID != "t1" || entry.EntityType != models.EntityTask {
		t.Errorf("entity = %s/%s, want task/t1", entry.EntityType, entry.EntityID)
	}
	if entry.Severity != models.SeverityInformation {
		t.Errorf("severity = %s, want information", entry.Severity)
	}
	if entry.Tags != "persona:builder" {
		t.Errorf("tags = %q, want persona:builder", entry.Tags)
	}
}

func TestFailuresAndKillsRecordAsWarnings(t *testing.T) {
	rec, b := startRecorder(t)
	ctx := context.Background()

	if err := b.Publish(ctx, bus.NewEvent(events.TaskFailed, events.SourceRegistry, map[string]interface{}{
		events.KeyTaskID:  "t1",
		events.KeyAgentID: "a1",
	})); err != nil {
		t.Fatalf("publish task.failed: %v", err)
	}
	if err := b.Publish(ctx, bus.NewEvent(events.AgentKilled, events.SourceRegistry, map[string]interface{}{
		events.KeyAgentID: "a1",
	})); err != nil {
		t.Fatalf("publish agent.killed: %v", err)
	}

	tasks := queryEventually(t, rec, store.EventLogQuery{EntityType: "task"}, 1)
	if tasks[0].Severity != models.SeverityWarning {
		t.Errorf("task.failed severity = %s, want warning", tasks[0].Severity)
	}
	if tasks[0].Actor != "a1" {
		t.Errorf("actor = %q, want a1", tasks[0].Actor)
	}

	agents := queryEventually(t, rec, store.EventLogQuery{EntityType: "agent"}, 1)
	if agents[0].Severity != models.SeverityWarning {
		t.Errorf("agent.killed severity = %s, want warning", agents[0].Severity)
	}
	if agents[0].EventType != "AgentKilled" {
		t.Errorf("event_type = %q, want AgentKilled", agents[0].EventType)
	}
	if agents[0].Tags != "event:killed" {
		t.Errorf("tags = %q, want event:killed", agents[0].Tags)
	}
}

func TestStatusChangedBecomesPascalCase(t *testing.T) {
	rec, b := startRecorder(t)
	ctx := context.Background()

	if err := b.Publish(ctx, bus.NewEvent(events.AgentStatusChanged, events.SourceRegistry, map[string]interface{}{
		events.KeyAgentID:   "a1",
		events.KeyOldStatus: "starting",
		events.KeyNewStatus: "running",
	})); err != nil {
		t.Fatalf("publish: %v", err)
	}

	entries := queryEventually(t, rec, store.EventLogQuery{EntityID: "a1"}, 1)
	if entries[0].EventType != "AgentStatusChanged" {
		t.Errorf("event_type = %q, want AgentStatusChanged", entries[0].EventType)
	}
}

func TestIgnoresMemoryEvents(t *testing.T) {
	rec, b := startRecorder(t)
	ctx := context.Background()

	if err := b.Publish(ctx, bus.NewEvent(events.MemorySaved, events.SourceMemory, map[string]interface{}{
		events.KeyNamespace: "ns",
		events.KeyKey:       "k",
	})); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// A task event after it gives the consumer time to have processed
	// (or skipped) the memory event.
	if err := b.Publish(ctx, bus.NewEvent(events.TaskCreated, events.SourceCoordinator, map[string]interface{}{
		events.KeyTaskID: "t1",
	})); err != nil {
		t.Fatalf("publish: %v", err)
	}

	queryEventually(t, rec, store.EventLogQuery{EntityType: "task"}, 1)
	entries, err := rec.Query(ctx, store.EventLogQuery{EntityType: "memory"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("memory events recorded = %d, want 0 (audit covers task and agent families)", len(entries))
	}
}

func TestQueryLimitNewestFirst(t *testing.T) {
	rec, b := startRecorder(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := b.Publish(ctx, bus.NewEvent(events.TaskCreated, events.SourceCoordinator, map[string]interface{}{
			events.KeyTaskID: id,
		})); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	queryEventually(t, rec, store.EventLogQuery{EntityType: "task"}, 3)
	entries, err := rec.Query(ctx, store.EventLogQuery{EntityType: "task", Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("limited query len = %d, want 2", len(entries))
	}
}
