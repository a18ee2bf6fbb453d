package store_test

import (
	"context"
	"testing"
	"time"

	agentmodels "github.com/coterie-dev/coterie/internal/agent/models"
	"github.com/coterie-dev/coterie/internal/events/bus"
	memorymodels "github.com/coterie-dev/coterie/internal/memory/models"
	"github.com/coterie-dev/coterie/internal/store"
	"github.com/coterie-dev/coterie/internal/store/storetest"
	taskmodels "github.com/coterie-dev/coterie/internal/task/models"
)

func insertAgent(t *testing.T, st *store.Store, id, personaID string, status agentmodels.Status) {
	t.Helper()
	ctx := context.Background()
	scope, err := st.Write(ctx)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	defer scope.Discard()
	now := time.Now().UTC()
	err = scope.InsertAgent(ctx, &agentmodels.Agent{
		ID: id, PersonaID: personaID, Status: status,
		RegisteredAt: now, LastHeartbeat: now,
	})
	if err != nil {
		t.Fatalf("insert agent %s: %v", id, err)
	}
	if err := scope.Commit(ctx); err != nil {
		t.Fatalf("commit agent %s: %v", id, err)
	}
}

func insertTask(t *testing.T, st *store.Store, task *taskmodels.Task) {
	t.Helper()
	ctx := context.Background()
	scope, err := st.Write(ctx)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	defer scope.Discard()
	if task.Status == "" {
		task.Status = taskmodels.StatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if err := scope.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert task %s: %v", task.ID, err)
	}
	if err := scope.Commit(ctx); err != nil {
		t.Fatalf("commit task %s: %v", task.ID, err)
	}
}

func TestTaskRoundTrip(t *testing.T) {
	st, _ := storetest.NewWithBus(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	insertTask(t, st, &taskmodels.Task{
		ID:          "t1",
		PersonaText: "You are a builder.",
		Description: "Build the thing",
		Priority:    taskmodels.PriorityHigh,
		CreatedAt:   created,
	})

	got, err := st.Read().GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got == nil {
		t.Fatal("task not found after insert")
	}
	if got.Priority != taskmodels.PriorityHigh {
		t.Errorf("priority = %v, want %v", got.Priority, taskmodels.PriorityHigh)
	}
	if got.Status != taskmodels.StatusPending {
		t.Errorf("status = %v, want pending", got.Status)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, created)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Error("fresh task has non-nil started_at or completed_at")
	}
}

func TestGetTaskMissingReturnsNil(t *testing.T) {
	st, _ := storetest.NewWithBus(t)

	got, err := st.Read().GetTask(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get missing task: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestClaimTaskGuardIsExclusive(t *testing.T) {
	st, _ := storetest.NewWithBus(t)
	ctx := context.Background()

	insertTask(t, st, &taskmodels.Task{
		ID: "t1", PersonaText: "p", Description: "d",
	})

	scope, err := st.Write(ctx)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	defer scope.Discard()

	now := time.Now().UTC()
	claimed, err := scope.ClaimTask(ctx, "t1", "a1", now)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !claimed {
		t.Fatal("first claim did not win")
	}
	claimed, err = scope.ClaimTask(ctx, "t1", "a2", now)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Error("second claim won a task that is no longer pending")
	}
	if err := scope.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := st.Read().GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.AssignedAgentID != "a1" {
		t.Errorf("assigned to %q, want a1", got.AssignedAgentID)
	}
	if got.Status != taskmodels.StatusInProgress {
		t.Errorf("status = %v, want in_progress", got.Status)
	}
}

func TestNextClaimableOrdering(t *testing.T) {
	st, _ := storetest.NewWithBus(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	// Unassigned critical, older unassigned normal, and a low-priority
	// task pinned to the agent. The pinned task must win regardless.
	insertTask(t, st, &taskmodels.Task{
		ID: "critical", PersonaText: "p", Description: "d",
		Priority: taskmodels.PriorityCritical, CreatedAt: base,
	})
	insertTask(t, st, &taskmodels.Task{
		ID: "normal-old", PersonaText: "p", Description: "d",
		Priority: taskmodels.PriorityNormal, CreatedAt: base.Add(-time.Hour),
	})
	insertTask(t, st, &taskmodels.Task{
		ID: "pinned-low", PersonaText: "p", Description: "d",
		Priority: taskmodels.PriorityLow, AssignedAgentID: "a1", CreatedAt: base,
	})

	scope, err := st.Write(ctx)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	defer scope.Discard()

	next, err := scope.NextClaimableForAgent(ctx, "a1", "builder")
	if err != nil {
		t.Fatalf("next claimable: %v", err)
	}
	if next == nil || next.ID != "pinned-low" {
		t.Fatalf("next = %+v, want pinned-low", next)
	}

	// With the pinned task claimed, priority decides among unassigned.
	if _, err := scope.ClaimTask(ctx, "pinned-low", "a1", time.Now().UTC()); err != nil {
		t.Fatalf("claim pinned: %v", err)
	}
	next, err = scope.NextClaimableForAgent(ctx, "a1", "builder")
	if err != nil {
		t.Fatalf("next claimable: %v", err)
	}
	if next == nil || next.ID != "critical" {
		t.Fatalf("next = %+v, want critical", next)
	}
}

func TestNextClaimableRespectsPersona(t *testing.T) {
	st, _ := storetest.NewWithBus(t)
	ctx := context.Background()

	insertTask(t, st, &taskmodels.Task{
		ID: "reviewer-only", PersonaText: "p", Description: "d",
		PersonaID: "reviewer",
	})

	scope, err := st.Write(ctx)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	defer scope.Discard()

	next, err := scope.NextClaimableForAgent(ctx, "a1", "builder")
	if err != nil {
		t.Fatalf("next claimable: %v", err)
	}
	if next != nil {
		t.Errorf("builder agent offered reviewer-only task %s", next.ID)
	}

	next, err = scope.NextClaimableForAgent(ctx, "a2", "reviewer")
	if err != nil {
		t.Fatalf("next claimable: %v", err)
	}
	if next == nil || next.ID != "reviewer-only" {
		t.Fatalf("next = %+v, want reviewer-only", next)
	}
}

func TestCommitPublishesQueuedEventsInOrder(t *testing.T) {
	st, b := storetest.NewWithBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe("test.>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	scope, err := st.Write(ctx)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	defer scope.Discard()
	scope.QueueEvent(bus.NewEvent("test.first", "test", nil))
	scope.QueueEvent(bus.NewEvent("test.second", "test", nil))
	if err := scope.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for _, want := range []string{"test.first", "test.second"} {
		event, err := sub.Next(waitCtx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if event.Type != want {
			t.Errorf("event = %s, want %s", event.Type, want)
		}
	}
}

func TestDiscardDropsQueuedEvents(t *testing.T) {
	st, b := storetest.NewWithBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe("test.>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	scope, err := st.Write(ctx)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	scope.QueueEvent(bus.NewEvent("test.leaked", "test", nil))
	scope.Discard()

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if event, err := sub.Next(waitCtx); err == nil {
		t.Errorf("event %s escaped a discarded scope", event.Type)
	}
}

func TestWriteScopeFinishedGuards(t *testing.T) {
	st, _ := storetest.NewWithBus(t)
	ctx := context.Background()

	scope, err := st.Write(ctx)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if err := scope.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := scope.Commit(ctx); err != store.ErrScopeFinished {
		t.Errorf("second commit err = %v, want ErrScopeFinished", err)
	}
	if err := scope.InsertTask(ctx, &taskmodels.Task{ID: "x"}); err != store.ErrScopeFinished {
		t.Errorf("insert after commit err = %v, want ErrScopeFinished", err)
	}
}

func TestUpsertMemoryPreservesCreatedAtAndAccessStats(t *testing.T) {
	st, _ := storetest.NewWithBus(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	scope, err := st.Write(ctx)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	err = scope.UpsertMemory(ctx, &memorymodels.Entry{
		Namespace: "ns", Key: "k", Value: "v1", Type: "json",
		Size: 2, CreatedAt: created, LastUpdated: created,
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := scope.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Record an access, then overwrite the value.
	scope, err = st.Write(ctx)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if _, err := scope.TouchMemoryAccess(ctx, "ns", "k", created.Add(time.Minute)); err != nil {
		t.Fatalf("touch access: %v", err)
	}
	if err := scope.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	updated := created.Add(time.Hour)
	scope, err = st.Write(ctx)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	err = scope.UpsertMemory(ctx, &memorymodels.Entry{
		Namespace: "ns", Key: "k", Value: "v2 longer", Type: "json",
		Size: 9, CreatedAt: updated, LastUpdated: updated,
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if err := scope.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := st.Read().GetMemory(ctx, "ns", "k")
	if err != nil {
		t.Fatalf("get memory: %v", err)
	}
	if got.Value != "v2 longer" {
		t.Errorf("value = %q, want v2 longer", got.Value)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at changed on upsert: %v, want %v", got.CreatedAt, created)
	}
	if !got.LastUpdated.Equal(updated) {
		t.Errorf("last_updated = %v, want %v", got.LastUpdated, updated)
	}
	if got.AccessCount != 1 {
		t.Errorf("access_count = %d, want 1 (preserved across upsert)", got.AccessCount)
	}
}

func TestFailInProgressTasksLeavesPendingAlone(t *testing.T) {
	st, _ := storetest.NewWithBus(t)
	ctx := context.Background()

	insertAgent(t, st, "a1", "builder", agentmodels.StatusRunning)
	insertTask(t, st, &taskmodels.Task{
		ID: "active", PersonaText: "p", Description: "d",
		AssignedAgentID: "a1",
	})
	insertTask(t, st, &taskmodels.Task{
		ID: "queued", PersonaText: "p", Description: "d",
		AssignedAgentID: "a1",
	})

	scope, err := st.Write(ctx)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	defer scope.Discard()
	if _, err := scope.ClaimTask(ctx, "active", "a1", time.Now().UTC()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	failed, err := scope.FailInProgressTasks(ctx, "a1", taskmodels.ResultAgentTerminated, time.Now().UTC())
	if err != nil {
		t.Fatalf("fail in progress: %v", err)
	}
	if err := scope.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if len(failed) != 1 || failed[0] != "active" {
		t.Fatalf("failed ids = %v, want [active]", failed)
	}
	queued, err := st.Read().GetTask(ctx, "queued")
	if err != nil {
		t.Fatalf("get queued: %v", err)
	}
	if queued.Status != taskmodels.StatusPending {
		t.Errorf("queued task status = %v, want pending", queued.Status)
	}
	active, err := st.Read().GetTask(ctx, "active")
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.Status != taskmodels.StatusFailed || active.Result != taskmodels.ResultAgentTerminated {
		t.Errorf("active task = %s/%q, want failed/%q",
			active.Status, active.Result, taskmodels.ResultAgentTerminated)
	}
}

func TestHasClaimableMatchesEligibility(t *testing.T) {
	st, _ := storetest.NewWithBus(t)
	ctx := context.Background()

	check := func(want bool, label string) {
		t.Helper()
		got, err := st.Read().HasClaimable(ctx, "a1", "builder")
		if err != nil {
			t.Fatalf("has claimable (%s): %v", label, err)
		}
		if got != want {
			t.Errorf("has claimable (%s) = %v, want %v", label, got, want)
		}
	}

	check(false, "empty table")

	insertTask(t, st, &taskmodels.Task{
		ID: "foreign", PersonaText: "p", Description: "d", PersonaID: "reviewer",
	})
	check(false, "only a foreign-persona task")

	insertTask(t, st, &taskmodels.Task{
		ID: "mine", PersonaText: "p", Description: "d", PersonaID: "builder",
	})
	check(true, "matching persona hint")

	// Claiming the eligible task empties the queue again.
	scope, err := st.Write(ctx)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	defer scope.Discard()
	claimed, err := scope.ClaimTask(ctx, "mine", "a1", time.Now().UTC())
	if err != nil || !claimed {
		t.Fatalf("claim = (%v, %v), want (true, nil)", claimed, err)
	}
	if err := scope.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	check(false, "eligible task claimed")

	insertTask(t, st, &taskmodels.Task{
		ID: "pinned", PersonaText: "p", Description: "d",
		AssignedAgentID: "a1", PersonaID: "reviewer",
	})
	check(true, "pending task pinned to the agent beats its persona hint")
}
