package coordinator_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/coterie-dev/coterie/internal/agent/models"
	"github.com/coterie-dev/coterie/internal/agent/registry"
	"github.com/coterie-dev/coterie/internal/clock"
	"github.com/coterie-dev/coterie/internal/events/bus"
	"github.com/coterie-dev/coterie/internal/store"
	"github.com/coterie-dev/coterie/internal/store/storetest"
	"github.com/coterie-dev/coterie/internal/task/coordinator"
	taskmodels "github.com/coterie-dev/coterie/internal/task/models"
	"github.com/coterie-dev/coterie/internal/wait"
)

type fixture struct {
	coordinator *coordinator.Coordinator
	registry    *registry.Registry
	store       *store.Store
	bus         *bus.MemoryBus
	clock       *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, b := storetest.NewWithBus(t)
	clk := clock.NewManual(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	log := storetest.Logger(t)
	reg := registry.New(st, clk, nil, log)
	coord := coordinator.New(st, reg, wait.New(b, log), clk, coordinator.PollConfig{
		DefaultTimeout: 2 * time.Second,
		MaxTimeout:     5 * time.Second,
	}, log)
	return &fixture{coordinator: coord, registry: reg, store: st, bus: b, clock: clk}
}

// runningAgent registers an agent and activates it with a heartbeat.
func (f *fixture) runningAgent(t *testing.T, personaID string) *models.Agent {
	t.Helper()
	ctx := context.Background()
	agent, err := f.registry.Register(ctx, registry.RegisterRequest{PersonaID: personaID})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.registry.Heartbeat(ctx, agent.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	agent.Status = models.StatusRunning
	return agent
}

func (f *fixture) create(t *testing.T, req coordinator.CreateRequest) *taskmodels.Task {
	t.Helper()
	task, err := f.coordinator.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coordinator.Create(ctx, coordinator.CreateRequest{Description: "d"})
	if err == nil {
		t.Error("create without persona text succeeded")
	}
	_, err = f.coordinator.Create(ctx, coordinator.CreateRequest{PersonaText: "p"})
	if err == nil {
		t.Error("create without description succeeded")
	}
	_, err = f.coordinator.Create(ctx, coordinator.CreateRequest{
		PersonaText: "p", Description: "d", AgentID: "ghost",
	})
	if !errors.Is(err, registry.ErrAgentNotFound) {
		t.Errorf("create pinned to unknown agent: err = %v, want ErrAgentNotFound", err)
	}
}

func TestCreateRejectsDeadAssignee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.runningAgent(t, "builder")
	if _, err := f.registry.Kill(ctx, agent.ID); err != nil {
		t.Fatalf("kill: %v", err)
	}

	_, err := f.coordinator.Create(ctx, coordinator.CreateRequest{
		PersonaText: "p", Description: "d", AgentID: agent.ID,
	})
	if !errors.Is(err, registry.ErrAgentNotActive) {
		t.Errorf("err = %v, want ErrAgentNotActive", err)
	}
}

func TestClaimNextPrefersAssignedOverHigherPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.runningAgent(t, "builder")

	f.create(t, coordinator.CreateRequest{
		PersonaText: "p", Description: "critical unassigned",
		Priority: taskmodels.PriorityCritical,
	})
	pinned := f.create(t, coordinator.CreateRequest{
		PersonaText: "p", Description: "pinned low",
		Priority: taskmodels.PriorityLow, AgentID: agent.ID,
	})

	got, err := f.coordinator.ClaimNext(ctx, agent.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.ID != pinned.ID {
		t.Errorf("claimed %s (%s), want the pinned task", got.ID, got.Description)
	}
	if got.Status != taskmodels.StatusInProgress {
		t.Errorf("status = %v, want in_progress", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("claimed task has nil started_at")
	}
}

func TestClaimNextPriorityThenFIFO(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.runningAgent(t, "builder")

	first := f.create(t, coordinator.CreateRequest{
		PersonaText: "p", Description: "normal old", Priority: taskmodels.PriorityNormal,
	})
	f.clock.Advance(time.Second)
	second := f.create(t, coordinator.CreateRequest{
		PersonaText: "p", Description: "normal new", Priority: taskmodels.PriorityNormal,
	})
	f.clock.Advance(time.Second)
	high := f.create(t, coordinator.CreateRequest{
		PersonaText: "p", Description: "high late", Priority: taskmodels.PriorityHigh,
	})

	wantOrder := []string{high.ID, first.ID, second.ID}
	for i, want := range wantOrder {
		got, err := f.coordinator.ClaimNext(ctx, agent.ID)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if got.ID != want {
			t.Errorf("claim %d = %s, want %s", i, got.ID, want)
		}
	}

	if _, err := f.coordinator.ClaimNext(ctx, agent.ID); !errors.Is(err, coordinator.ErrNoTask) {
		t.Errorf("claim on empty queue: err = %v, want ErrNoTask", err)
	}
}

func TestClaimNextSkipsForeignPersona(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	builder := f.runningAgent(t, "builder")
	reviewer := f.runningAgent(t, "reviewer")

	task := f.create(t, coordinator.CreateRequest{
		PersonaText: "p", Description: "review this", PersonaID: "reviewer",
	})

	if _, err := f.coordinator.ClaimNext(ctx, builder.ID); !errors.Is(err, coordinator.ErrNoTask) {
		t.Errorf("builder claim: err = %v, want ErrNoTask", err)
	}
	got, err := f.coordinator.ClaimNext(ctx, reviewer.ID)
	if err != nil {
		t.Fatalf("reviewer claim: %v", err)
	}
	if got.ID != task.ID {
		t.Errorf("reviewer claimed %s, want %s", got.ID, task.ID)
	}
}

func TestCompleteIsTerminalAndKeepsFirstResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.runningAgent(t, "builder")
	task := f.create(t, coordinator.CreateRequest{
		PersonaText: "p", Description: "d", AgentID: agent.ID,
	})
	if _, err := f.coordinator.ClaimNext(ctx, agent.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	done, err := f.coordinator.Complete(ctx, task.ID, "first result")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != taskmodels.StatusCompleted || done.Result != "first result" {
		t.Errorf("task = %s/%q, want completed/first result", done.Status, done.Result)
	}
	if done.CompletedAt == nil {
		t.Error("completed task has nil completed_at")
	}

	if _, err := f.coordinator.Complete(ctx, task.ID, "second result"); !errors.Is(err, coordinator.ErrTaskTerminal) {
		t.Errorf("second complete: err = %v, want ErrTaskTerminal", err)
	}
	got, err := f.coordinator.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Result != "first result" {
		t.Errorf("result = %q, want the original to stand", got.Result)
	}
}

func TestCompleteUnknownTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.coordinator.Complete(context.Background(), "ghost", "r")
	if !errors.Is(err, coordinator.ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestCompletePendingTaskWithoutClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t, coordinator.CreateRequest{PersonaText: "p", Description: "d"})

	// Completion does not require a prior claim; a pending task can be
	// closed out directly.
	done, err := f.coordinator.Complete(ctx, task.ID, "done early")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != taskmodels.StatusCompleted {
		t.Errorf("status = %v, want completed", done.Status)
	}
}

func TestByAgentUnknownAgentYieldsEmptyList(t *testing.T) {
	f := newFixture(t)
	tasks, err := f.coordinator.ByAgent(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("by agent: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("len = %d, want 0", len(tasks))
	}
}

func TestGetNextTaskReturnsPreexistingWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.runningAgent(t, "builder")
	task := f.create(t, coordinator.CreateRequest{PersonaText: "p", Description: "d"})

	envelope, err := f.coordinator.GetNextTask(ctx, agent.ID, time.Second)
	if err != nil {
		t.Fatalf("get next task: %v", err)
	}
	if envelope.Synthetic() {
		t.Fatalf("got synthetic envelope %q with work available", envelope.TaskID)
	}
	if envelope.TaskID != task.ID {
		t.Errorf("task_id = %s, want %s", envelope.TaskID, task.ID)
	}
	if envelope.PersonaText != "p" || envelope.Description != "d" {
		t.Errorf("envelope = %q/%q, want p/d", envelope.PersonaText, envelope.Description)
	}
}

func TestGetNextTaskTimesOutWithSyntheticEnvelope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.runningAgent(t, "builder")

	envelope, err := f.coordinator.GetNextTask(ctx, agent.ID, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("get next task: %v", err)
	}
	if !envelope.Synthetic() {
		t.Fatalf("task_id = %q, want a system: envelope", envelope.TaskID)
	}
	if !strings.Contains(envelope.Message, "No tasks available") || !strings.Contains(envelope.Message, "call this tool again") {
		t.Errorf("message %q missing the re-poll instructions", envelope.Message)
	}
	if envelope.Task != nil {
		t.Error("synthetic envelope carries a task")
	}
}

func TestGetNextTaskWakesOnCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.runningAgent(t, "builder")

	type claim struct {
		envelope *coordinator.Envelope
		err      error
	}
	result := make(chan claim, 1)
	go func() {
		envelope, err := f.coordinator.GetNextTask(ctx, agent.ID, 5*time.Second)
		result <- claim{envelope, err}
	}()

	// Give the poller time to park on the bus, then publish work.
	time.Sleep(100 * time.Millisecond)
	task := f.create(t, coordinator.CreateRequest{PersonaText: "p", Description: "d"})

	select {
	case got := <-result:
		if got.err != nil {
			t.Fatalf("get next task: %v", got.err)
		}
		if got.envelope.TaskID != task.ID {
			t.Errorf("claimed %s, want %s", got.envelope.TaskID, task.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("long-poll did not wake on task.created")
	}
}

func TestGetNextTaskUnknownAgent(t *testing.T) {
	f := newFixture(t)
	_, err := f.coordinator.GetNextTask(context.Background(), "ghost", time.Second)
	if !errors.Is(err, registry.ErrAgentNotFound) {
		t.Errorf("err = %v, want ErrAgentNotFound", err)
	}
}

func TestGetNextTaskRefreshesHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.runningAgent(t, "builder")

	f.clock.Advance(time.Minute)
	if _, err := f.coordinator.GetNextTask(ctx, agent.ID, 50*time.Millisecond); err != nil {
		t.Fatalf("get next task: %v", err)
	}

	got, err := f.registry.Get(ctx, agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if !got.LastHeartbeat.Equal(f.clock.Now()) {
		t.Errorf("last_heartbeat = %v, want %v (poll implies liveness)", got.LastHeartbeat, f.clock.Now())
	}
}
