// Package integration exercises the full coordination stack: registry,
// coordinator, memory, and recorder wired to one store and one bus, the
// way cmd/coterie assembles them.
package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coterie-dev/coterie/internal/agent/models"
	"github.com/coterie-dev/coterie/internal/agent/registry"
	"github.com/coterie-dev/coterie/internal/clock"
	"github.com/coterie-dev/coterie/internal/eventlog"
	"github.com/coterie-dev/coterie/internal/events/bus"
	memoryservice "github.com/coterie-dev/coterie/internal/memory/service"
	"github.com/coterie-dev/coterie/internal/store"
	"github.com/coterie-dev/coterie/internal/store/storetest"
	"github.com/coterie-dev/coterie/internal/task/coordinator"
	taskmodels "github.com/coterie-dev/coterie/internal/task/models"
	"github.com/coterie-dev/coterie/internal/wait"
)

type stack struct {
	store       *store.Store
	bus         *bus.MemoryBus
	registry    *registry.Registry
	coordinator *coordinator.Coordinator
	memory      *memoryservice.Service
	recorder    *eventlog.Recorder
}

func newStack(t *testing.T) *stack {
	t.Helper()
	st, b := storetest.NewWithBus(t)
	log := storetest.Logger(t)
	clk := clock.System()
	waiter := wait.New(b, log)

	reg := registry.New(st, clk, nil, log)
	coord := coordinator.New(st, reg, waiter, clk, coordinator.PollConfig{
		DefaultTimeout: 2 * time.Second,
		MaxTimeout:     10 * time.Second,
	}, log)
	mem := memoryservice.New(st, waiter, clk, log)

	rec := eventlog.NewRecorder(st, b, clk, log)
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("start recorder: %v", err)
	}
	t.Cleanup(rec.Stop)

	return &stack{store: st, bus: b, registry: reg, coordinator: coord, memory: mem, recorder: rec}
}

func (s *stack) runningAgent(t *testing.T, personaID string) *models.Agent {
	t.Helper()
	ctx := context.Background()
	agent, err := s.registry.Register(ctx, registry.RegisterRequest{PersonaID: personaID})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := s.registry.Heartbeat(ctx, agent.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	return agent
}

func TestTaskLifecycleEndToEnd(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	agent := s.runningAgent(t, "builder")

	task, err := s.coordinator.Create(ctx, coordinator.CreateRequest{
		PersonaText: "You are a builder.",
		Description: "Wire the dashboard",
		Priority:    taskmodels.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	envelope, err := s.coordinator.GetNextTask(ctx, agent.ID, time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if envelope.TaskID != task.ID {
		t.Fatalf("claimed %s, want %s", envelope.TaskID, task.ID)
	}

	if _, err := s.coordinator.Complete(ctx, task.ID, "Dashboard wired and verified."); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := s.coordinator.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != taskmodels.StatusCompleted {
		t.Errorf("status = %v, want completed", got.Status)
	}
	if got.AssignedAgentID != agent.ID {
		t.Errorf("assigned to %s, want %s", got.AssignedAgentID, agent.ID)
	}

	// The recorder saw the whole lifecycle.
	deadline := time.Now().Add(3 * time.Second)
	for {
		entries, err := s.recorder.Query(ctx, store.EventLogQuery{EntityID: task.ID})
		if err != nil {
			t.Fatalf("query audit: %v", err)
		}
		if len(entries) >= 3 {
			types := map[string]bool{}
			for _, e := range entries {
				types[e.EventType] = true
			}
			for _, want := range []string{"TaskCreated", "TaskClaimed", "TaskCompleted"} {
				if !types[want] {
					t.Errorf("audit missing %s", want)
				}
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit has %d entries for the task, want 3", len(entries))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	const tasks = 8
	const agents = 4

	for i := 0; i < tasks; i++ {
		if _, err := s.coordinator.Create(ctx, coordinator.CreateRequest{
			PersonaText: "p",
			Description: fmt.Sprintf("task %d", i),
		}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	var mu sync.Mutex
	claimedBy := map[string]string{}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < agents; i++ {
		agent := s.runningAgent(t, "builder")
		g.Go(func() error {
			for {
				task, err := s.coordinator.ClaimNext(gctx, agent.ID)
				if errors.Is(err, coordinator.ErrNoTask) {
					return nil
				}
				if err != nil {
					return err
				}
				mu.Lock()
				if prev, dup := claimedBy[task.ID]; dup {
					mu.Unlock()
					return fmt.Errorf("task %s claimed by both %s and %s", task.ID, prev, agent.ID)
				}
				claimedBy[task.ID] = agent.ID
				mu.Unlock()
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if len(claimedBy) != tasks {
		t.Errorf("claimed %d tasks, want %d", len(claimedBy), tasks)
	}
	inProgress, err := s.coordinator.ByStatus(ctx, taskmodels.StatusInProgress)
	if err != nil {
		t.Fatalf("by status: %v", err)
	}
	if len(inProgress) != tasks {
		t.Errorf("in_progress = %d, want %d", len(inProgress), tasks)
	}
}

func TestKillCascadeFreesPendingWorkForOthers(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	victim := s.runningAgent(t, "builder")
	survivor := s.runningAgent(t, "builder")

	active, err := s.coordinator.Create(ctx, coordinator.CreateRequest{
		PersonaText: "p", Description: "doomed", AgentID: victim.ID,
	})
	if err != nil {
		t.Fatalf("create active: %v", err)
	}
	if _, err := s.coordinator.ClaimNext(ctx, victim.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	queued, err := s.coordinator.Create(ctx, coordinator.CreateRequest{
		PersonaText: "p", Description: "still wanted",
	})
	if err != nil {
		t.Fatalf("create queued: %v", err)
	}

	killed, err := s.registry.Kill(ctx, victim.ID)
	if err != nil || !killed {
		t.Fatalf("kill = (%v, %v), want (true, nil)", killed, err)
	}

	failed, err := s.coordinator.Get(ctx, active.ID)
	if err != nil {
		t.Fatalf("get failed task: %v", err)
	}
	if failed.Status != taskmodels.StatusFailed || failed.Result != taskmodels.ResultAgentTerminated {
		t.Errorf("doomed task = %s/%q, want failed/%q",
			failed.Status, failed.Result, taskmodels.ResultAgentTerminated)
	}

	// The unclaimed task is still there for the survivor.
	got, err := s.coordinator.ClaimNext(ctx, survivor.ID)
	if err != nil {
		t.Fatalf("survivor claim: %v", err)
	}
	if got.ID != queued.ID {
		t.Errorf("survivor claimed %s, want %s", got.ID, queued.ID)
	}

	// The dead agent can no longer be assigned new work.
	_, err = s.coordinator.Create(ctx, coordinator.CreateRequest{
		PersonaText: "p", Description: "too late", AgentID: victim.ID,
	})
	if !errors.Is(err, registry.ErrAgentNotActive) {
		t.Errorf("create for killed agent: err = %v, want ErrAgentNotActive", err)
	}
}

func TestMemoryHandoffBetweenAgents(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		entry, found, err := s.memory.WaitForKey(gctx, "api-design", "plan", 5*time.Second)
		if err != nil {
			return err
		}
		if !found {
			return errors.New("consumer timed out waiting for the producer")
		}
		if entry.Value != `{"endpoints": 3}` {
			return fmt.Errorf("consumer read %q", entry.Value)
		}
		return nil
	})
	g.Go(func() error {
		time.Sleep(100 * time.Millisecond)
		_, err := s.memory.Save(gctx, memoryservice.SaveRequest{
			Key: "api-design", Value: `{"endpoints": 3}`, Namespace: "plan",
		})
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestLongPollersCompeteForOneTask(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	const pollers = 3
	winners := make(chan string, pollers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < pollers; i++ {
		agent := s.runningAgent(t, "builder")
		g.Go(func() error {
			envelope, err := s.coordinator.GetNextTask(gctx, agent.ID, 2*time.Second)
			if err != nil {
				return err
			}
			if !envelope.Synthetic() {
				winners <- agent.ID
			}
			return nil
		})
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := s.coordinator.Create(ctx, coordinator.CreateRequest{
		PersonaText: "p", Description: "one for all",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	close(winners)
	var won []string
	for id := range winners {
		won = append(won, id)
	}
	if len(won) != 1 {
		t.Errorf("%d pollers claimed the single task: %v", len(won), won)
	}
}
