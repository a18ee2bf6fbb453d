// Package coordinator owns the work item lifecycle: creation, the
// atomic fetch-next-and-claim, completion, and the long-poll claim that
// agents drive.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	agentmodels "github.com/coterie-dev/coterie/internal/agent/models"
	"github.com/coterie-dev/coterie/internal/agent/registry"
	"github.com/coterie-dev/coterie/internal/clock"
	"github.com/coterie-dev/coterie/internal/common/logger"
	"github.com/coterie-dev/coterie/internal/events"
	"github.com/coterie-dev/coterie/internal/events/bus"
	"github.com/coterie-dev/coterie/internal/store"
	"github.com/coterie-dev/coterie/internal/task/models"
	"github.com/coterie-dev/coterie/internal/wait"
)

var (
	// ErrTaskNotFound is returned when the referenced task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskTerminal is returned when the task is already Completed or
	// Failed.
	ErrTaskTerminal = errors.New("task already completed")

	// ErrNoTask is returned by ClaimNext when nothing is claimable.
	ErrNoTask = errors.New("no claimable task")
)

// PollConfig bounds long-poll timeouts.
type PollConfig struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// Coordinator is the work item service.
type Coordinator struct {
	store    *store.Store
	registry *registry.Registry
	waiter   *wait.Waiter
	clock    clock.Clock
	poll     PollConfig
	logger   *logger.Logger
}

// New creates a Coordinator.
func New(st *store.Store, reg *registry.Registry, waiter *wait.Waiter, clk clock.Clock, poll PollConfig, log *logger.Logger) *Coordinator {
	if clk == nil {
		clk = clock.System()
	}
	if poll.DefaultTimeout <= 0 {
		poll.DefaultTimeout = 30 * time.Second
	}
	if poll.MaxTimeout <= 0 {
		poll.MaxTimeout = 5 * time.Minute
	}
	return &Coordinator{
		store:    st,
		registry: reg,
		waiter:   waiter,
		clock:    clk,
		poll:     poll,
		logger:   log.WithComponent("task-coordinator"),
	}
}

// CreateRequest carries the attributes of a new work item.
type CreateRequest struct {
	AgentID     string
	PersonaID   string
	PersonaText string
	Description string
	Priority    models.Priority
}

// Create inserts a Pending work item and publishes task.created. When
// AgentID is set the agent must exist and be alive; the task is then
// pinned to it and beats any unassigned work in that agent's queue.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*models.Task, error) {
	if strings.TrimSpace(req.PersonaText) == "" {
		return nil, fmt.Errorf("persona text is required")
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("description is required")
	}
	if req.AgentID != "" {
		agent, err := c.registry.Get(ctx, req.AgentID)
		if err != nil {
			return nil, err
		}
		if !agent.Status.Alive() {
			return nil, fmt.Errorf("%w: agent %s is %s", registry.ErrAgentNotActive, agent.ID, agent.Status)
		}
	}

	task := &models.Task{
		ID:              uuid.New().String(),
		AssignedAgentID: req.AgentID,
		PersonaID:       req.PersonaID,
		PersonaText:     req.PersonaText,
		Description:     req.Description,
		Priority:        req.Priority,
		Status:          models.StatusPending,
		CreatedAt:       c.clock.Now(),
	}

	scope, err := c.store.Write(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.Discard()

	if err := scope.InsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}
	scope.QueueEvent(bus.NewEvent(events.TaskCreated, events.SourceCoordinator, map[string]interface{}{
		events.KeyTaskID:    task.ID,
		events.KeyAgentID:   task.AssignedAgentID,
		events.KeyPersonaID: task.PersonaID,
		events.KeyPriority:  task.Priority.String(),
	}))
	if err := scope.Commit(ctx); err != nil {
		return nil, err
	}

	c.logger.Info("Task created",
		zap.String("task_id", task.ID),
		zap.String("agent_id", task.AssignedAgentID),
		zap.String("priority", task.Priority.String()))
	return task, nil
}

// ClaimNext atomically claims the best eligible Pending task for the
// agent: assigned-to-me work first, then unassigned persona-eligible
// work, priority then FIFO within each set. Returns ErrNoTask when the
// eligible set is empty. A claim race is retried with a fresh selection,
// so two concurrent callers never both win the same task.
func (c *Coordinator) ClaimNext(ctx context.Context, agentID string) (*models.Task, error) {
	agent, err := c.registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	for {
		task, err := c.claimOnce(ctx, agent)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		// Selection was non-empty but another claimer won the row.
		// Re-select; eventually the eligible set empties or we win.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

// claimOnce runs one select-and-claim attempt. A nil task with nil error
// means the guarded update lost a race and the caller should retry.
func (c *Coordinator) claimOnce(ctx context.Context, agent *agentmodels.Agent) (*models.Task, error) {
	scope, err := c.store.Write(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.Discard()

	task, err := scope.NextClaimableForAgent(ctx, agent.ID, agent.PersonaID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrNoTask
	}

	now := c.clock.Now()
	claimed, err := scope.ClaimTask(ctx, task.ID, agent.ID, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, nil
	}

	task.AssignedAgentID = agent.ID
	task.Status = models.StatusInProgress
	task.StartedAt = &now

	scope.QueueEvent(bus.NewEvent(events.TaskClaimed, events.SourceCoordinator, map[string]interface{}{
		events.KeyTaskID:  task.ID,
		events.KeyAgentID: agent.ID,
	}))
	if err := scope.Commit(ctx); err != nil {
		return nil, err
	}

	c.logger.Info("Task claimed",
		zap.String("task_id", task.ID),
		zap.String("agent_id", agent.ID))
	return task, nil
}

// Complete records the author-supplied result and moves the task to
// Completed. Terminal tasks are never re-opened: the second completion
// returns ErrTaskTerminal and the first result stands.
func (c *Coordinator) Complete(ctx context.Context, taskID, result string) (*models.Task, error) {
	scope, err := c.store.Write(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.Discard()

	task, err := scope.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return nil, ErrTaskTerminal
	}

	now := c.clock.Now()
	done, err := scope.FinishTask(ctx, taskID, models.StatusCompleted, result, now)
	if err != nil {
		return nil, err
	}
	if !done {
		return nil, ErrTaskTerminal
	}

	task.Status = models.StatusCompleted
	task.Result = result
	task.CompletedAt = &now

	scope.QueueEvent(bus.NewEvent(events.TaskCompleted, events.SourceCoordinator, map[string]interface{}{
		events.KeyTaskID:  task.ID,
		events.KeyAgentID: task.AssignedAgentID,
		events.KeyResult:  result,
	}))
	if err := scope.Commit(ctx); err != nil {
		return nil, err
	}

	c.logger.Info("Task completed", zap.String("task_id", task.ID))
	return task, nil
}

// Get returns a task snapshot, or ErrTaskNotFound.
func (c *Coordinator) Get(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := c.store.Read().GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// ByStatus returns all tasks in the given status.
func (c *Coordinator) ByStatus(ctx context.Context, status models.Status) ([]*models.Task, error) {
	return c.store.Read().TasksByStatus(ctx, status)
}

// ByAgent returns all tasks assigned to the agent. An unknown agent
// yields an empty list; this is a query, not a validation.
func (c *Coordinator) ByAgent(ctx context.Context, agentID string) ([]*models.Task, error) {
	return c.store.Read().TasksByAgent(ctx, agentID)
}
