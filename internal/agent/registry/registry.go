// Package registry owns the agent lifecycle state machine. It is the
// only mutator of agent rows; the kill cascade over in-progress tasks is
// its single excursion into the work item table, kept inside one write
// scope so agent death and task failure commit atomically.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coterie-dev/coterie/internal/agent/models"
	"github.com/coterie-dev/coterie/internal/clock"
	"github.com/coterie-dev/coterie/internal/common/logger"
	"github.com/coterie-dev/coterie/internal/events"
	"github.com/coterie-dev/coterie/internal/events/bus"
	"github.com/coterie-dev/coterie/internal/store"
	taskmodels "github.com/coterie-dev/coterie/internal/task/models"
)

var (
	// ErrAgentNotFound is returned when the referenced agent does not exist.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentNotActive is returned when an operation requires a
	// Starting or Running agent.
	ErrAgentNotActive = errors.New("agent is not active")
)

// Terminator kills an external process by its opaque process ID.
// Implementations must be idempotent; callers log failures and move on.
type Terminator interface {
	Terminate(pid int) error
}

// Registry is the agent lifecycle service.
type Registry struct {
	store  *store.Store
	clock  clock.Clock
	term   Terminator
	logger *logger.Logger
}

// New creates a Registry. term may be nil when no process management is
// wired (tests, embedded use).
func New(st *store.Store, clk clock.Clock, term Terminator, log *logger.Logger) *Registry {
	if clk == nil {
		clk = clock.System()
	}
	return &Registry{
		store:  st,
		clock:  clk,
		term:   term,
		logger: log.WithComponent("agent-registry"),
	}
}

// RegisterRequest carries the attributes of a new agent.
type RegisterRequest struct {
	PersonaID        string
	WorkingDirectory string
	Model            string
	WorktreeName     string
	ProcessID        *int
}

// Register creates an agent at status Starting and publishes
// agent.registered. The returned agent carries its fresh opaque ID.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*models.Agent, error) {
	if strings.TrimSpace(req.PersonaID) == "" {
		return nil, fmt.Errorf("persona id is required")
	}

	now := r.clock.Now()
	agent := &models.Agent{
		ID:               uuid.New().String(),
		PersonaID:        req.PersonaID,
		WorkingDirectory: req.WorkingDirectory,
		ProcessID:        req.ProcessID,
		Model:            req.Model,
		WorktreeName:     req.WorktreeName,
		Status:           models.StatusStarting,
		RegisteredAt:     now,
		LastHeartbeat:    now,
	}

	scope, err := r.store.Write(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.Discard()

	if err := scope.InsertAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to insert agent: %w", err)
	}
	scope.QueueEvent(bus.NewEvent(events.AgentRegistered, events.SourceRegistry, map[string]interface{}{
		events.KeyAgentID:   agent.ID,
		events.KeyPersonaID: agent.PersonaID,
		events.KeyStatus:    string(agent.Status),
	}))
	if err := scope.Commit(ctx); err != nil {
		return nil, err
	}

	r.logger.Info("Agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("persona_id", agent.PersonaID))
	return agent, nil
}

// Heartbeat refreshes the agent's liveness. The first heartbeat of a
// Starting agent activates it to Running. Returns false without error
// when the agent does not exist; a heartbeat racing a kill still lands
// on last_heartbeat but never resurrects the status.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) (bool, error) {
	scope, err := r.store.Write(ctx)
	if err != nil {
		return false, err
	}
	defer scope.Discard()

	now := r.clock.Now()
	found, err := scope.TouchHeartbeat(ctx, agentID, now)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	activated, err := scope.ActivateAgent(ctx, agentID, now)
	if err != nil {
		return false, err
	}
	if activated {
		scope.QueueEvent(bus.NewEvent(events.AgentStatusChanged, events.SourceRegistry, map[string]interface{}{
			events.KeyAgentID:   agentID,
			events.KeyOldStatus: string(models.StatusStarting),
			events.KeyNewStatus: string(models.StatusRunning),
		}))
	}
	if err := scope.Commit(ctx); err != nil {
		return false, err
	}
	if activated {
		r.logger.Info("Agent activated", zap.String("agent_id", agentID))
	}
	return true, nil
}

// Kill terminates an agent: the process is signalled, the row becomes
// Killed, and every InProgress task assigned to the agent fails with
// result "Agent terminated". Pending tasks stay Pending so another agent
// can still claim them. Returns false when the agent is absent or
// already terminal; the second kill of an agent publishes nothing.
func (r *Registry) Kill(ctx context.Context, agentID string) (bool, error) {
	scope, err := r.store.Write(ctx)
	if err != nil {
		return false, err
	}
	defer scope.Discard()

	agent, err := scope.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	if agent == nil || !agent.Status.Alive() {
		return false, nil
	}

	// Termination failures are non-fatal: the row still moves to Killed
	// so the coordinator stops routing work to a wedged process.
	if agent.ProcessID != nil && r.term != nil {
		if err := r.term.Terminate(*agent.ProcessID); err != nil {
			r.logger.Warn("Failed to terminate agent process",
				zap.String("agent_id", agentID),
				zap.Int("pid", *agent.ProcessID),
				zap.Error(err))
		}
	}

	now := r.clock.Now()
	killed, err := scope.KillAgent(ctx, agentID, now)
	if err != nil {
		return false, err
	}
	if !killed {
		return false, nil
	}

	failedIDs, err := scope.FailInProgressTasks(ctx, agentID, taskmodels.ResultAgentTerminated, now)
	if err != nil {
		return false, err
	}

	scope.QueueEvent(bus.NewEvent(events.AgentKilled, events.SourceRegistry, map[string]interface{}{
		events.KeyAgentID: agentID,
		events.KeyReason:  taskmodels.ResultAgentTerminated,
	}))
	scope.QueueEvent(bus.NewEvent(events.AgentStatusChanged, events.SourceRegistry, map[string]interface{}{
		events.KeyAgentID:   agentID,
		events.KeyOldStatus: string(agent.Status),
		events.KeyNewStatus: string(models.StatusKilled),
	}))
	for _, taskID := range failedIDs {
		scope.QueueEvent(bus.NewEvent(events.TaskFailed, events.SourceRegistry, map[string]interface{}{
			events.KeyTaskID:  taskID,
			events.KeyAgentID: agentID,
			events.KeyResult:  taskmodels.ResultAgentTerminated,
		}))
	}

	if err := scope.Commit(ctx); err != nil {
		return false, err
	}

	r.logger.Info("Agent killed",
		zap.String("agent_id", agentID),
		zap.Int("failed_tasks", len(failedIDs)))
	return true, nil
}

// RecordProcess attaches the spawned child's process ID to the agent row.
func (r *Registry) RecordProcess(ctx context.Context, agentID string, pid int) error {
	scope, err := r.store.Write(ctx)
	if err != nil {
		return err
	}
	defer scope.Discard()

	found, err := scope.SetAgentProcess(ctx, agentID, pid)
	if err != nil {
		return err
	}
	if !found {
		return ErrAgentNotFound
	}
	return scope.Commit(ctx)
}

// Get returns an agent snapshot, or ErrAgentNotFound.
func (r *Registry) Get(ctx context.Context, agentID string) (*models.Agent, error) {
	agent, err := r.store.Read().GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}
	return agent, nil
}

// List returns agent snapshots, optionally filtered by persona.
func (r *Registry) List(ctx context.Context, personaFilter string) ([]*models.Agent, error) {
	return r.store.Read().ListAgents(ctx, personaFilter)
}
