package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	agentmodels "github.com/coterie-dev/coterie/internal/agent/models"
	"github.com/coterie-dev/coterie/internal/agent/registry"
	"github.com/coterie-dev/coterie/internal/events"
	"github.com/coterie-dev/coterie/internal/events/bus"
	"github.com/coterie-dev/coterie/internal/task/models"
	"github.com/coterie-dev/coterie/internal/wait"
)

// SyntheticTaskPrefix marks the "nothing now, re-poll" envelope. Clients
// match on this prefix, so its shape is part of the wire contract.
const SyntheticTaskPrefix = "system:"

const (
	// noTaskMessage must contain both "No tasks available" and
	// "call this tool again"; clients match on those substrings.
	noTaskMessage = "No tasks available right now. Wait a moment and call this tool again to check for new work."

	realTaskMessage = "Work on this task, then report completion and call this tool again for your next task."
)

// Envelope is the task-shaped response of a long-poll claim. A real
// claim carries the task; the synthetic variant signals "re-poll" with a
// system: task ID.
type Envelope struct {
	TaskID      string       `json:"task_id"`
	PersonaText string       `json:"persona_text,omitempty"`
	Description string       `json:"description,omitempty"`
	Message     string       `json:"message"`
	Task        *models.Task `json:"task,omitempty"`
}

// Synthetic reports whether the envelope is the re-poll signal rather
// than a claimed task.
func (e *Envelope) Synthetic() bool {
	return len(e.TaskID) >= len(SyntheticTaskPrefix) && e.TaskID[:len(SyntheticTaskPrefix)] == SyntheticTaskPrefix
}

func syntheticEnvelope() *Envelope {
	return &Envelope{
		TaskID:  SyntheticTaskPrefix + uuid.New().String(),
		Message: noTaskMessage,
	}
}

func taskEnvelope(task *models.Task) *Envelope {
	return &Envelope{
		TaskID:      task.ID,
		PersonaText: task.PersonaText,
		Description: task.Description,
		Message:     realTaskMessage,
		Task:        task,
	}
}

// GetNextTask is the long-poll claim. The agent's heartbeat is refreshed
// first (an unknown agent is a validation failure), then the claim is
// attempted; if nothing is eligible the call parks on task.created
// events for the agent and retries per wake. A pre-existing eligible
// task returns immediately. When the deadline fires the synthetic
// envelope comes back instead of an error.
func (c *Coordinator) GetNextTask(ctx context.Context, agentID string, timeout time.Duration) (*Envelope, error) {
	if timeout <= 0 {
		timeout = c.poll.DefaultTimeout
	}
	if timeout > c.poll.MaxTimeout {
		timeout = c.poll.MaxTimeout
	}

	alive, err := c.registry.Heartbeat(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !alive {
		return nil, fmt.Errorf("%w: %s", registry.ErrAgentNotFound, agentID)
	}
	agent, err := c.registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	var claimed *models.Task
	outcome, err := c.waiter.Await(ctx, events.TaskCreated,
		[]bus.SubscribeOption{bus.WithFilter(claimFilter(agent))},
		timeout,
		func(ctx context.Context) (bool, error) {
			// Cheap read-side check first; most wakes on a busy bus find
			// nothing eligible and should not open a write scope.
			eligible, err := c.store.Read().HasClaimable(ctx, agentID, agent.PersonaID)
			if err != nil {
				return false, err
			}
			if !eligible {
				return false, nil
			}
			task, err := c.ClaimNext(ctx, agentID)
			if errors.Is(err, ErrNoTask) {
				// Lost the race to another claimer; park again.
				return false, nil
			}
			if err != nil {
				return false, err
			}
			claimed = task
			return true, nil
		})
	if err != nil {
		return nil, err
	}
	if outcome == wait.OutcomeTimedOut {
		c.logger.Debug("Long-poll expired without a task",
			zap.String("agent_id", agentID),
			zap.Duration("timeout", timeout))
		return syntheticEnvelope(), nil
	}
	return taskEnvelope(claimed), nil
}

// claimFilter wakes the long-poll only for creations the agent could
// claim: pinned to it, or unassigned with an empty or matching persona.
func claimFilter(agent *agentmodels.Agent) func(*bus.Event) bool {
	return func(e *bus.Event) bool {
		assignee := e.String(events.KeyAgentID)
		if assignee != "" {
			return assignee == agent.ID
		}
		persona := e.String(events.KeyPersonaID)
		return persona == "" || persona == agent.PersonaID
	}
}
