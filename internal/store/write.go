package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	agentmodels "github.com/coterie-dev/coterie/internal/agent/models"
	"github.com/coterie-dev/coterie/internal/common/logger"
	logmodels "github.com/coterie-dev/coterie/internal/eventlog/models"
	"github.com/coterie-dev/coterie/internal/events/bus"
	memorymodels "github.com/coterie-dev/coterie/internal/memory/models"
	taskmodels "github.com/coterie-dev/coterie/internal/task/models"
)

// ErrScopeFinished is returned by mutations on a committed or discarded
// write scope.
var ErrScopeFinished = errors.New("write scope already finished")

// WriteScope is a transaction on the writer pool plus a queue of events
// to publish after the transaction commits.
//
// The publish-after-commit ordering is load-bearing: a subscriber woken
// by an event must see the committed row on its next store read, and no
// event may ever escape a discarded scope.
type WriteScope struct {
	tx       *sqlx.Tx
	bus      bus.Bus
	logger   *logger.Logger
	queued   []*bus.Event
	finished bool
}

// QueueEvent records an event for publication after Commit. Queued
// events are dropped if the scope is discarded.
func (w *WriteScope) QueueEvent(event *bus.Event) {
	w.queued = append(w.queued, event)
}

// Commit commits the transaction and then publishes the queued events in
// queue order. Publish failures are logged and never returned: the
// mutation is durable at that point and the caller must not observe it
// as failed.
func (w *WriteScope) Commit(ctx context.Context) error {
	if w.finished {
		return ErrScopeFinished
	}
	if err := w.tx.Commit(); err != nil {
		w.finished = true
		w.queued = nil
		return err
	}
	w.finished = true

	for _, event := range w.queued {
		if err := w.bus.Publish(ctx, event); err != nil {
			w.logger.Error("Failed to publish event after commit",
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
	w.queued = nil
	return nil
}

// Discard rolls the transaction back and drops any queued events. It is
// a no-op after Commit, so "defer scope.Discard()" is always safe.
func (w *WriteScope) Discard() {
	if w.finished {
		return
	}
	w.finished = true
	w.queued = nil
	if err := w.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		w.logger.Error("Failed to roll back write scope", zap.Error(err))
	}
}

// --- agents ---

// GetAgent reads an agent inside the transaction, or nil when absent.
func (w *WriteScope) GetAgent(ctx context.Context, id string) (*agentmodels.Agent, error) {
	if w.finished {
		return nil, ErrScopeFinished
	}
	var agent agentmodels.Agent
	err := w.tx.GetContext(ctx, &agent,
		w.tx.Rebind(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// InsertAgent persists a freshly registered agent.
func (w *WriteScope) InsertAgent(ctx context.Context, agent *agentmodels.Agent) error {
	if w.finished {
		return ErrScopeFinished
	}
	_, err := w.tx.ExecContext(ctx, w.tx.Rebind(`
		INSERT INTO agents (id, persona_id, working_directory, process_id, model, worktree_name,
			status, registered_at, started_at, last_heartbeat, stopped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		agent.ID, agent.PersonaID, agent.WorkingDirectory, agent.ProcessID, agent.Model,
		agent.WorktreeName, agent.Status, agent.RegisteredAt, agent.StartedAt,
		agent.LastHeartbeat, agent.StoppedAt)
	return err
}

// TouchHeartbeat updates last_heartbeat unconditionally on status: a
// heartbeat that races a kill still lands (last writer wins) without
// resurrecting the agent. Returns false when the agent does not exist.
func (w *WriteScope) TouchHeartbeat(ctx context.Context, id string, at time.Time) (bool, error) {
	if w.finished {
		return false, ErrScopeFinished
	}
	res, err := w.tx.ExecContext(ctx,
		w.tx.Rebind(`UPDATE agents SET last_heartbeat = ? WHERE id = ?`), at, id)
	if err != nil {
		return false, err
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// ActivateAgent transitions Starting to Running. The guard on status
// makes activation a no-op for agents already Running or Killed.
func (w *WriteScope) ActivateAgent(ctx context.Context, id string, at time.Time) (bool, error) {
	if w.finished {
		return false, ErrScopeFinished
	}
	res, err := w.tx.ExecContext(ctx, w.tx.Rebind(`
		UPDATE agents SET status = ?, started_at = ? WHERE id = ? AND status = ?`),
		agentmodels.StatusRunning, at, id, agentmodels.StatusStarting)
	if err != nil {
		return false, err
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// KillAgent marks an alive agent Killed. Returns false when the agent is
// absent or already terminal.
func (w *WriteScope) KillAgent(ctx context.Context, id string, at time.Time) (bool, error) {
	if w.finished {
		return false, ErrScopeFinished
	}
	res, err := w.tx.ExecContext(ctx, w.tx.Rebind(`
		UPDATE agents SET status = ?, stopped_at = ? WHERE id = ? AND status IN (?, ?)`),
		agentmodels.StatusKilled, at, id, agentmodels.StatusStarting, agentmodels.StatusRunning)
	if err != nil {
		return false, err
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// SetAgentProcess records the child process ID once the launcher has
// spawned it.
func (w *WriteScope) SetAgentProcess(ctx context.Context, id string, pid int) (bool, error) {
	if w.finished {
		return false, ErrScopeFinished
	}
	res, err := w.tx.ExecContext(ctx,
		w.tx.Rebind(`UPDATE agents SET process_id = ? WHERE id = ?`), pid, id)
	if err != nil {
		return false, err
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// --- work items ---

// GetTask reads a work item inside the transaction, or nil when absent.
func (w *WriteScope) GetTask(ctx context.Context, id string) (*taskmodels.Task, error) {
	if w.finished {
		return nil, ErrScopeFinished
	}
	var task taskmodels.Task
	err := w.tx.GetContext(ctx, &task,
		w.tx.Rebind(`SELECT `+taskColumns+` FROM work_items WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// InsertTask persists a new Pending work item.
func (w *WriteScope) InsertTask(ctx context.Context, task *taskmodels.Task) error {
	if w.finished {
		return ErrScopeFinished
	}
	_, err := w.tx.ExecContext(ctx, w.tx.Rebind(`
		INSERT INTO work_items (id, assigned_agent_id, persona_id, persona_text, description,
			priority, status, result, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		task.ID, task.AssignedAgentID, task.PersonaID, task.PersonaText, task.Description,
		task.Priority, task.Status, task.Result, task.CreatedAt, task.StartedAt, task.CompletedAt)
	return err
}

// NextClaimableForAgent selects the work item the agent should claim,
// or nil when none is eligible. Tasks already assigned to the agent win
// over unassigned persona-eligible ones regardless of priority; within
// each set the order is priority descending, then FIFO on created_at.
func (w *WriteScope) NextClaimableForAgent(ctx context.Context, agentID, personaID string) (*taskmodels.Task, error) {
	if w.finished {
		return nil, ErrScopeFinished
	}
	var task taskmodels.Task
	err := w.tx.GetContext(ctx, &task, w.tx.Rebind(`
		SELECT `+taskColumns+` FROM work_items
		WHERE status = ? AND assigned_agent_id = ?
		ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1`),
		taskmodels.StatusPending, agentID)
	if err == nil {
		return &task, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	err = w.tx.GetContext(ctx, &task, w.tx.Rebind(`
		SELECT `+taskColumns+` FROM work_items
		WHERE status = ? AND assigned_agent_id = '' AND (persona_id = '' OR persona_id = ?)
		ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1`),
		taskmodels.StatusPending, personaID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ClaimTask performs the guarded Pending -> InProgress transition. The
// status guard makes concurrent claims race-safe: exactly one writer
// sees rows affected, the loser reselects.
func (w *WriteScope) ClaimTask(ctx context.Context, taskID, agentID string, at time.Time) (bool, error) {
	if w.finished {
		return false, ErrScopeFinished
	}
	res, err := w.tx.ExecContext(ctx, w.tx.Rebind(`
		UPDATE work_items SET assigned_agent_id = ?, status = ?, started_at = ?
		WHERE id = ? AND status = ?`),
		agentID, taskmodels.StatusInProgress, at, taskID, taskmodels.StatusPending)
	if err != nil {
		return false, err
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// FinishTask moves a non-terminal work item to Completed or Failed.
// Returns false when the task is absent or already terminal.
func (w *WriteScope) FinishTask(ctx context.Context, taskID string, status taskmodels.Status, result string, at time.Time) (bool, error) {
	if w.finished {
		return false, ErrScopeFinished
	}
	res, err := w.tx.ExecContext(ctx, w.tx.Rebind(`
		UPDATE work_items SET status = ?, result = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`),
		status, result, at, taskID, taskmodels.StatusCompleted, taskmodels.StatusFailed)
	if err != nil {
		return false, err
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// FailInProgressTasks fails every InProgress work item assigned to the
// agent and returns the affected task IDs. Pending tasks assigned to the
// agent are left untouched so another agent can still claim them.
func (w *WriteScope) FailInProgressTasks(ctx context.Context, agentID, result string, at time.Time) ([]string, error) {
	if w.finished {
		return nil, ErrScopeFinished
	}
	ids := []string{}
	err := w.tx.SelectContext(ctx, &ids, w.tx.Rebind(`
		SELECT id FROM work_items WHERE assigned_agent_id = ? AND status = ?
		ORDER BY created_at ASC, id ASC`),
		agentID, taskmodels.StatusInProgress)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := w.tx.ExecContext(ctx, w.tx.Rebind(`
			UPDATE work_items SET status = ?, result = ?, completed_at = ?
			WHERE id = ?`),
			taskmodels.StatusFailed, result, at, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// --- memory entries ---

// GetMemory reads a memory entry inside the transaction, or nil when
// absent.
func (w *WriteScope) GetMemory(ctx context.Context, namespace, key string) (*memorymodels.Entry, error) {
	if w.finished {
		return nil, ErrScopeFinished
	}
	var entry memorymodels.Entry
	err := w.tx.GetContext(ctx, &entry, w.tx.Rebind(
		`SELECT `+memoryColumns+` FROM memory_entries WHERE namespace = ? AND key = ?`),
		namespace, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// UpsertMemory inserts or replaces a memory entry. On conflict the value,
// type, metadata, size, and last_updated_at are replaced while created_at
// and the access statistics are preserved.
func (w *WriteScope) UpsertMemory(ctx context.Context, entry *memorymodels.Entry) error {
	if w.finished {
		return ErrScopeFinished
	}
	_, err := w.tx.ExecContext(ctx, w.tx.Rebind(`
		INSERT INTO memory_entries (namespace, key, value, type, metadata, is_compressed,
			size, created_at, last_updated_at, accessed_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = excluded.value,
			type = excluded.type,
			metadata = excluded.metadata,
			size = excluded.size,
			last_updated_at = excluded.last_updated_at`),
		entry.Namespace, entry.Key, entry.Value, entry.Type, entry.Metadata, entry.IsCompressed,
		entry.Size, entry.CreatedAt, entry.LastUpdated, entry.AccessedAt, entry.AccessCount)
	return err
}

// TouchMemoryAccess bumps the access statistics for an entry. Returns
// false when the entry does not exist.
func (w *WriteScope) TouchMemoryAccess(ctx context.Context, namespace, key string, at time.Time) (bool, error) {
	if w.finished {
		return false, ErrScopeFinished
	}
	res, err := w.tx.ExecContext(ctx, w.tx.Rebind(`
		UPDATE memory_entries SET access_count = access_count + 1, accessed_at = ?
		WHERE namespace = ? AND key = ?`),
		at, namespace, key)
	if err != nil {
		return false, err
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// --- event log ---

// InsertEventLog appends an audit entry.
func (w *WriteScope) InsertEventLog(ctx context.Context, entry *logmodels.Entry) error {
	if w.finished {
		return ErrScopeFinished
	}
	_, err := w.tx.ExecContext(ctx, w.tx.Rebind(`
		INSERT INTO event_log (id, event_type, timestamp, actor, entity_id, entity_type,
			severity, tags, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.EventType, entry.Timestamp, entry.Actor, entry.EntityID,
		entry.EntityType, entry.Severity, entry.Tags, entry.Payload)
	return err
}
