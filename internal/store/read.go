package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	agentmodels "github.com/coterie-dev/coterie/internal/agent/models"
	logmodels "github.com/coterie-dev/coterie/internal/eventlog/models"
	memorymodels "github.com/coterie-dev/coterie/internal/memory/models"
	taskmodels "github.com/coterie-dev/coterie/internal/task/models"
)

const (
	agentColumns = `id, persona_id, working_directory, process_id, model, worktree_name,
		status, registered_at, started_at, last_heartbeat, stopped_at`
	taskColumns = `id, assigned_agent_id, persona_id, persona_text, description,
		priority, status, result, created_at, started_at, completed_at`
	memoryColumns = `namespace, key, value, type, metadata, is_compressed, size,
		created_at, last_updated_at, accessed_at, access_count`
	eventLogColumns = `id, event_type, timestamp, actor, entity_id, entity_type,
		severity, tags, payload`
)

// ReadScope is a snapshot-consistent view over the reader pool. It holds
// no transaction and never blocks or observes uncommitted writers.
type ReadScope struct {
	db *sqlx.DB
}

// GetAgent returns an agent by ID, or nil when absent.
func (r *ReadScope) GetAgent(ctx context.Context, id string) (*agentmodels.Agent, error) {
	var agent agentmodels.Agent
	err := r.db.GetContext(ctx, &agent,
		r.db.Rebind(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgents returns all agents, optionally filtered to one persona,
// oldest registration first.
func (r *ReadScope) ListAgents(ctx context.Context, personaFilter string) ([]*agentmodels.Agent, error) {
	agents := []*agentmodels.Agent{}
	query := `SELECT ` + agentColumns + ` FROM agents`
	args := []any{}
	if personaFilter != "" {
		query += ` WHERE persona_id = ?`
		args = append(args, personaFilter)
	}
	query += ` ORDER BY registered_at ASC, id ASC`
	if err := r.db.SelectContext(ctx, &agents, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return agents, nil
}

// GetTask returns a work item by ID, or nil when absent.
func (r *ReadScope) GetTask(ctx context.Context, id string) (*taskmodels.Task, error) {
	var task taskmodels.Task
	err := r.db.GetContext(ctx, &task,
		r.db.Rebind(`SELECT `+taskColumns+` FROM work_items WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// TasksByStatus returns all work items in the given status, oldest first.
func (r *ReadScope) TasksByStatus(ctx context.Context, status taskmodels.Status) ([]*taskmodels.Task, error) {
	tasks := []*taskmodels.Task{}
	err := r.db.SelectContext(ctx, &tasks, r.db.Rebind(
		`SELECT `+taskColumns+` FROM work_items WHERE status = ? ORDER BY created_at ASC, id ASC`),
		status)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// TasksByAgent returns all work items assigned to the agent, oldest first.
func (r *ReadScope) TasksByAgent(ctx context.Context, agentID string) ([]*taskmodels.Task, error) {
	tasks := []*taskmodels.Task{}
	err := r.db.SelectContext(ctx, &tasks, r.db.Rebind(
		`SELECT `+taskColumns+` FROM work_items WHERE assigned_agent_id = ? ORDER BY created_at ASC, id ASC`),
		agentID)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// HasClaimable reports whether a Pending work item is eligible for the
// agent: either assigned to it, or unassigned with a matching (or empty)
// persona hint.
func (r *ReadScope) HasClaimable(ctx context.Context, agentID, personaID string) (bool, error) {
	var count int
	err := r.db.GetContext(ctx, &count, r.db.Rebind(`
		SELECT COUNT(*) FROM work_items
		WHERE status = ?
		  AND (assigned_agent_id = ? OR (assigned_agent_id = '' AND (persona_id = '' OR persona_id = ?)))`),
		taskmodels.StatusPending, agentID, personaID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetMemory returns a memory entry by (namespace, key), or nil when absent.
func (r *ReadScope) GetMemory(ctx context.Context, namespace, key string) (*memorymodels.Entry, error) {
	var entry memorymodels.Entry
	err := r.db.GetContext(ctx, &entry, r.db.Rebind(
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

// ListMemory returns all memory entries in the namespace, ordered by key.
func (r *ReadScope) ListMemory(ctx context.Context, namespace string) ([]*memorymodels.Entry, error) {
	entries := []*memorymodels.Entry{}
	err := r.db.SelectContext(ctx, &entries, r.db.Rebind(
		`SELECT `+memoryColumns+` FROM memory_entries WHERE namespace = ? ORDER BY key ASC`),
		namespace)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// EventLogQuery narrows a ListEventLog read.
type EventLogQuery struct {
	EntityType string
	EntityID   string
	Since      *time.Time
	Limit      int
}

// ListEventLog returns audit entries matching the query, newest first.
func (r *ReadScope) ListEventLog(ctx context.Context, q EventLogQuery) ([]*logmodels.Entry, error) {
	entries := []*logmodels.Entry{}
	query := `SELECT ` + eventLogColumns + ` FROM event_log WHERE 1=1`
	args := []any{}
	if q.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, q.EntityType)
	}
	if q.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, q.EntityID)
	}
	if q.Since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, *q.Since)
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	if err := r.db.SelectContext(ctx, &entries, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return entries, nil
}
