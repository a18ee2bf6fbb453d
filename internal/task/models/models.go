// Package models defines the work item entity and its lifecycle types.
package models

import "time"

// Status represents the lifecycle state of a work item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus maps a status name to a Status. The second return is false
// for unknown names.
func ParseStatus(name string) (Status, bool) {
	switch Status(name) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return Status(name), true
	}
	return "", false
}

// Priority orders claimable tasks. Higher values win; ties break on
// CreatedAt. Persisted as an integer so the claim query can ORDER BY it.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParsePriority maps a priority name to a Priority. The second return is
// false for unknown names; the empty name parses as PriorityNormal.
func ParsePriority(name string) (Priority, bool) {
	switch name {
	case "low":
		return PriorityLow, true
	case "", "normal":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	case "critical":
		return PriorityCritical, true
	}
	return PriorityNormal, false
}

// ResultAgentTerminated is the system-supplied result for tasks failed by
// the agent kill cascade.
const ResultAgentTerminated = "Agent terminated"

// Task is a unit of work handed to an agent.
//
// AssignedAgentID is empty while the task is unassigned; PersonaID is an
// optional matching hint for unassigned tasks. PersonaText is the prompt
// delivered to the claiming agent.
type Task struct {
	ID              string     `json:"id" db:"id"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty" db:"assigned_agent_id"`
	PersonaID       string     `json:"persona_id,omitempty" db:"persona_id"`
	PersonaText     string     `json:"persona_text" db:"persona_text"`
	Description     string     `json:"description" db:"description"`
	Priority        Priority   `json:"priority" db:"priority"`
	Status          Status     `json:"status" db:"status"`
	Result          string     `json:"result,omitempty" db:"result"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Assigned reports whether the task is pinned to a specific agent.
func (t *Task) Assigned() bool {
	return t.AssignedAgentID != ""
}
