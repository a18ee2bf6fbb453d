// Package v1 defines the external response shapes of the coordination
// API. The same structs back the MCP tool results and the REST surface,
// so both speak an identical contract.
package v1

import "time"

// Task is the external view of a work item.
type Task struct {
	ID              string     `json:"id"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`
	PersonaID       string     `json:"persona_id,omitempty"`
	PersonaText     string     `json:"persona_text,omitempty"`
	Description     string     `json:"description"`
	Priority        string     `json:"priority"`
	Status          string     `json:"status"`
	Result          string     `json:"result,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// CreateTaskRequest creates a new work item.
type CreateTaskRequest struct {
	AgentID     string `json:"agent_id,omitempty"`
	PersonaID   string `json:"persona_id,omitempty"`
	PersonaText string `json:"persona_text" binding:"required"`
	Description string `json:"description" binding:"required"`
	Priority    string `json:"priority,omitempty"`
}

// CreateTaskResponse reports the created task ID.
type CreateTaskResponse struct {
	Success      bool   `json:"success"`
	TaskID       string `json:"task_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// NextTaskRequest is the long-poll claim request.
type NextTaskRequest struct {
	AgentID        string `json:"agent_id" binding:"required"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// NextTaskResponse is the long-poll claim response. A synthetic envelope
// has a task_id prefixed "system:" and a message telling the agent to
// re-poll.
type NextTaskResponse struct {
	Success     bool   `json:"success"`
	TaskID      string `json:"task_id"`
	PersonaText string `json:"persona_text,omitempty"`
	Description string `json:"description,omitempty"`
	Message     string `json:"message"`
}

// CompleteTaskRequest reports a task result.
type CompleteTaskRequest struct {
	Result string `json:"result"`
}

// CompleteTaskResponse acknowledges a completion report.
type CompleteTaskResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// TaskStatusResponse is a pure query: an unknown task ID yields
// success=true with every field empty.
type TaskStatusResponse struct {
	Success     bool       `json:"success"`
	TaskID      string     `json:"task_id,omitempty"`
	Status      string     `json:"status,omitempty"`
	AgentID     string     `json:"agent_id,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskListResponse returns a set of tasks.
type TaskListResponse struct {
	Success      bool   `json:"success"`
	Tasks        []Task `json:"tasks"`
	ErrorMessage string `json:"error_message,omitempty"`
}
