package v1

import "time"

// Agent is the external view of a registered agent.
type Agent struct {
	ID               string     `json:"id"`
	PersonaID        string     `json:"persona_id"`
	WorkingDirectory string     `json:"working_directory,omitempty"`
	ProcessID        *int       `json:"process_id,omitempty"`
	Model            string     `json:"model,omitempty"`
	WorktreeName     string     `json:"worktree_name,omitempty"`
	Status           string     `json:"status"`
	RegisteredAt     time.Time  `json:"registered_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	LastHeartbeat    time.Time  `json:"last_heartbeat"`
	StoppedAt        *time.Time `json:"stopped_at,omitempty"`
}

// RegisterAgentRequest registers a worker process that was started out
// of band.
type RegisterAgentRequest struct {
	PersonaID        string `json:"persona_id" binding:"required"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	Model            string `json:"model,omitempty"`
	WorktreeName     string `json:"worktree_name,omitempty"`
	ProcessID        *int   `json:"process_id,omitempty"`
}

// RegisterAgentResponse reports the assigned agent ID.
type RegisterAgentResponse struct {
	Success      bool   `json:"success"`
	AgentID      string `json:"agent_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// LaunchAgentRequest spawns a new agent child process.
type LaunchAgentRequest struct {
	PersonaID    string `json:"persona_id" binding:"required"`
	Description  string `json:"description" binding:"required"`
	Model        string `json:"model,omitempty"`
	WorktreeName string `json:"worktree_name,omitempty"`
	Yolo         bool   `json:"yolo,omitempty"`
}

// LaunchAgentResponse reports the launched agent ID.
type LaunchAgentResponse struct {
	Success      bool   `json:"success"`
	AgentID      string `json:"agent_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// AgentListResponse returns a set of agents.
type AgentListResponse struct {
	Success bool    `json:"success"`
	Agents  []Agent `json:"agents"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// KillAgentResponse acknowledges a kill.
type KillAgentResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}
