// Package models defines the agent entity and its lifecycle types.
package models

import "time"

// Status represents the lifecycle state of an agent.
//
// Starting agents have registered but not yet called back; the first
// heartbeat activates them to Running. Killed is terminal. Stopped is
// reserved for graceful shutdown and is also terminal.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusKilled   Status = "killed"
)

// Alive reports whether the agent can still accept work.
func (s Status) Alive() bool {
	return s == StatusStarting || s == StatusRunning
}

// Agent is a registered external worker process.
//
// Rows are never deleted; killed agents remain for audit. StoppedAt is
// set exactly when the status becomes Stopped or Killed, StartedAt when
// the agent first reaches Running.
type Agent struct {
	ID               string     `json:"id" db:"id"`
	PersonaID        string     `json:"persona_id" db:"persona_id"`
	WorkingDirectory string     `json:"working_directory" db:"working_directory"`
	ProcessID        *int       `json:"process_id,omitempty" db:"process_id"`
	Model            string     `json:"model,omitempty" db:"model"`
	WorktreeName     string     `json:"worktree_name,omitempty" db:"worktree_name"`
	Status           Status     `json:"status" db:"status"`
	RegisteredAt     time.Time  `json:"registered_at" db:"registered_at"`
	StartedAt        *time.Time `json:"started_at,omitempty" db:"started_at"`
	LastHeartbeat    time.Time  `json:"last_heartbeat" db:"last_heartbeat"`
	StoppedAt        *time.Time `json:"stopped_at,omitempty" db:"stopped_at"`
}
