package v1

import "time"

// EventLogEntry is the external view of one audit record.
type EventLogEntry struct {
	ID         string    `json:"id"`
	EventType  string    `json:"event_type"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	EntityType string    `json:"entity_type"`
	Severity   string    `json:"severity"`
	Tags       string    `json:"tags,omitempty"`
	Payload    string    `json:"payload"`
}

// EventLogResponse returns audit records, newest first.
type EventLogResponse struct {
	Success bool            `json:"success"`
	Events  []EventLogEntry `json:"events"`
}
