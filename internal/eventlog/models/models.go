// Package models defines the append-only audit record for bus events.
package models

import "time"

// EntityType names the entity family an audit entry refers to.
type EntityType string

const (
	EntityTask   EntityType = "task"
	EntityAgent  EntityType = "agent"
	EntityMemory EntityType = "memory"
)

// Severity classifies an audit entry.
type Severity string

const (
	SeverityInformation Severity = "information"
	SeverityWarning     Severity = "warning"
	SeverityError       Severity = "error"
)

// Entry is one durably recorded bus event. Entries are append-only and
// never mutated; Timestamp is the clock reading at persist time.
type Entry struct {
	ID         string     `json:"id" db:"id"`
	EventType  string     `json:"event_type" db:"event_type"`
	Timestamp  time.Time  `json:"timestamp" db:"timestamp"`
	Actor      string     `json:"actor,omitempty" db:"actor"`
	EntityID   string     `json:"entity_id,omitempty" db:"entity_id"`
	EntityType EntityType `json:"entity_type" db:"entity_type"`
	Severity   Severity   `json:"severity" db:"severity"`
	Tags       string     `json:"tags,omitempty" db:"tags"`
	Payload    string     `json:"payload" db:"payload"`
}
