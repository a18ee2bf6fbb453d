// Package models defines the shared memory entry entity.
package models

import "time"

// Entry is a key/value record in the shared memory store, unique per
// (namespace, key). Size always equals the byte length of Value;
// AccessCount only ever grows.
type Entry struct {
	Namespace    string     `json:"namespace" db:"namespace"`
	Key          string     `json:"key" db:"key"`
	Value        string     `json:"value" db:"value"`
	Type         string     `json:"type" db:"type"`
	Metadata     string     `json:"metadata,omitempty" db:"metadata"`
	IsCompressed bool       `json:"is_compressed" db:"is_compressed"`
	Size         int64      `json:"size" db:"size"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	LastUpdated  time.Time  `json:"last_updated_at" db:"last_updated_at"`
	AccessedAt   *time.Time `json:"accessed_at,omitempty" db:"accessed_at"`
	AccessCount  int64      `json:"access_count" db:"access_count"`
}

// DefaultType is the label assigned when a save omits the type.
const DefaultType = "json"
