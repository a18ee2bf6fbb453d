package v1

import "time"

// MemoryEntry is the external view of a shared memory record.
type MemoryEntry struct {
	Namespace   string     `json:"namespace"`
	Key         string     `json:"key"`
	Value       string     `json:"value,omitempty"`
	Type        string     `json:"type"`
	Metadata    string     `json:"metadata,omitempty"`
	Size        int64      `json:"size"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUpdated time.Time  `json:"last_updated_at"`
	AccessedAt  *time.Time `json:"accessed_at,omitempty"`
	AccessCount int64      `json:"access_count"`
}

// SaveMemoryRequest upserts an entry.
type SaveMemoryRequest struct {
	Key       string `json:"key" binding:"required"`
	Value     string `json:"value" binding:"required"`
	Type      string `json:"type,omitempty"`
	Metadata  string `json:"metadata,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

// SaveMemoryResponse reports the saved key.
type SaveMemoryResponse struct {
	Success      bool   `json:"success"`
	Key          string `json:"key,omitempty"`
	Namespace    string `json:"namespace,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ReadMemoryResponse returns one entry's value.
type ReadMemoryResponse struct {
	Success      bool   `json:"success"`
	Value        string `json:"value,omitempty"`
	Type         string `json:"type,omitempty"`
	Size         int64  `json:"size,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// MemoryListResponse returns every entry in a namespace.
type MemoryListResponse struct {
	Success bool          `json:"success"`
	Entries []MemoryEntry `json:"entries"`
}

// WaitMemoryRequest blocks until a key exists.
type WaitMemoryRequest struct {
	Key            string `json:"key" binding:"required"`
	Namespace      string `json:"namespace,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// WaitMemoryResponse distinguishes a timeout from presence.
type WaitMemoryResponse struct {
	Success  bool         `json:"success"`
	TimedOut bool         `json:"timed_out"`
	Entry    *MemoryEntry `json:"entry,omitempty"`
}
