// Package websocket defines the wire message types of the event feed.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Message is the base envelope for all WebSocket messages
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notification represents a server push notification
type Notification struct {
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// SubscribeRequest narrows a client's event feed to subject patterns
// (NATS-style wildcards).
type SubscribeRequest struct {
	Patterns []string `json:"patterns"`
}

// ErrorPayload represents an error response payload
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
