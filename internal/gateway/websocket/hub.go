// Package websocket provides a WebSocket gateway that streams the
// coordination event feed to observers (dashboards, CLIs). Clients
// receive every event by default and can narrow the feed to subject
// patterns with a subscribe request.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coterie-dev/coterie/internal/common/logger"
	"github.com/coterie-dev/coterie/internal/events/bus"
	ws "github.com/coterie-dev/coterie/pkg/websocket"
)

// Hub manages all WebSocket client connections and fans the event
// feed out to them.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	eventBus bus.Bus

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub over the event bus.
func NewHub(eventBus bus.Bus, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		eventBus:   eventBus,
		logger:     log.WithComponent("ws-hub"),
	}
}

// Run starts the hub's main processing loop. It subscribes to the
// full event feed before returning control to the select loop, so no
// event published after Run starts is lost.
func (h *Hub) Run(ctx context.Context) {
	sub, err := h.eventBus.Subscribe(">", bus.WithBuffer(256))
	if err != nil {
		h.logger.Error("Failed to subscribe to event feed", zap.Error(err))
		return
	}
	defer sub.Cancel()

	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	feed := make(chan *bus.Event)
	go func() {
		defer close(feed)
		for {
			event, err := sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case feed <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case event, ok := <-feed:
			if !ok {
				h.closeAllClients()
				return
			}
			h.broadcastEvent(event)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// broadcastEvent pushes one bus event to every client whose pattern
// set matches the subject. Clients that cannot keep up miss the
// event; the feed is observability, not the source of truth.
func (h *Hub) broadcastEvent(event *bus.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	msg := ws.Notification{
		Type:      ws.MessageTypeNotification,
		Action:    "event." + event.Type,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.wants(event.Type) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Client buffer full, skip this event for them.
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
