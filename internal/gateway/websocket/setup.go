package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The feed is read-mostly and unauthenticated on localhost.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RegisterRoutes mounts the event feed endpoint on the router.
func (h *Hub) RegisterRoutes(router *gin.Engine) {
	router.GET("/ws", h.serveWS)
}

func (h *Hub) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h, h.logger)
	h.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
