// Package handlers exposes the shared memory operations over HTTP.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coterie-dev/coterie/internal/common/logger"
	"github.com/coterie-dev/coterie/internal/memory/models"
	"github.com/coterie-dev/coterie/internal/memory/service"
	v1 "github.com/coterie-dev/coterie/pkg/api/v1"
)

// MemoryHandlers serves the /memory routes.
type MemoryHandlers struct {
	service *service.Service
	logger  *logger.Logger
}

// NewMemoryHandlers creates the handler set.
func NewMemoryHandlers(svc *service.Service, log *logger.Logger) *MemoryHandlers {
	return &MemoryHandlers{service: svc, logger: log.WithComponent("memory-handlers")}
}

// RegisterRoutes mounts the memory routes on the API group.
func (h *MemoryHandlers) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/memory", h.saveMemory)
	api.GET("/memory", h.listMemory)
	api.POST("/memory/wait", h.waitMemory)
	api.GET("/memory/:key", h.readMemory)
	api.POST("/memory/:key/access", h.touchAccess)
}

func (h *MemoryHandlers) saveMemory(c *gin.Context) {
	var req v1.SaveMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.SaveMemoryResponse{Success: false, ErrorMessage: err.Error()})
		return
	}

	entry, err := h.service.Save(c.Request.Context(), service.SaveRequest{
		Key:       req.Key,
		Value:     req.Value,
		Namespace: req.Namespace,
		Type:      req.Type,
		Metadata:  req.Metadata,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, v1.SaveMemoryResponse{Success: false, ErrorMessage: err.Error()})
		return
	}
	c.JSON(http.StatusOK, v1.SaveMemoryResponse{
		Success: true, Key: entry.Key, Namespace: entry.Namespace,
	})
}

func (h *MemoryHandlers) readMemory(c *gin.Context) {
	entry, err := h.service.Read(c.Request.Context(), c.Param("key"), c.Query("namespace"))
	if errors.Is(err, service.ErrNotFound) {
		c.JSON(http.StatusNotFound, v1.ReadMemoryResponse{Success: false, ErrorMessage: err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, v1.ReadMemoryResponse{Success: false, ErrorMessage: err.Error()})
		return
	}
	c.JSON(http.StatusOK, v1.ReadMemoryResponse{
		Success: true, Value: entry.Value, Type: entry.Type, Size: entry.Size,
	})
}

func (h *MemoryHandlers) touchAccess(c *gin.Context) {
	err := h.service.TouchAccess(c.Request.Context(), c.Param("key"), c.Query("namespace"))
	if errors.Is(err, service.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error_message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error_message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *MemoryHandlers) listMemory(c *gin.Context) {
	entries, err := h.service.List(c.Request.Context(), c.Query("namespace"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, v1.MemoryListResponse{Success: false, Entries: []v1.MemoryEntry{}})
		return
	}
	c.JSON(http.StatusOK, v1.MemoryListResponse{Success: true, Entries: ToAPIEntries(entries)})
}

func (h *MemoryHandlers) waitMemory(c *gin.Context) {
	var req v1.WaitMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error_message": err.Error()})
		return
	}
	timeout := 30 * time.Second
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	entry, found, err := h.service.WaitForKey(c.Request.Context(), req.Key, req.Namespace, timeout)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error_message": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusOK, v1.WaitMemoryResponse{Success: true, TimedOut: true})
		return
	}
	view := ToAPIEntry(entry)
	c.JSON(http.StatusOK, v1.WaitMemoryResponse{Success: true, Entry: &view})
}

// ToAPIEntry converts the internal entry to its external shape.
func ToAPIEntry(e *models.Entry) v1.MemoryEntry {
	return v1.MemoryEntry{
		Namespace:   e.Namespace,
		Key:         e.Key,
		Value:       e.Value,
		Type:        e.Type,
		Metadata:    e.Metadata,
		Size:        e.Size,
		CreatedAt:   e.CreatedAt,
		LastUpdated: e.LastUpdated,
		AccessedAt:  e.AccessedAt,
		AccessCount: e.AccessCount,
	}
}

// ToAPIEntries converts an entry slice, never returning nil.
func ToAPIEntries(entries []*models.Entry) []v1.MemoryEntry {
	out := make([]v1.MemoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, ToAPIEntry(e))
	}
	return out
}
