package eventlog

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/coterie-dev/coterie/internal/eventlog/models"
	"github.com/coterie-dev/coterie/internal/store"
	v1 "github.com/coterie-dev/coterie/pkg/api/v1"
)

// RegisterRoutes mounts the audit query route on the API group.
func (r *Recorder) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/events", r.listEvents)
}

func (r *Recorder) listEvents(c *gin.Context) {
	q := store.EventLogQuery{
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		Limit:      100,
	}
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			q.Limit = n
		}
	}

	entries, err := r.Query(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, v1.EventLogResponse{Success: false, Events: []v1.EventLogEntry{}})
		return
	}

	out := make([]v1.EventLogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, toAPIEntry(e))
	}
	c.JSON(http.StatusOK, v1.EventLogResponse{Success: true, Events: out})
}

func toAPIEntry(e *models.Entry) v1.EventLogEntry {
	return v1.EventLogEntry{
		ID:         e.ID,
		EventType:  e.EventType,
		Timestamp:  e.Timestamp,
		Actor:      e.Actor,
		EntityID:   e.EntityID,
		EntityType: string(e.EntityType),
		Severity:   string(e.Severity),
		Tags:       e.Tags,
		Payload:    e.Payload,
	}
}
