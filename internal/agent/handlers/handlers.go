// Package handlers exposes the agent operations over HTTP.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coterie-dev/coterie/internal/agent/models"
	"github.com/coterie-dev/coterie/internal/agent/registry"
	"github.com/coterie-dev/coterie/internal/common/logger"
	"github.com/coterie-dev/coterie/internal/persona"
	v1 "github.com/coterie-dev/coterie/pkg/api/v1"
)

// AgentHandlers serves the /agents routes.
type AgentHandlers struct {
	registry *registry.Registry
	launch   *registry.LaunchService // nil when launching is disabled
	logger   *logger.Logger
}

// NewAgentHandlers creates the handler set.
func NewAgentHandlers(reg *registry.Registry, launch *registry.LaunchService, log *logger.Logger) *AgentHandlers {
	return &AgentHandlers{registry: reg, launch: launch, logger: log.WithComponent("agent-handlers")}
}

// RegisterRoutes mounts the agent routes on the API group.
func (h *AgentHandlers) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/agents", h.listAgents)
	api.POST("/agents", h.registerAgent)
	api.POST("/agents/launch", h.launchAgent)
	api.POST("/agents/:id/heartbeat", h.heartbeat)
	api.POST("/agents/:id/kill", h.killAgent)
}

func (h *AgentHandlers) listAgents(c *gin.Context) {
	agents, err := h.registry.List(c.Request.Context(), c.Query("persona"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, v1.AgentListResponse{Success: false, Agents: []v1.Agent{}})
		return
	}
	c.JSON(http.StatusOK, v1.AgentListResponse{Success: true, Agents: ToAPIAgents(agents)})
}

func (h *AgentHandlers) registerAgent(c *gin.Context) {
	var req v1.RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.RegisterAgentResponse{Success: false, ErrorMessage: err.Error()})
		return
	}

	agent, err := h.registry.Register(c.Request.Context(), registry.RegisterRequest{
		PersonaID:        req.PersonaID,
		WorkingDirectory: req.WorkingDirectory,
		Model:            req.Model,
		WorktreeName:     req.WorktreeName,
		ProcessID:        req.ProcessID,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, v1.RegisterAgentResponse{Success: false, ErrorMessage: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, v1.RegisterAgentResponse{Success: true, AgentID: agent.ID})
}

func (h *AgentHandlers) launchAgent(c *gin.Context) {
	if h.launch == nil {
		c.JSON(http.StatusNotImplemented, v1.LaunchAgentResponse{
			Success: false, ErrorMessage: "agent launching is not configured",
		})
		return
	}

	var req v1.LaunchAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.LaunchAgentResponse{Success: false, ErrorMessage: err.Error()})
		return
	}

	agent, err := h.launch.Launch(c.Request.Context(), registry.LaunchRequest{
		PersonaID:    req.PersonaID,
		Description:  req.Description,
		Model:        req.Model,
		WorktreeName: req.WorktreeName,
		Yolo:         req.Yolo,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, persona.ErrNotFound) {
			status = http.StatusNotFound
		}
		h.logger.Error("Agent launch failed",
			zap.String("persona_id", req.PersonaID), zap.Error(err))
		c.JSON(status, v1.LaunchAgentResponse{Success: false, ErrorMessage: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, v1.LaunchAgentResponse{Success: true, AgentID: agent.ID})
}

func (h *AgentHandlers) heartbeat(c *gin.Context) {
	found, err := h.registry.Heartbeat(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, v1.HeartbeatResponse{Success: false, ErrorMessage: err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, v1.HeartbeatResponse{
			Success: false, ErrorMessage: "Agent not found: " + c.Param("id"),
		})
		return
	}
	c.JSON(http.StatusOK, v1.HeartbeatResponse{Success: true})
}

func (h *AgentHandlers) killAgent(c *gin.Context) {
	killed, err := h.registry.Kill(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, v1.KillAgentResponse{Success: false, ErrorMessage: err.Error()})
		return
	}
	if !killed {
		c.JSON(http.StatusNotFound, v1.KillAgentResponse{
			Success: false, ErrorMessage: "Agent not found or already terminated: " + c.Param("id"),
		})
		return
	}
	c.JSON(http.StatusOK, v1.KillAgentResponse{Success: true})
}

// ToAPIAgent converts the internal agent to its external shape.
func ToAPIAgent(a *models.Agent) v1.Agent {
	return v1.Agent{
		ID:               a.ID,
		PersonaID:        a.PersonaID,
		WorkingDirectory: a.WorkingDirectory,
		ProcessID:        a.ProcessID,
		Model:            a.Model,
		WorktreeName:     a.WorktreeName,
		Status:           string(a.Status),
		RegisteredAt:     a.RegisteredAt,
		StartedAt:        a.StartedAt,
		LastHeartbeat:    a.LastHeartbeat,
		StoppedAt:        a.StoppedAt,
	}
}

// ToAPIAgents converts an agent slice, never returning nil.
func ToAPIAgents(agents []*models.Agent) []v1.Agent {
	out := make([]v1.Agent, 0, len(agents))
	for _, a := range agents {
		out = append(out, ToAPIAgent(a))
	}
	return out
}
