// Package handlers exposes the task operations over HTTP.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coterie-dev/coterie/internal/agent/registry"
	"github.com/coterie-dev/coterie/internal/common/logger"
	"github.com/coterie-dev/coterie/internal/task/coordinator"
	"github.com/coterie-dev/coterie/internal/task/models"
	v1 "github.com/coterie-dev/coterie/pkg/api/v1"
)

// TaskHandlers serves the /tasks routes.
type TaskHandlers struct {
	coordinator *coordinator.Coordinator
	logger      *logger.Logger
}

// NewTaskHandlers creates the handler set.
func NewTaskHandlers(coord *coordinator.Coordinator, log *logger.Logger) *TaskHandlers {
	return &TaskHandlers{coordinator: coord, logger: log.WithComponent("task-handlers")}
}

// RegisterRoutes mounts the task routes on the API group.
func (h *TaskHandlers) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/tasks", h.createTask)
	api.POST("/tasks/next", h.nextTask)
	api.POST("/tasks/:id/complete", h.completeTask)
	api.GET("/tasks/:id", h.taskStatus)
	api.GET("/tasks/status/:status", h.tasksByStatus)
	api.GET("/tasks/agent/:agentId", h.tasksByAgent)
}

func (h *TaskHandlers) createTask(c *gin.Context) {
	var req v1.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.CreateTaskResponse{Success: false, ErrorMessage: err.Error()})
		return
	}
	priority, ok := models.ParsePriority(req.Priority)
	if !ok {
		c.JSON(http.StatusBadRequest, v1.CreateTaskResponse{
			Success: false, ErrorMessage: "unknown priority: " + req.Priority,
		})
		return
	}

	task, err := h.coordinator.Create(c.Request.Context(), coordinator.CreateRequest{
		AgentID:     req.AgentID,
		PersonaID:   req.PersonaID,
		PersonaText: req.PersonaText,
		Description: req.Description,
		Priority:    priority,
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, registry.ErrAgentNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, v1.CreateTaskResponse{Success: false, ErrorMessage: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, v1.CreateTaskResponse{Success: true, TaskID: task.ID})
}

func (h *TaskHandlers) nextTask(c *gin.Context) {
	var req v1.NextTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error_message": err.Error()})
		return
	}

	envelope, err := h.coordinator.GetNextTask(c.Request.Context(), req.AgentID,
		time.Duration(req.TimeoutSeconds)*time.Second)
	if err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error_message": err.Error()})
			return
		}
		h.logger.Error("Long-poll claim failed",
			zap.String("agent_id", req.AgentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error_message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, v1.NextTaskResponse{
		Success:     true,
		TaskID:      envelope.TaskID,
		PersonaText: envelope.PersonaText,
		Description: envelope.Description,
		Message:     envelope.Message,
	})
}

func (h *TaskHandlers) completeTask(c *gin.Context) {
	taskID := c.Param("id")
	var req v1.CompleteTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.CompleteTaskResponse{Success: false, Message: err.Error()})
		return
	}

	_, err := h.coordinator.Complete(c.Request.Context(), taskID, req.Result)
	switch {
	case errors.Is(err, coordinator.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, v1.CompleteTaskResponse{
			Success: false, Message: coordinator.CompletionNotFound(taskID),
		})
	case errors.Is(err, coordinator.ErrTaskTerminal):
		c.JSON(http.StatusConflict, v1.CompleteTaskResponse{
			Success: false, Message: coordinator.CompletionAlreadyTerminal(taskID),
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, v1.CompleteTaskResponse{Success: false, Message: err.Error()})
	default:
		c.JSON(http.StatusOK, v1.CompleteTaskResponse{
			Success: true, Message: coordinator.CompletionAck(taskID),
		})
	}
}

// taskStatus is a query, not a validation: an unknown ID answers
// success=true with empty fields.
func (h *TaskHandlers) taskStatus(c *gin.Context) {
	task, err := h.coordinator.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, coordinator.ErrTaskNotFound) {
		c.JSON(http.StatusOK, v1.TaskStatusResponse{Success: true})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error_message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, v1.TaskStatusResponse{
		Success:     true,
		TaskID:      task.ID,
		Status:      string(task.Status),
		AgentID:     task.AssignedAgentID,
		StartedAt:   task.StartedAt,
		CompletedAt: task.CompletedAt,
	})
}

func (h *TaskHandlers) tasksByStatus(c *gin.Context) {
	status, ok := models.ParseStatus(c.Param("status"))
	if !ok {
		c.JSON(http.StatusBadRequest, v1.TaskListResponse{
			Success: false, Tasks: []v1.Task{}, ErrorMessage: "unknown status: " + c.Param("status"),
		})
		return
	}
	tasks, err := h.coordinator.ByStatus(c.Request.Context(), status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, v1.TaskListResponse{
			Success: false, Tasks: []v1.Task{}, ErrorMessage: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, v1.TaskListResponse{Success: true, Tasks: ToAPITasks(tasks)})
}

func (h *TaskHandlers) tasksByAgent(c *gin.Context) {
	tasks, err := h.coordinator.ByAgent(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, v1.TaskListResponse{
			Success: false, Tasks: []v1.Task{}, ErrorMessage: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, v1.TaskListResponse{Success: true, Tasks: ToAPITasks(tasks)})
}

// ToAPITask converts the internal task to its external shape.
func ToAPITask(t *models.Task) v1.Task {
	return v1.Task{
		ID:              t.ID,
		AssignedAgentID: t.AssignedAgentID,
		PersonaID:       t.PersonaID,
		PersonaText:     t.PersonaText,
		Description:     t.Description,
		Priority:        t.Priority.String(),
		Status:          string(t.Status),
		Result:          t.Result,
		CreatedAt:       t.CreatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
	}
}

// ToAPITasks converts a task slice, never returning nil.
func ToAPITasks(tasks []*models.Task) []v1.Task {
	out := make([]v1.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, ToAPITask(t))
	}
	return out
}
