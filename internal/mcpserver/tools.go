package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	agenthandlers "github.com/coterie-dev/coterie/internal/agent/handlers"
	"github.com/coterie-dev/coterie/internal/agent/registry"
	"github.com/coterie-dev/coterie/internal/common/logger"
	"github.com/coterie-dev/coterie/internal/common/tracing"
	memoryhandlers "github.com/coterie-dev/coterie/internal/memory/handlers"
	memoryservice "github.com/coterie-dev/coterie/internal/memory/service"
	"github.com/coterie-dev/coterie/internal/task/coordinator"
	taskhandlers "github.com/coterie-dev/coterie/internal/task/handlers"
	taskmodels "github.com/coterie-dev/coterie/internal/task/models"
	v1 "github.com/coterie-dev/coterie/pkg/api/v1"
)

// Services are the in-process dependencies behind the tool surface.
// Launch may be nil when agent spawning is not configured.
type Services struct {
	Coordinator *coordinator.Coordinator
	Registry    *registry.Registry
	Memory      *memoryservice.Service
	Launch      *registry.LaunchService
}

func registerTools(s *server.MCPServer, svc Services, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("create_task",
			mcp.WithDescription("Create a new task for an agent to pick up. Leave agent_id empty for any agent of the matching persona."),
			mcp.WithString("persona_text", mcp.Required(),
				mcp.Description("The prompt text delivered to the claiming agent")),
			mcp.WithString("description", mcp.Required(),
				mcp.Description("Short human-readable description of the task")),
			mcp.WithString("agent_id",
				mcp.Description("Pin the task to a specific agent (optional)")),
			mcp.WithString("persona_id",
				mcp.Description("Restrict unassigned claiming to agents of this persona (optional)")),
			mcp.WithString("priority",
				mcp.Description("One of: low, normal, high, critical (default normal)")),
		),
		traced("create_task", log, createTaskHandler(svc)),
	)

	s.AddTool(
		mcp.NewTool("get_next_task",
			mcp.WithDescription("Long-poll for your next task. Blocks until a task is available or the timeout elapses; a system: task id means nothing is available yet, call this tool again."),
			mcp.WithString("agent_id", mcp.Required(),
				mcp.Description("Your agent id")),
			mcp.WithNumber("timeout_seconds",
				mcp.Description("How long to wait for work (bounded by the server's maximum)")),
		),
		traced("get_next_task", log, getNextTaskHandler(svc)),
	)

	s.AddTool(
		mcp.NewTool("report_task_completion",
			mcp.WithDescription("Report the result of a finished task."),
			mcp.WithString("task_id", mcp.Required(),
				mcp.Description("The task being reported")),
			mcp.WithString("result", mcp.Required(),
				mcp.Description("What was done, verified, and left open")),
		),
		traced("report_task_completion", log, reportCompletionHandler(svc)),
	)

	s.AddTool(
		mcp.NewTool("get_task_status",
			mcp.WithDescription("Look up one task's status. Unknown ids return empty fields, not an error."),
			mcp.WithString("task_id", mcp.Required(),
				mcp.Description("The task to look up")),
		),
		traced("get_task_status", log, taskStatusHandler(svc)),
	)

	s.AddTool(
		mcp.NewTool("get_tasks_by_status",
			mcp.WithDescription("List all tasks in a lifecycle status."),
			mcp.WithString("status", mcp.Required(),
				mcp.Description("One of: pending, in_progress, completed, failed")),
		),
		traced("get_tasks_by_status", log, tasksByStatusHandler(svc)),
	)

	s.AddTool(
		mcp.NewTool("get_tasks_by_agent",
			mcp.WithDescription("List all tasks assigned to an agent. Unknown agents yield an empty list."),
			mcp.WithString("agent_id", mcp.Required(),
				mcp.Description("The agent whose tasks to list")),
		),
		traced("get_tasks_by_agent", log, tasksByAgentHandler(svc)),
	)

	s.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List registered agents, optionally filtered by persona."),
			mcp.WithString("persona",
				mcp.Description("Only agents of this persona (optional)")),
		),
		traced("list_agents", log, listAgentsHandler(svc)),
	)

	s.AddTool(
		mcp.NewTool("launch_agent",
			mcp.WithDescription("Spawn a new agent child process for a persona."),
			mcp.WithString("persona_id", mcp.Required(),
				mcp.Description("The persona the new agent runs as")),
			mcp.WithString("description", mcp.Required(),
				mcp.Description("What the new agent should work on")),
			mcp.WithString("model",
				mcp.Description("Model override (optional)")),
			mcp.WithString("worktree_name",
				mcp.Description("Create an isolated git worktree with this name (optional)")),
			mcp.WithBoolean("yolo",
				mcp.Description("Skip the agent CLI's confirmation prompts")),
		),
		traced("launch_agent", log, launchAgentHandler(svc)),
	)

	s.AddTool(
		mcp.NewTool("kill_agent",
			mcp.WithDescription("Terminate an agent. Its in-progress tasks fail; its pending tasks stay claimable."),
			mcp.WithString("agent_id", mcp.Required(),
				mcp.Description("The agent to terminate")),
		),
		traced("kill_agent", log, killAgentHandler(svc)),
	)

	s.AddTool(
		mcp.NewTool("save_memory",
			mcp.WithDescription("Save a value to shared memory. Overwrites any existing value under the same namespace and key."),
			mcp.WithString("key", mcp.Required(), mcp.Description("The memory key")),
			mcp.WithString("value", mcp.Required(), mcp.Description("The value to store")),
			mcp.WithString("type", mcp.Description("Free-form content label (default json)")),
			mcp.WithString("metadata", mcp.Description("Opaque metadata string (optional)")),
			mcp.WithString("namespace", mcp.Description("Namespace (default empty)")),
		),
		traced("save_memory", log, saveMemoryHandler(svc)),
	)

	s.AddTool(
		mcp.NewTool("read_memory",
			mcp.WithDescription("Read a value from shared memory."),
			mcp.WithString("key", mcp.Required(), mcp.Description("The memory key")),
			mcp.WithString("namespace", mcp.Description("Namespace (default empty)")),
		),
		traced("read_memory", log, readMemoryHandler(svc)),
	)

	s.AddTool(
		mcp.NewTool("list_memory",
			mcp.WithDescription("List every shared memory entry in a namespace."),
			mcp.WithString("namespace", mcp.Description("Namespace (default empty)")),
		),
		traced("list_memory", log, listMemoryHandler(svc)),
	)

	s.AddTool(
		mcp.NewTool("wait_for_memory",
			mcp.WithDescription("Block until a shared memory key exists or the timeout elapses."),
			mcp.WithString("key", mcp.Required(), mcp.Description("The memory key to wait for")),
			mcp.WithString("namespace", mcp.Description("Namespace (default empty)")),
			mcp.WithNumber("timeout_seconds",
				mcp.Description("How long to wait (default 30)")),
		),
		traced("wait_for_memory", log, waitMemoryHandler(svc)),
	)

	log.Info("registered MCP tools", zap.Int("count", 13))
}

// traced wraps a tool handler in an otel span that records the outcome.
func traced(name string, log *logger.Logger, h server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := tracing.Tracer("coterie-mcp").Start(ctx, "tool."+name)
		defer span.End()

		result, err := h(ctx, req)
		if err != nil {
			span.SetAttributes(attribute.Bool("tool.success", false))
			log.Error("Tool handler failed", zap.String("tool", name), zap.Error(err))
			return result, err
		}
		span.SetAttributes(attribute.Bool("tool.success", result == nil || !result.IsError))
		return result, nil
	}
}

// toolJSON marshals a response struct into a text tool result.
func toolJSON(v any) *mcp.CallToolResult {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode response: %v", err))
	}
	return mcp.NewToolResultText(string(formatted))
}

func createTaskHandler(svc Services) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		personaText, err := req.RequireString("persona_text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		description, err := req.RequireString("description")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		priority, ok := taskmodels.ParsePriority(req.GetString("priority", ""))
		if !ok {
			return toolJSON(v1.CreateTaskResponse{
				Success: false, ErrorMessage: "unknown priority: " + req.GetString("priority", ""),
			}), nil
		}

		task, err := svc.Coordinator.Create(ctx, coordinator.CreateRequest{
			AgentID:     req.GetString("agent_id", ""),
			PersonaID:   req.GetString("persona_id", ""),
			PersonaText: personaText,
			Description: description,
			Priority:    priority,
		})
		if err != nil {
			return toolJSON(v1.CreateTaskResponse{Success: false, ErrorMessage: err.Error()}), nil
		}
		return toolJSON(v1.CreateTaskResponse{Success: true, TaskID: task.ID}), nil
	}
}

func getNextTaskHandler(svc Services) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		timeout := time.Duration(req.GetFloat("timeout_seconds", 0)) * time.Second

		envelope, err := svc.Coordinator.GetNextTask(ctx, agentID, timeout)
		if err != nil {
			return toolJSON(v1.NextTaskResponse{Success: false, Message: err.Error()}), nil
		}
		return toolJSON(v1.NextTaskResponse{
			Success:     true,
			TaskID:      envelope.TaskID,
			PersonaText: envelope.PersonaText,
			Description: envelope.Description,
			Message:     envelope.Message,
		}), nil
	}
}

func reportCompletionHandler(svc Services) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := req.RequireString("result")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		_, err = svc.Coordinator.Complete(ctx, taskID, result)
		switch {
		case errors.Is(err, coordinator.ErrTaskNotFound):
			return toolJSON(v1.CompleteTaskResponse{
				Success: false, Message: coordinator.CompletionNotFound(taskID),
			}), nil
		case errors.Is(err, coordinator.ErrTaskTerminal):
			return toolJSON(v1.CompleteTaskResponse{
				Success: false, Message: coordinator.CompletionAlreadyTerminal(taskID),
			}), nil
		case err != nil:
			return toolJSON(v1.CompleteTaskResponse{Success: false, Message: err.Error()}), nil
		}
		return toolJSON(v1.CompleteTaskResponse{
			Success: true, Message: coordinator.CompletionAck(taskID),
		}), nil
	}
}

func taskStatusHandler(svc Services) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := svc.Coordinator.Get(ctx, taskID)
		if errors.Is(err, coordinator.ErrTaskNotFound) {
			return toolJSON(v1.TaskStatusResponse{Success: true}), nil
		}
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolJSON(v1.TaskStatusResponse{
			Success:     true,
			TaskID:      task.ID,
			Status:      string(task.Status),
			AgentID:     task.AssignedAgentID,
			StartedAt:   task.StartedAt,
			CompletedAt: task.CompletedAt,
		}), nil
	}
}

func tasksByStatusHandler(svc Services) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		status, ok := taskmodels.ParseStatus(raw)
		if !ok {
			return toolJSON(v1.TaskListResponse{
				Success: false, Tasks: []v1.Task{}, ErrorMessage: "unknown status: " + raw,
			}), nil
		}
		tasks, err := svc.Coordinator.ByStatus(ctx, status)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolJSON(v1.TaskListResponse{Success: true, Tasks: taskhandlers.ToAPITasks(tasks)}), nil
	}
}

func tasksByAgentHandler(svc Services) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		tasks, err := svc.Coordinator.ByAgent(ctx, agentID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolJSON(v1.TaskListResponse{Success: true, Tasks: taskhandlers.ToAPITasks(tasks)}), nil
	}
}

func listAgentsHandler(svc Services) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agents, err := svc.Registry.List(ctx, req.GetString("persona", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolJSON(v1.AgentListResponse{Success: true, Agents: agenthandlers.ToAPIAgents(agents)}), nil
	}
}

func launchAgentHandler(svc Services) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if svc.Launch == nil {
			return toolJSON(v1.LaunchAgentResponse{
				Success: false, ErrorMessage: "agent launching is not configured",
			}), nil
		}
		personaID, err := req.RequireString("persona_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		description, err := req.RequireString("description")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		agent, err := svc.Launch.Launch(ctx, registry.LaunchRequest{
			PersonaID:    personaID,
			Description:  description,
			Model:        req.GetString("model", ""),
			WorktreeName: req.GetString("worktree_name", ""),
			Yolo:         req.GetBool("yolo", false),
		})
		if err != nil {
			return toolJSON(v1.LaunchAgentResponse{Success: false, ErrorMessage: err.Error()}), nil
		}
		return toolJSON(v1.LaunchAgentResponse{Success: true, AgentID: agent.ID}), nil
	}
}

func killAgentHandler(svc Services) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		killed, err := svc.Registry.Kill(ctx, agentID)
		if err != nil {
			return toolJSON(v1.KillAgentResponse{Success: false, ErrorMessage: err.Error()}), nil
		}
		if !killed {
			return toolJSON(v1.KillAgentResponse{
				Success: false, ErrorMessage: "Agent not found or already terminated: " + agentID,
			}), nil
		}
		return toolJSON(v1.KillAgentResponse{Success: true}), nil
	}
}

func saveMemoryHandler(svc Services) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		value, err := req.RequireString("value")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		entry, err := svc.Memory.Save(ctx, memoryservice.SaveRequest{
			Key:       key,
			Value:     value,
			Namespace: req.GetString("namespace", ""),
			Type:      req.GetString("type", ""),
			Metadata:  req.GetString("metadata", ""),
		})
		if err != nil {
			return toolJSON(v1.SaveMemoryResponse{Success: false, ErrorMessage: err.Error()}), nil
		}
		return toolJSON(v1.SaveMemoryResponse{
			Success: true, Key: entry.Key, Namespace: entry.Namespace,
		}), nil
	}
}

func readMemoryHandler(svc Services) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		namespace := req.GetString("namespace", "")

		entry, err := svc.Memory.Read(ctx, key, namespace)
		if err != nil {
			return toolJSON(v1.ReadMemoryResponse{Success: false, ErrorMessage: err.Error()}), nil
		}
		// The core read stays side-effect-free; the tool layer records
		// the access so agent statistics still accumulate.
		if err := svc.Memory.TouchAccess(ctx, key, namespace); err != nil {
			return toolJSON(v1.ReadMemoryResponse{Success: false, ErrorMessage: err.Error()}), nil
		}
		return toolJSON(v1.ReadMemoryResponse{
			Success: true, Value: entry.Value, Type: entry.Type, Size: entry.Size,
		}), nil
	}
}

func listMemoryHandler(svc Services) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entries, err := svc.Memory.List(ctx, req.GetString("namespace", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolJSON(v1.MemoryListResponse{
			Success: true, Entries: memoryhandlers.ToAPIEntries(entries),
		}), nil
	}
}

func waitMemoryHandler(svc Services) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		timeout := 30 * time.Second
		if secs := req.GetFloat("timeout_seconds", 0); secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}

		entry, found, err := svc.Memory.WaitForKey(ctx, key, req.GetString("namespace", ""), timeout)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !found {
			return toolJSON(v1.WaitMemoryResponse{Success: true, TimedOut: true}), nil
		}
		view := memoryhandlers.ToAPIEntry(entry)
		return toolJSON(v1.WaitMemoryResponse{Success: true, Entry: &view}), nil
	}
}
