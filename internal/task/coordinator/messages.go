package coordinator

import "fmt"

// Completion report messages shared by the MCP and REST surfaces.
// Clients match on "Task not found" and "already completed".

// CompletionAck acknowledges a recorded result.
func CompletionAck(taskID string) string {
	return fmt.Sprintf("Task %s completion recorded. Call this tool again for your next task.", taskID)
}

// CompletionNotFound reports an unknown task ID.
func CompletionNotFound(taskID string) string {
	return fmt.Sprintf("Task not found: %s", taskID)
}

// CompletionAlreadyTerminal reports a duplicate completion; the first
// result stands.
func CompletionAlreadyTerminal(taskID string) string {
	return fmt.Sprintf("Task %s is already completed; the original result is unchanged.", taskID)
}
