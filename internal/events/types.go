// Package events defines the subjects and payload keys used on the
// Coterie event bus.
//
// Subjects are dotted NATS-style names with exactly two tokens: a
// family (task, agent, memory) and a variant. Consumers that care about
// a whole family subscribe to "<family>.*".
package events

// Event subjects for tasks
const (
	TaskCreated   = "task.created"
	TaskClaimed   = "task.claimed"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
)

// Event subjects for agents
const (
	AgentRegistered    = "agent.registered"
	AgentStatusChanged = "agent.status_changed"
	AgentKilled        = "agent.killed"
)

// Event subjects for memory entries
const (
	MemorySaved   = "memory.saved"
	MemoryUpdated = "memory.updated"
)

// Family patterns matching every subject of one family
const (
	TaskEvents   = "task.*"
	AgentEvents  = "agent.*"
	MemoryEvents = "memory.*"
	AllEvents    = ">"
)

// Payload keys shared by event producers and consumers
const (
	KeyTaskID    = "task_id"
	KeyAgentID   = "agent_id"
	KeyPersonaID = "persona_id"
	KeyTitle     = "title"
	KeyPriority  = "priority"
	KeyStatus    = "status"
	KeyOldStatus = "old_status"
	KeyNewStatus = "new_status"
	KeyReason    = "reason"
	KeyResult    = "result"
	KeyNamespace = "namespace"
	KeyKey       = "key"
)

// Event sources identify the publishing service
const (
	SourceCoordinator = "task-coordinator"
	SourceRegistry    = "agent-registry"
	SourceMemory      = "memory-service"
)

// Family returns the first token of a subject ("task" for "task.created").
func Family(subject string) string {
	for i := 0; i < len(subject); i++ {
		if subject[i] == '.' {
			return subject[:i]
		}
	}
	return subject
}

// Variant returns the remainder after the family token ("created" for
// "task.created"), or "" when the subject has a single token.
func Variant(subject string) string {
	for i := 0; i < len(subject); i++ {
		if subject[i] == '.' {
			return subject[i+1:]
		}
	}
	return ""
}
