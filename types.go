package codee

import "time"

// AgentStatus is an agent's lifecycle status.
type AgentStatus string

const (
	AgentStatusPending   AgentStatus = "PENDING"
	AgentStatusRunning   AgentStatus = "RUNNING"
	AgentStatusCompleted AgentStatus = "COMPLETED"
	AgentStatusFailed    AgentStatus = "FAILED"
)

// AgentEvent is the public view of an agent reaching a terminal status.
// No internal package imports; safe to use from outside the module.
type AgentEvent struct {
	AgentID int64
	// Provider is the agent's provider kind: "codee", "cursor" or "jules".
	Provider string
	Status   AgentStatus
	At       time.Time
}
