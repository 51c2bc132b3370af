package model

import (
	"time"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser  Sender = "USER"
	SenderAgent Sender = "AGENT"
)

// Message is one entry in an agent's conversation. Append-only.
type Message struct {
	ID        int64            `json:"id"`
	AgentID   int64            `json:"agent_id"`
	Sender    Sender           `json:"sender"`
	Content   string           `json:"content"`
	CreatedAt time.Time        `json:"created_at"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
}

// ToolCallRecord is a persisted tool invocation attached to an AGENT message.
type ToolCallRecord struct {
	ID         int64          `json:"id"`
	MessageID  int64          `json:"message_id"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments"`
	Result     string         `json:"result"`
	Status     string         `json:"status"`
	DurationMs *int64         `json:"duration_ms,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ToolCallStatusSuccess is recorded for every tool call extracted from the
// stream; failures are surfaced to the model as tool output instead.
const ToolCallStatusSuccess = "success"

// ConversationMessage is the provider-neutral view of one message, as
// returned by a provider's conversation fetch.
type ConversationMessage struct {
	ID        string           `json:"id"`
	Sender    Sender           `json:"sender"`
	Content   string           `json:"content"`
	CreatedAt *time.Time       `json:"created_at,omitempty"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
}
