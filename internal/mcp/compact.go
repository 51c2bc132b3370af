package mcp

import (
	"github.com/Bardemic/codee-sub000/internal/model"
)

const (
	maxCompactContent    = 2000
	maxCompactToolResult = 200
)

// compactWorkspace drops the embedded agent list and bookkeeping an assistant
// does not act on.
func compactWorkspace(w model.Workspace) map[string]any {
	m := map[string]any{
		"id":          w.ID,
		"name":        w.Name,
		"repository":  w.RepositoryFullName,
		"base_branch": w.BaseBranch,
		"created_at":  w.CreatedAt,
	}
	if n := len(w.Agents); n > 0 {
		m["agent_count"] = n
	}
	return m
}

// compactAgent keeps identity, progress and where to look at the result.
func compactAgent(a model.Agent) map[string]any {
	m := map[string]any{
		"id":       a.ID,
		"provider": a.ProviderKind,
		"status":   a.Status,
	}
	if a.Model != nil {
		m["model"] = *a.Model
	}
	if a.WorkingBranch != nil {
		m["working_branch"] = *a.WorkingBranch
	}
	if a.URL != "" {
		m["url"] = a.URL
	}
	if note := statusNote(a.Status); note != "" {
		m["note"] = note
	}
	return m
}

func statusNote(s model.AgentStatus) string {
	switch s {
	case model.AgentStatusPending, model.AgentStatusRunning:
		return "still working; poll codee_agent_status or read the agent's messages later"
	case model.AgentStatusFailed:
		return "failed; read the agent's messages for the error before retrying"
	}
	return ""
}

// compactMessages trims long content and reduces tool calls to their name,
// status and a short result preview.
func compactMessages(msgs []model.ConversationMessage) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, msg := range msgs {
		m := map[string]any{
			"sender":  msg.Sender,
			"content": truncate(msg.Content, maxCompactContent),
		}
		if msg.CreatedAt != nil {
			m["created_at"] = msg.CreatedAt
		}
		if len(msg.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				call := map[string]any{"tool": tc.ToolName, "status": tc.Status}
				if tc.Result != "" {
					call["result"] = truncate(tc.Result, maxCompactToolResult)
				}
				calls = append(calls, call)
			}
			m["tool_calls"] = calls
		}
		out = append(out, m)
	}
	return out
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
