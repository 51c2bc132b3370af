package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/Bardemic/codee-sub000/internal/model"
	"github.com/Bardemic/codee-sub000/internal/provider"
	"github.com/Bardemic/codee-sub000/internal/service/workspaces"
	"github.com/Bardemic/codee-sub000/internal/storage"
)

func (s *Server) registerTools() {
	// codee_create_workspace: launch one or more agents on a repository.
	s.mcpServer.AddTool(
		mcplib.NewTool("codee_create_workspace",
			mcplib.WithDescription(`Start a workspace: launch coding agents on a GitHub repository with an initial task.

Each entry in providers is a provider name, optionally followed by a model
("codee", "cursor:gpt-5", "jules"). Repeat a provider to launch several agents
on it. Returns the workspace and the first agent; poll codee_agent_status or
read codee://agent/{id}/messages to follow progress.`),
			mcplib.WithString("message", mcplib.Description("The task for the agents"), mcplib.Required()),
			mcplib.WithString("repository", mcplib.Description("Repository full name, e.g. acme/web"), mcplib.Required()),
			mcplib.WithString("base_branch", mcplib.Description("Branch to start from (default: main)")),
			mcplib.WithArray("providers",
				mcplib.Description("Providers to launch, as name or name:model"),
				mcplib.Required(),
				mcplib.WithStringItems(),
			),
			mcplib.WithArray("tool_slugs",
				mcplib.Description("Extra tool bundles for self-hosted agents (e.g. github)"),
				mcplib.WithStringItems(),
			),
		),
		s.handleCreateWorkspace,
	)

	// codee_send_message: follow-up instruction for an existing agent.
	s.mcpServer.AddTool(
		mcplib.NewTool("codee_send_message",
			mcplib.WithDescription("Send a follow-up instruction to an existing agent. The agent must have a working branch."),
			mcplib.WithNumber("agent_id", mcplib.Description("Agent ID"), mcplib.Required()),
			mcplib.WithString("message", mcplib.Description("Follow-up instruction"), mcplib.Required()),
		),
		s.handleSendMessage,
	)

	// codee_agent_status: lifecycle status and branch.
	s.mcpServer.AddTool(
		mcplib.NewTool("codee_agent_status",
			mcplib.WithDescription("Get an agent's lifecycle status (RUNNING, COMPLETED, FAILED), provider and working branch."),
			mcplib.WithNumber("agent_id", mcplib.Description("Agent ID"), mcplib.Required()),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleAgentStatus,
	)

	// codee_agent_messages: conversation transcript.
	s.mcpServer.AddTool(
		mcplib.NewTool("codee_agent_messages",
			mcplib.WithDescription("Read an agent's conversation, oldest first, with the tools it called."),
			mcplib.WithNumber("agent_id", mcplib.Description("Agent ID"), mcplib.Required()),
			mcplib.WithBoolean("full", mcplib.Description("Return full tool arguments and results instead of a compact view")),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleAgentMessages,
	)
}

func (s *Server) handleCreateWorkspace(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	selections, err := parseProviders(request.GetStringSlice("providers", nil))
	if err != nil {
		return errorResult(err.Error()), nil
	}

	resp, err := s.svc.Create(ctx, userID, model.CreateWorkspaceRequest{
		Message:            request.GetString("message", ""),
		RepositoryFullName: request.GetString("repository", ""),
		BaseBranch:         request.GetString("base_branch", ""),
		Providers:          selections,
		ToolSlugs:          request.GetStringSlice("tool_slugs", nil),
	})
	if err != nil {
		return s.toolError("create workspace", err), nil
	}

	return jsonResult(map[string]any{
		"workspace": compactWorkspace(resp.Workspace),
		"agent":     compactAgent(resp.Agent),
	})
}

func (s *Server) handleSendMessage(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	agentID := int64(request.GetInt("agent_id", 0))
	if agentID <= 0 {
		return errorResult("agent_id is required"), nil
	}
	message := request.GetString("message", "")
	if message == "" {
		return errorResult("message is required"), nil
	}

	resp, err := s.svc.SendMessage(ctx, userID, agentID, message)
	if err != nil {
		return s.toolError("send message", err), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleAgentStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	agentID := int64(request.GetInt("agent_id", 0))
	if agentID <= 0 {
		return errorResult("agent_id is required"), nil
	}

	resp, err := s.svc.AgentStatus(ctx, userID, agentID)
	if err != nil {
		return s.toolError("agent status", err), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleAgentMessages(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	agentID := int64(request.GetInt("agent_id", 0))
	if agentID <= 0 {
		return errorResult("agent_id is required"), nil
	}

	msgs, err := s.svc.Messages(ctx, userID, agentID)
	if err != nil {
		return s.toolError("agent messages", err), nil
	}
	if request.GetBool("full", false) {
		return jsonResult(map[string]any{"agent_id": agentID, "messages": msgs})
	}
	return jsonResult(map[string]any{"agent_id": agentID, "messages": compactMessages(msgs)})
}

// toolError turns a service error into a tool result. Caller mistakes are
// reported verbatim; anything else is logged and reported generically.
func (s *Server) toolError(op string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, workspaces.ErrInvalidInput),
		errors.Is(err, provider.ErrUnknownProvider),
		errors.Is(err, provider.ErrMissingCredential),
		errors.Is(err, provider.ErrNoWorkingBranch),
		errors.Is(err, provider.ErrNoConversation):
		return errorResult(err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return errorResult("agent or workspace not found")
	}
	s.logger.Error("mcp: "+op+" failed", "error", err)
	return errorResult(fmt.Sprintf("failed to %s", op))
}

// parseProviders converts "name" and "name:model" entries into provider
// selections. Repeated names launch several agents on one provider.
func parseProviders(entries []string) ([]model.ProviderSelection, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("providers is required")
	}
	var out []model.ProviderSelection
	index := map[string]int{}
	for _, entry := range entries {
		name, mdl, _ := strings.Cut(strings.TrimSpace(entry), ":")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return nil, fmt.Errorf("empty provider entry %q", entry)
		}
		var sel model.AgentSelect
		if mdl = strings.TrimSpace(mdl); mdl != "" {
			sel.Model = &mdl
		}
		i, ok := index[name]
		if !ok {
			i = len(out)
			index[name] = i
			out = append(out, model.ProviderSelection{Name: name})
		}
		out[i].Agents = append(out[i].Agents, sel)
	}
	return out, nil
}
