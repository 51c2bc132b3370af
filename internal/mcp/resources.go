package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	agentURIPrefix = "codee://agent/"
	recentLimit    = 20
)

func (s *Server) registerResources() {
	// codee://workspaces/recent: the caller's most recent workspaces.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"codee://workspaces/recent",
			"Recent Workspaces",
			mcplib.WithResourceDescription("The caller's most recent workspaces with their agents"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleWorkspacesRecent,
	)

	// codee://agent/{id}/messages: an agent's conversation.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"codee://agent/{id}/messages",
			"Agent Messages",
			mcplib.WithTemplateDescription("Conversation for a specific agent, oldest first"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgentMessagesResource,
	)

	// codee://agent/{id}/status: an agent's lifecycle status.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"codee://agent/{id}/status",
			"Agent Status",
			mcplib.WithTemplateDescription("Lifecycle status and working branch for a specific agent"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgentStatusResource,
	)
}

func (s *Server) handleWorkspacesRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent workspaces: %w", err)
	}
	list, err := s.svc.List(ctx, userID, recentLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent workspaces: %w", err)
	}

	out := make([]map[string]any, 0, len(list))
	for _, w := range list {
		m := compactWorkspace(w)
		agents := make([]map[string]any, 0, len(w.Agents))
		for _, a := range w.Agents {
			agents = append(agents, compactAgent(a))
		}
		m["agents"] = agents
		out = append(out, m)
	}
	return jsonContents(request.Params.URI, map[string]any{"workspaces": out})
}

func (s *Server) handleAgentMessagesResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	agentID, err := parseAgentURI(uri, "messages")
	if err != nil {
		return nil, err
	}
	userID, err := callerID(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: agent messages: %w", err)
	}
	msgs, err := s.svc.Messages(ctx, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("mcp: agent messages: %w", err)
	}
	return jsonContents(uri, map[string]any{"agent_id": agentID, "messages": compactMessages(msgs)})
}

func (s *Server) handleAgentStatusResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	agentID, err := parseAgentURI(uri, "status")
	if err != nil {
		return nil, err
	}
	userID, err := callerID(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: agent status: %w", err)
	}
	status, err := s.svc.AgentStatus(ctx, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("mcp: agent status: %w", err)
	}
	return jsonContents(uri, status)
}

// parseAgentURI extracts the agent ID from codee://agent/{id}/{suffix}.
func parseAgentURI(uri, suffix string) (int64, error) {
	rest, ok := strings.CutPrefix(uri, agentURIPrefix)
	if !ok {
		return 0, fmt.Errorf("mcp: invalid agent URI: %s", uri)
	}
	raw, ok := strings.CutSuffix(rest, "/"+suffix)
	if !ok {
		return 0, fmt.Errorf("mcp: invalid agent URI: %s", uri)
	}
	if raw == "" {
		return 0, fmt.Errorf("mcp: empty agent id in URI: %s", uri)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("mcp: agent id must be a positive integer: %s", uri)
	}
	return id, nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
