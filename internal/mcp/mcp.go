// Package mcp implements the Model Context Protocol server for Codee.
//
// The MCP server exposes workspace operations through MCP tools, resources
// and prompts, so an MCP-compatible assistant can launch coding agents and
// follow their progress. Every handler delegates to the workspace service,
// which keeps validation and ownership rules identical to the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Bardemic/codee-sub000/internal/ctxutil"
	"github.com/Bardemic/codee-sub000/internal/service/workspaces"
)

// Server wraps the MCP server with Codee's workspace service.
type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       *workspaces.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts.
func New(svc *workspaces.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		svc:    svc,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"codee",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// callerID returns the authenticated user. The HTTP auth middleware runs
// before the MCP transport, so a missing identity means a misrouted request.
func callerID(ctx context.Context) (uuid.UUID, error) {
	id := ctxutil.UserIDFromContext(ctx)
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("no authenticated user")
	}
	return id, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
