package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Bardemic/codee-sub000/internal/auth"
	"github.com/Bardemic/codee-sub000/internal/ratelimit"
	"github.com/Bardemic/codee-sub000/internal/reconcile"
	"github.com/Bardemic/codee-sub000/internal/service/workspaces"
	"github.com/Bardemic/codee-sub000/internal/stream"
)

// Server is the Codee HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): DB, Queue, Limiter, MCPServer, ExtraRoutes,
// Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Service    *workspaces.Service
	Stream     stream.Stream
	Reconciler *reconcile.Reconciler
	Agents     AgentLookup
	JWTMgr     *auth.JWTManager
	Logger     *slog.Logger

	// Optional dependencies (nil = disabled).
	DB        Pinger
	Queue     QueueStats
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// Webhook signing secrets. Empty skips verification for that sender.
	CursorWebhookSecret string
	GitHubWebhookSecret string

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	SSEBlock            time.Duration

	// ExtraRoutes are registered on the mux after the built-in routes and
	// sit behind the same auth middleware.
	ExtraRoutes []func(*http.ServeMux)
	// Middlewares wrap the whole handler chain, outermost first.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Service:             cfg.Service,
		Stream:              cfg.Stream,
		Reconciler:          cfg.Reconciler,
		Agents:              cfg.Agents,
		DB:                  cfg.DB,
		Queue:               cfg.Queue,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CursorWebhookSecret: cfg.CursorWebhookSecret,
		GitHubWebhookSecret: cfg.GitHubWebhookSecret,
		SSEBlock:            cfg.SSEBlock,
	})

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.Limiter != nil {
		limiter = cfg.Limiter
	}
	userRL := ratelimit.Middleware(limiter, ratelimit.UserKeyFunc, cfg.Logger)
	ipRL := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, cfg.Logger)
	limited := func(fn http.HandlerFunc) http.Handler { return userRL(fn) }

	mux := http.NewServeMux()

	// Workspaces.
	mux.Handle("POST /v1/workspaces", limited(h.HandleCreateWorkspace))
	mux.Handle("GET /v1/workspaces", limited(h.HandleListWorkspaces))
	mux.Handle("GET /v1/workspaces/{id}", limited(h.HandleGetWorkspace))

	// Agents.
	mux.Handle("GET /v1/agents/{agent_id}/messages", limited(h.HandleAgentMessages))
	mux.Handle("POST /v1/agents/{agent_id}/messages", limited(h.HandleSendMessage))
	mux.Handle("GET /v1/agents/{agent_id}/status", limited(h.HandleAgentStatus))

	// Event stream (no rate limit, long-lived connection).
	mux.HandleFunc("GET /v1/agents/{agent_id}/events", h.HandleAgentEvents)

	// Integrations and worker definitions.
	mux.Handle("GET /v1/integrations", limited(h.HandleListIntegrations))
	mux.Handle("PUT /v1/integrations/{slug}", limited(h.HandlePutIntegration))
	mux.Handle("DELETE /v1/integrations/{slug}", limited(h.HandleDeleteIntegration))
	mux.Handle("POST /v1/workers", limited(h.HandleCreateWorker))
	mux.Handle("GET /v1/workers", limited(h.HandleListWorkers))
	mux.Handle("DELETE /v1/workers/{id}", limited(h.HandleDeleteWorker))

	// Webhooks (no bearer auth, rate limited by IP).
	mux.Handle("POST /webhooks/cursor/complete/{agent_id}", ipRL(http.HandlerFunc(h.HandleCursorComplete)))
	mux.Handle("POST /webhooks/github/events", ipRL(http.HandlerFunc(h.HandleGitHubEvents)))
	mux.Handle("POST /webhooks/posthog/issue", ipRL(http.HandlerFunc(h.HandlePostHogIssue)))

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", userRL(mcpHTTP))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// extra → request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(mux, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
