package codee

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// EventHook receives notifications when an agent reaches COMPLETED or FAILED.
// Multiple hooks may be registered via multiple WithEventHook calls.
// Hooks run asynchronously and exactly once per agent; failures are logged
// but never change the agent's status.
type EventHook interface {
	OnAgentTerminal(ctx context.Context, event AgentEvent) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share the mux, auth chain and OTEL instrumentation with the
// built-in routes. The function is called once during New().
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// AuthHelper exposes the authenticated caller to routes registered through
// RouteRegistrar without depending on internal packages.
type AuthHelper interface {
	// UserID returns the caller's user ID, or uuid.Nil on public paths.
	UserID(r *http.Request) uuid.UUID
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including
// /health and webhooks. Multiple middlewares are applied in registration
// order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
