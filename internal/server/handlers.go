package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Bardemic/codee-sub000/internal/credentials"
	"github.com/Bardemic/codee-sub000/internal/ctxutil"
	"github.com/Bardemic/codee-sub000/internal/jobqueue"
	"github.com/Bardemic/codee-sub000/internal/model"
	"github.com/Bardemic/codee-sub000/internal/provider"
	"github.com/Bardemic/codee-sub000/internal/reconcile"
	"github.com/Bardemic/codee-sub000/internal/service/workspaces"
	"github.com/Bardemic/codee-sub000/internal/storage"
	"github.com/Bardemic/codee-sub000/internal/stream"
)

// Pinger reports backend connectivity for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueStats reports job queue depth for /health.
type QueueStats interface {
	Stats(ctx context.Context) (jobqueue.Stats, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	svc                 *workspaces.Service
	stream              stream.Stream
	reconciler          *reconcile.Reconciler
	agents              AgentLookup
	db                  Pinger
	queue               QueueStats
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	cursorSecret        string
	githubSecret        string
	sseBlock            time.Duration
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): DB, Queue. Empty webhook secrets disable signature
// checks for that vendor.
type HandlersDeps struct {
	Service             *workspaces.Service
	Stream              stream.Stream
	Reconciler          *reconcile.Reconciler
	Agents              AgentLookup
	DB                  Pinger
	Queue               QueueStats
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	CursorWebhookSecret string
	GitHubWebhookSecret string
	// SSEBlock bounds each stream read and sets the keepalive cadence.
	SSEBlock time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	block := d.SSEBlock
	if block <= 0 {
		block = 15 * time.Second
	}
	return &Handlers{
		svc:                 d.Service,
		stream:              d.Stream,
		reconciler:          d.Reconciler,
		agents:              d.Agents,
		db:                  d.DB,
		queue:               d.Queue,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
		cursorSecret:        d.CursorWebhookSecret,
		githubSecret:        d.GitHubWebhookSecret,
		sseBlock:            block,
	}
}

// HandleCreateWorkspace handles POST /v1/workspaces.
func (h *Handlers) HandleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req model.CreateWorkspaceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	resp, err := h.svc.Create(r.Context(), userID(r), req)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to create workspace")
		return
	}
	writeJSON(w, r, http.StatusCreated, resp)
}

// HandleListWorkspaces handles GET /v1/workspaces.
func (h *Handlers) HandleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	offset := queryOffset(r)
	out, err := h.svc.List(r.Context(), userID(r), limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list workspaces")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"workspaces": out,
		"limit":      limit,
		"offset":     offset,
	})
}

// HandleGetWorkspace handles GET /v1/workspaces/{id}.
func (h *Handlers) HandleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	ws, err := h.svc.Get(r.Context(), userID(r), id)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to get workspace")
		return
	}
	writeJSON(w, r, http.StatusOK, ws)
}

// HandleAgentMessages handles GET /v1/agents/{agent_id}/messages.
func (h *Handlers) HandleAgentMessages(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	msgs, err := h.svc.Messages(r.Context(), userID(r), agentID)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to fetch messages")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"messages": msgs})
}

// HandleSendMessage handles POST /v1/agents/{agent_id}/messages.
func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.SendMessageRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	resp, err := h.svc.SendMessage(r.Context(), userID(r), agentID, req.Message)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to send message")
		return
	}
	writeJSON(w, r, http.StatusAccepted, resp)
}

// HandleAgentStatus handles GET /v1/agents/{agent_id}/status.
func (h *Handlers) HandleAgentStatus(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	resp, err := h.svc.AgentStatus(r.Context(), userID(r), agentID)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to get agent status")
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListIntegrations handles GET /v1/integrations.
func (h *Handlers) HandleListIntegrations(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ListIntegrations(r.Context(), userID(r))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list integrations")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"integrations": out})
}

// HandlePutIntegration handles PUT /v1/integrations/{slug}.
func (h *Handlers) HandlePutIntegration(w http.ResponseWriter, r *http.Request) {
	var req model.PutIntegrationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	conn, err := h.svc.PutIntegration(r.Context(), userID(r), r.PathValue("slug"), req)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to save integration")
		return
	}
	writeJSON(w, r, http.StatusOK, conn)
}

// HandleDeleteIntegration handles DELETE /v1/integrations/{slug}.
func (h *Handlers) HandleDeleteIntegration(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteIntegration(r.Context(), userID(r), r.PathValue("slug")); err != nil {
		h.writeServiceError(w, r, err, "failed to delete integration")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCreateWorker handles POST /v1/workers.
func (h *Handlers) HandleCreateWorker(w http.ResponseWriter, r *http.Request) {
	var req model.CreateWorkerRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	resp, err := h.svc.CreateWorker(r.Context(), userID(r), req)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to create worker")
		return
	}
	writeJSON(w, r, http.StatusCreated, resp)
}

// HandleListWorkers handles GET /v1/workers.
func (h *Handlers) HandleListWorkers(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ListWorkers(r.Context(), userID(r))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list workers")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"workers": out})
}

// HandleDeleteWorker handles DELETE /v1/workers/{id}.
func (h *Handlers) HandleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.svc.DeleteWorker(r.Context(), userID(r), id); err != nil {
		h.writeServiceError(w, r, err, "failed to delete worker")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	pgStatus := "connected"
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			pgStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	streamStatus := "connected"
	if err := h.stream.Ping(r.Context()); err != nil {
		streamStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	depth := 0
	if h.queue != nil {
		if stats, err := h.queue.Stats(r.Context()); err == nil {
			depth = int(stats.Queued)
		} else if status == "healthy" {
			status = "degraded"
		}
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Stream:   streamStatus,
		Queue:    depth,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// writeServiceError maps service and storage errors onto API status codes.
// Unrecognized errors are logged and reported as a generic 500.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, workspaces.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, workspaces.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid worker key")
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, credentials.ErrNotConnected):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, storage.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "already exists")
	case errors.Is(err, provider.ErrMissingCredential):
		writeError(w, r, http.StatusPreconditionFailed, model.ErrCodePrecondition, err.Error())
	case errors.Is(err, provider.ErrNoWorkingBranch), errors.Is(err, provider.ErrNoConversation):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, provider.ErrUnknownProvider):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	default:
		h.logger.Error("http: "+fallback, "error", err, "request_id", ctxutil.RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, fallback)
	}
}

func pathID(r *http.Request, key string) (int64, error) {
	raw := r.PathValue(key)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s: %s", key, raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 200

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// userID is shorthand for handlers that only need the caller's id.
func userID(r *http.Request) uuid.UUID {
	return ctxutil.UserIDFromContext(r.Context())
}
