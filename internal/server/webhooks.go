package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Bardemic/codee-sub000/internal/github"
	"github.com/Bardemic/codee-sub000/internal/model"
	"github.com/Bardemic/codee-sub000/internal/reconcile"
	"github.com/Bardemic/codee-sub000/internal/service/workspaces"
	"github.com/Bardemic/codee-sub000/internal/storage"
)

// AgentLookup resolves agents for vendor callbacks, which carry no user.
type AgentLookup interface {
	GetAgent(ctx context.Context, id int64) (model.Agent, error)
}

// readBody reads the raw, size-limited body so signatures can be checked
// over the exact bytes the sender signed.
func (h *Handlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
		return nil, false
	}
	return body, true
}

type cursorCompletion struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// HandleCursorComplete handles POST /webhooks/cursor/complete/{agent_id}.
// Terminal outcomes go through the reconciler; other states are acknowledged
// and ignored.
func (h *Handlers) HandleCursorComplete(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if h.cursorSecret != "" {
		if err := github.VerifySignature(h.cursorSecret, body, r.Header.Get("X-Webhook-Signature")); err != nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "signature mismatch")
			return
		}
	}
	agentID, err := pathID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var payload cursorCompletion
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON")
		return
	}

	agent, err := h.agents.GetAgent(r.Context(), agentID)
	if err != nil || agent.ProviderKind != model.ProviderCursor {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			h.writeServiceError(w, r, err, "failed to load agent")
			return
		}
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
		return
	}

	status, terminal := reconcile.VendorStatus(payload.Status)
	if !terminal {
		h.logger.Debug("webhook: cursor non-terminal status ignored", "agent_id", agentID, "status", payload.Status)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if _, err := h.reconciler.Transition(r.Context(), agentID, status); err != nil {
		h.writeServiceError(w, r, err, "failed to update agent status")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGitHubEvents handles POST /webhooks/github/events. An issue comment
// containing "--codee/<slug>" runs the installation owner's worker against
// the issue; every other event is acknowledged.
func (h *Handlers) HandleGitHubEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if h.githubSecret != "" {
		if err := github.VerifySignature(h.githubSecret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "signature mismatch")
			return
		}
	}
	event := r.Header.Get("X-GitHub-Event")
	if event == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "missing X-GitHub-Event header")
		return
	}
	if event != "issue_comment" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	cmd, err := github.ParseIssueCommand(body)
	if errors.Is(err, github.ErrNoCommand) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	resp, err := h.svc.TriggerFromGitHub(r.Context(), workspaces.GitHubIssue{
		InstallationID: cmd.InstallationID,
		Repository:     cmd.Repository,
		Slug:           cmd.Slug,
		Title:          cmd.IssueTitle,
		Body:           cmd.IssueBody,
	})
	if err != nil {
		h.writeServiceError(w, r, err, "failed to trigger worker")
		return
	}
	writeJSON(w, r, http.StatusCreated, resp)
}

// HandlePostHogIssue handles POST /webhooks/posthog/issue. The worker key in
// the body authenticates the caller.
func (h *Handlers) HandlePostHogIssue(w http.ResponseWriter, r *http.Request) {
	var ev workspaces.PostHogEvent
	if err := decodeJSON(w, r, &ev, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if ev.WorkerSlug == "" || ev.Key == "" || ev.Repository == "" || len(ev.Event) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "worker_slug, key, repository and event are required")
		return
	}
	resp, err := h.svc.TriggerFromPostHog(r.Context(), ev)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to trigger worker")
		return
	}
	writeJSON(w, r, http.StatusCreated, resp)
}
