package workspaces

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Bardemic/codee-sub000/internal/auth"
	"github.com/Bardemic/codee-sub000/internal/model"
	"github.com/Bardemic/codee-sub000/internal/tools"
)

// ErrUnauthorized is returned when a webhook key matches no worker.
var ErrUnauthorized = errors.New("workspaces: unauthorized")

// CreateWorker saves a worker definition. With req.WithKey a webhook key is
// generated; only its hash is stored and the key is returned once.
func (s *Service) CreateWorker(ctx context.Context, userID uuid.UUID, req model.CreateWorkerRequest) (model.CreateWorkerResponse, error) {
	if err := model.ValidateSlug(req.Slug); err != nil {
		return model.CreateWorkerResponse{}, invalid("%s", err)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return model.CreateWorkerResponse{}, invalid("prompt is required")
	}
	if len(req.Prompt) > model.MaxPromptLen {
		return model.CreateWorkerResponse{}, invalid("prompt exceeds maximum length of %d bytes", model.MaxPromptLen)
	}
	if err := tools.ValidateSlugs(req.ToolSlugs); err != nil {
		return model.CreateWorkerResponse{}, invalid("%s", err)
	}
	if _, err := s.resolve(req.CloudProviders); err != nil {
		return model.CreateWorkerResponse{}, err
	}

	w := model.WorkerDefinition{
		UserID:         userID,
		Slug:           req.Slug,
		Prompt:         req.Prompt,
		CloudProviders: req.CloudProviders,
		ToolSlugs:      req.ToolSlugs,
	}
	var key string
	if req.WithKey {
		var err error
		key, err = auth.GenerateWorkerKey()
		if err != nil {
			return model.CreateWorkerResponse{}, err
		}
		hash, err := auth.HashKey(key)
		if err != nil {
			return model.CreateWorkerResponse{}, err
		}
		w.KeyHash = &hash
	}

	created, err := s.store.CreateWorker(ctx, w)
	if err != nil {
		return model.CreateWorkerResponse{}, fmt.Errorf("workspaces: create worker: %w", err)
	}
	return model.CreateWorkerResponse{Worker: created, Key: key}, nil
}

// ListWorkers returns the user's worker definitions.
func (s *Service) ListWorkers(ctx context.Context, userID uuid.UUID) ([]model.WorkerDefinition, error) {
	out, err := s.store.ListWorkers(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("workspaces: list workers: %w", err)
	}
	if out == nil {
		out = []model.WorkerDefinition{}
	}
	return out, nil
}

// DeleteWorker removes one of the user's worker definitions.
func (s *Service) DeleteWorker(ctx context.Context, userID uuid.UUID, id int64) error {
	if err := s.store.DeleteWorker(ctx, userID, id); err != nil {
		return fmt.Errorf("workspaces: delete worker: %w", err)
	}
	return nil
}

// TriggerWorker creates a workspace on behalf of the worker's owner using the
// worker's providers and tools.
func (s *Service) TriggerWorker(ctx context.Context, w model.WorkerDefinition, repository, message string) (model.CreateWorkspaceResponse, error) {
	req := model.CreateWorkspaceRequest{
		Message:            message,
		RepositoryFullName: repository,
		Providers:          w.CloudProviders,
		ToolSlugs:          w.ToolSlugs,
	}
	if err := req.Validate(); err != nil {
		return model.CreateWorkspaceResponse{}, invalid("%s", err)
	}
	resp, err := s.create(ctx, w.UserID, &w.ID, req)
	if err != nil {
		return model.CreateWorkspaceResponse{}, err
	}
	s.logger.Info("workspaces: worker triggered", "worker", w.Slug, "workspace_id", resp.Workspace.ID)
	return resp, nil
}

// GitHubIssue is an issue comment that invoked a worker.
type GitHubIssue struct {
	InstallationID int64
	Repository     string
	Slug           string
	Title          string
	Body           string
}

// TriggerFromGitHub resolves the installation's owner and runs their worker
// against the issue.
func (s *Service) TriggerFromGitHub(ctx context.Context, issue GitHubIssue) (model.CreateWorkspaceResponse, error) {
	owner, err := s.store.FindIntegrationOwner(ctx, model.IntegrationGitHubApp, strconv.FormatInt(issue.InstallationID, 10))
	if err != nil {
		return model.CreateWorkspaceResponse{}, fmt.Errorf("workspaces: installation %d: %w", issue.InstallationID, err)
	}
	w, err := s.store.GetWorkerBySlug(ctx, owner, issue.Slug)
	if err != nil {
		return model.CreateWorkspaceResponse{}, fmt.Errorf("workspaces: worker: %w", err)
	}
	message := w.Prompt + "\n\nGitHub Issue Title: " + issue.Title + "\n\nDescription: " + issue.Body
	return s.TriggerWorker(ctx, w, issue.Repository, message)
}

// PostHogEvent is a PostHog issue webhook payload.
type PostHogEvent struct {
	WorkerSlug string          `json:"worker_slug"`
	Key        string          `json:"key"`
	Repository string          `json:"repository"`
	Event      json.RawMessage `json:"event"`
}

// TriggerFromPostHog authenticates the key against every keyed worker with
// the slug and runs the first match.
func (s *Service) TriggerFromPostHog(ctx context.Context, ev PostHogEvent) (model.CreateWorkspaceResponse, error) {
	if ev.WorkerSlug == "" || ev.Key == "" {
		return model.CreateWorkspaceResponse{}, invalid("worker_slug and key are required")
	}
	candidates, err := s.store.ListWorkersBySlug(ctx, ev.WorkerSlug)
	if err != nil {
		return model.CreateWorkspaceResponse{}, fmt.Errorf("workspaces: workers: %w", err)
	}
	if len(candidates) == 0 {
		auth.DummyVerify()
		return model.CreateWorkspaceResponse{}, ErrUnauthorized
	}

	for _, w := range candidates {
		if w.KeyHash == nil {
			continue
		}
		ok, err := auth.VerifyKey(ev.Key, *w.KeyHash)
		if err != nil {
			s.logger.Warn("workspaces: malformed worker key hash", "worker_id", w.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		event := ev.Event
		var compact bytes.Buffer
		if len(event) > 0 && json.Compact(&compact, event) == nil {
			event = compact.Bytes()
		}
		if len(event) == 0 {
			event = json.RawMessage("null")
		}
		message := w.Prompt + "\n\nPostHog event data: " + string(event)
		return s.TriggerWorker(ctx, w, ev.Repository, message)
	}
	return model.CreateWorkspaceResponse{}, ErrUnauthorized
}
