package model

import (
	"fmt"
	"time"
)

// Field length limits for user-supplied text.
const (
	MaxPromptLen = 64 * 1024 // 64 KB
	MaxNameLen   = 200
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodePrecondition  = "PRECONDITION_FAILED"
)

// CreateWorkspaceRequest is the request body for POST /v1/workspaces.
type CreateWorkspaceRequest struct {
	Message            string              `json:"message"`
	RepositoryFullName string              `json:"repository_full_name"`
	BaseBranch         string              `json:"base_branch,omitempty"`
	Providers          []ProviderSelection `json:"providers"`
	ToolSlugs          []string            `json:"tool_slugs,omitempty"`
}

// Validate checks the request shape; tool slugs and provider names are
// checked by the service against its registries.
func (r CreateWorkspaceRequest) Validate() error {
	if r.Message == "" {
		return fmt.Errorf("message is required")
	}
	if len(r.Message) > MaxPromptLen {
		return fmt.Errorf("message exceeds maximum length of %d bytes", MaxPromptLen)
	}
	if err := ValidateRepositoryFullName(r.RepositoryFullName); err != nil {
		return err
	}
	if len(r.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	return nil
}

// CreateWorkspaceResponse returns the new workspace and the first agent created.
type CreateWorkspaceResponse struct {
	Workspace Workspace `json:"workspace"`
	Agent     Agent     `json:"agent"`
}

// SendMessageRequest is the request body for POST /v1/agents/{agent_id}/messages.
type SendMessageRequest struct {
	Message string `json:"message"`
}

// SendMessageResponse reports whether the provider accepted the follow-up.
type SendMessageResponse struct {
	Delivered bool `json:"delivered"`
}

// AgentStatusResponse is the response for GET /v1/agents/{agent_id}/status.
type AgentStatusResponse struct {
	AgentID       int64        `json:"agent_id"`
	Status        AgentStatus  `json:"status"`
	Provider      ProviderKind `json:"provider"`
	WorkingBranch *string      `json:"working_branch,omitempty"`
	URL           string       `json:"url,omitempty"`
}

// PutIntegrationRequest is the request body for PUT /v1/integrations/{slug}.
type PutIntegrationRequest struct {
	ExternalID string         `json:"external_id,omitempty"`
	Data       map[string]any `json:"data"`
}

// CreateWorkerRequest is the request body for POST /v1/workers.
type CreateWorkerRequest struct {
	Slug           string              `json:"slug"`
	Prompt         string              `json:"prompt"`
	CloudProviders []ProviderSelection `json:"cloud_providers"`
	ToolSlugs      []string            `json:"tool_slugs,omitempty"`
	WithKey        bool                `json:"with_key,omitempty"`
}

// CreateWorkerResponse carries the raw webhook key once; only its hash is stored.
type CreateWorkerResponse struct {
	Worker WorkerDefinition `json:"worker"`
	Key    string           `json:"key,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Stream   string `json:"stream"`
	Queue    int    `json:"queue_depth"`
	Uptime   int64  `json:"uptime_seconds"`
}
