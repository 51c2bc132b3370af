package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Integration slugs a user can connect.
const (
	IntegrationGitHubApp = "github_app"
	IntegrationCursor    = "cursor"
	IntegrationJules     = "jules"
)

// ValidIntegration reports whether slug names a known integration.
func ValidIntegration(slug string) bool {
	switch slug {
	case IntegrationGitHubApp, IntegrationCursor, IntegrationJules:
		return true
	}
	return false
}

// IntegrationConnection is a user's stored credential for one provider.
// Data is decrypted only at the point of use.
type IntegrationConnection struct {
	ID         int64          `json:"id"`
	UserID     uuid.UUID      `json:"user_id"`
	Provider   string         `json:"provider"`
	ExternalID string         `json:"external_id,omitempty"`
	Data       map[string]any `json:"-"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ProviderSelection picks a provider and the models to launch on it.
type ProviderSelection struct {
	Name   string        `json:"name"`
	Agents []AgentSelect `json:"agents"`
}

// AgentSelect is a single agent launch on a provider. A nil model lets the
// provider choose.
type AgentSelect struct {
	Model *string `json:"model,omitempty"`
}

// WorkerDefinition is a saved prompt plus provider selection that webhooks
// can trigger.
type WorkerDefinition struct {
	ID             int64               `json:"id"`
	UserID         uuid.UUID           `json:"user_id"`
	Slug           string              `json:"slug"`
	Prompt         string              `json:"prompt"`
	KeyHash        *string             `json:"-"`
	CloudProviders []ProviderSelection `json:"cloud_providers"`
	ToolSlugs      []string            `json:"tool_slugs"`
	CreatedAt      time.Time           `json:"created_at"`
}

// ValidateSlug checks a worker slug: lowercase letters, digits and hyphens,
// starting with a letter.
func ValidateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("slug must not be empty")
	}
	if len(slug) > 64 {
		return fmt.Errorf("slug must be at most 64 characters")
	}
	for i := 0; i < len(slug); i++ {
		c := slug[i]
		if i == 0 {
			if c < 'a' || c > 'z' {
				return fmt.Errorf("slug must start with a lowercase letter, got %q", c)
			}
			continue
		}
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return fmt.Errorf("slug contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
