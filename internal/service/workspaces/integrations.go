package workspaces

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Bardemic/codee-sub000/internal/model"
)

// PutIntegration seals and stores the user's credentials for slug. Cached
// vendor clients for the pair are dropped by the credential store.
func (s *Service) PutIntegration(ctx context.Context, userID uuid.UUID, slug string, req model.PutIntegrationRequest) (model.IntegrationConnection, error) {
	if !model.ValidIntegration(slug) {
		return model.IntegrationConnection{}, invalid("unknown integration %q", slug)
	}
	if slug != model.IntegrationGitHubApp {
		if key, _ := req.Data["apiKey"].(string); key == "" {
			return model.IntegrationConnection{}, invalid("data.apiKey is required for %s", slug)
		}
	} else if req.ExternalID == "" {
		return model.IntegrationConnection{}, invalid("external_id (installation id) is required for %s", slug)
	}
	conn, err := s.integrations.Put(ctx, userID, slug, req.ExternalID, req.Data)
	if err != nil {
		return model.IntegrationConnection{}, fmt.Errorf("workspaces: put integration: %w", err)
	}
	s.logger.Info("workspaces: integration connected", "provider", slug, "user_id", userID)
	return conn, nil
}

// DeleteIntegration removes the user's credentials for slug.
func (s *Service) DeleteIntegration(ctx context.Context, userID uuid.UUID, slug string) error {
	if !model.ValidIntegration(slug) {
		return invalid("unknown integration %q", slug)
	}
	if err := s.integrations.Delete(ctx, userID, slug); err != nil {
		return fmt.Errorf("workspaces: delete integration: %w", err)
	}
	return nil
}

// ListIntegrations returns the user's connections without their secrets.
func (s *Service) ListIntegrations(ctx context.Context, userID uuid.UUID) ([]model.IntegrationConnection, error) {
	out, err := s.store.ListIntegrations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("workspaces: list integrations: %w", err)
	}
	if out == nil {
		out = []model.IntegrationConnection{}
	}
	return out, nil
}
