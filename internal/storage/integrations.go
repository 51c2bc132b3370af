package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Bardemic/codee-sub000/internal/model"
)

// SealedIntegration is an integration row whose credential payload is still
// encrypted. Storage never sees plaintext credentials.
type SealedIntegration struct {
	model.IntegrationConnection
	Sealed []byte
}

// UpsertIntegration stores or replaces a user's connection to provider.
func (db *DB) UpsertIntegration(ctx context.Context, userID uuid.UUID, provider, externalID string, sealed []byte) (SealedIntegration, error) {
	now := time.Now().UTC()
	si := SealedIntegration{Sealed: sealed}
	si.UserID = userID
	si.Provider = provider
	si.ExternalID = externalID
	err := db.pool.QueryRow(ctx,
		`INSERT INTO integration_connections (user_id, provider, external_id, sealed_data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (user_id, provider) DO UPDATE
		 SET external_id = EXCLUDED.external_id, sealed_data = EXCLUDED.sealed_data, updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at, updated_at`,
		userID, provider, externalID, sealed, now,
	).Scan(&si.ID, &si.CreatedAt, &si.UpdatedAt)
	if err != nil {
		return SealedIntegration{}, fmt.Errorf("storage: upsert integration: %w", err)
	}
	return si, nil
}

// GetIntegration returns the user's sealed connection for provider.
func (db *DB) GetIntegration(ctx context.Context, userID uuid.UUID, provider string) (SealedIntegration, error) {
	var si SealedIntegration
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, provider, external_id, sealed_data, created_at, updated_at
		 FROM integration_connections WHERE user_id = $1 AND provider = $2`,
		userID, provider,
	).Scan(&si.ID, &si.UserID, &si.Provider, &si.ExternalID, &si.Sealed, &si.CreatedAt, &si.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SealedIntegration{}, fmt.Errorf("storage: integration %s: %w", provider, ErrNotFound)
		}
		return SealedIntegration{}, fmt.Errorf("storage: get integration: %w", err)
	}
	return si, nil
}

// FindIntegrationOwner returns the user holding the connection with the given
// provider-side id (e.g. a GitHub App installation id).
func (db *DB) FindIntegrationOwner(ctx context.Context, provider, externalID string) (uuid.UUID, error) {
	var userID uuid.UUID
	err := db.pool.QueryRow(ctx,
		`SELECT user_id FROM integration_connections
		 WHERE provider = $1 AND external_id = $2
		 ORDER BY updated_at DESC LIMIT 1`,
		provider, externalID,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("storage: integration %s/%s: %w", provider, externalID, ErrNotFound)
		}
		return uuid.Nil, fmt.Errorf("storage: find integration owner: %w", err)
	}
	return userID, nil
}

// ListIntegrations returns the providers a user has connected, without payloads.
func (db *DB) ListIntegrations(ctx context.Context, userID uuid.UUID) ([]model.IntegrationConnection, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, provider, external_id, created_at, updated_at
		 FROM integration_connections WHERE user_id = $1 ORDER BY provider`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list integrations: %w", err)
	}
	defer rows.Close()

	var out []model.IntegrationConnection
	for rows.Next() {
		var c model.IntegrationConnection
		if err := rows.Scan(&c.ID, &c.UserID, &c.Provider, &c.ExternalID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan integration: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteIntegration removes a user's connection. Deleting a missing
// connection returns ErrNotFound.
func (db *DB) DeleteIntegration(ctx context.Context, userID uuid.UUID, provider string) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM integration_connections WHERE user_id = $1 AND provider = $2`, userID, provider,
	)
	if err != nil {
		return fmt.Errorf("storage: delete integration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: integration %s: %w", provider, ErrNotFound)
	}
	return nil
}
