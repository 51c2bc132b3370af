package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Bardemic/codee-sub000/internal/model"
)

const workerColumns = `id, user_id, slug, prompt, key_hash, cloud_providers, tool_slugs, created_at`

func scanWorker(row pgx.Row) (model.WorkerDefinition, error) {
	var w model.WorkerDefinition
	err := row.Scan(&w.ID, &w.UserID, &w.Slug, &w.Prompt, &w.KeyHash, &w.CloudProviders, &w.ToolSlugs, &w.CreatedAt)
	return w, err
}

// CreateWorker inserts a worker definition. A duplicate slug for the same
// user returns ErrConflict.
func (db *DB) CreateWorker(ctx context.Context, w model.WorkerDefinition) (model.WorkerDefinition, error) {
	if w.CloudProviders == nil {
		w.CloudProviders = []model.ProviderSelection{}
	}
	if w.ToolSlugs == nil {
		w.ToolSlugs = []string{}
	}
	out, err := scanWorker(db.pool.QueryRow(ctx,
		`INSERT INTO worker_definitions (user_id, slug, prompt, key_hash, cloud_providers, tool_slugs)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+workerColumns,
		w.UserID, w.Slug, w.Prompt, w.KeyHash, w.CloudProviders, w.ToolSlugs,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return model.WorkerDefinition{}, fmt.Errorf("storage: worker %q: %w", w.Slug, ErrConflict)
		}
		return model.WorkerDefinition{}, fmt.Errorf("storage: create worker: %w", err)
	}
	return out, nil
}

// GetWorkerBySlug returns the user's worker with the given slug.
func (db *DB) GetWorkerBySlug(ctx context.Context, userID uuid.UUID, slug string) (model.WorkerDefinition, error) {
	w, err := scanWorker(db.pool.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM worker_definitions WHERE user_id = $1 AND slug = $2`, userID, slug,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkerDefinition{}, fmt.Errorf("storage: worker %q: %w", slug, ErrNotFound)
		}
		return model.WorkerDefinition{}, fmt.Errorf("storage: get worker: %w", err)
	}
	return w, nil
}

// ListWorkersBySlug returns every keyed worker with the given slug across all
// users. Key-authenticated webhooks carry only a slug and a key, so the
// caller verifies the key against each candidate.
func (db *DB) ListWorkersBySlug(ctx context.Context, slug string) ([]model.WorkerDefinition, error) {
	return db.queryWorkers(ctx,
		`SELECT `+workerColumns+` FROM worker_definitions
		 WHERE slug = $1 AND key_hash IS NOT NULL ORDER BY id`, slug)
}

// ListWorkers returns a user's worker definitions.
func (db *DB) ListWorkers(ctx context.Context, userID uuid.UUID) ([]model.WorkerDefinition, error) {
	return db.queryWorkers(ctx,
		`SELECT `+workerColumns+` FROM worker_definitions WHERE user_id = $1 ORDER BY slug`, userID)
}

func (db *DB) queryWorkers(ctx context.Context, query string, args ...any) ([]model.WorkerDefinition, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list workers: %w", err)
	}
	defer rows.Close()

	var out []model.WorkerDefinition
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWorker removes a user's worker definition.
func (db *DB) DeleteWorker(ctx context.Context, userID uuid.UUID, id int64) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM worker_definitions WHERE user_id = $1 AND id = $2`, userID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: delete worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: worker %d: %w", id, ErrNotFound)
	}
	return nil
}
