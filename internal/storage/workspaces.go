package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Bardemic/codee-sub000/internal/model"
)

// CreateWorkspace inserts a workspace and returns it with ID and timestamps set.
func (db *DB) CreateWorkspace(ctx context.Context, w model.Workspace) (model.Workspace, error) {
	if w.BaseBranch == "" {
		w.BaseBranch = model.DefaultBaseBranch
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO workspaces (user_id, name, repository_full_name, base_branch, worker_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		w.UserID, w.Name, w.RepositoryFullName, w.BaseBranch, w.WorkerID,
	).Scan(&w.ID, &w.CreatedAt)
	if err != nil {
		return model.Workspace{}, fmt.Errorf("storage: create workspace: %w", err)
	}
	return w, nil
}

// GetWorkspace retrieves a workspace by ID without an ownership check. Used
// by background workers that already hold an agent reference.
func (db *DB) GetWorkspace(ctx context.Context, id int64) (model.Workspace, error) {
	var w model.Workspace
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, name, repository_full_name, base_branch, worker_id, created_at
		 FROM workspaces WHERE id = $1`, id,
	).Scan(&w.ID, &w.UserID, &w.Name, &w.RepositoryFullName, &w.BaseBranch, &w.WorkerID, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Workspace{}, fmt.Errorf("storage: workspace %d: %w", id, ErrNotFound)
		}
		return model.Workspace{}, fmt.Errorf("storage: get workspace: %w", err)
	}
	return w, nil
}

// GetWorkspaceForUser retrieves a workspace and its agents, scoped to userID.
func (db *DB) GetWorkspaceForUser(ctx context.Context, userID uuid.UUID, id int64) (model.Workspace, error) {
	w, err := db.GetWorkspace(ctx, id)
	if err != nil {
		return model.Workspace{}, err
	}
	if w.UserID != userID {
		return model.Workspace{}, fmt.Errorf("storage: workspace %d: %w", id, ErrNotFound)
	}
	w.Agents, err = db.ListAgentsByWorkspace(ctx, id)
	if err != nil {
		return model.Workspace{}, err
	}
	return w, nil
}

// ListWorkspaces returns a user's workspaces, most recently active first.
// Activity is the latest message across the workspace's agents, falling back
// to creation time.
func (db *DB) ListWorkspaces(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Workspace, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT w.id, w.user_id, w.name, w.repository_full_name, w.base_branch, w.worker_id, w.created_at,
		        (SELECT max(m.created_at) FROM messages m JOIN agents a ON a.id = m.agent_id
		         WHERE a.workspace_id = w.id) AS last_activity
		 FROM workspaces w
		 WHERE w.user_id = $1
		 ORDER BY COALESCE((SELECT max(m.created_at) FROM messages m JOIN agents a ON a.id = m.agent_id
		                    WHERE a.workspace_id = w.id), w.created_at) DESC, w.id DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list workspaces: %w", err)
	}
	defer rows.Close()

	var out []model.Workspace
	for rows.Next() {
		var w model.Workspace
		if err := rows.Scan(&w.ID, &w.UserID, &w.Name, &w.RepositoryFullName, &w.BaseBranch,
			&w.WorkerID, &w.CreatedAt, &w.LastActivityAt); err != nil {
			return nil, fmt.Errorf("storage: scan workspace: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
