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

const agentColumns = `a.id, a.workspace_id, a.status, a.provider_kind, a.name, a.model,
	a.external_conversation_id, a.url, a.working_branch, a.environment_handle,
	a.created_at, a.updated_at`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	err := row.Scan(
		&a.ID, &a.WorkspaceID, &a.Status, &a.ProviderKind, &a.Name, &a.Model,
		&a.ExternalConversationID, &a.URL, &a.WorkingBranch, &a.EnvironmentHandle,
		&a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

// CreateAgent inserts an agent row. Providers call this before any network
// or queue side effect so the agent is visible even if the provider call fails.
func (db *DB) CreateAgent(ctx context.Context, na model.NewAgent) (model.Agent, error) {
	status := na.Status
	if status == "" {
		status = model.AgentStatusPending
	}
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`INSERT INTO agents AS a (workspace_id, status, provider_kind, name, model, external_conversation_id, url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+agentColumns,
		na.WorkspaceID, string(status), string(na.ProviderKind), na.Name, na.Model,
		na.ExternalConversationID, na.URL,
	))
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return a, nil
}

// GetAgent retrieves an agent by ID.
func (db *DB) GetAgent(ctx context.Context, id int64) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents a WHERE a.id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %d: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// GetAgentForUser retrieves an agent only if its workspace belongs to userID.
func (db *DB) GetAgentForUser(ctx context.Context, userID uuid.UUID, id int64) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+`
		 FROM agents a JOIN workspaces w ON w.id = a.workspace_id
		 WHERE a.id = $1 AND w.user_id = $2`, id, userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %d: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// ListAgentsByWorkspace returns a workspace's agents in creation order.
func (db *DB) ListAgentsByWorkspace(ctx context.Context, workspaceID int64) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents a WHERE a.workspace_id = $1 ORDER BY a.id`, workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgent applies the non-nil fields of u. Status, provider and model are
// never touched here; status moves only through TransitionAgentStatus.
func (db *DB) UpdateAgent(ctx context.Context, id int64, u model.AgentUpdate) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`UPDATE agents AS a SET
			external_conversation_id = COALESCE($2, a.external_conversation_id),
			url = COALESCE($3, a.url),
			working_branch = COALESCE(a.working_branch, $4),
			name = COALESCE($5, a.name),
			updated_at = $6
		 WHERE a.id = $1
		 RETURNING `+agentColumns,
		id, u.ExternalConversationID, u.URL, u.WorkingBranch, u.Name, time.Now().UTC(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %d: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: update agent: %w", err)
	}
	return a, nil
}

// SetWorkingBranch records the agent's branch if none is set yet. It returns
// false when a branch was already present, leaving the existing one in place.
func (db *DB) SetWorkingBranch(ctx context.Context, id int64, branch string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET working_branch = $2, updated_at = $3
		 WHERE id = $1 AND working_branch IS NULL`,
		id, branch, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("storage: set working branch: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetEnvironmentHandle records the execution environment backing the agent.
func (db *DB) SetEnvironmentHandle(ctx context.Context, id int64, handle string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET environment_handle = $2, updated_at = $3 WHERE id = $1`,
		id, handle, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: set environment handle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: agent %d: %w", id, ErrNotFound)
	}
	return nil
}

// TransitionAgentStatus moves an agent to target only if its current status
// is an allowed source for that target. The guard lives in the WHERE clause
// so concurrent writers (runner, webhook, poller) cannot regress a terminal
// status. Returns whether a row changed.
func (db *DB) TransitionAgentStatus(ctx context.Context, id int64, target model.AgentStatus) (bool, error) {
	sources := model.TransitionSources(target)
	if len(sources) == 0 {
		return false, fmt.Errorf("storage: %s is not a transition target", target)
	}
	from := make([]string, len(sources))
	for i, s := range sources {
		from[i] = string(s)
	}

	var applied bool
	err := db.withRetry(ctx, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE agents SET status = $2, updated_at = $3
			 WHERE id = $1 AND status = ANY($4)`,
			id, string(target), time.Now().UTC(), from,
		)
		if err != nil {
			return err
		}
		applied = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("storage: transition agent %d to %s: %w", id, target, err)
	}
	return applied, nil
}
