package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Bardemic/codee-sub000/internal/model"
)

// CreateMessage appends a message to an agent's conversation.
func (db *DB) CreateMessage(ctx context.Context, agentID int64, sender model.Sender, content string) (model.Message, error) {
	m := model.Message{AgentID: agentID, Sender: sender, Content: content}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO messages (agent_id, sender, content) VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		agentID, string(sender), content,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: create message: %w", err)
	}
	return m, nil
}

// ListMessages returns an agent's conversation in (created_at, id) order with
// each message's tool calls attached in the same order.
func (db *DB) ListMessages(ctx context.Context, agentID int64) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, sender, content, created_at
		 FROM messages WHERE agent_id = $1
		 ORDER BY created_at, id`, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	index := make(map[int64]int)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Sender, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		index[m.ID] = len(msgs)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	if len(msgs) == 0 {
		return msgs, nil
	}

	tcRows, err := db.pool.Query(ctx,
		`SELECT t.id, t.message_id, t.tool_name, t.arguments, t.result, t.status, t.duration_ms, t.created_at
		 FROM tool_calls t JOIN messages m ON m.id = t.message_id
		 WHERE m.agent_id = $1
		 ORDER BY t.created_at, t.id`, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tool calls: %w", err)
	}
	defer tcRows.Close()

	for tcRows.Next() {
		var tc model.ToolCallRecord
		if err := tcRows.Scan(&tc.ID, &tc.MessageID, &tc.ToolName, &tc.Arguments, &tc.Result,
			&tc.Status, &tc.DurationMs, &tc.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan tool call: %w", err)
		}
		if i, ok := index[tc.MessageID]; ok {
			msgs[i].ToolCalls = append(msgs[i].ToolCalls, tc)
		}
	}
	return msgs, tcRows.Err()
}

// CreateToolCalls attaches records to an AGENT message in one COPY. Rows get
// strictly increasing created_at values in slice order so that reads ordered
// by (created_at, id) reproduce emission order.
func (db *DB) CreateToolCalls(ctx context.Context, messageID int64, records []model.ToolCallRecord) error {
	if len(records) == 0 {
		return nil
	}

	columns := []string{"message_id", "tool_name", "arguments", "result", "status", "duration_ms", "created_at"}
	base := time.Now().UTC()
	rows := make([][]any, len(records))
	for i, r := range records {
		args := r.Arguments
		if args == nil {
			args = map[string]any{}
		}
		status := r.Status
		if status == "" {
			status = model.ToolCallStatusSuccess
		}
		rows[i] = []any{messageID, r.ToolName, args, r.Result, status, r.DurationMs,
			base.Add(time.Duration(i) * time.Microsecond)}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"tool_calls"}, columns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("storage: copy tool calls: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit tool calls: %w", err)
	}
	return nil
}
