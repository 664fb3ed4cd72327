package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agentworld/agentworld/internal/store"
	"github.com/agentworld/agentworld/internal/world"
)

type memoryStore struct {
	db *sql.DB
}

func (s *memoryStore) Append(ctx context.Context, worldID, agentID string, msg world.AgentMessage) error {
	var toolCalls interface{}
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(data)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory (world_id, agent_id, chat_id, message_id, role, content, sender, tool_calls, tool_call_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		worldID, agentID, msg.ChatID, msg.MessageID, msg.Role, msg.Content, msg.Sender, toolCalls, msg.ToolCallID, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append memory: %w", err)
	}
	return nil
}

func (s *memoryStore) Load(ctx context.Context, worldID, agentID, chatID string) ([]world.AgentMessage, error) {
	q := `SELECT chat_id, message_id, role, content, sender, tool_calls, tool_call_id, created_at
	      FROM memory WHERE world_id = ? AND agent_id = ?`
	args := []interface{}{worldID, agentID}
	if chatID != "" {
		q += ` AND chat_id = ?`
		args = append(args, chatID)
	}
	q += ` ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("load memory: %w", err)
	}
	defer rows.Close()

	var out []world.AgentMessage
	for rows.Next() {
		var m world.AgentMessage
		var toolCalls sql.NullString
		if err := rows.Scan(&m.ChatID, &m.MessageID, &m.Role, &m.Content, &m.Sender, &toolCalls, &m.ToolCallID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *memoryStore) DeleteByChat(ctx context.Context, worldID, chatID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory WHERE world_id = ? AND chat_id = ?`, worldID, chatID)
	if err != nil {
		return fmt.Errorf("delete memory by chat: %w", err)
	}
	return nil
}

func (s *memoryStore) TruncateFrom(ctx context.Context, worldID, messageID string) error {
	// Append order is global per world (rowid), so the first copy of the
	// edited message marks the cut for every agent's memory.
	var cut sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(rowid) FROM memory WHERE world_id = ? AND message_id = ?`,
		worldID, messageID).Scan(&cut)
	if err != nil {
		return fmt.Errorf("locate message: %w", err)
	}
	if !cut.Valid {
		return store.ErrMessageNotFound
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM memory WHERE world_id = ? AND rowid >= ?`, worldID, cut.Int64)
	if err != nil {
		return fmt.Errorf("truncate memory: %w", err)
	}
	return nil
}

func (s *memoryStore) DeleteMessage(ctx context.Context, worldID, messageID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory WHERE world_id = ? AND message_id = ?`, worldID, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return requireRow(res, store.ErrMessageNotFound)
}

func (s *memoryStore) Rewrite(ctx context.Context, worldID, agentID string, msgs []world.AgentMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rewrite: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory WHERE world_id = ? AND agent_id = ?`, worldID, agentID); err != nil {
		return fmt.Errorf("clear memory: %w", err)
	}
	for _, msg := range msgs {
		var toolCalls interface{}
		if len(msg.ToolCalls) > 0 {
			data, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool calls: %w", err)
			}
			toolCalls = string(data)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory (world_id, agent_id, chat_id, message_id, role, content, sender, tool_calls, tool_call_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			worldID, agentID, msg.ChatID, msg.MessageID, msg.Role, msg.Content, msg.Sender, toolCalls, msg.ToolCallID, msg.CreatedAt,
		); err != nil {
			return fmt.Errorf("rewrite memory: %w", err)
		}
	}
	return tx.Commit()
}
