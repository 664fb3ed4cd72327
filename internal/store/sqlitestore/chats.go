package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentworld/agentworld/internal/store"
	"github.com/agentworld/agentworld/internal/world"
)

type chatStore struct {
	db *sql.DB
}

func (s *chatStore) Create(ctx context.Context, c *world.Chat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (world_id, id, name, message_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.WorldID, c.ID, c.Name, c.MessageCount, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

func (s *chatStore) Get(ctx context.Context, worldID, chatID string) (*world.Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT world_id, id, name, message_count, created_at, updated_at
		 FROM chats WHERE world_id = ? AND id = ?`, worldID, chatID)
	return scanChat(row)
}

func (s *chatStore) Update(ctx context.Context, c *world.Chat) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET name = ?, message_count = ?, updated_at = ? WHERE world_id = ? AND id = ?`,
		c.Name, c.MessageCount, time.Now().UTC(), c.WorldID, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update chat: %w", err)
	}
	return requireRow(res, store.ErrChatNotFound)
}

func (s *chatStore) Delete(ctx context.Context, worldID, chatID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE world_id = ? AND id = ?`, worldID, chatID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return requireRow(res, store.ErrChatNotFound)
}

func (s *chatStore) ListByWorld(ctx context.Context, worldID string) ([]*world.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT world_id, id, name, message_count, created_at, updated_at
		 FROM chats WHERE world_id = ? ORDER BY created_at`, worldID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []*world.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChat(row rowScanner) (*world.Chat, error) {
	var c world.Chat
	err := row.Scan(&c.WorldID, &c.ID, &c.Name, &c.MessageCount, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat: %w", err)
	}
	return &c, nil
}
