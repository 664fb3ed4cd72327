package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentworld/agentworld/internal/store"
	"github.com/agentworld/agentworld/internal/world"
)

type eventStore struct {
	db *sql.DB
}

func (s *eventStore) Append(ctx context.Context, evt *world.Event) (int64, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	// last_seq on the world row is the authoritative counter: it never
	// rewinds, so seqs stay unique even after chat deletion removes rows.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`UPDATE worlds SET last_seq = last_seq + 1 WHERE id = ? RETURNING last_seq`,
		evt.WorldID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, store.ErrWorldNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (world_id, seq, chat_id, channel, payload, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.WorldID, seq, evt.ChatID, evt.Channel, string(payload), evt.Meta, evt.CreatedAt,
	); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit event: %w", err)
	}

	evt.Seq = seq
	return seq, nil
}

func (s *eventStore) ReadSince(ctx context.Context, worldID string, sinceSeq int64, chatID, channel string) ([]world.Event, error) {
	q := `SELECT seq, chat_id, channel, payload, meta, created_at
	      FROM events WHERE world_id = ? AND seq > ?`
	args := []interface{}{worldID, sinceSeq}
	if chatID != "" {
		// Events without a chat id are world-scoped and always delivered.
		q += ` AND (chat_id = ? OR chat_id = '')`
		args = append(args, chatID)
	}
	if channel != "" {
		q += ` AND channel = ?`
		args = append(args, channel)
	}
	q += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var out []world.Event
	for rows.Next() {
		var e world.Event
		var payload string
		if err := rows.Scan(&e.Seq, &e.ChatID, &e.Channel, &payload, &e.Meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.WorldID = worldID
		var p interface{}
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		e.Payload = p
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *eventStore) DeleteByChat(ctx context.Context, worldID, chatID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE world_id = ? AND chat_id = ?`, worldID, chatID)
	if err != nil {
		return fmt.Errorf("delete events by chat: %w", err)
	}
	return nil
}
