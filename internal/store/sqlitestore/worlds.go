package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentworld/agentworld/internal/store"
	"github.com/agentworld/agentworld/internal/world"
)

type worldStore struct {
	db *sql.DB
}

func (s *worldStore) Create(ctx context.Context, w *world.World) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worlds (id, name, description, turn_limit, main_agent, variables, current_chat_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Description, w.TurnLimit, w.MainAgent, w.Variables, w.CurrentChatID, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert world: %w", err)
	}
	return nil
}

func (s *worldStore) Get(ctx context.Context, id string) (*world.World, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, turn_limit, main_agent, variables, current_chat_id, created_at, updated_at
		 FROM worlds WHERE id = ?`, id)
	return scanWorld(row)
}

func (s *worldStore) Update(ctx context.Context, w *world.World) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE worlds SET name = ?, description = ?, turn_limit = ?, main_agent = ?, variables = ?, current_chat_id = ?, updated_at = ?
		 WHERE id = ?`,
		w.Name, w.Description, w.TurnLimit, w.MainAgent, w.Variables, w.CurrentChatID, time.Now().UTC(), w.ID,
	)
	if err != nil {
		return fmt.Errorf("update world: %w", err)
	}
	return requireRow(res, store.ErrWorldNotFound)
}

func (s *worldStore) Delete(ctx context.Context, id string) error {
	// Child rows cascade via foreign keys.
	res, err := s.db.ExecContext(ctx, `DELETE FROM worlds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete world: %w", err)
	}
	return requireRow(res, store.ErrWorldNotFound)
}

func (s *worldStore) List(ctx context.Context) ([]*world.World, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, turn_limit, main_agent, variables, current_chat_id, created_at, updated_at
		 FROM worlds ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list worlds: %w", err)
	}
	defer rows.Close()

	var out []*world.World
	for rows.Next() {
		w, err := scanWorld(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorld(row rowScanner) (*world.World, error) {
	var w world.World
	err := row.Scan(&w.ID, &w.Name, &w.Description, &w.TurnLimit, &w.MainAgent, &w.Variables, &w.CurrentChatID, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrWorldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan world: %w", err)
	}
	return &w, nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
