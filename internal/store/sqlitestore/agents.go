package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/agentworld/agentworld/internal/store"
	"github.com/agentworld/agentworld/internal/world"
)

type agentStore struct {
	db *sql.DB
}

func (s *agentStore) Create(ctx context.Context, a *world.Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (world_id, id, name, type, llm_provider, llm_model, system_prompt, temperature, max_tokens, auto_reply, muted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.WorldID, a.ID, a.Name, a.Type, a.LLMProvider, a.LLMModel, a.SystemPrompt,
		a.Temperature, a.MaxTokens, boolInt(a.AutoReply), boolInt(a.Muted), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return store.ErrAgentExists
		}
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return store.ErrWorldNotFound
		}
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *agentStore) Get(ctx context.Context, worldID, agentID string) (*world.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT world_id, id, name, type, llm_provider, llm_model, system_prompt, temperature, max_tokens, auto_reply, muted, created_at, updated_at
		 FROM agents WHERE world_id = ? AND id = ?`, worldID, agentID)
	return scanAgent(row)
}

func (s *agentStore) Update(ctx context.Context, a *world.Agent) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET name = ?, type = ?, llm_provider = ?, llm_model = ?, system_prompt = ?, temperature = ?, max_tokens = ?, auto_reply = ?, muted = ?, updated_at = ?
		 WHERE world_id = ? AND id = ?`,
		a.Name, a.Type, a.LLMProvider, a.LLMModel, a.SystemPrompt, a.Temperature, a.MaxTokens,
		boolInt(a.AutoReply), boolInt(a.Muted), time.Now().UTC(), a.WorldID, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return requireRow(res, store.ErrAgentNotFound)
}

func (s *agentStore) Delete(ctx context.Context, worldID, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE world_id = ? AND id = ?`, worldID, agentID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if err := requireRow(res, store.ErrAgentNotFound); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM memory WHERE world_id = ? AND agent_id = ?`, worldID, agentID)
	if err != nil {
		return fmt.Errorf("delete agent memory: %w", err)
	}
	return nil
}

func (s *agentStore) ListByWorld(ctx context.Context, worldID string) ([]*world.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT world_id, id, name, type, llm_provider, llm_model, system_prompt, temperature, max_tokens, auto_reply, muted, created_at, updated_at
		 FROM agents WHERE world_id = ? ORDER BY created_at`, worldID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*world.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAgent(row rowScanner) (*world.Agent, error) {
	var a world.Agent
	var autoReply, muted int
	err := row.Scan(&a.WorldID, &a.ID, &a.Name, &a.Type, &a.LLMProvider, &a.LLMModel, &a.SystemPrompt,
		&a.Temperature, &a.MaxTokens, &autoReply, &muted, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.AutoReply = autoReply != 0
	a.Muted = muted != 0
	return &a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
