// Package store defines the persistence interface the runtime requires,
// per aggregate. Implementations: sqlitestore (modernc.org/sqlite) and
// memstore (tests, zero-config default).
package store

import (
	"context"
	"errors"

	"github.com/agentworld/agentworld/internal/world"
)

// Sentinel errors mapped to protocol error kinds at the boundary.
var (
	ErrWorldNotFound   = errors.New("world not found")
	ErrAgentNotFound   = errors.New("agent not found")
	ErrChatNotFound    = errors.New("chat not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrAgentExists     = errors.New("agent already exists")
)

// WorldStore persists world records.
type WorldStore interface {
	Create(ctx context.Context, w *world.World) error
	Get(ctx context.Context, id string) (*world.World, error)
	Update(ctx context.Context, w *world.World) error
	// Delete removes the world and cascades to its agents, chats,
	// memory, and events.
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*world.World, error)
}

// AgentStore persists agent records (memory lives in MemoryStore).
type AgentStore interface {
	Create(ctx context.Context, a *world.Agent) error
	Get(ctx context.Context, worldID, agentID string) (*world.Agent, error)
	Update(ctx context.Context, a *world.Agent) error
	Delete(ctx context.Context, worldID, agentID string) error
	ListByWorld(ctx context.Context, worldID string) ([]*world.Agent, error)
}

// ChatStore persists chat sessions.
type ChatStore interface {
	Create(ctx context.Context, c *world.Chat) error
	Get(ctx context.Context, worldID, chatID string) (*world.Chat, error)
	Update(ctx context.Context, c *world.Chat) error
	// Delete removes the chat; callers are responsible for cascading
	// memory and event deletion (runtime drives the full delete-chat).
	Delete(ctx context.Context, worldID, chatID string) error
	ListByWorld(ctx context.Context, worldID string) ([]*world.Chat, error)
}

// MemoryStore persists per-agent message logs.
type MemoryStore interface {
	Append(ctx context.Context, worldID, agentID string, msg world.AgentMessage) error
	// Load returns the agent's memory filtered by chatID (empty chatID
	// loads everything), in append order.
	Load(ctx context.Context, worldID, agentID, chatID string) ([]world.AgentMessage, error)
	// DeleteByChat removes messages with the chat id from every agent's
	// memory in the world.
	DeleteByChat(ctx context.Context, worldID, chatID string) error
	// TruncateFrom removes the identified message and all later messages
	// from every agent's memory in the world. Used by edit-message.
	TruncateFrom(ctx context.Context, worldID, messageID string) error
	// DeleteMessage removes a single message by id from every agent's
	// memory in the world.
	DeleteMessage(ctx context.Context, worldID, messageID string) error
	// Rewrite replaces an agent's full memory (bulk import, branch-chat).
	Rewrite(ctx context.Context, worldID, agentID string, msgs []world.AgentMessage) error
}

// EventStore persists the append-only per-world event log.
type EventStore interface {
	// Append assigns the next gap-free seq for the event's world
	// atomically and persists the event. Returns the assigned seq.
	Append(ctx context.Context, evt *world.Event) (int64, error)
	// ReadSince returns events with seq > sinceSeq in seq order,
	// optionally filtered by chatID and channel.
	ReadSince(ctx context.Context, worldID string, sinceSeq int64, chatID, channel string) ([]world.Event, error)
	DeleteByChat(ctx context.Context, worldID, chatID string) error
}

// Store aggregates the per-concern interfaces behind one handle.
type Store interface {
	Worlds() WorldStore
	Agents() AgentStore
	Chats() ChatStore
	Memory() MemoryStore
	Events() EventStore
	Close() error
}
