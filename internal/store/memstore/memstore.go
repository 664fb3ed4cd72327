// Package memstore is the in-memory store.Store implementation. It backs
// tests and AGENTWORLD_STORAGE=memory. Each aggregate is a mutex-guarded
// map; reads return copies so callers never alias internal state.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentworld/agentworld/internal/store"
	"github.com/agentworld/agentworld/internal/world"
)

type memoryKey struct {
	worldID string
	agentID string
}

// Store holds everything in process memory.
type Store struct {
	mu     sync.RWMutex
	worlds map[string]*world.World
	agents map[string]map[string]*world.Agent // worldID → agentID → agent
	chats  map[string]map[string]*world.Chat  // worldID → chatID → chat
	memory map[memoryKey][]world.AgentMessage
	events map[string][]world.Event // worldID → ordered events
	seqs   map[string]int64         // worldID → last assigned seq
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		worlds: make(map[string]*world.World),
		agents: make(map[string]map[string]*world.Agent),
		chats:  make(map[string]map[string]*world.Chat),
		memory: make(map[memoryKey][]world.AgentMessage),
		events: make(map[string][]world.Event),
		seqs:   make(map[string]int64),
	}
}

func (s *Store) Worlds() store.WorldStore { return (*worldStore)(s) }
func (s *Store) Agents() store.AgentStore { return (*agentStore)(s) }
func (s *Store) Chats() store.ChatStore   { return (*chatStore)(s) }
func (s *Store) Memory() store.MemoryStore {
	return (*memoryStore)(s)
}
func (s *Store) Events() store.EventStore { return (*eventStore)(s) }
func (s *Store) Close() error             { return nil }

// ── worlds ──

type worldStore Store

func (s *worldStore) Create(_ context.Context, w *world.World) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.worlds[w.ID] = &cp
	return nil
}

func (s *worldStore) Get(_ context.Context, id string) (*world.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.worlds[id]
	if !ok {
		return nil, store.ErrWorldNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *worldStore) Update(_ context.Context, w *world.World) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.worlds[w.ID]; !ok {
		return store.ErrWorldNotFound
	}
	cp := *w
	cp.UpdatedAt = time.Now().UTC()
	s.worlds[w.ID] = &cp
	return nil
}

func (s *worldStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.worlds[id]; !ok {
		return store.ErrWorldNotFound
	}
	delete(s.worlds, id)
	delete(s.agents, id)
	delete(s.chats, id)
	delete(s.events, id)
	delete(s.seqs, id)
	for k := range s.memory {
		if k.worldID == id {
			delete(s.memory, k)
		}
	}
	return nil
}

func (s *worldStore) List(_ context.Context) ([]*world.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*world.World, 0, len(s.worlds))
	for _, w := range s.worlds {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ── agents ──

type agentStore Store

func (s *agentStore) Create(_ context.Context, a *world.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.worlds[a.WorldID]; !ok {
		return store.ErrWorldNotFound
	}
	m := s.agents[a.WorldID]
	if m == nil {
		m = make(map[string]*world.Agent)
		s.agents[a.WorldID] = m
	}
	if _, ok := m[a.ID]; ok {
		return store.ErrAgentExists
	}
	cp := *a
	m[a.ID] = &cp
	return nil
}

func (s *agentStore) Get(_ context.Context, worldID, agentID string) (*world.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[worldID][agentID]
	if !ok {
		return nil, store.ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *agentStore) Update(_ context.Context, a *world.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.WorldID][a.ID]; !ok {
		return store.ErrAgentNotFound
	}
	cp := *a
	cp.UpdatedAt = time.Now().UTC()
	s.agents[a.WorldID][a.ID] = &cp
	return nil
}

func (s *agentStore) Delete(_ context.Context, worldID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[worldID][agentID]; !ok {
		return store.ErrAgentNotFound
	}
	delete(s.agents[worldID], agentID)
	delete(s.memory, memoryKey{worldID, agentID})
	return nil
}

func (s *agentStore) ListByWorld(_ context.Context, worldID string) ([]*world.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*world.Agent, 0, len(s.agents[worldID]))
	for _, a := range s.agents[worldID] {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ── chats ──

type chatStore Store

func (s *chatStore) Create(_ context.Context, c *world.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.worlds[c.WorldID]; !ok {
		return store.ErrWorldNotFound
	}
	m := s.chats[c.WorldID]
	if m == nil {
		m = make(map[string]*world.Chat)
		s.chats[c.WorldID] = m
	}
	cp := *c
	m[c.ID] = &cp
	return nil
}

func (s *chatStore) Get(_ context.Context, worldID, chatID string) (*world.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[worldID][chatID]
	if !ok {
		return nil, store.ErrChatNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *chatStore) Update(_ context.Context, c *world.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[c.WorldID][c.ID]; !ok {
		return store.ErrChatNotFound
	}
	cp := *c
	cp.UpdatedAt = time.Now().UTC()
	s.chats[c.WorldID][c.ID] = &cp
	return nil
}

func (s *chatStore) Delete(_ context.Context, worldID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[worldID][chatID]; !ok {
		return store.ErrChatNotFound
	}
	delete(s.chats[worldID], chatID)
	return nil
}

func (s *chatStore) ListByWorld(_ context.Context, worldID string) ([]*world.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*world.Chat, 0, len(s.chats[worldID]))
	for _, c := range s.chats[worldID] {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ── memory ──

type memoryStore Store

func (s *memoryStore) Append(_ context.Context, worldID, agentID string, msg world.AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey{worldID, agentID}
	s.memory[k] = append(s.memory[k], msg)
	return nil
}

func (s *memoryStore) Load(_ context.Context, worldID, agentID, chatID string) ([]world.AgentMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []world.AgentMessage
	for _, m := range s.memory[memoryKey{worldID, agentID}] {
		if chatID != "" && m.ChatID != chatID {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *memoryStore) DeleteByChat(_ context.Context, worldID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, msgs := range s.memory {
		if k.worldID != worldID {
			continue
		}
		kept := msgs[:0]
		for _, m := range msgs {
			if m.ChatID != chatID {
				kept = append(kept, m)
			}
		}
		s.memory[k] = kept
	}
	return nil
}

func (s *memoryStore) TruncateFrom(_ context.Context, worldID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The cut point is the message's creation time; every agent drops the
	// message itself and everything appended at or after that instant.
	var cut *time.Time
	for k, msgs := range s.memory {
		if k.worldID != worldID {
			continue
		}
		for _, m := range msgs {
			if m.MessageID == messageID {
				t := m.CreatedAt
				cut = &t
				break
			}
		}
	}
	if cut == nil {
		return store.ErrMessageNotFound
	}

	for k, msgs := range s.memory {
		if k.worldID != worldID {
			continue
		}
		kept := msgs[:0]
		for _, m := range msgs {
			if m.MessageID == messageID || !m.CreatedAt.Before(*cut) {
				continue
			}
			kept = append(kept, m)
		}
		s.memory[k] = kept
	}
	return nil
}

func (s *memoryStore) DeleteMessage(_ context.Context, worldID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for k, msgs := range s.memory {
		if k.worldID != worldID {
			continue
		}
		kept := msgs[:0]
		for _, m := range msgs {
			if m.MessageID == messageID {
				found = true
				continue
			}
			kept = append(kept, m)
		}
		s.memory[k] = kept
	}
	if !found {
		return store.ErrMessageNotFound
	}
	return nil
}

func (s *memoryStore) Rewrite(_ context.Context, worldID, agentID string, msgs []world.AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]world.AgentMessage, len(msgs))
	copy(cp, msgs)
	s.memory[memoryKey{worldID, agentID}] = cp
	return nil
}

// ── events ──

type eventStore Store

func (s *eventStore) Append(_ context.Context, evt *world.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Seq assignment survives chat deletion: the counter never rewinds,
	// so ids stay unique even when earlier events are gone.
	seq := s.seqs[evt.WorldID] + 1
	s.seqs[evt.WorldID] = seq
	evt.Seq = seq
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	s.events[evt.WorldID] = append(s.events[evt.WorldID], *evt)
	return seq, nil
}

func (s *eventStore) ReadSince(_ context.Context, worldID string, sinceSeq int64, chatID, channel string) ([]world.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []world.Event
	for _, e := range s.events[worldID] {
		if e.Seq <= sinceSeq {
			continue
		}
		if chatID != "" && e.ChatID != "" && e.ChatID != chatID {
			continue
		}
		if channel != "" && e.Channel != channel {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *eventStore) DeleteByChat(_ context.Context, worldID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[worldID][:0]
	for _, e := range s.events[worldID] {
		if e.ChatID == chatID {
			continue
		}
		kept = append(kept, e)
	}
	s.events[worldID] = kept
	return nil
}
