package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworld/agentworld/internal/msgq"
	"github.com/agentworld/agentworld/internal/store"
	"github.com/agentworld/agentworld/internal/world"
	"github.com/agentworld/agentworld/pkg/protocol"
)

// WorldParams creates a world.
type WorldParams struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	TurnLimit   int    `json:"turnLimit"`
	MainAgent   string `json:"mainAgent"`
	Variables   string `json:"variables"`
}

// WorldUpdate patches a world. Nil fields are left unchanged.
type WorldUpdate struct {
	Name          *string `json:"name"`
	Description   *string `json:"description"`
	TurnLimit     *int    `json:"turnLimit"`
	MainAgent     *string `json:"mainAgent"`
	Variables     *string `json:"variables"`
	CurrentChatID *string `json:"currentChatId"`
}

// AgentParams creates an agent.
type AgentParams struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"systemPrompt"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"maxTokens"`
	AutoReply    *bool    `json:"autoReply"`
	Muted        *bool    `json:"muted"`
}

// AgentUpdate patches an agent. Nil fields are left unchanged.
type AgentUpdate struct {
	Name         *string  `json:"name"`
	Provider     *string  `json:"provider"`
	Model        *string  `json:"model"`
	SystemPrompt *string  `json:"systemPrompt"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"maxTokens"`
	AutoReply    *bool    `json:"autoReply"`
	Muted        *bool    `json:"muted"`
}

// ── worlds ──

func (rt *Runtime) ListWorlds(ctx context.Context) ([]*world.World, error) {
	return rt.store.Worlds().List(ctx)
}

func (rt *Runtime) GetWorld(ctx context.Context, id string) (*world.World, error) {
	return rt.store.Worlds().Get(ctx, id)
}

// AddWorld creates a world with a first chat already selected.
func (rt *Runtime) AddWorld(ctx context.Context, p WorldParams) (*world.World, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, fmt.Errorf("world name is required")
	}
	id := world.AgentID(name)
	if id == "" {
		return nil, fmt.Errorf("world name %q yields an empty id", p.Name)
	}
	if _, err := rt.store.Worlds().Get(ctx, id); err == nil {
		return nil, fmt.Errorf("world %s already exists", id)
	}

	now := time.Now().UTC()
	w := &world.World{
		ID:          id,
		Name:        name,
		Description: p.Description,
		TurnLimit:   p.TurnLimit,
		MainAgent:   p.MainAgent,
		Variables:   p.Variables,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if w.TurnLimit <= 0 {
		w.TurnLimit = world.DefaultTurnLimit
	}
	if err := rt.store.Worlds().Create(ctx, w); err != nil {
		return nil, err
	}

	chat, err := rt.NewChat(ctx, id, "")
	if err != nil {
		return nil, err
	}
	w.CurrentChatID = chat.ID
	if err := rt.store.Worlds().Update(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (rt *Runtime) UpdateWorld(ctx context.Context, id string, u WorldUpdate) (*world.World, error) {
	w, err := rt.store.Worlds().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		w.Name = *u.Name
	}
	if u.Description != nil {
		w.Description = *u.Description
	}
	if u.TurnLimit != nil {
		w.TurnLimit = *u.TurnLimit
	}
	if u.MainAgent != nil {
		w.MainAgent = *u.MainAgent
	}
	if u.Variables != nil {
		w.Variables = *u.Variables
	}
	if u.CurrentChatID != nil {
		if _, err := rt.store.Chats().Get(ctx, id, *u.CurrentChatID); err != nil {
			return nil, err
		}
		w.CurrentChatID = *u.CurrentChatID
	}
	if err := rt.store.Worlds().Update(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (rt *Runtime) DeleteWorld(ctx context.Context, id string) error {
	if wr, ok := rt.Peek(id); ok {
		if wr.Orch.IsProcessing("") {
			return ErrBusy
		}
		rt.mu.Lock()
		delete(rt.worlds, id)
		rt.mu.Unlock()
		rt.unload(wr)
	}
	rt.queues.DropWorld(id)
	return rt.store.Worlds().Delete(ctx, id)
}

// WorldExport is the export-world document.
type WorldExport struct {
	World  *world.World  `json:"world"`
	Agents []AgentExport `json:"agents"`
	Chats  []*world.Chat `json:"chats"`
}

// AgentExport is one agent with its full memory.
type AgentExport struct {
	Agent  *world.Agent         `json:"agent"`
	Memory []world.AgentMessage `json:"memory"`
}

func (rt *Runtime) ExportWorld(ctx context.Context, id string) (*WorldExport, error) {
	w, err := rt.store.Worlds().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	agents, err := rt.store.Agents().ListByWorld(ctx, id)
	if err != nil {
		return nil, err
	}
	chats, err := rt.store.Chats().ListByWorld(ctx, id)
	if err != nil {
		return nil, err
	}

	out := &WorldExport{World: w, Chats: chats}
	for _, a := range agents {
		memory, err := rt.store.Memory().Load(ctx, id, a.ID, "")
		if err != nil {
			return nil, err
		}
		out.Agents = append(out.Agents, AgentExport{Agent: a, Memory: memory})
	}
	return out, nil
}

// ── agents ──

func (rt *Runtime) ListAgents(ctx context.Context, worldID string) ([]*world.Agent, error) {
	if _, err := rt.store.Worlds().Get(ctx, worldID); err != nil {
		return nil, err
	}
	return rt.store.Agents().ListByWorld(ctx, worldID)
}

func (rt *Runtime) AddAgent(ctx context.Context, worldID string, p AgentParams) (*world.Agent, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	id := world.AgentID(name)
	if id == "" {
		return nil, fmt.Errorf("agent name %q yields an empty id", p.Name)
	}
	if p.Provider == "" {
		return nil, fmt.Errorf("agent provider is required")
	}
	model := p.Model
	if model == "" {
		prov, err := rt.providers.Get(p.Provider)
		if err != nil {
			return nil, err
		}
		model = prov.DefaultModel()
	}

	now := time.Now().UTC()
	a := &world.Agent{
		ID:           id,
		WorldID:      worldID,
		Name:         name,
		Type:         p.Type,
		LLMProvider:  strings.ToLower(p.Provider),
		LLMModel:     model,
		SystemPrompt: p.SystemPrompt,
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
		AutoReply:    true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if p.AutoReply != nil {
		a.AutoReply = *p.AutoReply
	}
	if p.Muted != nil {
		a.Muted = *p.Muted
	}
	if err := rt.store.Agents().Create(ctx, a); err != nil {
		return nil, err
	}

	if wr, ok := rt.Peek(worldID); ok {
		_, _ = wr.Bus.Publish(ctx, protocol.ChannelSystem, "", world.SystemPayload{
			EventType:           protocol.SystemCreateAgentSuccess,
			Content:             fmt.Sprintf("Agent %s (@%s) created", name, id),
			RefreshAfterDismiss: true,
		})
	}
	return a, nil
}

func (rt *Runtime) UpdateAgent(ctx context.Context, worldID, agentID string, u AgentUpdate) (*world.Agent, error) {
	a, err := rt.store.Agents().Get(ctx, worldID, agentID)
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		a.Name = *u.Name
	}
	if u.Provider != nil {
		a.LLMProvider = strings.ToLower(*u.Provider)
	}
	if u.Model != nil {
		a.LLMModel = *u.Model
	}
	if u.SystemPrompt != nil {
		a.SystemPrompt = *u.SystemPrompt
	}
	if u.Temperature != nil {
		a.Temperature = u.Temperature
	}
	if u.MaxTokens != nil {
		a.MaxTokens = u.MaxTokens
	}
	if u.AutoReply != nil {
		a.AutoReply = *u.AutoReply
	}
	if u.Muted != nil {
		a.Muted = *u.Muted
	}
	if err := rt.store.Agents().Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (rt *Runtime) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	if wr, ok := rt.Peek(worldID); ok && wr.Orch.IsProcessing("") {
		return ErrBusy
	}
	w, err := rt.store.Worlds().Get(ctx, worldID)
	if err != nil {
		return err
	}
	if err := rt.store.Agents().Delete(ctx, worldID, agentID); err != nil {
		return err
	}
	if w.MainAgent == agentID {
		w.MainAgent = ""
		if err := rt.store.Worlds().Update(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

// ── chats ──

func (rt *Runtime) ListChats(ctx context.Context, worldID string) ([]*world.Chat, error) {
	if _, err := rt.store.Worlds().Get(ctx, worldID); err != nil {
		return nil, err
	}
	return rt.store.Chats().ListByWorld(ctx, worldID)
}

// NewChat creates a chat and selects it. An empty name gets the
// placeholder title replaced on first idle.
func (rt *Runtime) NewChat(ctx context.Context, worldID, name string) (*world.Chat, error) {
	w, err := rt.store.Worlds().Get(ctx, worldID)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = world.DefaultChatName
	}
	now := time.Now().UTC()
	chat := &world.Chat{
		ID:        uuid.NewString(),
		WorldID:   worldID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := rt.store.Chats().Create(ctx, chat); err != nil {
		return nil, err
	}
	w.CurrentChatID = chat.ID
	if err := rt.store.Worlds().Update(ctx, w); err != nil {
		return nil, err
	}
	return chat, nil
}

// DeleteChat removes the chat, its events, and every agent-memory
// message carrying its id.
func (rt *Runtime) DeleteChat(ctx context.Context, worldID, chatID string) error {
	if wr, ok := rt.Peek(worldID); ok {
		if wr.Orch.IsProcessing(chatID) {
			return ErrBusy
		}
		wr.Orch.ResetChat(chatID)
	}
	rt.queues.Drop(worldID, chatID)

	w, err := rt.store.Worlds().Get(ctx, worldID)
	if err != nil {
		return err
	}
	if err := rt.store.Chats().Delete(ctx, worldID, chatID); err != nil {
		return err
	}
	if err := rt.store.Memory().DeleteByChat(ctx, worldID, chatID); err != nil {
		return err
	}
	if err := rt.store.Events().DeleteByChat(ctx, worldID, chatID); err != nil {
		return err
	}
	if w.CurrentChatID == chatID {
		w.CurrentChatID = ""
		if err := rt.store.Worlds().Update(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

// BranchChat copies the source chat's messages from the beginning
// through fromMessageID into a new chat and selects it. An empty
// fromChatID branches the currently selected chat.
func (rt *Runtime) BranchChat(ctx context.Context, worldID, fromChatID, fromMessageID string) (*world.Chat, error) {
	w, err := rt.store.Worlds().Get(ctx, worldID)
	if err != nil {
		return nil, err
	}
	if fromChatID == "" {
		fromChatID = w.CurrentChatID
	}
	if fromChatID == "" {
		return nil, fmt.Errorf("no chat to branch from")
	}
	src, err := rt.store.Chats().Get(ctx, worldID, fromChatID)
	if err != nil {
		return nil, err
	}

	pivot, err := rt.findMessage(ctx, worldID, fromMessageID)
	if err != nil {
		return nil, err
	}
	if pivot.ChatID != fromChatID {
		return nil, fmt.Errorf("message %s does not belong to chat %s", fromMessageID, fromChatID)
	}

	branch, err := rt.NewChat(ctx, worldID, src.Name+" (branch)")
	if err != nil {
		return nil, err
	}

	agents, err := rt.store.Agents().ListByWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}

	// One id map shared across agents so a message copied into several
	// memories keeps a single identity in the branch.
	idMap := make(map[string]string)
	newID := func(old string) string {
		if id, ok := idMap[old]; ok {
			return id
		}
		id := world.NewMessageID()
		idMap[old] = id
		return id
	}

	// The cut point is the pivot message's creation time, so agents that
	// never saw the pivot still copy only their earlier messages.
	cutoff := pivot.CreatedAt
	for _, a := range agents {
		memory, err := rt.store.Memory().Load(ctx, worldID, a.ID, fromChatID)
		if err != nil {
			return nil, err
		}
		for _, m := range memory {
			if m.CreatedAt.After(cutoff) {
				break
			}
			cp := m
			cp.ChatID = branch.ID
			cp.MessageID = newID(m.MessageID)
			if err := rt.store.Memory().Append(ctx, worldID, a.ID, cp); err != nil {
				return nil, err
			}
		}
	}

	branch.MessageCount = len(idMap)
	if err := rt.store.Chats().Update(ctx, branch); err != nil {
		return nil, err
	}
	return branch, nil
}

// ── messages ──

// SendMessage queues a user message for dispatch on the chat's FIFO.
func (rt *Runtime) SendMessage(ctx context.Context, worldID, chatID, content, sender string) (*msgq.Item, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("message content is required")
	}
	if sender == "" {
		sender = "user"
	}
	if _, err := rt.store.Chats().Get(ctx, worldID, chatID); err != nil {
		return nil, err
	}
	wr, err := rt.Acquire(ctx, worldID)
	if err != nil {
		return nil, err
	}
	defer rt.Release(worldID)

	item := rt.chatQueue(wr, chatID).Add(content, sender)
	return item, nil
}

// EditMessage truncates every agent's memory at the message, then
// resubmits the new content as a fresh user message.
func (rt *Runtime) EditMessage(ctx context.Context, worldID, messageID, newContent string) (*msgq.Item, error) {
	if wr, ok := rt.Peek(worldID); ok && wr.Orch.IsProcessing("") {
		return nil, ErrBusy
	}
	original, err := rt.findMessage(ctx, worldID, messageID)
	if err != nil {
		return nil, err
	}
	if err := rt.store.Memory().TruncateFrom(ctx, worldID, messageID); err != nil {
		return nil, err
	}
	return rt.SendMessage(ctx, worldID, original.ChatID, newContent, original.Sender)
}

// DeleteMessage removes one message from every agent's memory.
func (rt *Runtime) DeleteMessage(ctx context.Context, worldID, messageID string) error {
	if wr, ok := rt.Peek(worldID); ok && wr.Orch.IsProcessing("") {
		return ErrBusy
	}
	return rt.store.Memory().DeleteMessage(ctx, worldID, messageID)
}

// StopChat aborts the chat's current turn and discards queued messages.
func (rt *Runtime) StopChat(worldID, chatID string) {
	if q, ok := rt.queues.Lookup(worldID, chatID); ok {
		q.Stop()
		return
	}
	if wr, ok := rt.Peek(worldID); ok {
		wr.Orch.Stop(chatID)
	}
}

func (rt *Runtime) findMessage(ctx context.Context, worldID, messageID string) (*world.AgentMessage, error) {
	agents, err := rt.store.Agents().ListByWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		memory, err := rt.store.Memory().Load(ctx, worldID, a.ID, "")
		if err != nil {
			return nil, err
		}
		for i := range memory {
			if memory[i].MessageID == messageID {
				return &memory[i], nil
			}
		}
	}
	return nil, store.ErrMessageNotFound
}

// ── message queue controls ──

// QueueItems returns the chat's queue snapshot and state.
func (rt *Runtime) QueueItems(worldID, chatID string) (string, []msgq.Item) {
	q, ok := rt.queues.Lookup(worldID, chatID)
	if !ok {
		return msgq.StateIdle, nil
	}
	return q.State(), q.Items()
}

func (rt *Runtime) PauseQueue(worldID, chatID string) {
	if q, ok := rt.queues.Lookup(worldID, chatID); ok {
		q.Pause()
	}
}

func (rt *Runtime) ResumeQueue(worldID, chatID string) {
	if q, ok := rt.queues.Lookup(worldID, chatID); ok {
		q.Resume()
	}
}

func (rt *Runtime) DiscardQueue(worldID, chatID string) {
	if q, ok := rt.queues.Lookup(worldID, chatID); ok {
		q.Discard()
	}
}

func (rt *Runtime) RetryQueue(worldID, chatID string) {
	if q, ok := rt.queues.Lookup(worldID, chatID); ok {
		q.Retry()
	}
}

func (rt *Runtime) SkipQueue(worldID, chatID string) {
	if q, ok := rt.queues.Lookup(worldID, chatID); ok {
		q.Skip()
	}
}
