package orchestrator

import (
	"context"
	"log/slog"
	"strings"

	"github.com/agentworld/agentworld/internal/providers"
	"github.com/agentworld/agentworld/internal/world"
	"github.com/agentworld/agentworld/pkg/protocol"
)

const titlePrompt = "Summarize this conversation as a title of at most six words. " +
	"Reply with the title only: no quotes, no punctuation at the end."

// maxTitleWords caps generated chat titles.
const maxTitleWords = 6

// maybeGenerateTitle replaces the placeholder chat title once a session
// goes idle. One-shot, non-streaming, best effort.
func (o *Orchestrator) maybeGenerateTitle(ctx context.Context, chatID string) {
	chat, err := o.cfg.Store.Chats().Get(ctx, o.cfg.WorldID, chatID)
	if err != nil || chat.Name != world.DefaultChatName {
		return
	}

	agent, provider := o.titleAgent(ctx)
	if provider == nil {
		return
	}

	transcript := o.transcriptSnippet(ctx, agent.ID, chatID)
	if transcript == "" {
		return
	}

	resp, err := provider.Chat(ctx, providers.ChatRequest{
		Model: agent.LLMModel,
		Messages: []providers.Message{
			{Role: world.RoleSystem, Content: titlePrompt},
			{Role: world.RoleUser, Content: transcript},
		},
	})
	if err != nil {
		slog.Warn("title generation failed", "chat", chatID, "error", err)
		return
	}

	title := cleanTitle(resp.Content)
	if title == "" {
		return
	}

	chat.Name = title
	if err := o.cfg.Store.Chats().Update(ctx, chat); err != nil {
		slog.Warn("persist chat title", "chat", chatID, "error", err)
		return
	}
	_, _ = o.cfg.Bus.Publish(ctx, protocol.ChannelSystem, chatID, world.SystemPayload{
		EventType: protocol.SystemChatTitleUpdated,
		Title:     title,
		Source:    "idle",
	})
}

// titleAgent picks the agent whose provider generates titles: the main
// agent when set, otherwise the first agent in the world.
func (o *Orchestrator) titleAgent(ctx context.Context) (*world.Agent, providers.Provider) {
	w, err := o.cfg.Store.Worlds().Get(ctx, o.cfg.WorldID)
	if err != nil {
		return nil, nil
	}
	if w.MainAgent != "" {
		if agent, err := o.cfg.Store.Agents().Get(ctx, o.cfg.WorldID, w.MainAgent); err == nil {
			if p, err := o.cfg.Providers.Get(agent.LLMProvider); err == nil {
				return agent, p
			}
		}
	}
	agents, err := o.cfg.Store.Agents().ListByWorld(ctx, o.cfg.WorldID)
	if err != nil {
		return nil, nil
	}
	for _, agent := range agents {
		if p, err := o.cfg.Providers.Get(agent.LLMProvider); err == nil {
			return agent, p
		}
	}
	return nil, nil
}

// transcriptSnippet renders the chat's recent turns for the title call.
func (o *Orchestrator) transcriptSnippet(ctx context.Context, agentID, chatID string) string {
	memory, err := o.cfg.Store.Memory().Load(ctx, o.cfg.WorldID, agentID, chatID)
	if err != nil {
		return ""
	}
	var b strings.Builder
	count := 0
	for _, m := range FilterMemory(memory) {
		if m.Role != world.RoleUser && m.Role != world.RoleAssistant {
			continue
		}
		if m.Content == "" {
			continue
		}
		sender := m.Sender
		if sender == "" {
			sender = m.Role
		}
		b.WriteString(sender + ": " + truncate(m.Content, 300) + "\n")
		count++
		if count >= 12 {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

// cleanTitle normalizes a model-produced title and enforces the word
// cap.
func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, `"'`)
	title = strings.TrimSuffix(title, ".")
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	words := strings.Fields(title)
	if len(words) > maxTitleWords {
		words = words[:maxTitleWords]
	}
	return strings.Join(words, " ")
}
