// Package orchestrator routes chat messages to agents and runs their
// response cycles: mention resolution, main-agent routing, turn limits,
// per-agent serialization, tool continuation, and the idle title hook.
// One orchestrator serves one loaded world.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworld/agentworld/internal/approval"
	"github.com/agentworld/agentworld/internal/bus"
	"github.com/agentworld/agentworld/internal/llmq"
	"github.com/agentworld/agentworld/internal/providers"
	"github.com/agentworld/agentworld/internal/store"
	"github.com/agentworld/agentworld/internal/tools"
	"github.com/agentworld/agentworld/internal/world"
	"github.com/agentworld/agentworld/pkg/protocol"
)

// ProviderResolver maps an agent's provider name to an adapter.
type ProviderResolver interface {
	Get(name string) (providers.Provider, error)
}

// SkillPrompter supplies the available-skills prompt block.
type SkillPrompter interface {
	PromptBlock() string
}

// Config wires one orchestrator.
type Config struct {
	WorldID   string
	Store     store.Store
	Bus       *bus.Bus
	Queue     *llmq.Queue
	Providers ProviderResolver
	Tools     *tools.Registry
	Tracker   *tools.ExecutionTracker
	Gate      *approval.Gate
	Skills    SkillPrompter // may be nil

	// OnChatIdle fires when a chat's last in-flight response finishes.
	OnChatIdle func(chatID string)
}

// Orchestrator coordinates agent responses for one world.
type Orchestrator struct {
	cfg Config

	mu          sync.Mutex
	workers     map[string]chan func()      // agentID → serialized work
	turns       map[string]int              // chatID → turn counter
	noticeSent  map[string]bool             // chatID → turn-limit notice published
	inFlight    map[string]int              // chatID → scheduled responses
	pending     map[string]*pendingApproval // chatID → halted tool call
	chatCtxs    map[string]context.Context
	chatCancels map[string]context.CancelFunc
	closed      bool

	// sendMu fences worker sends against Close: a send holds the read
	// side, Close closes the channels only under the write side.
	sendMu   sync.RWMutex
	shutdown bool

	wg sync.WaitGroup
}

type pendingApproval struct {
	agentID   string
	toolName  string
	requestID string // id of the injected client.requestApproval call
}

// New creates the orchestrator for a world.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		workers:     make(map[string]chan func()),
		turns:       make(map[string]int),
		noticeSent:  make(map[string]bool),
		inFlight:    make(map[string]int),
		pending:     make(map[string]*pendingApproval),
		chatCtxs:    make(map[string]context.Context),
		chatCancels: make(map[string]context.CancelFunc),
	}
}

// SubmitUserMessage publishes a human message and triggers responses.
// Returns the message id assigned to the published message.
func (o *Orchestrator) SubmitUserMessage(ctx context.Context, chatID, sender, content string) (string, error) {
	w, err := o.cfg.Store.Worlds().Get(ctx, o.cfg.WorldID)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	pending := o.pending[chatID]
	o.mu.Unlock()

	// A pending approval consumes matching decisions on the raw message,
	// before the main-agent rewrite can obscure them.
	if pending != nil {
		if d, ok := approval.Parse(content); ok {
			messageID, err := o.publishUserMessage(ctx, chatID, sender, content)
			if err != nil {
				return "", err
			}
			o.resetTurns(chatID)
			return messageID, o.resolveApproval(ctx, chatID, pending, d)
		}
	}

	// Main-agent routing rewrites the published content, so clients see
	// the mention that caused the response.
	if w.MainAgent != "" && !world.HasParagraphMention(content) {
		content = world.PrependMention(w.MainAgent, content)
	}

	messageID, err := o.publishUserMessage(ctx, chatID, sender, content)
	if err != nil {
		return "", err
	}
	o.resetTurns(chatID)

	scheduled := o.route(ctx, w, inbound{
		ChatID:    chatID,
		MessageID: messageID,
		Sender:    sender,
		Content:   content,
		FromHuman: true,
	})
	if scheduled == 0 {
		// No agent woke up (empty world, unknown mention, everyone
		// muted): the conversation turn completes immediately.
		o.mu.Lock()
		busy := o.inFlight[chatID] > 0
		o.mu.Unlock()
		if !busy {
			o.onIdle(chatID)
		}
	}
	return messageID, nil
}

// publishUserMessage persists the message event and bumps the chat's
// message count.
func (o *Orchestrator) publishUserMessage(ctx context.Context, chatID, sender, content string) (string, error) {
	messageID := world.NewMessageID()
	if _, err := o.cfg.Bus.Publish(ctx, protocol.ChannelMessage, chatID, world.MessagePayload{
		MessageID: messageID,
		Sender:    sender,
		Content:   content,
		Role:      world.RoleUser,
	}); err != nil {
		return "", err
	}
	o.bumpMessageCount(ctx, chatID)
	return messageID, nil
}

// resetTurns starts a fresh turn budget for the session.
func (o *Orchestrator) resetTurns(chatID string) {
	o.mu.Lock()
	o.turns[chatID] = 0
	delete(o.noticeSent, chatID)
	o.mu.Unlock()
}

type inbound struct {
	ChatID    string
	MessageID string
	Sender    string
	Content   string
	FromHuman bool
}

// route applies the eligibility policy and schedules responses. Returns
// how many agents were scheduled.
func (o *Orchestrator) route(ctx context.Context, w *world.World, msg inbound) int {
	mentions := world.ExtractMentions(msg.Content)
	mentioned := make(map[string]bool, len(mentions))
	for _, m := range mentions {
		mentioned[m] = true
	}

	agents, err := o.cfg.Store.Agents().ListByWorld(ctx, o.cfg.WorldID)
	if err != nil {
		slog.Error("list agents", "world", o.cfg.WorldID, "error", err)
		return 0
	}

	scheduled := 0
	for _, agent := range agents {
		if agent.ID == msg.Sender {
			continue
		}
		eligible := false
		switch {
		case mentioned[agent.ID]:
			eligible = true
			// Agent-directed mentions don't wake agents that opted out
			// of automatic replies.
			if !msg.FromHuman && !agent.AutoReply {
				eligible = false
			}
		case len(mentions) == 0 && msg.FromHuman && !agent.Muted:
			eligible = true
		}
		if !eligible {
			continue
		}
		if o.dispatchTo(ctx, agent, msg) {
			scheduled++
		}
	}
	return scheduled
}

// dispatchTo persists the inbound message into the agent's memory and
// queues a response on the agent's serial worker. Reports whether a
// response was scheduled.
func (o *Orchestrator) dispatchTo(ctx context.Context, agent *world.Agent, msg inbound) bool {
	if err := o.cfg.Store.Memory().Append(ctx, o.cfg.WorldID, agent.ID, world.AgentMessage{
		Role:      world.RoleUser,
		Content:   msg.Content,
		Sender:    msg.Sender,
		ChatID:    msg.ChatID,
		MessageID: msg.MessageID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		slog.Error("append inbound to memory", "agent", agent.ID, "error", err)
		return false
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.inFlight[msg.ChatID]++
	worker := o.workerLocked(agent.ID)
	o.mu.Unlock()

	agentID := agent.ID
	chatID := msg.ChatID
	if !o.send(worker, func() {
		defer o.finishResponse(chatID)
		o.respond(o.chatContext(chatID), agentID, chatID)
	}) {
		o.abortScheduled(chatID)
		return false
	}
	return true
}

// send delivers work to an agent worker, refusing once shutdown has
// closed the channels.
func (o *Orchestrator) send(worker chan func(), fn func()) bool {
	o.sendMu.RLock()
	defer o.sendMu.RUnlock()
	if o.shutdown {
		return false
	}
	worker <- fn
	return true
}

// abortScheduled rolls back an inFlight slot whose work never reached a
// worker.
func (o *Orchestrator) abortScheduled(chatID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inFlight[chatID]--
	if o.inFlight[chatID] <= 0 {
		delete(o.inFlight, chatID)
	}
}

// workerLocked returns the agent's serial work channel, starting its
// goroutine on first use. Caller holds o.mu.
func (o *Orchestrator) workerLocked(agentID string) chan func() {
	if ch, ok := o.workers[agentID]; ok {
		return ch
	}
	ch := make(chan func(), 64)
	o.workers[agentID] = ch
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for fn := range ch {
			fn()
		}
	}()
	return ch
}

// chatContext returns the cancellation scope for a chat, creating it on
// first use. Stop cancels and discards it.
func (o *Orchestrator) chatContext(chatID string) context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.chatCancels[chatID]; !ok {
		ctx, cancel := context.WithCancel(context.Background())
		o.chatCancels[chatID] = cancel
		o.chatCtxs[chatID] = ctx
	}
	return o.chatCtxs[chatID]
}

// finishResponse decrements the chat's in-flight count and runs the
// idle hook when it reaches zero.
func (o *Orchestrator) finishResponse(chatID string) {
	o.mu.Lock()
	o.inFlight[chatID]--
	idle := o.inFlight[chatID] <= 0
	if idle {
		delete(o.inFlight, chatID)
	}
	o.mu.Unlock()

	if !idle {
		return
	}
	o.onIdle(chatID)
}

// IsProcessing reports whether any response is in flight for the chat,
// or for the whole world when chatID is empty.
func (o *Orchestrator) IsProcessing(chatID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if chatID != "" {
		return o.inFlight[chatID] > 0
	}
	for _, n := range o.inFlight {
		if n > 0 {
			return true
		}
	}
	return false
}

// Stop cancels everything running for a chat: queued and in-flight LLM
// calls, active shell executions, and the continuation loop.
func (o *Orchestrator) Stop(chatID string) {
	o.mu.Lock()
	cancel := o.chatCancels[chatID]
	delete(o.chatCancels, chatID)
	delete(o.chatCtxs, chatID)
	delete(o.pending, chatID)
	o.mu.Unlock()

	o.cfg.Queue.CancelWhere(func(r llmq.Request) bool {
		return r.WorldID == o.cfg.WorldID && r.ChatID == chatID
	})
	if o.cfg.Tracker != nil {
		o.cfg.Tracker.StopForChat(o.cfg.WorldID, chatID)
	}
	if cancel != nil {
		cancel()
	}
}

// ResetChat clears per-chat runtime state after chat deletion.
func (o *Orchestrator) ResetChat(chatID string) {
	o.Stop(chatID)
	o.mu.Lock()
	delete(o.turns, chatID)
	delete(o.noticeSent, chatID)
	o.mu.Unlock()
	o.cfg.Gate.ResetChat(o.cfg.WorldID, chatID)
}

// Close drains the workers. Pending work still runs.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	workers := make([]chan func(), 0, len(o.workers))
	for _, ch := range o.workers {
		workers = append(workers, ch)
	}
	o.mu.Unlock()

	// Waits out any in-flight send before the channels close.
	o.sendMu.Lock()
	o.shutdown = true
	o.sendMu.Unlock()

	for _, ch := range workers {
		close(ch)
	}
	o.wg.Wait()
}

// consumeTurn checks the session turn budget; when exhausted it
// publishes one system notice and reports false.
func (o *Orchestrator) consumeTurn(ctx context.Context, chatID string, limit int) bool {
	o.mu.Lock()
	if o.turns[chatID] >= limit {
		sent := o.noticeSent[chatID]
		o.noticeSent[chatID] = true
		o.mu.Unlock()
		if !sent {
			_, _ = o.cfg.Bus.Publish(ctx, protocol.ChannelSystem, chatID, world.SystemPayload{
				EventType: protocol.SystemTurnLimitReached,
				Content:   fmt.Sprintf("Turn limit of %d reached; agents paused until the next user message.", limit),
			})
		}
		return false
	}
	o.turns[chatID]++
	o.mu.Unlock()
	return true
}

func (o *Orchestrator) bumpMessageCount(ctx context.Context, chatID string) {
	chat, err := o.cfg.Store.Chats().Get(ctx, o.cfg.WorldID, chatID)
	if err != nil {
		return
	}
	chat.MessageCount++
	_ = o.cfg.Store.Chats().Update(ctx, chat)
}

// resolveApproval records a parsed decision, persists the result into
// the halted agent's memory, and re-enters processing for that agent.
func (o *Orchestrator) resolveApproval(ctx context.Context, chatID string, p *pendingApproval, d approval.Decision) error {
	if err := o.cfg.Gate.Record(o.cfg.WorldID, chatID, d, p.toolName); err != nil {
		return err
	}

	// The decision is persisted as an approval_* tool result so the
	// memory filter hides the whole exchange from the model.
	scope := d.Scope
	if err := o.cfg.Store.Memory().Append(ctx, o.cfg.WorldID, p.agentID, world.AgentMessage{
		Role:       world.RoleTool,
		Content:    "approval_" + scope,
		ChatID:     chatID,
		MessageID:  world.NewMessageID(),
		ToolCallID: p.requestID,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		return err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	delete(o.pending, chatID)
	o.inFlight[chatID]++
	worker := o.workerLocked(p.agentID)
	agentID := p.agentID
	o.mu.Unlock()

	if !o.send(worker, func() {
		defer o.finishResponse(chatID)
		o.respond(o.chatContext(chatID), agentID, chatID)
	}) {
		o.abortScheduled(chatID)
	}
	return nil
}

// onIdle runs the chat title hook and notifies the configured listener.
func (o *Orchestrator) onIdle(chatID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	_, _ = o.cfg.Bus.Publish(ctx, protocol.ChannelWorld, chatID, world.WorldPayload{
		Type: protocol.WorldIdle,
	})
	o.maybeGenerateTitle(ctx, chatID)
	if o.cfg.OnChatIdle != nil {
		o.cfg.OnChatIdle(chatID)
	}
}
