package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/agentworld/internal/approval"
	"github.com/agentworld/agentworld/internal/bus"
	"github.com/agentworld/agentworld/internal/llmq"
	"github.com/agentworld/agentworld/internal/providers"
	"github.com/agentworld/agentworld/internal/store/memstore"
	"github.com/agentworld/agentworld/internal/tools"
	"github.com/agentworld/agentworld/internal/world"
	"github.com/agentworld/agentworld/pkg/protocol"
)

// scriptProvider pops canned responses in order. An exhausted script
// returns an empty response, which the orchestrator treats as nothing
// to say.
type scriptProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	calls     []providers.ChatRequest
}

func (p *scriptProvider) push(r *providers.ChatResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, r)
}

func (p *scriptProvider) next(req providers.ChatRequest) *providers.ChatResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if len(p.responses) == 0 {
		return &providers.ChatResponse{FinishReason: "stop"}
	}
	r := p.responses[0]
	p.responses = p.responses[1:]
	return r
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *scriptProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return p.next(req), nil
}

func (p *scriptProvider) ChatStream(_ context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	resp := p.next(req)
	if onChunk != nil {
		if resp.Content != "" {
			onChunk(providers.StreamChunk{Content: resp.Content})
		}
		onChunk(providers.StreamChunk{Done: true})
	}
	return resp, nil
}

func (p *scriptProvider) DefaultModel() string { return "script-1" }
func (p *scriptProvider) Name() string         { return "script" }

type mapResolver map[string]providers.Provider

func (m mapResolver) Get(name string) (providers.Provider, error) {
	p, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// echoTool records its invocations and returns a fixed result.
type echoTool struct {
	mu     sync.Mutex
	name   string
	result *tools.Result
	calls  []map[string]interface{}
}

func (t *echoTool) Name() string                       { return t.name }
func (t *echoTool) Description() string                { return "test tool" }
func (t *echoTool) Parameters() map[string]interface{} { return map[string]interface{}{"type": "object"} }

func (t *echoTool) Execute(_ context.Context, args map[string]interface{}) *tools.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, args)
	return t.result
}

func (t *echoTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

type fixture struct {
	t        *testing.T
	store    *memstore.Store
	bus      *bus.Bus
	queue    *llmq.Queue
	orch     *Orchestrator
	registry *tools.Registry
	idle     chan string
}

const testWorldID = "w1"

func newFixture(t *testing.T, resolver mapResolver) *fixture {
	t.Helper()
	st := memstore.New()
	b := bus.New(testWorldID, st.Events())
	q := llmq.New()
	t.Cleanup(q.Close)

	reg := tools.NewRegistry()
	idle := make(chan string, 16)

	orch := New(Config{
		WorldID:   testWorldID,
		Store:     st,
		Bus:       b,
		Queue:     q,
		Providers: resolver,
		Tools:     reg,
		Gate:      approval.NewGate(),
		OnChatIdle: func(chatID string) {
			idle <- chatID
		},
	})
	t.Cleanup(orch.Close)

	return &fixture{t: t, store: st, bus: b, queue: q, orch: orch, registry: reg, idle: idle}
}

func (f *fixture) addWorld(w *world.World) {
	f.t.Helper()
	if w.ID == "" {
		w.ID = testWorldID
	}
	w.CreatedAt = time.Now().UTC()
	require.NoError(f.t, f.store.Worlds().Create(context.Background(), w))
}

func (f *fixture) addAgent(id, prov string, opts func(*world.Agent)) {
	f.t.Helper()
	a := &world.Agent{
		ID:          id,
		WorldID:     testWorldID,
		Name:        id,
		LLMProvider: prov,
		LLMModel:    "script-1",
		AutoReply:   true,
		CreatedAt:   time.Now().UTC(),
	}
	if opts != nil {
		opts(a)
	}
	require.NoError(f.t, f.store.Agents().Create(context.Background(), a))
	time.Sleep(time.Millisecond) // keeps ListByWorld order stable
}

func (f *fixture) addChat(id string) {
	f.t.Helper()
	require.NoError(f.t, f.store.Chats().Create(context.Background(), &world.Chat{
		ID:        id,
		WorldID:   testWorldID,
		Name:      "scenario", // not the placeholder, so no title call fires
		CreatedAt: time.Now().UTC(),
	}))
}

func (f *fixture) waitIdle() {
	f.t.Helper()
	select {
	case <-f.idle:
	case <-time.After(5 * time.Second):
		f.t.Fatal("timed out waiting for chat to go idle")
	}
}

func (f *fixture) events(channel string) []world.Event {
	f.t.Helper()
	evts, err := f.store.Events().ReadSince(context.Background(), testWorldID, 0, "", channel)
	require.NoError(f.t, err)
	return evts
}

func (f *fixture) memory(agentID, chatID string) []world.AgentMessage {
	f.t.Helper()
	msgs, err := f.store.Memory().Load(context.Background(), testWorldID, agentID, chatID)
	require.NoError(f.t, err)
	return msgs
}

func messagePayloads(evts []world.Event) []world.MessagePayload {
	var out []world.MessagePayload
	for _, e := range evts {
		if p, ok := e.Payload.(world.MessagePayload); ok {
			out = append(out, p)
		}
	}
	return out
}

func TestMainAgentRewritesUnaddressedMessage(t *testing.T) {
	prov := &scriptProvider{}
	prov.push(&providers.ChatResponse{Content: "hello back"})
	f := newFixture(t, mapResolver{"script": prov})
	f.addWorld(&world.World{Name: "w", MainAgent: "helper", TurnLimit: 5})
	f.addAgent("helper", "script", nil)
	f.addChat("c1")

	_, err := f.orch.SubmitUserMessage(context.Background(), "c1", "human", "what time is it?")
	require.NoError(t, err)
	f.waitIdle()

	msgs := messagePayloads(f.events(protocol.ChannelMessage))
	require.NotEmpty(t, msgs)
	assert.Equal(t, "@helper what time is it?", msgs[0].Content)
	assert.Equal(t, "human", msgs[0].Sender)

	// The rewritten mention routed the message to the main agent.
	require.Len(t, msgs, 2)
	assert.Equal(t, "helper", msgs[1].Sender)
	assert.Equal(t, "hello back", msgs[1].Content)
}

func TestMentionRoutesOnlyNamedAgent(t *testing.T) {
	alice := &scriptProvider{}
	alice.push(&providers.ChatResponse{Content: "hi from alice"})
	bob := &scriptProvider{}
	f := newFixture(t, mapResolver{"alice-llm": alice, "bob-llm": bob})
	f.addWorld(&world.World{Name: "w", TurnLimit: 5})
	f.addAgent("alice", "alice-llm", nil)
	f.addAgent("bob", "bob-llm", nil)
	f.addChat("c1")

	_, err := f.orch.SubmitUserMessage(context.Background(), "c1", "human", "@alice hello")
	require.NoError(t, err)
	f.waitIdle()

	assert.Equal(t, 1, alice.callCount())
	assert.Zero(t, bob.callCount())

	// Only responders take the message into memory.
	assert.Empty(t, f.memory("bob", "c1"))
}

func TestBroadcastSkipsMutedAgent(t *testing.T) {
	alice := &scriptProvider{}
	alice.push(&providers.ChatResponse{Content: "present"})
	bob := &scriptProvider{}
	f := newFixture(t, mapResolver{"alice-llm": alice, "bob-llm": bob})
	f.addWorld(&world.World{Name: "w", TurnLimit: 5})
	f.addAgent("alice", "alice-llm", nil)
	f.addAgent("bob", "bob-llm", func(a *world.Agent) { a.Muted = true })
	f.addChat("c1")

	_, err := f.orch.SubmitUserMessage(context.Background(), "c1", "human", "anyone here?")
	require.NoError(t, err)
	f.waitIdle()

	assert.Equal(t, 1, alice.callCount())
	assert.Zero(t, bob.callCount())
}

func TestAgentMentionWakesAutoReplyPeer(t *testing.T) {
	alice := &scriptProvider{}
	alice.push(&providers.ChatResponse{Content: "@bob your turn"})
	bob := &scriptProvider{}
	bob.push(&providers.ChatResponse{Content: "on it"})
	f := newFixture(t, mapResolver{"alice-llm": alice, "bob-llm": bob})
	f.addWorld(&world.World{Name: "w", TurnLimit: 5})
	f.addAgent("alice", "alice-llm", nil)
	f.addAgent("bob", "bob-llm", nil)
	f.addChat("c1")

	_, err := f.orch.SubmitUserMessage(context.Background(), "c1", "human", "@alice kick it off")
	require.NoError(t, err)
	f.waitIdle()

	assert.Equal(t, 1, alice.callCount())
	assert.Equal(t, 1, bob.callCount())

	senders := []string{}
	for _, p := range messagePayloads(f.events(protocol.ChannelMessage)) {
		senders = append(senders, p.Sender)
	}
	assert.Equal(t, []string{"human", "alice", "bob"}, senders)
}

func TestAgentMentionRespectsAutoReplyOptOut(t *testing.T) {
	alice := &scriptProvider{}
	alice.push(&providers.ChatResponse{Content: "@bob your turn"})
	bob := &scriptProvider{}
	f := newFixture(t, mapResolver{"alice-llm": alice, "bob-llm": bob})
	f.addWorld(&world.World{Name: "w", TurnLimit: 5})
	f.addAgent("alice", "alice-llm", nil)
	f.addAgent("bob", "bob-llm", func(a *world.Agent) { a.AutoReply = false })
	f.addChat("c1")

	_, err := f.orch.SubmitUserMessage(context.Background(), "c1", "human", "@alice kick it off")
	require.NoError(t, err)
	f.waitIdle()

	assert.Zero(t, bob.callCount())
}

func TestTurnLimitStopsChainWithOneNotice(t *testing.T) {
	// Each agent always mentions the other, so only the turn budget can
	// break the loop.
	alice := &scriptProvider{}
	bob := &scriptProvider{}
	for i := 0; i < 10; i++ {
		alice.push(&providers.ChatResponse{Content: "@bob ping"})
		bob.push(&providers.ChatResponse{Content: "@alice pong"})
	}
	f := newFixture(t, mapResolver{"alice-llm": alice, "bob-llm": bob})
	f.addWorld(&world.World{Name: "w", TurnLimit: 3})
	f.addAgent("alice", "alice-llm", nil)
	f.addAgent("bob", "bob-llm", nil)
	f.addChat("c1")

	_, err := f.orch.SubmitUserMessage(context.Background(), "c1", "human", "@alice go")
	require.NoError(t, err)
	f.waitIdle()

	assert.Equal(t, 3, alice.callCount()+bob.callCount())

	notices := 0
	for _, e := range f.events(protocol.ChannelSystem) {
		if p, ok := e.Payload.(world.SystemPayload); ok && p.EventType == protocol.SystemTurnLimitReached {
			notices++
		}
	}
	assert.Equal(t, 1, notices)

	// A new human message resets the budget.
	alice.push(&providers.ChatResponse{Content: "fresh answer"})
	_, err = f.orch.SubmitUserMessage(context.Background(), "c1", "human", "@alice still there?")
	require.NoError(t, err)
	f.waitIdle()
	assert.GreaterOrEqual(t, alice.callCount(), 2)
}

func TestToolContinuation(t *testing.T) {
	prov := &scriptProvider{}
	prov.push(&providers.ChatResponse{
		ToolCalls: []providers.ToolCall{{
			ID: "tc1", Name: "grep",
			Arguments: map[string]interface{}{"pattern": "x"},
		}},
		FinishReason: "tool_calls",
	})
	prov.push(&providers.ChatResponse{Content: "found it"})
	f := newFixture(t, mapResolver{"script": prov})
	f.addWorld(&world.World{Name: "w", TurnLimit: 5})
	f.addAgent("alice", "script", nil)
	f.addChat("c1")

	// grep is approval-exempt, so the chain runs without a gate stop.
	tool := &echoTool{name: "grep", result: tools.NewResult("3 matches")}
	f.registry.Register(tool)

	_, err := f.orch.SubmitUserMessage(context.Background(), "c1", "human", "@alice search")
	require.NoError(t, err)
	f.waitIdle()

	assert.Equal(t, 1, tool.callCount())
	assert.Equal(t, 2, prov.callCount())

	mem := f.memory("alice", "c1")
	require.Len(t, mem, 4) // inbound, assistant tool call, tool result, reply
	assert.Equal(t, world.RoleAssistant, mem[1].Role)
	require.Len(t, mem[1].ToolCalls, 1)
	assert.Equal(t, "grep", mem[1].ToolCalls[0].Name)
	assert.Equal(t, world.RoleTool, mem[2].Role)
	assert.Equal(t, "3 matches", mem[2].Content)
	assert.Equal(t, "tc1", mem[2].ToolCallID)
	assert.Equal(t, "found it", mem[3].Content)

	// Tool telemetry landed on the world channel.
	var types []string
	for _, e := range f.events(protocol.ChannelWorld) {
		if p, ok := e.Payload.(world.WorldPayload); ok {
			types = append(types, p.Type)
		}
	}
	assert.Contains(t, types, protocol.WorldToolStart)
	assert.Contains(t, types, protocol.WorldToolResult)
}

func TestToolErrorAbortsContinuation(t *testing.T) {
	prov := &scriptProvider{}
	prov.push(&providers.ChatResponse{
		ToolCalls: []providers.ToolCall{{
			ID: "tc1", Name: "grep",
			Arguments: map[string]interface{}{"pattern": "x"},
		}},
		FinishReason: "tool_calls",
	})
	f := newFixture(t, mapResolver{"script": prov})
	f.addWorld(&world.World{Name: "w", TurnLimit: 5})
	f.addAgent("alice", "script", nil)
	f.addChat("c1")

	tool := &echoTool{name: "grep", result: tools.ErrorResult("disk on fire")}
	f.registry.Register(tool)

	_, err := f.orch.SubmitUserMessage(context.Background(), "c1", "human", "@alice search")
	require.NoError(t, err)
	f.waitIdle()

	// One call only: the failed tool ends the cycle, but the error result
	// is preserved for the next session.
	assert.Equal(t, 1, prov.callCount())
	mem := f.memory("alice", "c1")
	require.Len(t, mem, 3)
	assert.Equal(t, world.RoleTool, mem[2].Role)
	assert.Equal(t, "disk on fire", mem[2].Content)
}

func TestApprovalRoundTrip(t *testing.T) {
	prov := &scriptProvider{}
	gatedCall := []providers.ToolCall{{
		ID: "tc1", Name: "shell_cmd",
		Arguments: map[string]interface{}{"command": "ls"},
	}}
	prov.push(&providers.ChatResponse{ToolCalls: gatedCall, FinishReason: "tool_calls"})
	f := newFixture(t, mapResolver{"script": prov})
	f.addWorld(&world.World{Name: "w", TurnLimit: 5})
	f.addAgent("alice", "script", nil)
	f.addChat("c1")

	tool := &echoTool{name: "shell_cmd", result: tools.NewResult(`{"exitCode":0,"status":"completed"}`)}
	f.registry.Register(tool)

	_, err := f.orch.SubmitUserMessage(context.Background(), "c1", "human", "@alice run ls")
	require.NoError(t, err)
	f.waitIdle()

	// The tool did not run; the approval request was published instead.
	assert.Zero(t, tool.callCount())
	msgs := messagePayloads(f.events(protocol.ChannelMessage))
	require.Len(t, msgs, 2)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "client.requestApproval", msgs[1].ToolCalls[0].Name)

	// The injected exchange is hidden from the model.
	mem := f.memory("alice", "c1")
	require.Len(t, mem, 2)
	filtered := FilterMemory(mem)
	require.Len(t, filtered, 1)
	assert.Equal(t, world.RoleUser, filtered[0].Role)

	// The user approves; the model re-issues the call and it executes.
	prov.push(&providers.ChatResponse{ToolCalls: gatedCall, FinishReason: "tool_calls"})
	prov.push(&providers.ChatResponse{Content: "done, empty directory"})
	_, err = f.orch.SubmitUserMessage(context.Background(), "c1", "human", "approve_once")
	require.NoError(t, err)
	f.waitIdle()

	assert.Equal(t, 1, tool.callCount())
	final := messagePayloads(f.events(protocol.ChannelMessage))
	assert.Equal(t, "done, empty directory", final[len(final)-1].Content)
}

func TestDenyBlocksTool(t *testing.T) {
	prov := &scriptProvider{}
	gatedCall := []providers.ToolCall{{
		ID: "tc1", Name: "shell_cmd",
		Arguments: map[string]interface{}{"command": "rm"},
	}}
	prov.push(&providers.ChatResponse{ToolCalls: gatedCall, FinishReason: "tool_calls"})
	f := newFixture(t, mapResolver{"script": prov})
	f.addWorld(&world.World{Name: "w", TurnLimit: 5})
	f.addAgent("alice", "script", nil)
	f.addChat("c1")

	tool := &echoTool{name: "shell_cmd", result: tools.NewResult("ok")}
	f.registry.Register(tool)

	_, err := f.orch.SubmitUserMessage(context.Background(), "c1", "human", "@alice clean up")
	require.NoError(t, err)
	f.waitIdle()

	prov.push(&providers.ChatResponse{ToolCalls: gatedCall, FinishReason: "tool_calls"})
	_, err = f.orch.SubmitUserMessage(context.Background(), "c1", "human", "deny")
	require.NoError(t, err)
	f.waitIdle()

	// The re-issued call hits the denial and comes back as an error
	// result without executing.
	assert.Zero(t, tool.callCount())
	mem := f.memory("alice", "c1")
	var denials int
	for _, m := range mem {
		if m.Role == world.RoleTool && m.Content == "tool shell_cmd was denied by the user" {
			denials++
		}
	}
	assert.Equal(t, 1, denials)
}

func TestEmptyReplyPublishesNothing(t *testing.T) {
	prov := &scriptProvider{}
	prov.push(&providers.ChatResponse{Content: "   "})
	f := newFixture(t, mapResolver{"script": prov})
	f.addWorld(&world.World{Name: "w", TurnLimit: 5})
	f.addAgent("alice", "script", nil)
	f.addChat("c1")

	_, err := f.orch.SubmitUserMessage(context.Background(), "c1", "human", "@alice hm")
	require.NoError(t, err)
	f.waitIdle()

	msgs := messagePayloads(f.events(protocol.ChannelMessage))
	require.Len(t, msgs, 1)
	assert.Equal(t, "human", msgs[0].Sender)
}

func TestIsProcessingAndStop(t *testing.T) {
	f := newFixture(t, mapResolver{})
	f.addWorld(&world.World{Name: "w", TurnLimit: 5})
	f.addChat("c1")

	assert.False(t, f.orch.IsProcessing("c1"))
	assert.False(t, f.orch.IsProcessing(""))

	// Stop on an idle chat is a no-op.
	f.orch.Stop("c1")
	assert.False(t, f.orch.IsProcessing("c1"))
}

func TestIdlePublishesWorldEvent(t *testing.T) {
	prov := &scriptProvider{}
	prov.push(&providers.ChatResponse{Content: "hi"})
	f := newFixture(t, mapResolver{"script": prov})
	f.addWorld(&world.World{Name: "w", TurnLimit: 5})
	f.addAgent("alice", "script", nil)
	f.addChat("c1")

	_, err := f.orch.SubmitUserMessage(context.Background(), "c1", "human", "@alice hi")
	require.NoError(t, err)
	f.waitIdle()

	var sawIdle bool
	for _, e := range f.events(protocol.ChannelWorld) {
		if p, ok := e.Payload.(world.WorldPayload); ok && p.Type == protocol.WorldIdle {
			sawIdle = true
		}
	}
	assert.True(t, sawIdle)
}

func TestTurnCompletesWithNoAgents(t *testing.T) {
	f := newFixture(t, mapResolver{})
	f.addWorld(&world.World{Name: "w", TurnLimit: 5})
	f.addChat("c1")

	// Nobody can answer, but each turn still completes instead of
	// leaving the chat processing forever.
	_, err := f.orch.SubmitUserMessage(context.Background(), "c1", "human", "anyone?")
	require.NoError(t, err)
	f.waitIdle()
	assert.False(t, f.orch.IsProcessing("c1"))

	_, err = f.orch.SubmitUserMessage(context.Background(), "c1", "human", "still quiet?")
	require.NoError(t, err)
	f.waitIdle()

	msgs := messagePayloads(f.events(protocol.ChannelMessage))
	require.Len(t, msgs, 2)
}

func TestMentionOfUnknownAgentCompletesTurn(t *testing.T) {
	prov := &scriptProvider{}
	f := newFixture(t, mapResolver{"script": prov})
	f.addWorld(&world.World{Name: "w", TurnLimit: 5})
	f.addAgent("alice", "script", nil)
	f.addChat("c1")

	// The mention names nobody in the world, so no response is owed.
	_, err := f.orch.SubmitUserMessage(context.Background(), "c1", "human", "@ghost are you there?")
	require.NoError(t, err)
	f.waitIdle()
	assert.Zero(t, prov.callCount())
}

func TestApprovalReplySkipsMainAgentRewrite(t *testing.T) {
	prov := &scriptProvider{}
	gatedCall := []providers.ToolCall{{
		ID: "tc1", Name: "shell_cmd",
		Arguments: map[string]interface{}{"command": "ls"},
	}}
	prov.push(&providers.ChatResponse{ToolCalls: gatedCall, FinishReason: "tool_calls"})
	f := newFixture(t, mapResolver{"script": prov})
	f.addWorld(&world.World{Name: "w", MainAgent: "alice", TurnLimit: 5})
	f.addAgent("alice", "script", nil)
	f.addChat("c1")

	tool := &echoTool{name: "shell_cmd", result: tools.NewResult(`{"exitCode":0,"status":"ok"}`)}
	f.registry.Register(tool)

	_, err := f.orch.SubmitUserMessage(context.Background(), "c1", "human", "run ls")
	require.NoError(t, err)
	f.waitIdle()
	assert.Zero(t, tool.callCount())

	// With an approval pending, the decision is read from the raw text;
	// the main-agent rule must not turn it into "@alice approve_once".
	prov.push(&providers.ChatResponse{ToolCalls: gatedCall, FinishReason: "tool_calls"})
	prov.push(&providers.ChatResponse{Content: "empty directory"})
	_, err = f.orch.SubmitUserMessage(context.Background(), "c1", "human", "approve_once")
	require.NoError(t, err)
	f.waitIdle()

	assert.Equal(t, 1, tool.callCount())

	msgs := messagePayloads(f.events(protocol.ChannelMessage))
	require.GreaterOrEqual(t, len(msgs), 3)
	assert.Equal(t, "@alice run ls", msgs[0].Content)
	assert.Equal(t, "approve_once", msgs[2].Content)
	assert.Equal(t, "empty directory", msgs[len(msgs)-1].Content)
}

func TestCloseDuringSubmitDoesNotPanic(t *testing.T) {
	prov := &scriptProvider{}
	for i := 0; i < 40; i++ {
		prov.push(&providers.ChatResponse{Content: "ok"})
	}
	f := newFixture(t, mapResolver{"script": prov})
	f.addWorld(&world.World{Name: "w", TurnLimit: 5})
	f.addAgent("alice", "script", nil)
	f.addChat("c1")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			// Submissions racing the close are either scheduled or
			// refused; neither may hit a closed worker channel.
			_, _ = f.orch.SubmitUserMessage(context.Background(), "c1", "human", "@alice go")
		}
	}()
	f.orch.Close()
	wg.Wait()
}

func TestTitleGeneratedOnIdleForPlaceholderName(t *testing.T) {
	prov := &scriptProvider{}
	prov.push(&providers.ChatResponse{Content: "hello there"})
	prov.push(&providers.ChatResponse{Content: "Greeting The Assistant Warmly Today Again Extra"})
	f := newFixture(t, mapResolver{"script": prov})
	f.addWorld(&world.World{Name: "w", MainAgent: "alice", TurnLimit: 5})
	f.addAgent("alice", "script", nil)
	require.NoError(t, f.store.Chats().Create(context.Background(), &world.Chat{
		ID:        "c1",
		WorldID:   testWorldID,
		Name:      world.DefaultChatName,
		CreatedAt: time.Now().UTC(),
	}))

	_, err := f.orch.SubmitUserMessage(context.Background(), "c1", "human", "hi")
	require.NoError(t, err)
	f.waitIdle()

	chat, err := f.store.Chats().Get(context.Background(), testWorldID, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Greeting The Assistant Warmly Today Again", chat.Name)

	var titled bool
	for _, e := range f.events(protocol.ChannelSystem) {
		if p, ok := e.Payload.(world.SystemPayload); ok && p.EventType == protocol.SystemChatTitleUpdated {
			titled = true
			assert.Equal(t, "idle", p.Source)
		}
	}
	assert.True(t, titled)
}
