// Package runtime owns live world state. Worlds are data records in the
// store; this registry pairs each loaded world with its event bus,
// orchestrator, approval gate, and message queues, and unloads it when
// the last subscriber leaves and nothing is processing. The registry is
// also where the §6 command surface is implemented.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/agentworld/agentworld/internal/approval"
	"github.com/agentworld/agentworld/internal/bus"
	"github.com/agentworld/agentworld/internal/llmq"
	"github.com/agentworld/agentworld/internal/msgq"
	"github.com/agentworld/agentworld/internal/orchestrator"
	"github.com/agentworld/agentworld/internal/providers"
	"github.com/agentworld/agentworld/internal/skills"
	"github.com/agentworld/agentworld/internal/store"
	"github.com/agentworld/agentworld/internal/tools"
)

// ErrBusy signals that a mutation was attempted while the world is
// processing. Mapped to the processing-busy protocol kind.
var ErrBusy = errors.New("world is processing")

// Runtime is the process-wide coordinator: one LLM queue, one tool set,
// one shell tracker, and a registry of loaded worlds.
type Runtime struct {
	store     store.Store
	providers *providers.Registry
	skills    *skills.Registry
	queue     *llmq.Queue
	queues    *msgq.Manager
	tracker   *tools.ExecutionTracker
	tools     *tools.Registry
	hitl      *hitlBroker

	loading singleflight.Group

	mu     sync.Mutex
	worlds map[string]*WorldRuntime
}

// WorldRuntime is the live state of one loaded world.
type WorldRuntime struct {
	ID   string
	Bus  *bus.Bus
	Orch *orchestrator.Orchestrator
	Gate *approval.Gate

	refs int
}

// Options configures a Runtime.
type Options struct {
	Store     store.Store
	Providers *providers.Registry
	Skills    *skills.Registry // may be nil
}

// New builds the runtime and registers the built-in tool set.
func New(opts Options) *Runtime {
	rt := &Runtime{
		store:     opts.Store,
		providers: opts.Providers,
		skills:    opts.Skills,
		queue:     llmq.New(),
		queues:    msgq.NewManager(),
		tracker:   tools.NewExecutionTracker(),
		tools:     tools.NewRegistry(),
		hitl:      newHitlBroker(),
		worlds:    make(map[string]*WorldRuntime),
	}
	rt.hitl.rt = rt

	rt.tools.Register(tools.NewShellTool(rt.tracker))
	rt.tools.Alias("shell", "shell_cmd")
	rt.tools.Register(tools.ReadFileTool{})
	rt.tools.Register(tools.ListFilesTool{})
	rt.tools.Register(tools.GrepTool{})
	rt.tools.Alias("grep_search", "grep")
	rt.tools.Register(tools.NewHitlRequestTool(rt.hitl))
	rt.tools.Register(tools.NewCreateAgentTool(rt))
	if rt.skills != nil {
		rt.tools.Register(tools.NewLoadSkillTool(rt.skills))
	}
	return rt
}

// Tools exposes the registry, mainly for cmd-level listing.
func (rt *Runtime) Tools() *tools.Registry { return rt.tools }

// Tracker exposes the shell execution index.
func (rt *Runtime) Tracker() *tools.ExecutionTracker { return rt.tracker }

// Acquire loads the world (or reuses the loaded instance) and takes a
// reference. Callers must Release.
func (rt *Runtime) Acquire(ctx context.Context, worldID string) (*WorldRuntime, error) {
	v, err, _ := rt.loading.Do(worldID, func() (interface{}, error) {
		return rt.load(ctx, worldID)
	})
	if err != nil {
		return nil, err
	}
	wr := v.(*WorldRuntime)

	rt.mu.Lock()
	wr.refs++
	rt.mu.Unlock()
	return wr, nil
}

// Release drops a reference. The world unloads when no references
// remain and no agent is processing.
func (rt *Runtime) Release(worldID string) {
	rt.mu.Lock()
	wr, ok := rt.worlds[worldID]
	if !ok {
		rt.mu.Unlock()
		return
	}
	wr.refs--
	idle := wr.refs <= 0 && !wr.Orch.IsProcessing("") && !rt.queues.Busy(worldID)
	if idle {
		delete(rt.worlds, worldID)
	}
	rt.mu.Unlock()

	if idle {
		rt.unload(wr)
	}
}

// Peek returns the loaded world runtime without loading or taking a
// reference.
func (rt *Runtime) Peek(worldID string) (*WorldRuntime, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	wr, ok := rt.worlds[worldID]
	return wr, ok
}

func (rt *Runtime) load(ctx context.Context, worldID string) (*WorldRuntime, error) {
	rt.mu.Lock()
	if wr, ok := rt.worlds[worldID]; ok {
		rt.mu.Unlock()
		return wr, nil
	}
	rt.mu.Unlock()

	if _, err := rt.store.Worlds().Get(ctx, worldID); err != nil {
		return nil, err
	}

	b := bus.New(worldID, rt.store.Events())
	gate := approval.NewGate()

	var prompter orchestrator.SkillPrompter
	if rt.skills != nil {
		prompter = rt.skills
	}
	orch := orchestrator.New(orchestrator.Config{
		WorldID:   worldID,
		Store:     rt.store,
		Bus:       b,
		Queue:     rt.queue,
		Providers: rt.providers,
		Tools:     rt.tools,
		Tracker:   rt.tracker,
		Gate:      gate,
		Skills:    prompter,
		OnChatIdle: func(chatID string) {
			if q, ok := rt.queues.Lookup(worldID, chatID); ok {
				q.TurnComplete()
			}
		},
	})

	wr := &WorldRuntime{ID: worldID, Bus: b, Orch: orch, Gate: gate}
	rt.mu.Lock()
	rt.worlds[worldID] = wr
	rt.mu.Unlock()
	slog.Info("world loaded", "world", worldID)
	return wr, nil
}

func (rt *Runtime) unload(wr *WorldRuntime) {
	wr.Orch.Close()
	wr.Bus.Close()
	slog.Info("world unloaded", "world", wr.ID)
}

// Close shuts down everything: message queues stop, worlds unload, the
// LLM queue drains.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	worlds := make([]*WorldRuntime, 0, len(rt.worlds))
	for id, wr := range rt.worlds {
		worlds = append(worlds, wr)
		delete(rt.worlds, id)
	}
	rt.mu.Unlock()

	for _, wr := range worlds {
		rt.unload(wr)
	}
	rt.queue.Close()
}

// chatQueue returns the message queue for a chat, wiring its hooks to
// the world's orchestrator.
func (rt *Runtime) chatQueue(wr *WorldRuntime, chatID string) *msgq.Queue {
	return rt.queues.Get(wr.ID, chatID, msgq.Hooks{
		Dispatch: func(ctx context.Context, item *msgq.Item) error {
			_, err := wr.Orch.SubmitUserMessage(ctx, chatID, item.Sender, item.Content)
			return err
		},
		Stop: func() {
			wr.Orch.Stop(chatID)
		},
	})
}

// CreateAgent implements tools.AgentCreator for the create_agent tool.
func (rt *Runtime) CreateAgent(ctx context.Context, worldID string, spec tools.AgentSpec) (string, error) {
	providerName := spec.Provider
	model := spec.Model
	if providerName == "" {
		// Default to the calling agent's provider.
		if callerID := tools.AgentIDFromCtx(ctx); callerID != "" {
			if caller, err := rt.store.Agents().Get(ctx, worldID, callerID); err == nil {
				providerName = caller.LLMProvider
				if model == "" {
					model = caller.LLMModel
				}
			}
		}
	}
	if providerName == "" {
		return "", fmt.Errorf("no provider specified and none to inherit")
	}
	if model == "" {
		p, err := rt.providers.Get(providerName)
		if err != nil {
			return "", err
		}
		model = p.DefaultModel()
	}

	agent, err := rt.AddAgent(ctx, worldID, AgentParams{
		Name:         spec.Name,
		Provider:     providerName,
		Model:        model,
		SystemPrompt: spec.SystemPrompt,
	})
	if err != nil {
		return "", err
	}
	return agent.ID, nil
}
