// Package tools holds the built-in tool set offered to every agent:
// shell execution with streamed output, filesystem navigation, skill
// loading, HITL questions, and agent creation. Tools are thread-safe;
// per-call state (world, chat, working directory, stream sink) travels
// in the context.
package tools

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/agentworld/agentworld/internal/providers"
)

// Tool is one callable exposed to the LLM.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry maps tool names to implementations. Aliases resolve to the
// same instance but are not listed in Definitions.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	aliases map[string]string
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		aliases: make(map[string]string),
	}
}

// Register adds a tool. Re-registering a name replaces it.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Alias makes alt resolve to the tool registered under name.
func (r *Registry) Alias(alt, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alt] = name
}

// Get resolves a tool by name or alias.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions returns provider-facing schemas for all registered tools,
// sorted by name for a stable prompt.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		out = append(out, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}

// IsClientTool reports whether a tool-call name targets the client
// rather than the runtime (e.g. client.requestApproval). Client calls
// are published, never executed here.
func IsClientTool(name string) bool {
	return strings.HasPrefix(name, "client.")
}

// ── per-call context ──

type toolContextKey string

const (
	ctxWorldID    toolContextKey = "tool_world_id"
	ctxChatID     toolContextKey = "tool_chat_id"
	ctxAgentID    toolContextKey = "tool_agent_id"
	ctxWorkingDir toolContextKey = "tool_working_dir"
	ctxStream     toolContextKey = "tool_stream"
)

// StreamFunc receives live subprocess output. stream is "stdout" or
// "stderr".
type StreamFunc func(stream, content string)

func WithWorldID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxWorldID, id)
}

func WorldIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxWorldID).(string)
	return v
}

func WithChatID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxChatID, id)
}

func ChatIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChatID).(string)
	return v
}

func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxAgentID, id)
}

func AgentIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxAgentID).(string)
	return v
}

// WithWorkingDir sets the fallback working directory, normally the
// world's working_directory variable.
func WithWorkingDir(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, ctxWorkingDir, dir)
}

func WorkingDirFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxWorkingDir).(string)
	return v
}

func WithStream(ctx context.Context, fn StreamFunc) context.Context {
	return context.WithValue(ctx, ctxStream, fn)
}

func StreamFromCtx(ctx context.Context) StreamFunc {
	v, _ := ctx.Value(ctxStream).(StreamFunc)
	return v
}
