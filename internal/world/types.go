// Package world holds the data records of the runtime: worlds, agents,
// agent memory, chats, and persisted events. Records here carry no
// behavior beyond validation and derivation helpers; the runtime registry
// (internal/runtime) owns live state such as buses and turn counters.
package world

import "time"

// DefaultTurnLimit bounds agent responses per chat session.
const DefaultTurnLimit = 5

// DefaultChatName is the placeholder title replaced by the idle
// summarization hook.
const DefaultChatName = "New Chat"

// World is a named container for agents, chats, and variables.
type World struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	TurnLimit     int       `json:"turnLimit"`
	MainAgent     string    `json:"mainAgent,omitempty"`
	Variables     string    `json:"variables,omitempty"` // dotenv-style text
	CurrentChatID string    `json:"currentChatId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Agent is an LLM-backed participant in a world.
type Agent struct {
	ID           string    `json:"id"` // kebab-case of Name
	WorldID      string    `json:"worldId"`
	Name         string    `json:"name"`
	Type         string    `json:"type,omitempty"`
	LLMProvider  string    `json:"llmProvider"`
	LLMModel     string    `json:"llmModel"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	MaxTokens    *int      `json:"maxTokens,omitempty"`
	AutoReply    bool      `json:"autoReply"`
	Muted        bool      `json:"muted,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Message roles in agent memory.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a tool invocation recorded on an assistant message.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// AgentMessage is one entry in an agent's memory: the full OpenAI-style
// chat log visible to that agent.
type AgentMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Sender     string     `json:"sender,omitempty"`
	ChatID     string     `json:"chatId,omitempty"`
	MessageID  string     `json:"messageId"` // stable 10-char id, unique per world
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Chat is a conversation session within a world.
type Chat struct {
	ID           string    `json:"id"`
	WorldID      string    `json:"worldId"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
}

// Event is one persisted, append-only bus event. Seq is monotonic and
// gap-free per world, starting at 1.
type Event struct {
	Seq       int64       `json:"seq"`
	WorldID   string      `json:"worldId"`
	ChatID    string      `json:"chatId,omitempty"`
	Channel   string      `json:"channel"`
	Payload   interface{} `json:"payload"`
	Meta      string      `json:"meta,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// MessagePayload is the payload variant for the "message" channel.
type MessagePayload struct {
	MessageID string     `json:"messageId"`
	Sender    string     `json:"sender"`
	Content   string     `json:"content"`
	Role      string     `json:"role"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

// SSEPayload is the payload variant for the "sse" channel.
type SSEPayload struct {
	Type      string      `json:"type"` // protocol.SSE* constant
	AgentID   string      `json:"agentId,omitempty"`
	MessageID string      `json:"messageId,omitempty"`
	Content   string      `json:"content,omitempty"`
	Stream    string      `json:"stream,omitempty"` // stdout | stderr
	Usage     interface{} `json:"usage,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// WorldPayload is the payload variant for the "world" channel.
type WorldPayload struct {
	Type    string `json:"type"` // protocol.World* constant
	AgentID string `json:"agentId,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// SystemPayload is the payload variant for the "system" channel.
type SystemPayload struct {
	EventType           string   `json:"eventType"`
	Title               string   `json:"title,omitempty"`
	Source              string   `json:"source,omitempty"`
	Content             string   `json:"content,omitempty"`
	RequestID           string   `json:"requestId,omitempty"` // hitl-request correlation
	Options             []string `json:"options,omitempty"`
	RefreshAfterDismiss bool     `json:"refreshAfterDismiss,omitempty"`
}

// ShellState values for an execution record's lifecycle.
const (
	ShellQueued    = "queued"
	ShellStarting  = "starting"
	ShellRunning   = "running"
	ShellCompleted = "completed"
	ShellFailed    = "failed"
	ShellCanceled  = "canceled"
	ShellTimedOut  = "timed_out"
)

// ShellExecution tracks one shell subprocess. Owned by the process;
// bounded in-memory history, never persisted across restarts.
type ShellExecution struct {
	ExecutionID string     `json:"executionId"`
	WorldID     string     `json:"worldId,omitempty"`
	ChatID      string     `json:"chatId,omitempty"`
	Command     string     `json:"command"`
	Args        []string   `json:"args,omitempty"`
	State       string     `json:"state"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}

// ValidShellTransition reports whether a state change follows the
// queued → starting → running → terminal order. Terminal states accept
// no further transitions.
func ValidShellTransition(from, to string) bool {
	rank := map[string]int{
		ShellQueued:   0,
		ShellStarting: 1,
		ShellRunning:  2,
	}
	terminal := map[string]bool{
		ShellCompleted: true,
		ShellFailed:    true,
		ShellCanceled:  true,
		ShellTimedOut:  true,
	}
	if terminal[from] {
		return false
	}
	if terminal[to] {
		return true
	}
	rf, okf := rank[from]
	rt, okt := rank[to]
	return okf && okt && rt == rf+1
}
