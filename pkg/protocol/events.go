package protocol

// Event bus channels. Every published event belongs to exactly one channel;
// the channel decides the payload variant (see internal/world).
const (
	ChannelMessage = "message" // chat timeline content
	ChannelSSE     = "sse"     // streaming transport lifecycle (start/chunk/end/error/tool-stream)
	ChannelWorld   = "world"   // world activity + tool telemetry
	ChannelSystem  = "system"  // world-scoped notifications
)

// SSE payload types (payload.type on the "sse" channel).
const (
	SSEStart      = "start"
	SSEChunk      = "chunk"
	SSEEnd        = "end"
	SSEError      = "error"
	SSEToolStream = "tool-stream"
)

// World payload types (payload.type on the "world" channel).
const (
	WorldResponseStart = "response-start"
	WorldResponseEnd   = "response-end"
	WorldIdle          = "idle"
	WorldToolStart     = "tool-start"
	WorldToolProgress  = "tool-progress"
	WorldToolResult    = "tool-result"
	WorldToolError     = "tool-error"
)

// System event types (payload.eventType on the "system" channel).
const (
	SystemChatTitleUpdated   = "chat-title-updated"
	SystemCreateAgentSuccess = "create-agent-success"
	SystemTurnLimitReached   = "turn-limit-reached"
	SystemHitlRequest        = "hitl-request"
	SystemToolFailed         = "tool-failed"
)

// Stream identifiers carried by tool-stream SSE payloads.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)
