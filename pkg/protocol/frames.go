package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking frame changes.
const ProtocolVersion = 1

// Frame kinds exchanged over a client connection.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// RequestFrame is a client → server RPC call.
type RequestFrame struct {
	Type   string          `json:"type"` // "req"
	ID     string          `json:"id"`   // client-chosen correlation id
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers one RequestFrame.
type ResponseFrame struct {
	Type   string      `json:"type"` // "res"
	ID     string      `json:"id"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorBody  `json:"error,omitempty"`
}

// EventFrame is a server → client push carrying one bus event.
type EventFrame struct {
	Type      string      `json:"type"` // "event"
	WorldID   string      `json:"worldId"`
	ChatID    string      `json:"chatId,omitempty"`
	Channel   string      `json:"channel"` // Channel* constant
	Seq       int64       `json:"seq"`
	Payload   interface{} `json:"payload"`
	CreatedAt string      `json:"createdAt"` // RFC3339
}

// ErrorBody carries a typed error to the client.
type ErrorBody struct {
	Kind    string `json:"kind"` // ErrKind* constant
	Message string `json:"message"`
}

// Error kinds surfaced at the protocol boundary.
const (
	ErrKindValidation  = "validation"
	ErrKindNotFound    = "not-found"
	ErrKindBusy        = "processing-busy"
	ErrKindLLM         = "llm-error"
	ErrKindTool        = "tool-error"
	ErrKindApproval    = "approval-required"
	ErrKindCancelled   = "cancelled"
	ErrKindPersistence = "persistence-error"
	ErrKindFatal       = "fatal"
)

// NewResponse builds a success response for a request id.
func NewResponse(id string, result interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameResponse, ID: id, OK: true, Result: result}
}

// NewErrorResponse builds a failure response for a request id.
func NewErrorResponse(id, kind, message string) *ResponseFrame {
	return &ResponseFrame{Type: FrameResponse, ID: id, OK: false, Error: &ErrorBody{Kind: kind, Message: message}}
}
