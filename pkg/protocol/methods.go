package protocol

// RPC method name constants for the command surface.
// Transports (WebSocket, HTTP) all dispatch by these names.

// World management
const (
	MethodListWorlds  = "list-worlds"
	MethodCreateWorld = "create-world"
	MethodGetWorld    = "get-world"
	MethodUpdateWorld = "update-world"
	MethodDeleteWorld = "delete-world"
	MethodExportWorld = "export-world"
)

// Agent management
const (
	MethodListAgents  = "list-agents"
	MethodCreateAgent = "create-agent"
	MethodUpdateAgent = "update-agent"
	MethodDeleteAgent = "delete-agent"
)

// Chat management
const (
	MethodListChats  = "list-chats"
	MethodNewChat    = "new-chat"
	MethodDeleteChat = "delete-chat"
	MethodBranchChat = "branch-chat"
)

// Messaging
const (
	MethodSendMessage   = "send-message"
	MethodEditMessage   = "edit-message"
	MethodDeleteMessage = "delete-message"
	MethodStop          = "stop"
)

// Subscription
const (
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
)

// Skills
const (
	MethodListSkills = "list-skills"
)

// Message queue controls
const (
	MethodQueueState   = "queue-state"
	MethodQueuePause   = "queue-pause"
	MethodQueueResume  = "queue-resume"
	MethodQueueDiscard = "queue-discard"
	MethodQueueRetry   = "queue-retry"
	MethodQueueSkip    = "queue-skip"
)

// Human-in-the-loop
const (
	MethodHitlRespond = "hitl-respond"
)
