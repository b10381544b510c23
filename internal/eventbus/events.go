package eventbus

// EventType enumerates the lifecycle events the core runtime publishes.
type EventType string

const (
	EventAgentCreated         EventType = "AGENT_CREATED"
	EventAgentUpdated         EventType = "AGENT_UPDATED"
	EventAgentDeleted         EventType = "AGENT_DELETED"
	EventThreadCreated        EventType = "THREAD_CREATED"
	EventThreadUpdated        EventType = "THREAD_UPDATED"
	EventThreadDeleted        EventType = "THREAD_DELETED"
	EventThreadMessageCreated EventType = "THREAD_MESSAGE_CREATED"
	EventRunCreated           EventType = "RUN_CREATED"
	EventRunUpdated           EventType = "RUN_UPDATED"
	EventTriggerFired         EventType = "TRIGGER_FIRED"
	EventNodeState            EventType = "NODE_STATE"
	EventNodeLog              EventType = "NODE_LOG"
	EventExecutionFinished    EventType = "EXECUTION_FINISHED"
	EventUserUpdate           EventType = "USER_UPDATE"
	EventStreamStart          EventType = "STREAM_START"
	EventStreamChunk          EventType = "STREAM_CHUNK"
	EventStreamEnd            EventType = "STREAM_END"
)

// The payload types below form a tagged union: each EventType is always
// published with exactly one of these Go types as its Event.Payload, so
// publisher and subscriber share a compile-time-checked schema instead
// of an untyped map.

// AgentPayload accompanies AGENT_CREATED / AGENT_UPDATED / AGENT_DELETED.
type AgentPayload struct {
	ID        string
	Status    string
	LastError string
	LastRunAt *int64 // unix millis, nil if never run
}

// ThreadPayload accompanies THREAD_CREATED / THREAD_UPDATED / THREAD_DELETED.
type ThreadPayload struct {
	ID      string
	AgentID string
}

// ThreadMessagePayload accompanies THREAD_MESSAGE_CREATED.
type ThreadMessagePayload struct {
	ThreadID  string
	MessageID string
	Role      string
}

// RunPayload accompanies RUN_CREATED / RUN_UPDATED.
type RunPayload struct {
	ID       string
	AgentID  string
	ThreadID string
	Status   string
	Error    string
	Summary  string
}

// TriggerFiredPayload accompanies TRIGGER_FIRED.
type TriggerFiredPayload struct {
	TriggerID string
	AgentID   string
	Body      []byte
}

// NodeStatePayload accompanies NODE_STATE.
type NodeStatePayload struct {
	ExecutionID string
	NodeID      string
	Status      string // "running" | "success" | "failed"
	Error       string
}

// NodeLogPayload accompanies NODE_LOG.
type NodeLogPayload struct {
	ExecutionID string
	NodeID      string
	Stream      string // "stdout" | "stderr"
	Text        string
}

// ExecutionFinishedPayload accompanies EXECUTION_FINISHED.
type ExecutionFinishedPayload struct {
	ExecutionID string
	Status      string
	DurationMs  int64
	Error       string
}

// UserUpdatePayload accompanies USER_UPDATE.
type UserUpdatePayload struct {
	ID string
}

// StreamChunkType enumerates the chunk kinds carried on STREAM_CHUNK.
type StreamChunkType string

const (
	ChunkAssistantToken StreamChunkType = "assistant_token"
	ChunkToolOutput     StreamChunkType = "tool_output"
)

// StreamStartPayload accompanies STREAM_START.
type StreamStartPayload struct {
	ThreadID string
	RunID    string
}

// StreamChunkPayload accompanies STREAM_CHUNK.
type StreamChunkPayload struct {
	ThreadID   string
	RunID      string
	ChunkType  StreamChunkType
	Text       string
	ToolName   string
	ToolCallID string
}

// StreamEndPayload accompanies STREAM_END.
type StreamEndPayload struct {
	ThreadID string
	RunID    string
}
