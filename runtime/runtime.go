// Package runtime defines the AgentRuntime port (C5): the single interface
// DorkOS uses to drive whatever LLM session runner backs a registered agent.
// Nothing outside this package knows the runtime's concrete implementation —
// the scheduler and the adapter framework depend only on this interface,
// per spec §9 ("cyclic reference between scheduler, relay, and adapter").
package runtime

import "context"

// PermissionMode mirrors storage.PermissionMode without importing storage,
// keeping this port free of a dependency on the persistence layer.
type PermissionMode string

// SessionOptions configures ensuring a session exists.
type SessionOptions struct {
	PermissionMode PermissionMode
	Cwd            string
	HasStarted     bool
}

// SendOptions configures one sendMessage call.
type SendOptions struct {
	PermissionMode     PermissionMode
	Cwd                string
	SystemPromptAppend string
}

// EventKind discriminates StreamEvent's tagged union (spec §4.5).
type EventKind string

const (
	EventTextDelta      EventKind = "text_delta"
	EventToolCall       EventKind = "tool_call"
	EventToolResult     EventKind = "tool_result"
	EventApprovalReq    EventKind = "tool_approval_request"
	EventAskUserQuestion EventKind = "ask_user_question"
	EventTaskUpdate     EventKind = "task_update"
	EventError          EventKind = "error"
	EventDone           EventKind = "done"
)

// StreamEvent is one item yielded by a session's message stream. Only the
// fields relevant to Kind are populated.
type StreamEvent struct {
	Kind EventKind

	// text_delta
	Text string

	// tool_call
	ToolCallID    string
	ToolName      string
	ToolInput     map[string]any

	// tool_result
	ToolOutput any

	// tool_approval_request / ask_user_question
	RequestID string
	Detail    map[string]any

	// task_update
	Tasks []string

	// error
	Message string
}

// Cursor is a pull-based, non-restartable iterator over a session's stream
// events (spec §9: "implicit async iteration of stream events"). Callers
// must call Close when done, including after the stream ends naturally with
// a done or error event, to release any underlying resources.
type Cursor interface {
	// Next blocks until the next event is available, ctx is cancelled, or
	// the stream terminates. ok is false once the stream is exhausted.
	Next(ctx context.Context) (event StreamEvent, ok bool)
	// Close releases resources backing the cursor. Idempotent.
	Close()
}

// AgentRuntime abstracts the LLM session runner (spec §4.5). Implementations
// are expected to serialize internally per sessionID — the core relies on
// that contract rather than re-implementing per-session locking itself
// (spec §9).
type AgentRuntime interface {
	EnsureSession(ctx context.Context, sessionID string, opts SessionOptions) error
	SendMessage(ctx context.Context, sessionID, content string, opts SendOptions) (Cursor, error)
}
