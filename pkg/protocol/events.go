package protocol

// Event is the closed sum of everything the engine pushes to subscribers.
// Each variant carries the ids needed to key fan-out; the marker method
// keeps the set closed so switches over variants stay exhaustive.
type Event interface {
	// Kind returns the wire tag for the event.
	Kind() string
	// Session returns the owning session id.
	Session() string
	event()
}

// ThinkingEvent streams agent reasoning text.
type ThinkingEvent struct {
	SessionID string `json:"session_id"`
	WorkerID  string `json:"worker_id"`
	Text      string `json:"text"`
}

// DeltaEvent streams a chunk of agent output appended to the worker buffer.
type DeltaEvent struct {
	SessionID string `json:"session_id"`
	WorkerID  string `json:"worker_id"`
	Text      string `json:"text"`
}

// CompleteEvent is the terminal success event for a worker turn.
type CompleteEvent struct {
	SessionID string `json:"session_id"`
	WorkerID  string `json:"worker_id"`
	Usage     Usage  `json:"usage"`
}

// ErrorEvent is the terminal failure event for a worker turn.
type ErrorEvent struct {
	SessionID string `json:"session_id"`
	WorkerID  string `json:"worker_id"`
	Message   string `json:"message"`
}

// PlanEvent carries an agent-proposed plan extracted from tool input.
type PlanEvent struct {
	SessionID string      `json:"session_id"`
	WorkerID  string      `json:"worker_id"`
	Entries   []PlanEntry `json:"entries"`
}

// StatusEvent announces a worker status change.
type StatusEvent struct {
	SessionID string       `json:"session_id"`
	WorkerID  string       `json:"worker_id"`
	Status    WorkerStatus `json:"status"`
}

// ToolCallEvent announces a new or updated tool call on a worker.
type ToolCallEvent struct {
	SessionID string   `json:"session_id"`
	WorkerID  string   `json:"worker_id"`
	ToolCall  ToolCall `json:"tool_call"`
}

// PermissionEvent announces a pending permission request.
type PermissionEvent struct {
	SessionID string            `json:"session_id"`
	WorkerID  string            `json:"worker_id"`
	Request   PermissionRequest `json:"request"`
}

// ModeChangeEvent announces a session mode switch.
type ModeChangeEvent struct {
	SessionID string      `json:"session_id"`
	Mode      SessionMode `json:"mode"`
}

// CommandsEvent announces the slash commands an agent advertises.
type CommandsEvent struct {
	SessionID string   `json:"session_id"`
	WorkerID  string   `json:"worker_id"`
	Commands  []string `json:"commands"`
}

// SessionCreatedEvent announces a freshly created session.
type SessionCreatedEvent struct {
	SessionID string      `json:"session_id"`
	Type      SessionType `json:"session_type"`
}

// InboxEvent announces inbox activity within a session.
type InboxEvent struct {
	SessionID string  `json:"session_id"`
	Message   Message `json:"message"`
}

// PrdProgressEvent reports PRD executor progress on one story.
type PrdProgressEvent struct {
	SessionID    string      `json:"session_id"`
	PrdSessionID string      `json:"prd_session_id"`
	StoryID      string      `json:"story_id"`
	Status       StoryStatus `json:"status"`
	Iteration    int         `json:"iteration"`
}

func (ThinkingEvent) event()       {}
func (DeltaEvent) event()          {}
func (CompleteEvent) event()       {}
func (ErrorEvent) event()          {}
func (PlanEvent) event()           {}
func (StatusEvent) event()         {}
func (ToolCallEvent) event()       {}
func (PermissionEvent) event()     {}
func (ModeChangeEvent) event()     {}
func (CommandsEvent) event()       {}
func (SessionCreatedEvent) event() {}
func (InboxEvent) event()          {}
func (PrdProgressEvent) event()    {}

// Kind implementations (wire tags).

func (ThinkingEvent) Kind() string       { return "thinking" }
func (DeltaEvent) Kind() string          { return "delta" }
func (CompleteEvent) Kind() string       { return "complete" }
func (ErrorEvent) Kind() string          { return "error" }
func (PlanEvent) Kind() string           { return "plan" }
func (StatusEvent) Kind() string         { return "worker_status" }
func (ToolCallEvent) Kind() string       { return "tool_call" }
func (PermissionEvent) Kind() string     { return "permission_request" }
func (ModeChangeEvent) Kind() string     { return "mode_change" }
func (CommandsEvent) Kind() string       { return "available_commands" }
func (SessionCreatedEvent) Kind() string { return "session_created" }
func (InboxEvent) Kind() string          { return "inbox_activity" }
func (PrdProgressEvent) Kind() string    { return "prd_progress" }

// Session implementations.

func (e ThinkingEvent) Session() string       { return e.SessionID }
func (e DeltaEvent) Session() string          { return e.SessionID }
func (e CompleteEvent) Session() string       { return e.SessionID }
func (e ErrorEvent) Session() string          { return e.SessionID }
func (e PlanEvent) Session() string           { return e.SessionID }
func (e StatusEvent) Session() string         { return e.SessionID }
func (e ToolCallEvent) Session() string       { return e.SessionID }
func (e PermissionEvent) Session() string     { return e.SessionID }
func (e ModeChangeEvent) Session() string     { return e.SessionID }
func (e CommandsEvent) Session() string       { return e.SessionID }
func (e SessionCreatedEvent) Session() string { return e.SessionID }
func (e InboxEvent) Session() string          { return e.SessionID }
func (e PrdProgressEvent) Session() string    { return e.SessionID }
