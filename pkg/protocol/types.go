// Package protocol defines the shared vocabulary of the foreman engine:
// session/worker/task/message entities, the tagged event stream emitted to
// subscribers, the line-delimited JSON protocol spoken by agent subprocesses,
// typed errors, the model catalog, and the SQLite schema for persisted state.
// It has no dependencies on other foreman packages.
package protocol

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

// Session status constants.
const (
	SessionPlanning  SessionStatus = "planning"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// SessionMode controls how much autonomy workers in a session have.
type SessionMode string

// Session mode constants.
const (
	ModeDefault           SessionMode = "default"
	ModeAcceptEdits       SessionMode = "acceptEdits"
	ModePlan              SessionMode = "plan"
	ModeDontAsk           SessionMode = "dontAsk"
	ModeBypassPermissions SessionMode = "bypassPermissions"
)

// SessionType distinguishes how a session's workers are driven.
type SessionType string

// Session type constants.
const (
	SessionSingle SessionType = "single" // one interactive worker
	SessionFleet  SessionType = "fleet"  // fixed-size worker fleet
	SessionRalph  SessionType = "ralph"  // PRD-driven iterative run
)

// Session is one orchestration unit grouping workers toward a goal.
// Owned exclusively by the session registry; mutate only through its API.
type Session struct {
	ID        string        `json:"id"`
	Prompt    string        `json:"prompt"`
	Status    SessionStatus `json:"status"`
	Mode      SessionMode   `json:"mode"`
	Type      SessionType   `json:"session_type"`
	AgentID   string        `json:"agent_id"`
	Cwd       string        `json:"cwd"`
	WorkerIDs []string      `json:"worker_ids"`
	Usage     Usage         `json:"usage"`
	CostUSD   float64       `json:"cost_usd"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Usage counts tokens consumed by a worker turn (or aggregated per session).
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

// WorkerStatus is the lifecycle state of a Worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerPending   WorkerStatus = "pending"
	WorkerRunning   WorkerStatus = "running"
	WorkerCompleted WorkerStatus = "completed"
	WorkerFailed    WorkerStatus = "failed"
	WorkerCancelled WorkerStatus = "cancelled"
)

// Terminal reports whether the status is a terminal worker state.
func (s WorkerStatus) Terminal() bool {
	return s == WorkerCompleted || s == WorkerFailed || s == WorkerCancelled
}

// Worker is one supervised agent subprocess executing a task.
type Worker struct {
	ID           string       `json:"id"`
	SessionID    string       `json:"session_id"`
	Task         string       `json:"task"`
	Status       WorkerStatus `json:"status"`
	Model        string       `json:"model,omitempty"`
	Usage        Usage        `json:"usage"`
	CostUSD      float64      `json:"cost_usd"`
	Output       string       `json:"output"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	FilesTouched []string     `json:"files_touched,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

// Task status constants. Deleted is a soft tombstone: the task stays in the
// store but is excluded from listing and claiming.
const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskDeleted    TaskStatus = "deleted"
)

// Task is a schedulable unit of work with dependency edges. BlockedBy and
// Blocks are symmetric: B lists A in BlockedBy iff A lists B in Blocks.
type Task struct {
	ID          string            `json:"id"`
	Subject     string            `json:"subject"`
	Description string            `json:"description,omitempty"`
	Status      TaskStatus        `json:"status"`
	Owner       string            `json:"owner,omitempty"` // worker id, or empty
	BlockedBy   []string          `json:"blocked_by,omitempty"`
	Blocks      []string          `json:"blocks,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Seq         int64             `json:"seq"` // creation order, claim tie-break
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// MessageType tags an inbox message payload.
type MessageType string

// Inbox message type constants.
const (
	MsgText                MessageType = "text"
	MsgShutdownRequest     MessageType = "shutdown_request"
	MsgShutdownApproved    MessageType = "shutdown_approved"
	MsgShutdownRejected    MessageType = "shutdown_rejected"
	MsgIdleNotification    MessageType = "idle_notification"
	MsgTaskCompleted       MessageType = "task_completed"
	MsgPlanApprovalRequest MessageType = "plan_approval_request"
	MsgPlanApproved        MessageType = "plan_approved"
	MsgPlanRejected        MessageType = "plan_rejected"
	MsgCustom              MessageType = "custom"
)

// Message is an inbox entry. Immutable once created except for the Read
// flag, which only the recipient flips. RequestID correlates a structured
// reply with the request it answers; the bus does not enforce pairing.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Type      MessageType `json:"type"`
	Body      string      `json:"body,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Read      bool        `json:"read"`
	CreatedAt time.Time   `json:"created_at"`
}

// ToolKind classifies an agent-issued tool call.
type ToolKind string

// Tool kind constants.
const (
	ToolRead       ToolKind = "read"
	ToolEdit       ToolKind = "edit"
	ToolDelete     ToolKind = "delete"
	ToolMove       ToolKind = "move"
	ToolSearch     ToolKind = "search"
	ToolExecute    ToolKind = "execute"
	ToolThink      ToolKind = "think"
	ToolFetch      ToolKind = "fetch"
	ToolSwitchMode ToolKind = "switch_mode"
	ToolOther      ToolKind = "other"
)

// ToolCallStatus is the lifecycle state of a single tool call.
type ToolCallStatus string

// Tool call status constants.
const (
	ToolCallPending    ToolCallStatus = "pending"
	ToolCallInProgress ToolCallStatus = "in_progress"
	ToolCallCompleted  ToolCallStatus = "completed"
	ToolCallFailed     ToolCallStatus = "failed"
)

// ContentKind tags one item of tool call content.
type ContentKind string

// Content kind constants.
const (
	ContentText     ContentKind = "text"
	ContentCode     ContentKind = "code"
	ContentDiff     ContentKind = "diff"
	ContentTerminal ContentKind = "terminal"
	ContentError    ContentKind = "error"
)

// ContentItem is one ordered piece of tool call content.
type ContentItem struct {
	Kind ContentKind `json:"kind"`
	Text string      `json:"text"`
	Path string      `json:"path,omitempty"`
}

// ToolCall is one agent-issued action inside a worker's turn.
type ToolCall struct {
	ID       string          `json:"id"`
	Title    string          `json:"title"`
	Kind     ToolKind        `json:"kind"`
	Status   ToolCallStatus  `json:"status"`
	Content  []ContentItem   `json:"content,omitempty"`
	RawInput json.RawMessage `json:"raw_input,omitempty"` // structured tool input, used for plan extraction
}

// Merge applies a partial update to a tool call: fields present in upd
// overwrite, empty fields keep the existing value. Later protocol events may
// omit fields already known, so a whole-struct overwrite would erase state.
func (tc *ToolCall) Merge(upd ToolCall) {
	if upd.Title != "" {
		tc.Title = upd.Title
	}
	if upd.Kind != "" {
		tc.Kind = upd.Kind
	}
	if upd.Status != "" {
		tc.Status = upd.Status
	}
	if len(upd.Content) > 0 {
		tc.Content = append(tc.Content, upd.Content...)
	}
	if len(upd.RawInput) > 0 {
		tc.RawInput = upd.RawInput
	}
}

// PermissionOptionKind classifies a permission response option.
type PermissionOptionKind string

// Permission option kind constants.
const (
	AllowOnce    PermissionOptionKind = "allow_once"
	AllowAlways  PermissionOptionKind = "allow_always"
	RejectOnce   PermissionOptionKind = "reject_once"
	RejectAlways PermissionOptionKind = "reject_always"
)

// PermissionOption is one named response choice on a permission request.
type PermissionOption struct {
	ID   string               `json:"id"`
	Name string               `json:"name"`
	Kind PermissionOptionKind `json:"kind"`
}

// PermissionRequest is a pending authorization gate. It exists only while
// the issuing worker's turn is suspended and is resolved by exactly one
// response.
type PermissionRequest struct {
	ID         string             `json:"id"`
	WorkerID   string             `json:"worker_id"`
	SessionID  string             `json:"session_id"`
	ToolCallID string             `json:"tool_call_id"`
	Title      string             `json:"title"`
	Options    []PermissionOption `json:"options"`
	CreatedAt  time.Time          `json:"created_at"`
}

// PlanEntry is one step of an agent-proposed plan.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// SessionRecord is the persisted form of a session, sufficient to resume
// after an engine restart.
type SessionRecord struct {
	ID             string      `json:"id"`
	AgentSessionID string      `json:"agent_session_id,omitempty"`
	AgentID        string      `json:"agent_id"`
	Cwd            string      `json:"cwd"`
	Mode           SessionMode `json:"mode"`
	InitialPrompt  string      `json:"initial_prompt"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// HistoryEntry is one persisted message in a session's ordered history.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // "user" or "agent"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
