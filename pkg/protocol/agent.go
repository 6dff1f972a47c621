package protocol

import "encoding/json"

// AgentMsgType tags a line-delimited JSON message emitted by an agent
// subprocess on stdout.
type AgentMsgType string

// Agent message type constants (subprocess -> engine).
const (
	AgentMsgAck        AgentMsgType = "ACK"
	AgentMsgThinking   AgentMsgType = "THINKING"
	AgentMsgDelta      AgentMsgType = "DELTA"
	AgentMsgToolCall   AgentMsgType = "TOOL_CALL"
	AgentMsgPermission AgentMsgType = "PERMISSION_REQUEST"
	AgentMsgPlan       AgentMsgType = "PLAN"
	AgentMsgMode       AgentMsgType = "MODE"
	AgentMsgCommands   AgentMsgType = "COMMANDS"
	AgentMsgFiles      AgentMsgType = "FILES"
	AgentMsgComplete   AgentMsgType = "COMPLETE"
	AgentMsgError      AgentMsgType = "ERROR"
)

// AgentMessage is one line of the agent stdout protocol. Exactly one payload
// pointer matching Type is set.
type AgentMessage struct {
	Type       AgentMsgType       `json:"type"`
	Ack        *AckPayload        `json:"ack,omitempty"`
	Thinking   *TextPayload       `json:"thinking,omitempty"`
	Delta      *TextPayload       `json:"delta,omitempty"`
	ToolCall   *ToolCallPayload   `json:"tool_call,omitempty"`
	Permission *PermissionPayload `json:"permission,omitempty"`
	Plan       *PlanPayload       `json:"plan,omitempty"`
	Mode       *ModePayload       `json:"mode,omitempty"`
	Commands   *CommandsPayload   `json:"commands,omitempty"`
	Files      *FilesPayload      `json:"files,omitempty"`
	Complete   *CompletePayload   `json:"complete,omitempty"`
	Error      *ErrorPayload      `json:"error,omitempty"`
}

// AckPayload acknowledges spawn or a follow-up prompt. AgentSessionID is the
// vendor-side conversation id, persisted for resume.
type AckPayload struct {
	AgentSessionID string        `json:"agent_session_id,omitempty"`
	Modes          []SessionMode `json:"modes,omitempty"`
}

// TextPayload carries a chunk of streamed text.
type TextPayload struct {
	Text string `json:"text"`
}

// ToolCallPayload carries a new tool call or a partial update to an existing
// one. Updates are merged field-by-field; empty fields never erase state.
type ToolCallPayload struct {
	ID       string          `json:"id"`
	Title    string          `json:"title,omitempty"`
	Kind     ToolKind        `json:"kind,omitempty"`
	Status   ToolCallStatus  `json:"status,omitempty"`
	Content  []ContentItem   `json:"content,omitempty"`
	RawInput json.RawMessage `json:"raw_input,omitempty"`
}

// PermissionPayload asks the engine to gate a tool call on authorization.
// The agent blocks on stdin until a permission response arrives.
type PermissionPayload struct {
	ToolCallID string             `json:"tool_call_id"`
	Title      string             `json:"title"`
	Options    []PermissionOption `json:"options"`
}

// PlanPayload carries an agent-proposed plan.
type PlanPayload struct {
	Entries []PlanEntry `json:"entries"`
}

// ModePayload announces the agent switched (or confirmed) a session mode.
type ModePayload struct {
	Mode SessionMode `json:"mode"`
}

// CommandsPayload advertises the slash commands the agent supports.
type CommandsPayload struct {
	Commands []string `json:"commands"`
}

// FilesPayload reports files the agent touched during the turn.
type FilesPayload struct {
	Paths []string `json:"paths"`
}

// CompletePayload is the terminal success line of a turn.
type CompletePayload struct {
	Usage Usage `json:"usage"`
}

// ErrorPayload is the terminal failure line of a turn.
type ErrorPayload struct {
	Message string `json:"message"`
}

// AgentCmdType tags a line-delimited JSON command written to an agent's stdin.
type AgentCmdType string

// Agent command type constants (engine -> subprocess).
const (
	AgentCmdPrompt             AgentCmdType = "PROMPT"
	AgentCmdPermissionResponse AgentCmdType = "PERMISSION_RESPONSE"
	AgentCmdSetMode            AgentCmdType = "SET_MODE"
	AgentCmdInterrupt          AgentCmdType = "INTERRUPT"
)

// AgentCommand is one line of the agent stdin protocol.
type AgentCommand struct {
	Type               AgentCmdType               `json:"type"`
	Prompt             *PromptPayload             `json:"prompt,omitempty"`
	PermissionResponse *PermissionResponsePayload `json:"permission_response,omitempty"`
	SetMode            *ModePayload               `json:"set_mode,omitempty"`
}

// PromptPayload forwards a user turn, optionally with image paths.
type PromptPayload struct {
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
}

// PermissionResponsePayload resolves an outstanding permission request.
type PermissionResponsePayload struct {
	ToolCallID string `json:"tool_call_id"`
	OptionID   string `json:"option_id"`
}
