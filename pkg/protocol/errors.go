package protocol

import (
	"fmt"
	"strings"
)

// NotFoundError reports an unknown session, worker, task, or message id.
type NotFoundError struct {
	Kind string // "session", "worker", "task", "message", "prd_session", "story"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ConflictError reports a lost race or duplicate registration. Callers
// re-attempt on their next cycle; the engine never retries on their behalf.
type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Reason)
}

// DeadWorkerError reports a prompt sent to a session whose subprocess is
// gone (exited, or the engine restarted). The defined recovery is: reconnect
// once, re-send once, then give up.
type DeadWorkerError struct {
	SessionID string
}

func (e *DeadWorkerError) Error() string {
	return fmt.Sprintf("no live worker for session %s", e.SessionID)
}

// AgentUnavailableError reports a missing agent binary or credential. It
// fails session/worker creation before any process is spawned.
type AgentUnavailableError struct {
	AgentID string
	Reason  string
}

func (e *AgentUnavailableError) Error() string {
	return fmt.Sprintf("agent %s unavailable: %s", e.AgentID, e.Reason)
}

// InvalidModeError reports a mode switch the underlying agent does not
// advertise support for.
type InvalidModeError struct {
	AgentID string
	Mode    SessionMode
}

func (e *InvalidModeError) Error() string {
	return fmt.Sprintf("agent %s does not support mode %q", e.AgentID, e.Mode)
}

// SessionExpiredError is the terminal error surfaced when reconnection of a
// dead worker itself fails. Callers must not loop on it.
type SessionExpiredError struct {
	SessionID string
	Cause     error
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session %s expired: %v", e.SessionID, e.Cause)
}

func (e *SessionExpiredError) Unwrap() error { return e.Cause }

// ValidationError reports a malformed PRD: cyclic dependencies, unknown
// story ids, or missing required fields. Rejected synchronously, never
// retried automatically.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "invalid PRD: " + strings.Join(e.Errors, "; ")
}
