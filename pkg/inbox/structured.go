package inbox

import (
	"foreman/pkg/protocol"

	"github.com/google/uuid"
)

// Structured message helpers. Each request helper mints a fresh request id;
// reply helpers echo the id of the request they answer. The bus itself does
// not track pairing; a session leader (or the PRD executor) interprets
// correlation.

// RequestShutdown asks a worker to wind down. Returns the delivered message;
// its RequestID correlates the eventual approval or rejection.
func (b *Bus) RequestShutdown(sessionID, from, to, reason string) (protocol.Message, error) {
	return b.Write(sessionID, from, to, protocol.MsgShutdownRequest, reason, uuid.NewString())
}

// ApproveShutdown answers a shutdown request.
func (b *Bus) ApproveShutdown(sessionID, from, to, requestID string) (protocol.Message, error) {
	return b.Write(sessionID, from, to, protocol.MsgShutdownApproved, "", requestID)
}

// RejectShutdown answers a shutdown request negatively.
func (b *Bus) RejectShutdown(sessionID, from, to, requestID, reason string) (protocol.Message, error) {
	return b.Write(sessionID, from, to, protocol.MsgShutdownRejected, reason, requestID)
}

// NotifyIdle tells a session leader the sender has no work.
func (b *Bus) NotifyIdle(sessionID, from, to string) (protocol.Message, error) {
	return b.Write(sessionID, from, to, protocol.MsgIdleNotification, "", "")
}

// NotifyTaskCompleted announces a finished task to every other worker.
func (b *Bus) NotifyTaskCompleted(sessionID, from, taskID string) ([]protocol.Message, error) {
	return b.Broadcast(sessionID, from, protocol.MsgTaskCompleted, taskID)
}

// RequestPlanApproval sends a plan to a reviewer for sign-off.
func (b *Bus) RequestPlanApproval(sessionID, from, to, plan string) (protocol.Message, error) {
	return b.Write(sessionID, from, to, protocol.MsgPlanApprovalRequest, plan, uuid.NewString())
}

// ApprovePlan answers a plan approval request.
func (b *Bus) ApprovePlan(sessionID, from, to, requestID string) (protocol.Message, error) {
	return b.Write(sessionID, from, to, protocol.MsgPlanApproved, "", requestID)
}

// RejectPlan answers a plan approval request with feedback.
func (b *Bus) RejectPlan(sessionID, from, to, requestID, feedback string) (protocol.Message, error) {
	return b.Write(sessionID, from, to, protocol.MsgPlanRejected, feedback, requestID)
}

// WriteCustom delivers an application-defined message body.
func (b *Bus) WriteCustom(sessionID, from, to, body string) (protocol.Message, error) {
	return b.Write(sessionID, from, to, protocol.MsgCustom, body, "")
}
