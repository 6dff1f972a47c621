// Package inbox implements the inter-worker message bus: per-recipient FIFO
// mailboxes scoped to a session, synchronous broadcast fan-out, and a fixed
// set of structured message helpers (shutdown, idle, task-completed, plan
// approval) layered over raw text. The bus does not enforce request/response
// pairing; callers correlate replies through the request id.
package inbox

import (
	"sync"
	"time"

	"foreman/pkg/protocol"

	"github.com/google/uuid"
)

// sessionBox holds the mailboxes for one session. Workers are remembered in
// registration order so broadcast fan-out is deterministic.
type sessionBox struct {
	order     []string
	mailboxes map[string][]*protocol.Message
}

// Bus is the process-wide inbox message bus, partitioned by session id.
type Bus struct {
	mu       sync.Mutex
	sessions map[string]*sessionBox

	// notify, when set, receives an InboxEvent for every delivered message.
	notify func(protocol.Event)

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewBus creates an empty bus. notify may be nil.
func NewBus(notify func(protocol.Event)) *Bus {
	return &Bus{
		sessions: make(map[string]*sessionBox),
		notify:   notify,
		nowFunc:  time.Now,
	}
}

// Register adds a worker mailbox to a session. Registering the same worker
// twice is a conflict.
func (b *Bus) Register(sessionID, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	box, ok := b.sessions[sessionID]
	if !ok {
		box = &sessionBox{mailboxes: make(map[string][]*protocol.Message)}
		b.sessions[sessionID] = box
	}
	if _, exists := box.mailboxes[workerID]; exists {
		return &protocol.ConflictError{Resource: "inbox", Reason: "worker " + workerID + " already registered"}
	}
	box.order = append(box.order, workerID)
	box.mailboxes[workerID] = nil
	return nil
}

// Unregister removes a worker mailbox, dropping any unread messages.
func (b *Bus) Unregister(sessionID, workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	box, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	delete(box.mailboxes, workerID)
	for i, id := range box.order {
		if id == workerID {
			box.order = append(box.order[:i], box.order[i+1:]...)
			break
		}
	}
}

// DropSession removes all mailboxes for a session.
func (b *Bus) DropSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

// Write delivers one typed message to a registered worker.
func (b *Bus) Write(sessionID, from, to string, typ protocol.MessageType, body, requestID string) (protocol.Message, error) {
	b.mu.Lock()
	box, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return protocol.Message{}, &protocol.NotFoundError{Kind: "session", ID: sessionID}
	}
	if _, ok := box.mailboxes[to]; !ok {
		b.mu.Unlock()
		return protocol.Message{}, &protocol.NotFoundError{Kind: "worker", ID: to}
	}
	msg := b.deliverLocked(box, sessionID, from, to, typ, body, requestID)
	b.mu.Unlock()

	b.publish(msg)
	return msg, nil
}

// Broadcast fans a message out to every registered worker in the session
// except from, synchronously, in registration order.
func (b *Bus) Broadcast(sessionID, from string, typ protocol.MessageType, body string) ([]protocol.Message, error) {
	b.mu.Lock()
	box, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return nil, &protocol.NotFoundError{Kind: "session", ID: sessionID}
	}
	var out []protocol.Message
	for _, to := range box.order {
		if to == from {
			continue
		}
		out = append(out, b.deliverLocked(box, sessionID, from, to, typ, body, ""))
	}
	b.mu.Unlock()

	for _, msg := range out {
		b.publish(msg)
	}
	return out, nil
}

// BroadcastTo fans a message out to the named targets, in the given order.
// Unknown targets are skipped rather than failing the whole fan-out.
func (b *Bus) BroadcastTo(sessionID, from string, typ protocol.MessageType, body string, targets []string) ([]protocol.Message, error) {
	b.mu.Lock()
	box, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return nil, &protocol.NotFoundError{Kind: "session", ID: sessionID}
	}
	var out []protocol.Message
	for _, to := range targets {
		if to == from {
			continue
		}
		if _, ok := box.mailboxes[to]; !ok {
			continue
		}
		out = append(out, b.deliverLocked(box, sessionID, from, to, typ, body, ""))
	}
	b.mu.Unlock()

	for _, msg := range out {
		b.publish(msg)
	}
	return out, nil
}

// Read returns the worker's messages in creation order. With unreadOnly set
// it filters to unread messages; the read flag is not modified.
func (b *Bus) Read(sessionID, workerID string, unreadOnly bool) ([]protocol.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mail, err := b.mailboxLocked(sessionID, workerID)
	if err != nil {
		return nil, err
	}
	var out []protocol.Message
	for _, m := range mail {
		if unreadOnly && m.Read {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

// Poll atomically reads and marks read the worker's unread messages. Each
// message is returned to exactly one poll call, even under concurrent
// pollers on the same worker.
func (b *Bus) Poll(sessionID, workerID string) ([]protocol.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mail, err := b.mailboxLocked(sessionID, workerID)
	if err != nil {
		return nil, err
	}
	var out []protocol.Message
	for _, m := range mail {
		if m.Read {
			continue
		}
		m.Read = true
		out = append(out, *m)
	}
	return out, nil
}

// MarkRead flips the read flag on the given message ids.
func (b *Bus) MarkRead(sessionID, workerID string, ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	mail, err := b.mailboxLocked(sessionID, workerID)
	if err != nil {
		return err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, m := range mail {
		if want[m.ID] {
			m.Read = true
		}
	}
	return nil
}

// MarkAllRead flips the read flag on every message in the mailbox.
func (b *Bus) MarkAllRead(sessionID, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	mail, err := b.mailboxLocked(sessionID, workerID)
	if err != nil {
		return err
	}
	for _, m := range mail {
		m.Read = true
	}
	return nil
}

// Count returns the number of messages in the mailbox, optionally unread only.
func (b *Bus) Count(sessionID, workerID string, unreadOnly bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mail, err := b.mailboxLocked(sessionID, workerID)
	if err != nil {
		return 0, err
	}
	if !unreadOnly {
		return len(mail), nil
	}
	n := 0
	for _, m := range mail {
		if !m.Read {
			n++
		}
	}
	return n, nil
}

// Workers returns the registered worker ids for a session in registration order.
func (b *Bus) Workers(sessionID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	box, ok := b.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]string(nil), box.order...)
}

// deliverLocked appends a message to the recipient's mailbox. Caller must
// hold b.mu and have verified the recipient exists.
func (b *Bus) deliverLocked(box *sessionBox, sessionID, from, to string, typ protocol.MessageType, body, requestID string) protocol.Message {
	msg := &protocol.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		From:      from,
		To:        to,
		Type:      typ,
		Body:      body,
		RequestID: requestID,
		CreatedAt: b.nowFunc(),
	}
	box.mailboxes[to] = append(box.mailboxes[to], msg)
	return *msg
}

func (b *Bus) mailboxLocked(sessionID, workerID string) ([]*protocol.Message, error) {
	box, ok := b.sessions[sessionID]
	if !ok {
		return nil, &protocol.NotFoundError{Kind: "session", ID: sessionID}
	}
	mail, ok := box.mailboxes[workerID]
	if !ok {
		return nil, &protocol.NotFoundError{Kind: "worker", ID: workerID}
	}
	return mail, nil
}

func (b *Bus) publish(msg protocol.Message) {
	if b.notify != nil {
		b.notify(protocol.InboxEvent{SessionID: msg.SessionID, Message: msg})
	}
}
