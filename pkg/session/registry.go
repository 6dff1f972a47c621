// Package session implements the session registry: exclusive owner of
// Session and Worker entities, derivation of aggregate session status and
// cost from worker state, a push event hub with bounded per-subscriber
// buffers, and the SQLite-backed record store used to resume sessions after
// an engine restart.
package session

import (
	"context"
	"sync"
	"time"

	"foreman/pkg/protocol"

	"github.com/google/uuid"
)

// Registry owns all Session and Worker entities. Mutations go through its
// API only; callers get copies, never pointers into registry state.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*protocol.Session
	workers  map[string]*protocol.Worker
	waiters  map[string][]chan protocol.WorkerStatus

	hub *Hub

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewRegistry creates a registry publishing to hub. hub may be nil.
func NewRegistry(hub *Hub) *Registry {
	return &Registry{
		sessions: make(map[string]*protocol.Session),
		workers:  make(map[string]*protocol.Worker),
		waiters:  make(map[string][]chan protocol.WorkerStatus),
		hub:      hub,
		nowFunc:  time.Now,
	}
}

// CreateSessionParams describes a new session.
type CreateSessionParams struct {
	Prompt  string
	Mode    protocol.SessionMode
	Type    protocol.SessionType
	AgentID string
	Cwd     string
}

// CreateSession allocates a new session in planning state.
func (r *Registry) CreateSession(p CreateSessionParams) protocol.Session {
	r.mu.Lock()
	now := r.nowFunc()
	mode := p.Mode
	if mode == "" {
		mode = protocol.ModeDefault
	}
	s := &protocol.Session{
		ID:        uuid.NewString(),
		Prompt:    p.Prompt,
		Status:    protocol.SessionPlanning,
		Mode:      mode,
		Type:      p.Type,
		AgentID:   p.AgentID,
		Cwd:       p.Cwd,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.sessions[s.ID] = s
	out := cloneSession(s)
	r.mu.Unlock()

	r.publish(protocol.SessionCreatedEvent{SessionID: out.ID, Type: out.Type})
	return out
}

// AdoptSession re-registers a session under a previously persisted id, used
// when reconnecting after an engine restart.
func (r *Registry) AdoptSession(rec protocol.SessionRecord) protocol.Session {
	r.mu.Lock()
	now := r.nowFunc()
	s := &protocol.Session{
		ID:        rec.ID,
		Prompt:    rec.InitialPrompt,
		Status:    protocol.SessionPlanning,
		Mode:      rec.Mode,
		Type:      protocol.SessionSingle,
		AgentID:   rec.AgentID,
		Cwd:       rec.Cwd,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: now,
	}
	r.sessions[s.ID] = s
	out := cloneSession(s)
	r.mu.Unlock()
	return out
}

// GetSession returns a copy of a session.
func (r *Registry) GetSession(id string) (protocol.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return protocol.Session{}, &protocol.NotFoundError{Kind: "session", ID: id}
	}
	return cloneSession(s), nil
}

// ListSessions returns copies of all sessions.
func (r *Registry) ListSessions() []protocol.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, cloneSession(s))
	}
	return out
}

// RemoveSession drops a session and all its worker records. The caller is
// responsible for cancelling live worker processes first.
func (r *Registry) RemoveSession(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return &protocol.NotFoundError{Kind: "session", ID: id}
	}
	for _, wid := range s.WorkerIDs {
		delete(r.workers, wid)
	}
	delete(r.sessions, id)
	return nil
}

// SetSessionStatus force-sets a session status (used for cancellation and
// PRD-driven transitions that are not derivable from worker state).
func (r *Registry) SetSessionStatus(id string, status protocol.SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return &protocol.NotFoundError{Kind: "session", ID: id}
	}
	s.Status = status
	s.UpdatedAt = r.nowFunc()
	return nil
}

// SetMode switches a session's mode and publishes the change.
func (r *Registry) SetMode(id string, mode protocol.SessionMode) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return &protocol.NotFoundError{Kind: "session", ID: id}
	}
	s.Mode = mode
	s.UpdatedAt = r.nowFunc()
	r.mu.Unlock()

	r.publish(protocol.ModeChangeEvent{SessionID: id, Mode: mode})
	return nil
}

// AddWorker creates a pending worker record bound to a session.
func (r *Registry) AddWorker(sessionID, task, model string) (protocol.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return protocol.Worker{}, &protocol.NotFoundError{Kind: "session", ID: sessionID}
	}
	now := r.nowFunc()
	w := &protocol.Worker{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Task:      task,
		Status:    protocol.WorkerPending,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.workers[w.ID] = w
	s.WorkerIDs = append(s.WorkerIDs, w.ID)
	s.UpdatedAt = now
	return cloneWorker(w), nil
}

// GetWorker returns a copy of a worker.
func (r *Registry) GetWorker(id string) (protocol.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return protocol.Worker{}, &protocol.NotFoundError{Kind: "worker", ID: id}
	}
	return cloneWorker(w), nil
}

// SessionWorkers returns copies of a session's workers in creation order.
func (r *Registry) SessionWorkers(sessionID string) ([]protocol.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, &protocol.NotFoundError{Kind: "session", ID: sessionID}
	}
	out := make([]protocol.Worker, 0, len(s.WorkerIDs))
	for _, wid := range s.WorkerIDs {
		if w, ok := r.workers[wid]; ok {
			out = append(out, cloneWorker(w))
		}
	}
	return out, nil
}

// RemoveWorker drops a worker record from its session. Used by retry, which
// replaces the record rather than mutating it in place.
func (r *Registry) RemoveWorker(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return &protocol.NotFoundError{Kind: "worker", ID: id}
	}
	if s, ok := r.sessions[w.SessionID]; ok {
		for i, wid := range s.WorkerIDs {
			if wid == id {
				s.WorkerIDs = append(s.WorkerIDs[:i], s.WorkerIDs[i+1:]...)
				break
			}
		}
		r.recalcSessionLocked(s)
	}
	delete(r.workers, id)
	return nil
}

// WorkerUpdate is a partial worker mutation. Nil/empty fields keep existing
// values; Usage is accumulated, AppendOutput appended, ToolCall merged into
// the matching entry (or appended when new).
type WorkerUpdate struct {
	Status       *protocol.WorkerStatus
	AppendOutput string
	Usage        *protocol.Usage
	ToolCall     *protocol.ToolCall
	FilesTouched []string
	ErrorMessage *string
}

// UpdateWorker applies a partial update, recomputes the owning session's
// aggregate status and cost, and wakes any terminal-status waiters.
func (r *Registry) UpdateWorker(id string, upd WorkerUpdate) (protocol.Worker, error) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return protocol.Worker{}, &protocol.NotFoundError{Kind: "worker", ID: id}
	}

	statusChanged := false
	if upd.Status != nil && *upd.Status != w.Status {
		w.Status = *upd.Status
		statusChanged = true
	}
	if upd.AppendOutput != "" {
		w.Output += upd.AppendOutput
	}
	if upd.Usage != nil {
		w.Usage.Add(*upd.Usage)
		w.CostUSD += protocol.Cost(w.Model, *upd.Usage)
	}
	if upd.ToolCall != nil {
		mergeToolCall(w, *upd.ToolCall)
	}
	for _, f := range upd.FilesTouched {
		addUnique(&w.FilesTouched, f)
	}
	if upd.ErrorMessage != nil {
		w.ErrorMessage = *upd.ErrorMessage
	}
	w.UpdatedAt = r.nowFunc()

	s := r.sessions[w.SessionID]
	if s != nil {
		r.recalcSessionLocked(s)
	}

	out := cloneWorker(w)
	var woken []chan protocol.WorkerStatus
	if statusChanged && w.Status.Terminal() {
		woken = r.waiters[id]
		delete(r.waiters, id)
	}
	r.mu.Unlock()

	if statusChanged {
		r.publish(protocol.StatusEvent{SessionID: out.SessionID, WorkerID: out.ID, Status: out.Status})
	}
	for _, ch := range woken {
		ch <- out.Status
		close(ch)
	}
	return out, nil
}

// WaitWorker blocks until the worker reaches a terminal status or ctx is
// cancelled.
func (r *Registry) WaitWorker(ctx context.Context, id string) (protocol.WorkerStatus, error) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return "", &protocol.NotFoundError{Kind: "worker", ID: id}
	}
	if w.Status.Terminal() {
		status := w.Status
		r.mu.Unlock()
		return status, nil
	}
	ch := make(chan protocol.WorkerStatus, 1)
	r.waiters[id] = append(r.waiters[id], ch)
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case status := <-ch:
		return status, nil
	}
}

// Publish forwards an event to the hub. Other components (pool, PRD
// executor) use this so all fan-out shares one subscriber set.
func (r *Registry) Publish(e protocol.Event) {
	r.publish(e)
}

// recalcSessionLocked recomputes aggregate usage, cost, and derived status.
// Status precedence is fixed: failed if any worker failed; else completed if
// all workers completed and at least one exists; else running if any worker
// is running; else unchanged. Caller must hold r.mu.
func (r *Registry) recalcSessionLocked(s *protocol.Session) {
	var usage protocol.Usage
	var cost float64
	anyFailed, anyRunning := false, false
	allCompleted := len(s.WorkerIDs) > 0
	for _, wid := range s.WorkerIDs {
		w, ok := r.workers[wid]
		if !ok {
			continue
		}
		usage.Add(w.Usage)
		cost += w.CostUSD
		switch w.Status {
		case protocol.WorkerFailed:
			anyFailed = true
			allCompleted = false
		case protocol.WorkerRunning:
			anyRunning = true
			allCompleted = false
		case protocol.WorkerCompleted:
			// counts toward allCompleted
		default:
			allCompleted = false
		}
	}
	s.Usage = usage
	s.CostUSD = cost
	switch {
	case anyFailed:
		s.Status = protocol.SessionFailed
	case allCompleted:
		s.Status = protocol.SessionCompleted
	case anyRunning:
		s.Status = protocol.SessionRunning
	}
	s.UpdatedAt = r.nowFunc()
}

func (r *Registry) publish(e protocol.Event) {
	if r.hub != nil {
		r.hub.Publish(e)
	}
}

func mergeToolCall(w *protocol.Worker, upd protocol.ToolCall) {
	for i := range w.ToolCalls {
		if w.ToolCalls[i].ID == upd.ID {
			w.ToolCalls[i].Merge(upd)
			return
		}
	}
	if upd.Status == "" {
		upd.Status = protocol.ToolCallPending
	}
	w.ToolCalls = append(w.ToolCalls, upd)
}

func addUnique(list *[]string, v string) {
	for _, e := range *list {
		if e == v {
			return
		}
	}
	*list = append(*list, v)
}

func cloneSession(s *protocol.Session) protocol.Session {
	out := *s
	out.WorkerIDs = append([]string(nil), s.WorkerIDs...)
	return out
}

func cloneWorker(w *protocol.Worker) protocol.Worker {
	out := *w
	out.ToolCalls = append([]protocol.ToolCall(nil), w.ToolCalls...)
	out.FilesTouched = append([]string(nil), w.FilesTouched...)
	return out
}
