// Package taskstore implements a dependency-aware in-memory task store with
// exclusive claim semantics. Tasks are session-scoped and shared by every
// worker in a session; Claim is the one operation that must be linearizable,
// so the whole store serializes through a single mutex and Claim performs an
// atomic compare-and-set over the task's (status, owner) pair.
//
// Unblocking is pull-based: completing a task triggers no side effects on its
// dependents; Claim re-evaluates blocked_by on every call.
package taskstore

import (
	"sort"
	"sync"
	"time"

	"foreman/pkg/protocol"

	"github.com/google/uuid"
)

// Store holds tasks for one session.
type Store struct {
	mu    sync.Mutex
	tasks map[string]*protocol.Task
	seq   int64

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewStore creates an empty task store.
func NewStore() *Store {
	return &Store{
		tasks:   make(map[string]*protocol.Task),
		nowFunc: time.Now,
	}
}

// UpdateParams is a partial task update. Nil pointer fields keep the
// existing value; AddBlockedBy/AddBlocks append dependency edges and update
// both sides atomically.
type UpdateParams struct {
	Subject      *string
	Description  *string
	Status       *protocol.TaskStatus
	Owner        *string
	AddBlockedBy []string
	AddBlocks    []string
	Metadata     map[string]string // merged key-by-key
}

// Create adds a new pending task and returns a copy of it.
func (s *Store) Create(subject, description string) protocol.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	now := s.nowFunc()
	t := &protocol.Task{
		ID:          uuid.NewString(),
		Subject:     subject,
		Description: description,
		Status:      protocol.TaskPending,
		Seq:         s.seq,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.tasks[t.ID] = t
	return cloneTask(t)
}

// Get returns a copy of the task with the given id.
func (s *Store) Get(id string) (protocol.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return protocol.Task{}, &protocol.NotFoundError{Kind: "task", ID: id}
	}
	return cloneTask(t), nil
}

// List returns copies of all non-deleted tasks in creation order.
func (s *Store) List() []protocol.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]protocol.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.Status == protocol.TaskDeleted {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Update applies a partial update. Dependency edges added through
// AddBlockedBy/AddBlocks are mirrored on the other task in the same
// critical section; referencing an unknown task id fails the whole update.
func (s *Store) Update(id string, p UpdateParams) (protocol.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return protocol.Task{}, &protocol.NotFoundError{Kind: "task", ID: id}
	}

	// Validate edge targets before mutating anything.
	for _, dep := range p.AddBlockedBy {
		if _, ok := s.tasks[dep]; !ok {
			return protocol.Task{}, &protocol.NotFoundError{Kind: "task", ID: dep}
		}
	}
	for _, dep := range p.AddBlocks {
		if _, ok := s.tasks[dep]; !ok {
			return protocol.Task{}, &protocol.NotFoundError{Kind: "task", ID: dep}
		}
	}

	if p.Subject != nil {
		t.Subject = *p.Subject
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Owner != nil {
		t.Owner = *p.Owner
	}
	for _, dep := range p.AddBlockedBy {
		addEdge(&t.BlockedBy, dep)
		addEdge(&s.tasks[dep].Blocks, id)
	}
	for _, dep := range p.AddBlocks {
		addEdge(&t.Blocks, dep)
		addEdge(&s.tasks[dep].BlockedBy, id)
	}
	if len(p.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			t.Metadata[k] = v
		}
	}
	t.UpdatedAt = s.nowFunc()

	return cloneTask(t), nil
}

// Claim atomically assigns the next eligible task to workerID. Eligible
// means: status pending, no owner, and every blocked_by entry either
// completed, deleted, or absent from the store. Ties break on creation
// order. Returns (zero, false, nil) when no task qualifies; that is not an
// error, callers re-attempt on their next cycle.
func (s *Store) Claim(workerID string) (protocol.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *protocol.Task
	for _, t := range s.tasks {
		if t.Status != protocol.TaskPending || t.Owner != "" {
			continue
		}
		if !s.unblockedLocked(t) {
			continue
		}
		if best == nil || t.Seq < best.Seq {
			best = t
		}
	}
	if best == nil {
		return protocol.Task{}, false, nil
	}

	best.Owner = workerID
	best.Status = protocol.TaskInProgress
	best.UpdatedAt = s.nowFunc()
	return cloneTask(best), true, nil
}

// Delete soft-deletes a task. The tombstone stays in the store so edges
// referencing it resolve as non-blocking rather than dangling.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return &protocol.NotFoundError{Kind: "task", ID: id}
	}
	t.Status = protocol.TaskDeleted
	t.Owner = ""
	t.UpdatedAt = s.nowFunc()
	return nil
}

// Release clears ownership of every in-progress task owned by workerID and
// resets them to pending so they become claimable again. Returns the ids of
// released tasks. Used when a worker is cancelled or crashes.
func (s *Store) Release(workerID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released []string
	for _, t := range s.tasks {
		if t.Owner == workerID && t.Status == protocol.TaskInProgress {
			t.Owner = ""
			t.Status = protocol.TaskPending
			t.UpdatedAt = s.nowFunc()
			released = append(released, t.ID)
		}
	}
	return released
}

// unblockedLocked reports whether every blocker of t is completed, deleted,
// or unknown. Caller must hold s.mu.
func (s *Store) unblockedLocked(t *protocol.Task) bool {
	for _, dep := range t.BlockedBy {
		blocker, ok := s.tasks[dep]
		if !ok {
			continue
		}
		if blocker.Status != protocol.TaskCompleted && blocker.Status != protocol.TaskDeleted {
			return false
		}
	}
	return true
}

func addEdge(edges *[]string, id string) {
	for _, e := range *edges {
		if e == id {
			return
		}
	}
	*edges = append(*edges, id)
}

func cloneTask(t *protocol.Task) protocol.Task {
	out := *t
	out.BlockedBy = append([]string(nil), t.BlockedBy...)
	out.Blocks = append([]string(nil), t.Blocks...)
	if t.Metadata != nil {
		out.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
