package taskstore

import "sync"

// Registry hands out one Store per session. Tasks are never visible across
// sessions; the registry only routes by session id.
type Registry struct {
	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry creates an empty store registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

// ForSession returns the session's store, creating it on first use.
func (r *Registry) ForSession(sessionID string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[sessionID]
	if !ok {
		s = NewStore()
		r.stores[sessionID] = s
	}
	return s
}

// Drop discards a session's store and all its tasks.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stores, sessionID)
}
