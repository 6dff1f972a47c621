package session

import (
	"sync"

	"foreman/pkg/protocol"
)

// DefaultSubscriberBuffer is the per-subscriber channel depth.
const DefaultSubscriberBuffer = 256

// Hub is a one-to-many event fan-out with length-bounded backpressure.
// Publishing never blocks: when a subscriber's buffer is full the oldest
// buffered event is evicted to make room, the same policy the worker-side
// message buffer uses. Slow subscribers lose old deltas, not the engine.
type Hub struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	sessionID string // "" subscribes to all sessions
	ch        chan protocol.Event
	dropped   int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber for one session (or all sessions when
// sessionID is empty). The returned cancel func must be called to release
// the subscription; the channel is closed by cancel.
func (h *Hub) Subscribe(sessionID string, buffer int) (<-chan protocol.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	h.mu.Lock()
	id := h.next
	h.next++
	sub := &subscriber{sessionID: sessionID, ch: make(chan protocol.Event, buffer)}
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
		h.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers an event to every matching subscriber without blocking.
func (h *Hub) Publish(e protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.sessionID != "" && sub.sessionID != e.Session() {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Buffer full: evict the oldest event, then deliver.
			select {
			case <-sub.ch:
				sub.dropped++
			default:
			}
			select {
			case sub.ch <- e:
			default:
			}
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
