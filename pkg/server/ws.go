package server

import (
	"net/http"
	"time"

	"foreman/pkg/protocol"
	"foreman/pkg/session"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The socket binds to localhost; origin checks add nothing here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// eventFrame is one pushed event, tagged with its kind so clients can
// demultiplex without inspecting payloads.
type eventFrame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Event     protocol.Event `json:"event"`
}

// HandleEvents upgrades an HTTP request to a websocket event feed. The
// session_id query parameter filters to one session; omitted means all.
// Delivery is at-least-once with drop-oldest backpressure: a subscriber that
// cannot keep up loses the oldest undelivered events, never stalls the
// engine.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "error", err)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	events, cancel := s.hub.Subscribe(sessionID, session.DefaultSubscriberBuffer)
	defer cancel()

	// Reader goroutine: drains client frames and detects close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer func() { _ = conn.Close() }()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(eventFrame{Type: ev.Kind(), SessionID: ev.Session(), Event: ev}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
