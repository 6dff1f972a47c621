package session

import (
	"fmt"
	"testing"

	"foreman/pkg/protocol"
)

func TestHubFiltersBySession(t *testing.T) {
	h := NewHub()
	chA, cancelA := h.Subscribe("a", 8)
	defer cancelA()
	chAll, cancelAll := h.Subscribe("", 8)
	defer cancelAll()

	h.Publish(protocol.DeltaEvent{SessionID: "a", WorkerID: "w", Text: "x"})
	h.Publish(protocol.DeltaEvent{SessionID: "b", WorkerID: "w", Text: "y"})

	if got := len(chA); got != 1 {
		t.Errorf("session-a subscriber buffered %d events, want 1", got)
	}
	if got := len(chAll); got != 2 {
		t.Errorf("wildcard subscriber buffered %d events, want 2", got)
	}
}

func TestHubEvictsOldestWhenFull(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("s", 2)
	defer cancel()

	for i := 0; i < 5; i++ {
		h.Publish(protocol.DeltaEvent{SessionID: "s", WorkerID: "w", Text: fmt.Sprintf("d%d", i)})
	}

	// Publishing never blocked and the newest events survived.
	first := (<-ch).(protocol.DeltaEvent)
	second := (<-ch).(protocol.DeltaEvent)
	if first.Text != "d3" || second.Text != "d4" {
		t.Errorf("buffered = %q, %q; want d3, d4", first.Text, second.Text)
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("s", 2)
	cancel()

	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}
	if h.Subscribers() != 0 {
		t.Errorf("Subscribers = %d, want 0", h.Subscribers())
	}
	// Double cancel is a no-op.
	cancel()
}
