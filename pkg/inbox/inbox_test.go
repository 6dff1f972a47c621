package inbox

import (
	"errors"
	"sync"
	"testing"

	"foreman/pkg/protocol"
)

func newTestBus(t *testing.T, sessionID string, workers ...string) *Bus {
	t.Helper()
	b := NewBus(nil)
	for _, w := range workers {
		if err := b.Register(sessionID, w); err != nil {
			t.Fatalf("Register %s: %v", w, err)
		}
	}
	return b
}

func TestDuplicateRegisterIsConflict(t *testing.T) {
	b := newTestBus(t, "s", "w-1")
	err := b.Register("s", "w-1")
	var conflict *protocol.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
}

func TestWriteAndReadFIFO(t *testing.T) {
	b := newTestBus(t, "s", "w-1", "w-2")

	for _, body := range []string{"first", "second", "third"} {
		if _, err := b.Write("s", "w-1", "w-2", protocol.MsgText, body, ""); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	msgs, err := b.Read("s", "w-2", false)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	for i, want := range []string{"first", "second", "third"} {
		if msgs[i].Body != want {
			t.Errorf("msgs[%d].Body = %q, want %q", i, msgs[i].Body, want)
		}
	}
}

func TestWriteToUnknownWorker(t *testing.T) {
	b := newTestBus(t, "s", "w-1")
	_, err := b.Write("s", "w-1", "ghost", protocol.MsgText, "x", "")
	var nf *protocol.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	b := newTestBus(t, "s", "w-1", "w-2", "w-3")

	msgs, err := b.Broadcast("s", "w-1", protocol.MsgText, "x")
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("fan-out produced %d messages, want 2", len(msgs))
	}
	// Registration order.
	if msgs[0].To != "w-2" || msgs[1].To != "w-3" {
		t.Errorf("targets = %s, %s; want w-2, w-3", msgs[0].To, msgs[1].To)
	}

	// Sender's own mailbox stays empty.
	n, _ := b.Count("s", "w-1", false)
	if n != 0 {
		t.Errorf("sender mailbox count = %d, want 0", n)
	}
}

func TestBroadcastToSkipsUnknownTargets(t *testing.T) {
	b := newTestBus(t, "s", "w-1", "w-2")
	msgs, err := b.BroadcastTo("s", "w-1", protocol.MsgText, "x", []string{"w-2", "ghost", "w-1"})
	if err != nil {
		t.Fatalf("BroadcastTo: %v", err)
	}
	if len(msgs) != 1 || msgs[0].To != "w-2" {
		t.Fatalf("msgs = %v, want single delivery to w-2", msgs)
	}
}

func TestPollDeliversEachMessageOnce(t *testing.T) {
	b := newTestBus(t, "s", "w-1", "w-2")
	const total = 50
	for i := 0; i < total; i++ {
		if _, err := b.Write("s", "w-1", "w-2", protocol.MsgText, "m", ""); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs, err := b.Poll("s", "w-2")
			if err != nil {
				t.Errorf("Poll: %v", err)
				return
			}
			mu.Lock()
			for _, m := range msgs {
				seen[m.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Errorf("delivered %d distinct messages, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("message %s delivered %d times", id, n)
		}
	}

	// A later poll returns nothing.
	msgs, _ := b.Poll("s", "w-2")
	if len(msgs) != 0 {
		t.Errorf("second poll returned %d messages, want 0", len(msgs))
	}
}

func TestMarkReadAndCount(t *testing.T) {
	b := newTestBus(t, "s", "w-1", "w-2")
	m1, _ := b.Write("s", "w-1", "w-2", protocol.MsgText, "a", "")
	b.Write("s", "w-1", "w-2", protocol.MsgText, "b", "") //nolint:errcheck // delivery verified via Count below

	if err := b.MarkRead("s", "w-2", []string{m1.ID}); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	unread, _ := b.Count("s", "w-2", true)
	if unread != 1 {
		t.Errorf("unread = %d, want 1", unread)
	}

	if err := b.MarkAllRead("s", "w-2"); err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	unread, _ = b.Count("s", "w-2", true)
	if unread != 0 {
		t.Errorf("unread after MarkAllRead = %d, want 0", unread)
	}
	all, _ := b.Count("s", "w-2", false)
	if all != 2 {
		t.Errorf("total = %d, want 2", all)
	}
}

func TestShutdownHandshakeCorrelation(t *testing.T) {
	b := newTestBus(t, "s", "leader", "w-1")

	req, err := b.RequestShutdown("s", "leader", "w-1", "fleet drain")
	if err != nil {
		t.Fatalf("RequestShutdown: %v", err)
	}
	if req.RequestID == "" {
		t.Fatal("request id not minted")
	}

	reply, err := b.ApproveShutdown("s", "w-1", "leader", req.RequestID)
	if err != nil {
		t.Fatalf("ApproveShutdown: %v", err)
	}
	if reply.RequestID != req.RequestID {
		t.Errorf("reply RequestID = %q, want %q", reply.RequestID, req.RequestID)
	}
	if reply.Type != protocol.MsgShutdownApproved {
		t.Errorf("reply Type = %q", reply.Type)
	}
}

func TestNotifyPublishesInboxEvents(t *testing.T) {
	var events []protocol.Event
	b := NewBus(func(e protocol.Event) { events = append(events, e) })
	if err := b.Register("s", "w-1"); err != nil {
		t.Fatal(err)
	}
	if err := b.Register("s", "w-2"); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Broadcast("s", "w-1", protocol.MsgText, "x"); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	ev, ok := events[0].(protocol.InboxEvent)
	if !ok {
		t.Fatalf("event type %T", events[0])
	}
	if ev.Message.To != "w-2" {
		t.Errorf("event message To = %q", ev.Message.To)
	}
}

func TestUnregisterDropsMailbox(t *testing.T) {
	b := newTestBus(t, "s", "w-1", "w-2")
	b.Unregister("s", "w-2")

	if got := b.Workers("s"); len(got) != 1 || got[0] != "w-1" {
		t.Errorf("Workers = %v", got)
	}
	_, err := b.Read("s", "w-2", false)
	var nf *protocol.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("err = %v, want NotFoundError", err)
	}
}
