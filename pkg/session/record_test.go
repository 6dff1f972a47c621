package session

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"foreman/pkg/protocol"

	_ "modernc.org/sqlite"
)

func newTestRecordStore(t *testing.T) *RecordStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	rs, err := NewRecordStore(db)
	if err != nil {
		t.Fatalf("NewRecordStore: %v", err)
	}
	return rs
}

func TestSessionRecordRoundTrip(t *testing.T) {
	rs := newTestRecordStore(t)
	ctx := context.Background()

	rec := protocol.SessionRecord{
		ID:            "s-1",
		AgentID:       "claude",
		Cwd:           "/work/repo",
		Mode:          protocol.ModeAcceptEdits,
		InitialPrompt: "fix the build",
	}
	if err := rs.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := rs.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.AgentID != "claude" || got.Cwd != "/work/repo" || got.Mode != protocol.ModeAcceptEdits {
		t.Errorf("record = %+v", got)
	}

	// Upsert updates in place.
	rec.AgentSessionID = "vendor-123"
	if err := rs.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession upsert: %v", err)
	}
	got, _ = rs.GetSession(ctx, "s-1")
	if got.AgentSessionID != "vendor-123" {
		t.Errorf("AgentSessionID = %q", got.AgentSessionID)
	}
}

func TestGetSessionUnknownIsNotFound(t *testing.T) {
	rs := newTestRecordStore(t)
	_, err := rs.GetSession(context.Background(), "ghost")
	var nf *protocol.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestSetAgentSessionID(t *testing.T) {
	rs := newTestRecordStore(t)
	ctx := context.Background()
	if err := rs.SaveSession(ctx, protocol.SessionRecord{ID: "s-1", AgentID: "claude", Cwd: "/w", Mode: protocol.ModeDefault}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	if err := rs.SetAgentSessionID(ctx, "s-1", "vendor-9"); err != nil {
		t.Fatalf("SetAgentSessionID: %v", err)
	}
	got, _ := rs.GetSession(ctx, "s-1")
	if got.AgentSessionID != "vendor-9" {
		t.Errorf("AgentSessionID = %q", got.AgentSessionID)
	}

	var nf *protocol.NotFoundError
	if err := rs.SetAgentSessionID(ctx, "ghost", "x"); !errors.As(err, &nf) {
		t.Errorf("err = %v, want NotFoundError", err)
	}
}

func TestHistoryOrderPreserved(t *testing.T) {
	rs := newTestRecordStore(t)
	ctx := context.Background()

	for _, e := range []struct{ role, content string }{
		{"user", "do the thing"},
		{"agent", "on it"},
		{"user", "and another"},
	} {
		if err := rs.AppendHistory(ctx, "s-1", e.role, e.content); err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}

	hist, err := rs.History(ctx, "s-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("len = %d, want 3", len(hist))
	}
	if hist[0].Content != "do the thing" || hist[2].Content != "and another" {
		t.Errorf("history out of order: %+v", hist)
	}
}

func TestEventLogQuery(t *testing.T) {
	rs := newTestRecordStore(t)
	ctx := context.Background()

	mustLog := func(evType, sessionID, workerID string) {
		t.Helper()
		if err := rs.LogEvent(ctx, evType, "pool", sessionID, workerID, ""); err != nil {
			t.Fatalf("LogEvent: %v", err)
		}
	}
	mustLog("spawn", "s-1", "w-1")
	mustLog("complete", "s-1", "w-1")
	mustLog("spawn", "s-2", "w-2")

	events, err := rs.Events(ctx, EventQuery{SessionID: "s-1"})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].Type != "spawn" || events[1].Type != "complete" {
		t.Errorf("order = %s, %s", events[0].Type, events[1].Type)
	}

	events, _ = rs.Events(ctx, EventQuery{EventType: "spawn", Limit: 1})
	if len(events) != 1 || events[0].SessionID != "s-1" {
		t.Errorf("filtered events = %+v", events)
	}
}

func TestDeleteSessionRemovesHistory(t *testing.T) {
	rs := newTestRecordStore(t)
	ctx := context.Background()
	if err := rs.SaveSession(ctx, protocol.SessionRecord{ID: "s-1", AgentID: "claude", Cwd: "/w", Mode: protocol.ModeDefault}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := rs.AppendHistory(ctx, "s-1", "user", "hello"); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	if err := rs.DeleteSession(ctx, "s-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	hist, _ := rs.History(ctx, "s-1")
	if len(hist) != 0 {
		t.Errorf("history survived delete: %+v", hist)
	}
}
