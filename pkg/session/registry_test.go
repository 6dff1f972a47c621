package session

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"foreman/pkg/protocol"
)

func newSessionWithWorkers(t *testing.T, r *Registry, n int) (protocol.Session, []protocol.Worker) {
	t.Helper()
	s := r.CreateSession(CreateSessionParams{Prompt: "build it", Type: protocol.SessionFleet, AgentID: "claude", Cwd: "/tmp"})
	workers := make([]protocol.Worker, 0, n)
	for i := 0; i < n; i++ {
		w, err := r.AddWorker(s.ID, "subtask", protocol.ModelSonnet)
		if err != nil {
			t.Fatalf("AddWorker: %v", err)
		}
		workers = append(workers, w)
	}
	return s, workers
}

func setStatus(t *testing.T, r *Registry, workerID string, status protocol.WorkerStatus) {
	t.Helper()
	if _, err := r.UpdateWorker(workerID, WorkerUpdate{Status: &status}); err != nil {
		t.Fatalf("UpdateWorker: %v", err)
	}
}

func TestSessionStatusPrecedence(t *testing.T) {
	cases := []struct {
		name     string
		statuses []protocol.WorkerStatus
		want     protocol.SessionStatus
	}{
		{"failed beats completed", []protocol.WorkerStatus{protocol.WorkerFailed, protocol.WorkerCompleted}, protocol.SessionFailed},
		{"all completed", []protocol.WorkerStatus{protocol.WorkerCompleted, protocol.WorkerCompleted}, protocol.SessionCompleted},
		{"running beats completed subset", []protocol.WorkerStatus{protocol.WorkerCompleted, protocol.WorkerRunning}, protocol.SessionRunning},
		{"failed beats running", []protocol.WorkerStatus{protocol.WorkerFailed, protocol.WorkerRunning}, protocol.SessionFailed},
		{"pending leaves planning", []protocol.WorkerStatus{protocol.WorkerPending}, protocol.SessionPlanning},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry(nil)
			s, workers := newSessionWithWorkers(t, r, len(tc.statuses))
			for i, st := range tc.statuses {
				if st != protocol.WorkerPending {
					setStatus(t, r, workers[i].ID, st)
				}
			}
			got, err := r.GetSession(s.ID)
			if err != nil {
				t.Fatalf("GetSession: %v", err)
			}
			if got.Status != tc.want {
				t.Errorf("session status = %q, want %q", got.Status, tc.want)
			}
		})
	}
}

func TestCostAccumulation(t *testing.T) {
	r := NewRegistry(nil)
	s, workers := newSessionWithWorkers(t, r, 2)

	u := protocol.Usage{InputTokens: 1000, OutputTokens: 500}
	if _, err := r.UpdateWorker(workers[0].ID, WorkerUpdate{Usage: &u}); err != nil {
		t.Fatalf("UpdateWorker: %v", err)
	}

	w, _ := r.GetWorker(workers[0].ID)
	if math.Abs(w.CostUSD-0.0105) > 1e-9 {
		t.Errorf("worker cost = %v, want 0.0105", w.CostUSD)
	}

	// Second worker contributes too; session total is the sum.
	if _, err := r.UpdateWorker(workers[1].ID, WorkerUpdate{Usage: &u}); err != nil {
		t.Fatalf("UpdateWorker: %v", err)
	}
	got, _ := r.GetSession(s.ID)
	if math.Abs(got.CostUSD-0.0210) > 1e-9 {
		t.Errorf("session cost = %v, want 0.0210", got.CostUSD)
	}
	if got.Usage.InputTokens != 2000 || got.Usage.OutputTokens != 1000 {
		t.Errorf("session usage = %+v", got.Usage)
	}
}

func TestUpdateWorkerMergesToolCalls(t *testing.T) {
	r := NewRegistry(nil)
	_, workers := newSessionWithWorkers(t, r, 1)
	id := workers[0].ID

	tc := protocol.ToolCall{ID: "tc-1", Title: "Run tests", Kind: protocol.ToolExecute, Status: protocol.ToolCallInProgress}
	if _, err := r.UpdateWorker(id, WorkerUpdate{ToolCall: &tc}); err != nil {
		t.Fatalf("UpdateWorker: %v", err)
	}

	// Later update omits title and kind; both must survive.
	upd := protocol.ToolCall{ID: "tc-1", Status: protocol.ToolCallCompleted}
	if _, err := r.UpdateWorker(id, WorkerUpdate{ToolCall: &upd}); err != nil {
		t.Fatalf("UpdateWorker: %v", err)
	}

	w, _ := r.GetWorker(id)
	if len(w.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(w.ToolCalls))
	}
	got := w.ToolCalls[0]
	if got.Title != "Run tests" || got.Kind != protocol.ToolExecute || got.Status != protocol.ToolCallCompleted {
		t.Errorf("merged tool call = %+v", got)
	}
}

func TestWaitWorkerWakesOnTerminalStatus(t *testing.T) {
	r := NewRegistry(nil)
	_, workers := newSessionWithWorkers(t, r, 1)
	id := workers[0].ID
	setStatus(t, r, id, protocol.WorkerRunning)

	done := make(chan protocol.WorkerStatus, 1)
	go func() {
		status, err := r.WaitWorker(context.Background(), id)
		if err != nil {
			t.Errorf("WaitWorker: %v", err)
		}
		done <- status
	}()

	// Give the waiter a moment to park, then complete the worker.
	time.Sleep(10 * time.Millisecond)
	setStatus(t, r, id, protocol.WorkerCompleted)

	select {
	case status := <-done:
		if status != protocol.WorkerCompleted {
			t.Errorf("status = %q, want completed", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitWorker did not wake")
	}
}

func TestWaitWorkerAlreadyTerminal(t *testing.T) {
	r := NewRegistry(nil)
	_, workers := newSessionWithWorkers(t, r, 1)
	setStatus(t, r, workers[0].ID, protocol.WorkerFailed)

	status, err := r.WaitWorker(context.Background(), workers[0].ID)
	if err != nil {
		t.Fatalf("WaitWorker: %v", err)
	}
	if status != protocol.WorkerFailed {
		t.Errorf("status = %q, want failed", status)
	}
}

func TestRemoveSessionDropsWorkers(t *testing.T) {
	r := NewRegistry(nil)
	s, workers := newSessionWithWorkers(t, r, 2)

	if err := r.RemoveSession(s.ID); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	_, err := r.GetWorker(workers[0].ID)
	var nf *protocol.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("err = %v, want NotFoundError", err)
	}
}

func TestRemoveWorkerRecalculatesSession(t *testing.T) {
	r := NewRegistry(nil)
	s, workers := newSessionWithWorkers(t, r, 2)
	setStatus(t, r, workers[0].ID, protocol.WorkerCompleted)
	setStatus(t, r, workers[1].ID, protocol.WorkerFailed)

	// Dropping the failed worker leaves only a completed one.
	if err := r.RemoveWorker(workers[1].ID); err != nil {
		t.Fatalf("RemoveWorker: %v", err)
	}
	got, _ := r.GetSession(s.ID)
	if got.Status != protocol.SessionCompleted {
		t.Errorf("session status = %q, want completed after failed worker removed", got.Status)
	}
}

func TestSetModePublishesEvent(t *testing.T) {
	hub := NewHub()
	r := NewRegistry(hub)
	s, _ := newSessionWithWorkers(t, r, 1)

	ch, cancel := hub.Subscribe(s.ID, 8)
	defer cancel()

	if err := r.SetMode(s.ID, protocol.ModePlan); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	select {
	case e := <-ch:
		mc, ok := e.(protocol.ModeChangeEvent)
		if !ok {
			t.Fatalf("event type %T", e)
		}
		if mc.Mode != protocol.ModePlan {
			t.Errorf("mode = %q", mc.Mode)
		}
	case <-time.After(time.Second):
		t.Fatal("no mode change event")
	}
}
