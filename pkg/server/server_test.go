package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"foreman/pkg/inbox"
	"foreman/pkg/pool"
	"foreman/pkg/protocol"
	"foreman/pkg/ralph"
	"foreman/pkg/session"
	"foreman/pkg/taskstore"

	"github.com/gorilla/websocket"
)

// errSpawner fails every spawn. The socket tests exercise the non-process
// command surface.
type errSpawner struct{}

func (errSpawner) Spawn(context.Context, pool.Invocation) (pool.Process, error) {
	return nil, &protocol.AgentUnavailableError{AgentID: "claude", Reason: "no subprocesses in tests"}
}

type testEngine struct {
	server *Server
	hub    *session.Hub
	reg    *session.Registry
}

func newTestServer(t *testing.T) *testEngine {
	t.Helper()
	hub := session.NewHub()
	reg := session.NewRegistry(hub)
	bus := inbox.NewBus(reg.Publish)
	tasks := taskstore.NewRegistry()
	cat := pool.NewCatalog()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := pool.NewManager(reg, bus, tasks, cat, errSpawner{}, nil, logger)
	executor := ralph.NewExecutor(mgr, reg, tasks, nil, logger)
	return &testEngine{
		server: New(mgr, reg, tasks, bus, executor, nil, hub, logger),
		hub:    hub,
		reg:    reg,
	}
}

type client struct {
	enc *json.Encoder
	dec *json.Decoder
}

func dialTestServer(t *testing.T, e *testEngine) *client {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "foreman.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = e.server.Serve(ln) }()
	t.Cleanup(func() { _ = e.server.Close() })

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &client{enc: json.NewEncoder(conn), dec: json.NewDecoder(conn)}
}

func (c *client) call(t *testing.T, command string, params any) Response {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	if err := c.enc.Encode(Request{ID: "req-1", Command: command, Params: raw}); err != nil {
		t.Fatalf("send request: %v", err)
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.ID != "req-1" {
		t.Fatalf("response id = %q", resp.ID)
	}
	return resp
}

func result[T any](t *testing.T, resp Response) T {
	t.Helper()
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("remarshal result: %v", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return out
}

func TestTaskCommands(t *testing.T) {
	c := dialTestServer(t, newTestServer(t))

	resp := c.call(t, "task-create", taskCreateParams{SessionID: "s-1", Subject: "write docs"})
	if !resp.OK {
		t.Fatalf("task-create: %s", resp.Error)
	}
	created := result[protocol.Task](t, resp)

	resp = c.call(t, "task-claim", taskClaimParams{SessionID: "s-1", WorkerID: "w-1"})
	claim := result[taskClaimResult](t, resp)
	if !claim.Claimed || claim.Task.ID != created.ID || claim.Task.Owner != "w-1" {
		t.Errorf("claim = %+v", claim)
	}

	// Nothing left to claim: not an error.
	resp = c.call(t, "task-claim", taskClaimParams{SessionID: "s-1", WorkerID: "w-2"})
	if claim := result[taskClaimResult](t, resp); claim.Claimed {
		t.Errorf("second claim succeeded: %+v", claim)
	}

	resp = c.call(t, "task-list", sessionParams{SessionID: "s-1"})
	if tasks := result[[]protocol.Task](t, resp); len(tasks) != 1 {
		t.Errorf("list = %+v", tasks)
	}
}

func TestInboxCommands(t *testing.T) {
	e := newTestServer(t)
	c := dialTestServer(t, e)

	for _, w := range []string{"w-1", "w-2"} {
		if resp := c.call(t, "inbox-register", inboxWorkerParams{SessionID: "s-1", WorkerID: w}); !resp.OK {
			t.Fatalf("register %s: %s", w, resp.Error)
		}
	}
	resp := c.call(t, "inbox-write", inboxWriteParams{
		SessionID: "s-1", From: "w-1", To: "w-2", Type: "text", Body: "ping",
	})
	if !resp.OK {
		t.Fatalf("inbox-write: %s", resp.Error)
	}

	resp = c.call(t, "inbox-read", inboxReadParams{SessionID: "s-1", WorkerID: "w-2", UnreadOnly: true})
	msgs := result[[]protocol.Message](t, resp)
	if len(msgs) != 1 || msgs[0].Body != "ping" {
		t.Errorf("read = %+v", msgs)
	}

	// Duplicate registration is a conflict with a stable wire tag.
	resp = c.call(t, "inbox-register", inboxWorkerParams{SessionID: "s-1", WorkerID: "w-1"})
	if resp.OK || resp.ErrorKind != "conflict" {
		t.Errorf("duplicate register = %+v", resp)
	}
}

func TestValidatePrdCommand(t *testing.T) {
	c := dialTestServer(t, newTestServer(t))

	resp := c.call(t, "validate-prd", prdParams{PRD: protocol.PRD{
		Name: "cyclic",
		Stories: []protocol.Story{
			{ID: "a", Title: "a", DependsOn: []string{"b"}},
			{ID: "b", Title: "b", DependsOn: []string{"a"}},
		},
	}})
	if !resp.OK {
		t.Fatalf("validate-prd transport error: %s", resp.Error)
	}
	res := result[protocol.ValidationResult](t, resp)
	if res.Valid {
		t.Error("cyclic PRD validated")
	}
}

func TestCreateSessionUsesConfiguredDefaultAgent(t *testing.T) {
	e := newTestServer(t)
	e.server.SetDefaultAgent("gemini")
	c := dialTestServer(t, e)

	// The empty catalog makes the spawn fail, but the session is allocated
	// first and records which agent was assigned.
	resp := c.call(t, "create-session", createSessionParams{Prompt: "p", Cwd: "/work"})
	if resp.OK || resp.ErrorKind != "agent_unavailable" {
		t.Fatalf("create-session = %+v", resp)
	}
	sessions := e.reg.ListSessions()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %+v, want 1", sessions)
	}
	if sessions[0].AgentID != "gemini" {
		t.Errorf("agent = %q, want configured default gemini", sessions[0].AgentID)
	}
}

func TestErrorKinds(t *testing.T) {
	c := dialTestServer(t, newTestServer(t))

	resp := c.call(t, "task-get", taskParams{SessionID: "s-1", TaskID: "ghost"})
	if resp.OK || resp.ErrorKind != "not_found" {
		t.Errorf("task-get ghost = %+v", resp)
	}

	resp = c.call(t, "send-prompt", sendPromptParams{SessionID: "ghost", Text: "hi"})
	if resp.OK || resp.ErrorKind != "session_expired" {
		t.Errorf("send-prompt to dead unpersisted session = %+v", resp)
	}

	resp = c.call(t, "frobnicate", nil)
	if resp.OK || !strings.Contains(resp.Error, "unknown command") {
		t.Errorf("unknown command = %+v", resp)
	}
}

func TestWebsocketEventFeed(t *testing.T) {
	e := newTestServer(t)
	ts := httptest.NewServer(http.HandlerFunc(e.server.HandleEvents))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?session_id=s-1"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = conn.Close() }()

	// Subscription registration races the publish; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for e.hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	e.hub.Publish(protocol.DeltaEvent{SessionID: "s-1", WorkerID: "w-1", Text: "hello"})
	e.hub.Publish(protocol.DeltaEvent{SessionID: "s-2", WorkerID: "w-9", Text: "other session"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame struct {
		Type      string          `json:"type"`
		SessionID string          `json:"session_id"`
		Event     json.RawMessage `json:"event"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Type != "delta" || frame.SessionID != "s-1" {
		t.Errorf("frame = %+v", frame)
	}
}
