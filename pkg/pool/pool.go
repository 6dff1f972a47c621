// Package pool supervises agent subprocesses. Each worker is one subprocess
// speaking line-delimited JSON: the manager decodes its stdout into registry
// updates and push events, and serializes engine commands onto its stdin.
// Permission requests suspend the agent on its own stdin read, so gating
// needs no engine-side pause machinery beyond tracking the pending request.
package pool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"foreman/pkg/inbox"
	"foreman/pkg/protocol"
	"foreman/pkg/session"
	"foreman/pkg/taskstore"

	"github.com/google/uuid"
)

// maxLineBytes bounds one protocol line. Agents can emit large tool call
// content (whole-file diffs), so this is generous.
const maxLineBytes = 4 * 1024 * 1024

// Manager owns the live subprocess set. Registry state outlives processes:
// a dead worker keeps its record until the session is removed.
type Manager struct {
	registry *session.Registry
	bus      *inbox.Bus
	tasks    *taskstore.Registry
	agents   *Catalog
	spawner  AgentSpawner
	records  *session.RecordStore // nil in some tests; persistence is then skipped
	logger   *slog.Logger

	mu        sync.Mutex
	procs     map[string]*supervised // worker id -> live process
	bySession map[string]string      // session id -> interactive worker id
	pending   map[string]map[string]protocol.PermissionRequest

	wg sync.WaitGroup

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// supervised pairs a process with its per-worker supervision state. Stdin
// writes are serialized under wmu; the supervise goroutine is the only
// stdout reader.
type supervised struct {
	workerID  string
	sessionID string
	proc      Process

	wmu sync.Mutex // guards stdin writes

	cancelled atomic.Bool

	// turnOutput accumulates delta text for the current turn, recorded to
	// history when the turn completes. Touched only by the supervise goroutine.
	turnOutput string
}

// NewManager wires a pool manager. records may be nil to disable persistence.
func NewManager(registry *session.Registry, bus *inbox.Bus, tasks *taskstore.Registry, agents *Catalog, spawner AgentSpawner, records *session.RecordStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry:  registry,
		bus:       bus,
		tasks:     tasks,
		agents:    agents,
		spawner:   spawner,
		records:   records,
		logger:    logger,
		procs:     make(map[string]*supervised),
		bySession: make(map[string]string),
		pending:   make(map[string]map[string]protocol.PermissionRequest),
		nowFunc:   time.Now,
	}
}

// SpawnParams describes one worker launch.
type SpawnParams struct {
	SessionID string
	Task      string // initial prompt
	Model     string
	Mode      protocol.SessionMode
	// AgentSessionID resumes a vendor-side conversation instead of starting
	// a fresh one.
	AgentSessionID string
	// Interactive marks the worker as the session's prompt target.
	Interactive bool
}

// Spawn launches a worker subprocess for a session and starts supervising it.
// The initial prompt is written immediately; the worker transitions to
// running when the agent acknowledges.
func (m *Manager) Spawn(ctx context.Context, p SpawnParams) (protocol.Worker, error) {
	sess, err := m.registry.GetSession(p.SessionID)
	if err != nil {
		return protocol.Worker{}, err
	}
	spec, err := m.agents.Lookup(sess.AgentID)
	if err != nil {
		return protocol.Worker{}, err
	}

	model := p.Model
	if model == "" {
		model = protocol.DefaultModel
	}
	mode := p.Mode
	if mode == "" {
		mode = sess.Mode
	}

	worker, err := m.registry.AddWorker(p.SessionID, p.Task, model)
	if err != nil {
		return protocol.Worker{}, err
	}
	if err := m.bus.Register(p.SessionID, worker.ID); err != nil {
		return protocol.Worker{}, err
	}

	proc, err := m.spawner.Spawn(ctx, Invocation{
		Binary:         spec.Binary,
		Model:          model,
		Cwd:            sess.Cwd,
		WorkerID:       worker.ID,
		Mode:           string(mode),
		AgentSessionID: p.AgentSessionID,
	})
	if err != nil {
		msg := err.Error()
		failed := protocol.WorkerFailed
		_, _ = m.registry.UpdateWorker(worker.ID, session.WorkerUpdate{Status: &failed, ErrorMessage: &msg})
		m.bus.Unregister(p.SessionID, worker.ID)
		return protocol.Worker{}, fmt.Errorf("spawn worker: %w", err)
	}

	sup := &supervised{workerID: worker.ID, sessionID: p.SessionID, proc: proc}
	m.mu.Lock()
	m.procs[worker.ID] = sup
	if p.Interactive {
		m.bySession[p.SessionID] = worker.ID
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.supervise(sup)

	if p.Task != "" {
		if err := sup.send(protocol.AgentCommand{
			Type:   protocol.AgentCmdPrompt,
			Prompt: &protocol.PromptPayload{Text: p.Task},
		}); err != nil {
			m.logger.Warn("initial prompt write failed", "worker", worker.ID, "error", err)
		} else {
			m.appendHistory(p.SessionID, "user", p.Task)
		}
	}
	m.logEvent("spawn", p.SessionID, worker.ID, "")
	return worker, nil
}

// SendPrompt forwards a follow-up user turn to a session's interactive
// worker. A session without a live process is reported as dead so the caller
// can reconnect.
func (m *Manager) SendPrompt(sessionID, text string, images []string) error {
	m.mu.Lock()
	wid, ok := m.bySession[sessionID]
	var sup *supervised
	if ok {
		sup = m.procs[wid]
	}
	m.mu.Unlock()
	if sup == nil {
		return &protocol.DeadWorkerError{SessionID: sessionID}
	}

	err := sup.send(protocol.AgentCommand{
		Type:   protocol.AgentCmdPrompt,
		Prompt: &protocol.PromptPayload{Text: text, Images: images},
	})
	if err != nil {
		return &protocol.DeadWorkerError{SessionID: sessionID}
	}
	// History is recorded only after a successful write, so a prompt retried
	// through reconnect lands in history exactly once.
	m.appendHistory(sessionID, "user", text)
	return nil
}

// Reconnect revives a persisted session after an engine restart: the record
// supplies the vendor conversation id, and a fresh subprocess resumes it.
func (m *Manager) Reconnect(ctx context.Context, sessionID string) (protocol.Worker, error) {
	if m.records == nil {
		return protocol.Worker{}, &protocol.SessionExpiredError{SessionID: sessionID, Cause: fmt.Errorf("no record store configured")}
	}
	rec, err := m.records.GetSession(ctx, sessionID)
	if err != nil {
		return protocol.Worker{}, &protocol.SessionExpiredError{SessionID: sessionID, Cause: err}
	}
	if _, err := m.registry.GetSession(sessionID); err != nil {
		m.registry.AdoptSession(rec)
	}
	return m.Spawn(ctx, SpawnParams{
		SessionID:      sessionID,
		AgentSessionID: rec.AgentSessionID,
		Mode:           rec.Mode,
		Interactive:    true,
	})
}

// Cancel kills a worker's process, marks it cancelled, and releases any
// tasks it claimed so other workers can pick them up. A worker settles its
// terminal status exactly once, so cancelling an already-terminal worker is
// a conflict.
func (m *Manager) Cancel(sessionID, workerID string) error {
	w, err := m.registry.GetWorker(workerID)
	if err != nil {
		return err
	}
	if w.Status.Terminal() {
		return &protocol.ConflictError{
			Resource: "worker " + workerID,
			Reason:   "worker already " + string(w.Status),
		}
	}

	m.mu.Lock()
	sup := m.procs[workerID]
	delete(m.procs, workerID)
	if m.bySession[sessionID] == workerID {
		delete(m.bySession, sessionID)
	}
	delete(m.pending, workerID)
	m.mu.Unlock()

	if sup != nil {
		sup.cancelled.Store(true)
		if err := sup.proc.Kill(); err != nil {
			m.logger.Warn("kill failed", "worker", workerID, "error", err)
		}
	}

	cancelled := protocol.WorkerCancelled
	if _, err := m.registry.UpdateWorker(workerID, session.WorkerUpdate{Status: &cancelled}); err != nil {
		return err
	}
	released := m.tasks.ForSession(sessionID).Release(workerID)
	if len(released) > 0 {
		m.logger.Info("released tasks on cancel", "worker", workerID, "tasks", released)
	}
	m.logEvent("cancel", sessionID, workerID, "")
	return nil
}

// Retry replaces a failed or cancelled worker with a fresh one running the
// same task on the same model. The old record is removed, not mutated.
func (m *Manager) Retry(ctx context.Context, sessionID, workerID string) (protocol.Worker, error) {
	old, err := m.registry.GetWorker(workerID)
	if err != nil {
		return protocol.Worker{}, err
	}
	if old.Status != protocol.WorkerFailed && old.Status != protocol.WorkerCancelled {
		return protocol.Worker{}, &protocol.ConflictError{
			Resource: "worker " + workerID,
			Reason:   "only failed or cancelled workers can be retried",
		}
	}

	if err := m.registry.RemoveWorker(workerID); err != nil {
		return protocol.Worker{}, err
	}
	m.bus.Unregister(sessionID, workerID)

	return m.Spawn(ctx, SpawnParams{
		SessionID:   sessionID,
		Task:        old.Task,
		Model:       old.Model,
		Interactive: true,
	})
}

// RespondToPermission resolves a pending permission request. Unknown
// (worker, tool call) pairs are a no-op: the request may have been resolved
// already, or the worker cancelled out from under it.
func (m *Manager) RespondToPermission(workerID, toolCallID, optionID string) error {
	m.mu.Lock()
	reqs := m.pending[workerID]
	_, known := reqs[toolCallID]
	if known {
		delete(reqs, toolCallID)
	}
	sup := m.procs[workerID]
	m.mu.Unlock()

	if !known || sup == nil {
		return nil
	}
	return sup.send(protocol.AgentCommand{
		Type: protocol.AgentCmdPermissionResponse,
		PermissionResponse: &protocol.PermissionResponsePayload{
			ToolCallID: toolCallID,
			OptionID:   optionID,
		},
	})
}

// PendingPermissions returns a worker's unresolved permission requests.
func (m *Manager) PendingPermissions(workerID string) []protocol.PermissionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.PermissionRequest, 0, len(m.pending[workerID]))
	for _, req := range m.pending[workerID] {
		out = append(out, req)
	}
	return out
}

// SetMode validates the mode against the session's agent, records it, and
// notifies the live worker if there is one.
func (m *Manager) SetMode(sessionID string, mode protocol.SessionMode) error {
	sess, err := m.registry.GetSession(sessionID)
	if err != nil {
		return err
	}
	spec, ok := m.agents.Get(sess.AgentID)
	if !ok {
		return &protocol.AgentUnavailableError{AgentID: sess.AgentID, Reason: "unknown agent"}
	}
	if !spec.SupportsMode(mode) {
		return &protocol.InvalidModeError{AgentID: sess.AgentID, Mode: mode}
	}
	if err := m.registry.SetMode(sessionID, mode); err != nil {
		return err
	}
	if m.records != nil {
		if rec, err := m.records.GetSession(context.Background(), sessionID); err == nil {
			rec.Mode = mode
			_ = m.records.SaveSession(context.Background(), rec)
		}
	}

	m.mu.Lock()
	var sup *supervised
	if wid, ok := m.bySession[sessionID]; ok {
		sup = m.procs[wid]
	}
	m.mu.Unlock()
	if sup != nil {
		return sup.send(protocol.AgentCommand{
			Type:    protocol.AgentCmdSetMode,
			SetMode: &protocol.ModePayload{Mode: mode},
		})
	}
	return nil
}

// Interrupt asks the interactive worker to stop its current turn without
// killing the process.
func (m *Manager) Interrupt(sessionID string) error {
	m.mu.Lock()
	var sup *supervised
	if wid, ok := m.bySession[sessionID]; ok {
		sup = m.procs[wid]
	}
	m.mu.Unlock()
	if sup == nil {
		return &protocol.DeadWorkerError{SessionID: sessionID}
	}
	return sup.send(protocol.AgentCommand{Type: protocol.AgentCmdInterrupt})
}

// RemoveSession tears a session down: kills live workers, then drops
// registry, inbox, task, and persisted state.
func (m *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	workers, err := m.registry.SessionWorkers(sessionID)
	if err != nil {
		return err
	}
	for _, w := range workers {
		if !w.Status.Terminal() {
			_ = m.Cancel(sessionID, w.ID)
		}
	}
	if err := m.registry.RemoveSession(sessionID); err != nil {
		return err
	}
	m.bus.DropSession(sessionID)
	m.tasks.Drop(sessionID)
	if m.records != nil {
		_ = m.records.DeleteSession(ctx, sessionID)
	}
	m.logEvent("session_removed", sessionID, "", "")
	return nil
}

// ListAgents returns the agent catalog with availability.
func (m *Manager) ListAgents() []AgentInfo {
	return m.agents.List()
}

// Shutdown kills every live worker process and waits for supervision to
// drain. Worker records are left in place for inspection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sups := make([]*supervised, 0, len(m.procs))
	for _, sup := range m.procs {
		sups = append(sups, sup)
	}
	m.mu.Unlock()

	for _, sup := range sups {
		sup.cancelled.Store(true)
		_ = sup.proc.Kill()
	}
	m.wg.Wait()
}

// supervise is the single stdout reader for one subprocess. It runs until
// the process closes stdout, then settles the worker's final status.
func (m *Manager) supervise(sup *supervised) {
	defer m.wg.Done()

	scanner := bufio.NewScanner(sup.proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg protocol.AgentMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			m.logger.Warn("unparseable agent line", "worker", sup.workerID, "error", err)
			continue
		}
		m.handleAgentMessage(sup, msg)
	}
	m.finish(sup, scanner.Err())
}

func (m *Manager) handleAgentMessage(sup *supervised, msg protocol.AgentMessage) {
	switch msg.Type {
	case protocol.AgentMsgAck:
		running := protocol.WorkerRunning
		_, _ = m.registry.UpdateWorker(sup.workerID, session.WorkerUpdate{Status: &running})
		if msg.Ack != nil && msg.Ack.AgentSessionID != "" && m.records != nil {
			_ = m.records.SetAgentSessionID(context.Background(), sup.sessionID, msg.Ack.AgentSessionID)
		}

	case protocol.AgentMsgThinking:
		if msg.Thinking != nil {
			m.registry.Publish(protocol.ThinkingEvent{SessionID: sup.sessionID, WorkerID: sup.workerID, Text: msg.Thinking.Text})
		}

	case protocol.AgentMsgDelta:
		if msg.Delta != nil {
			sup.turnOutput += msg.Delta.Text
			_, _ = m.registry.UpdateWorker(sup.workerID, session.WorkerUpdate{AppendOutput: msg.Delta.Text})
			m.registry.Publish(protocol.DeltaEvent{SessionID: sup.sessionID, WorkerID: sup.workerID, Text: msg.Delta.Text})
		}

	case protocol.AgentMsgToolCall:
		if msg.ToolCall != nil {
			tc := protocol.ToolCall{
				ID:       msg.ToolCall.ID,
				Title:    msg.ToolCall.Title,
				Kind:     msg.ToolCall.Kind,
				Status:   msg.ToolCall.Status,
				Content:  msg.ToolCall.Content,
				RawInput: msg.ToolCall.RawInput,
			}
			_, _ = m.registry.UpdateWorker(sup.workerID, session.WorkerUpdate{ToolCall: &tc})
			m.registry.Publish(protocol.ToolCallEvent{SessionID: sup.sessionID, WorkerID: sup.workerID, ToolCall: tc})
		}

	case protocol.AgentMsgPermission:
		if msg.Permission != nil {
			req := protocol.PermissionRequest{
				ID:         uuid.NewString(),
				WorkerID:   sup.workerID,
				SessionID:  sup.sessionID,
				ToolCallID: msg.Permission.ToolCallID,
				Title:      msg.Permission.Title,
				Options:    msg.Permission.Options,
				CreatedAt:  m.nowFunc(),
			}
			m.mu.Lock()
			if m.pending[sup.workerID] == nil {
				m.pending[sup.workerID] = make(map[string]protocol.PermissionRequest)
			}
			m.pending[sup.workerID][req.ToolCallID] = req
			m.mu.Unlock()
			m.registry.Publish(protocol.PermissionEvent{SessionID: sup.sessionID, WorkerID: sup.workerID, Request: req})
		}

	case protocol.AgentMsgPlan:
		if msg.Plan != nil {
			m.registry.Publish(protocol.PlanEvent{SessionID: sup.sessionID, WorkerID: sup.workerID, Entries: msg.Plan.Entries})
		}

	case protocol.AgentMsgMode:
		if msg.Mode != nil {
			// Agent-initiated switch; record without echoing SET_MODE back.
			_ = m.registry.SetMode(sup.sessionID, msg.Mode.Mode)
		}

	case protocol.AgentMsgCommands:
		if msg.Commands != nil {
			m.registry.Publish(protocol.CommandsEvent{SessionID: sup.sessionID, WorkerID: sup.workerID, Commands: msg.Commands.Commands})
		}

	case protocol.AgentMsgFiles:
		if msg.Files != nil {
			_, _ = m.registry.UpdateWorker(sup.workerID, session.WorkerUpdate{FilesTouched: msg.Files.Paths})
		}

	case protocol.AgentMsgComplete:
		completed := protocol.WorkerCompleted
		upd := session.WorkerUpdate{Status: &completed}
		var usage protocol.Usage
		if msg.Complete != nil {
			usage = msg.Complete.Usage
			upd.Usage = &usage
		}
		_, _ = m.registry.UpdateWorker(sup.workerID, upd)
		m.registry.Publish(protocol.CompleteEvent{SessionID: sup.sessionID, WorkerID: sup.workerID, Usage: usage})
		if sup.turnOutput != "" {
			m.appendHistory(sup.sessionID, "agent", sup.turnOutput)
			sup.turnOutput = ""
		}
		m.logEvent("complete", sup.sessionID, sup.workerID, "")

	case protocol.AgentMsgError:
		errMsg := "agent error"
		if msg.Error != nil && msg.Error.Message != "" {
			errMsg = msg.Error.Message
		}
		failed := protocol.WorkerFailed
		_, _ = m.registry.UpdateWorker(sup.workerID, session.WorkerUpdate{Status: &failed, ErrorMessage: &errMsg})
		m.registry.Publish(protocol.ErrorEvent{SessionID: sup.sessionID, WorkerID: sup.workerID, Message: errMsg})
		m.tasks.ForSession(sup.sessionID).Release(sup.workerID)
		m.logEvent("error", sup.sessionID, sup.workerID, errMsg)

	default:
		m.logger.Warn("unknown agent message type", "worker", sup.workerID, "type", string(msg.Type))
	}
}

// finish settles a worker once its process exits. An exit in the middle of a
// turn (no terminal protocol line, not cancelled by the engine) is a failure.
func (m *Manager) finish(sup *supervised, scanErr error) {
	m.mu.Lock()
	if m.procs[sup.workerID] == sup {
		delete(m.procs, sup.workerID)
	}
	if m.bySession[sup.sessionID] == sup.workerID {
		delete(m.bySession, sup.sessionID)
	}
	delete(m.pending, sup.workerID)
	m.mu.Unlock()

	_ = sup.proc.Wait()

	if sup.cancelled.Load() {
		return
	}
	w, err := m.registry.GetWorker(sup.workerID)
	if err != nil || w.Status.Terminal() {
		return
	}

	errMsg := "agent process exited unexpectedly"
	if scanErr != nil {
		errMsg = fmt.Sprintf("agent stream read: %v", scanErr)
	}
	failed := protocol.WorkerFailed
	_, _ = m.registry.UpdateWorker(sup.workerID, session.WorkerUpdate{Status: &failed, ErrorMessage: &errMsg})
	m.registry.Publish(protocol.ErrorEvent{SessionID: sup.sessionID, WorkerID: sup.workerID, Message: errMsg})
	m.tasks.ForSession(sup.sessionID).Release(sup.workerID)
	m.logEvent("worker_exit", sup.sessionID, sup.workerID, errMsg)
}

func (m *Manager) appendHistory(sessionID, role, content string) {
	if m.records == nil {
		return
	}
	if err := m.records.AppendHistory(context.Background(), sessionID, role, content); err != nil {
		m.logger.Warn("append history failed", "session", sessionID, "error", err)
	}
}

func (m *Manager) logEvent(evType, sessionID, workerID, payload string) {
	if m.records == nil {
		return
	}
	if err := m.records.LogEvent(context.Background(), evType, "pool", sessionID, workerID, payload); err != nil {
		m.logger.Warn("event log write failed", "type", evType, "error", err)
	}
}

// send writes one command line to the agent's stdin.
func (s *supervised) send(cmd protocol.AgentCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal agent command: %w", err)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.proc.Stdin().Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write agent command: %w", err)
	}
	return nil
}
