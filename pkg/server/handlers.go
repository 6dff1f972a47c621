package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"foreman/pkg/pool"
	"foreman/pkg/protocol"
	"foreman/pkg/ralph"
	"foreman/pkg/session"
	"foreman/pkg/taskstore"
)

func decode[T any](raw json.RawMessage) (T, error) {
	var p T
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode params: %w", err)
	}
	return p, nil
}

//nolint:gocyclo // one flat command table, matching the socket surface
func (s *Server) handle(command string, params json.RawMessage) (any, error) {
	ctx := context.Background()
	switch command {

	// Worker pool.
	case "create-session":
		p, err := decode[createSessionParams](params)
		if err != nil {
			return nil, err
		}
		return s.createSession(ctx, p)
	case "send-prompt", "send-prompt-with-images":
		p, err := decode[sendPromptParams](params)
		if err != nil {
			return nil, err
		}
		return nil, s.sendPrompt(ctx, p)
	case "reconnect-worker":
		p, err := decode[sessionParams](params)
		if err != nil {
			return nil, err
		}
		return s.pool.Reconnect(ctx, p.SessionID)
	case "cancel-worker":
		p, err := decode[workerParams](params)
		if err != nil {
			return nil, err
		}
		return nil, s.pool.Cancel(p.SessionID, p.WorkerID)
	case "retry-worker":
		p, err := decode[workerParams](params)
		if err != nil {
			return nil, err
		}
		return s.pool.Retry(ctx, p.SessionID, p.WorkerID)
	case "respond-to-permission":
		p, err := decode[permissionParams](params)
		if err != nil {
			return nil, err
		}
		return nil, s.pool.RespondToPermission(p.WorkerID, p.ToolCallID, p.OptionID)
	case "set-session-mode":
		p, err := decode[setModeParams](params)
		if err != nil {
			return nil, err
		}
		return nil, s.pool.SetMode(p.SessionID, protocol.SessionMode(p.Mode))
	case "list-available-agents":
		return s.pool.ListAgents(), nil
	case "interrupt-session":
		p, err := decode[sessionParams](params)
		if err != nil {
			return nil, err
		}
		return nil, s.pool.Interrupt(p.SessionID)
	case "get-session":
		p, err := decode[sessionParams](params)
		if err != nil {
			return nil, err
		}
		return s.registry.GetSession(p.SessionID)
	case "list-sessions":
		return s.registry.ListSessions(), nil
	case "get-session-workers":
		p, err := decode[sessionParams](params)
		if err != nil {
			return nil, err
		}
		return s.registry.SessionWorkers(p.SessionID)
	case "remove-session":
		p, err := decode[sessionParams](params)
		if err != nil {
			return nil, err
		}
		return nil, s.pool.RemoveSession(ctx, p.SessionID)
	case "get-events":
		p, err := decode[eventsParams](params)
		if err != nil {
			return nil, err
		}
		if s.records == nil {
			return nil, errors.New("event log not configured")
		}
		return s.records.Events(ctx, session.EventQuery{
			SessionID: p.SessionID, WorkerID: p.WorkerID, EventType: p.EventType, Limit: p.Limit,
		})

	// Task store.
	case "task-create":
		p, err := decode[taskCreateParams](params)
		if err != nil {
			return nil, err
		}
		return s.tasks.ForSession(p.SessionID).Create(p.Subject, p.Description), nil
	case "task-list":
		p, err := decode[sessionParams](params)
		if err != nil {
			return nil, err
		}
		return s.tasks.ForSession(p.SessionID).List(), nil
	case "task-get":
		p, err := decode[taskParams](params)
		if err != nil {
			return nil, err
		}
		return s.tasks.ForSession(p.SessionID).Get(p.TaskID)
	case "task-update":
		p, err := decode[taskUpdateParams](params)
		if err != nil {
			return nil, err
		}
		return s.tasks.ForSession(p.SessionID).Update(p.TaskID, taskstore.UpdateParams{
			Subject:      p.Subject,
			Description:  p.Description,
			Status:       p.Status,
			Owner:        p.Owner,
			AddBlockedBy: p.AddBlockedBy,
			AddBlocks:    p.AddBlocks,
			Metadata:     p.Metadata,
		})
	case "task-claim":
		p, err := decode[taskClaimParams](params)
		if err != nil {
			return nil, err
		}
		task, ok, err := s.tasks.ForSession(p.SessionID).Claim(p.WorkerID)
		if err != nil {
			return nil, err
		}
		return taskClaimResult{Task: task, Claimed: ok}, nil
	case "task-delete":
		p, err := decode[taskParams](params)
		if err != nil {
			return nil, err
		}
		return nil, s.tasks.ForSession(p.SessionID).Delete(p.TaskID)

	// Inbox bus.
	case "inbox-register":
		p, err := decode[inboxWorkerParams](params)
		if err != nil {
			return nil, err
		}
		return nil, s.bus.Register(p.SessionID, p.WorkerID)
	case "inbox-write":
		p, err := decode[inboxWriteParams](params)
		if err != nil {
			return nil, err
		}
		return s.bus.Write(p.SessionID, p.From, p.To, protocol.MessageType(p.Type), p.Body, p.RequestID)
	case "inbox-broadcast":
		p, err := decode[inboxWriteParams](params)
		if err != nil {
			return nil, err
		}
		return s.bus.Broadcast(p.SessionID, p.From, protocol.MessageType(p.Type), p.Body)
	case "inbox-broadcast-to":
		p, err := decode[inboxWriteParams](params)
		if err != nil {
			return nil, err
		}
		return s.bus.BroadcastTo(p.SessionID, p.From, protocol.MessageType(p.Type), p.Body, p.Targets)
	case "inbox-read":
		p, err := decode[inboxReadParams](params)
		if err != nil {
			return nil, err
		}
		return s.bus.Read(p.SessionID, p.WorkerID, p.UnreadOnly)
	case "inbox-poll":
		p, err := decode[inboxWorkerParams](params)
		if err != nil {
			return nil, err
		}
		return s.bus.Poll(p.SessionID, p.WorkerID)
	case "inbox-mark-read":
		p, err := decode[inboxMarkParams](params)
		if err != nil {
			return nil, err
		}
		return nil, s.bus.MarkRead(p.SessionID, p.WorkerID, p.IDs)
	case "inbox-mark-all-read":
		p, err := decode[inboxWorkerParams](params)
		if err != nil {
			return nil, err
		}
		return nil, s.bus.MarkAllRead(p.SessionID, p.WorkerID)
	case "inbox-count":
		p, err := decode[inboxReadParams](params)
		if err != nil {
			return nil, err
		}
		n, err := s.bus.Count(p.SessionID, p.WorkerID, p.UnreadOnly)
		if err != nil {
			return nil, err
		}
		return countResult{Count: n}, nil
	case "inbox-get-workers":
		p, err := decode[sessionParams](params)
		if err != nil {
			return nil, err
		}
		return s.bus.Workers(p.SessionID), nil

	// PRD executor.
	case "validate-prd":
		p, err := decode[prdParams](params)
		if err != nil {
			return nil, err
		}
		prd := p.PRD
		prd.Constraints = ralph.WithDefaults(prd.Constraints)
		return ralph.Validate(prd), nil
	case "create-prd-session":
		p, err := decode[prdParams](params)
		if err != nil {
			return nil, err
		}
		return s.ralph.CreateSession(p.PRD)
	case "get-prd-session":
		p, err := decode[prdSessionParams](params)
		if err != nil {
			return nil, err
		}
		return s.ralph.GetSession(p.PrdSessionID)
	case "list-prd-sessions":
		return s.ralph.Sessions(), nil
	case "pause-prd-session":
		p, err := decode[prdSessionParams](params)
		if err != nil {
			return nil, err
		}
		return nil, s.ralph.Pause(p.PrdSessionID)
	case "resume-prd-session":
		p, err := decode[prdSessionParams](params)
		if err != nil {
			return nil, err
		}
		return nil, s.ralph.Resume(p.PrdSessionID)
	case "cancel-prd-session":
		p, err := decode[prdSessionParams](params)
		if err != nil {
			return nil, err
		}
		return nil, s.ralph.Cancel(p.PrdSessionID)
	case "retry-prd-story":
		p, err := decode[prdStoryParams](params)
		if err != nil {
			return nil, err
		}
		return nil, s.ralph.RetryStory(p.PrdSessionID, p.StoryID)
	case "get-prd-workers":
		p, err := decode[prdSessionParams](params)
		if err != nil {
			return nil, err
		}
		return s.ralph.Workers(p.PrdSessionID)
	case "get-prd-cost-breakdown":
		p, err := decode[prdSessionParams](params)
		if err != nil {
			return nil, err
		}
		return s.ralph.CostBreakdown(p.PrdSessionID)

	default:
		return nil, fmt.Errorf("unknown command %q", command)
	}
}

// createSession allocates a registry session, persists its record, and
// launches the interactive worker.
func (s *Server) createSession(ctx context.Context, p createSessionParams) (createSessionResult, error) {
	if p.AgentID == "" {
		p.AgentID = s.defaultAgent
	}
	sessType := protocol.SessionType(p.SessionType)
	if sessType == "" {
		sessType = protocol.SessionSingle
	}
	sess := s.registry.CreateSession(session.CreateSessionParams{
		Prompt:  p.Prompt,
		Mode:    protocol.SessionMode(p.Mode),
		Type:    sessType,
		AgentID: p.AgentID,
		Cwd:     p.Cwd,
	})
	if s.records != nil {
		if err := s.records.SaveSession(ctx, protocol.SessionRecord{
			ID: sess.ID, AgentID: p.AgentID, Cwd: p.Cwd, Mode: sess.Mode, InitialPrompt: p.Prompt,
		}); err != nil {
			s.logger.Warn("persist session record", "session", sess.ID, "error", err)
		}
	}
	worker, err := s.pool.Spawn(ctx, pool.SpawnParams{
		SessionID:   sess.ID,
		Task:        p.Prompt,
		Model:       p.Model,
		Interactive: true,
	})
	if err != nil {
		return createSessionResult{}, err
	}
	sess, _ = s.registry.GetSession(sess.ID)
	return createSessionResult{Session: sess, Worker: worker}, nil
}

// sendPrompt forwards a prompt, recovering a dead worker once: reconnect,
// then retry the prompt a single time. A failed reconnect surfaces as
// session expiry, never a retry loop.
func (s *Server) sendPrompt(ctx context.Context, p sendPromptParams) error {
	err := s.pool.SendPrompt(p.SessionID, p.Text, p.Images)
	var dead *protocol.DeadWorkerError
	if !errors.As(err, &dead) {
		return err
	}
	if _, rerr := s.pool.Reconnect(ctx, p.SessionID); rerr != nil {
		return rerr
	}
	return s.pool.SendPrompt(p.SessionID, p.Text, p.Images)
}

// Param and result shapes for the socket surface.

type sessionParams struct {
	SessionID string `json:"session_id"`
}

type workerParams struct {
	SessionID string `json:"session_id"`
	WorkerID  string `json:"worker_id"`
}

type createSessionParams struct {
	Prompt      string `json:"prompt"`
	Mode        string `json:"mode,omitempty"`
	SessionType string `json:"session_type,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	Cwd         string `json:"cwd"`
	Model       string `json:"model,omitempty"`
}

type createSessionResult struct {
	Session protocol.Session `json:"session"`
	Worker  protocol.Worker  `json:"worker"`
}

type sendPromptParams struct {
	SessionID string   `json:"session_id"`
	Text      string   `json:"text"`
	Images    []string `json:"images,omitempty"`
}

type permissionParams struct {
	WorkerID   string `json:"worker_id"`
	ToolCallID string `json:"tool_call_id"`
	OptionID   string `json:"option_id"`
}

type setModeParams struct {
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
}

type eventsParams struct {
	SessionID string `json:"session_id,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type taskCreateParams struct {
	SessionID   string `json:"session_id"`
	Subject     string `json:"subject"`
	Description string `json:"description,omitempty"`
}

type taskParams struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
}

type taskUpdateParams struct {
	SessionID    string               `json:"session_id"`
	TaskID       string               `json:"task_id"`
	Subject      *string              `json:"subject,omitempty"`
	Description  *string              `json:"description,omitempty"`
	Status       *protocol.TaskStatus `json:"status,omitempty"`
	Owner        *string              `json:"owner,omitempty"`
	AddBlockedBy []string             `json:"add_blocked_by,omitempty"`
	AddBlocks    []string             `json:"add_blocks,omitempty"`
	Metadata     map[string]string    `json:"metadata,omitempty"`
}

type taskClaimParams struct {
	SessionID string `json:"session_id"`
	WorkerID  string `json:"worker_id"`
}

type taskClaimResult struct {
	Task    protocol.Task `json:"task"`
	Claimed bool          `json:"claimed"`
}

type inboxWorkerParams struct {
	SessionID string `json:"session_id"`
	WorkerID  string `json:"worker_id"`
}

type inboxWriteParams struct {
	SessionID string   `json:"session_id"`
	From      string   `json:"from"`
	To        string   `json:"to,omitempty"`
	Type      string   `json:"type"`
	Body      string   `json:"body,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
	Targets   []string `json:"targets,omitempty"`
}

type inboxReadParams struct {
	SessionID  string `json:"session_id"`
	WorkerID   string `json:"worker_id"`
	UnreadOnly bool   `json:"unread_only,omitempty"`
}

type inboxMarkParams struct {
	SessionID string   `json:"session_id"`
	WorkerID  string   `json:"worker_id"`
	IDs       []string `json:"ids"`
}

type countResult struct {
	Count int `json:"count"`
}

type prdParams struct {
	PRD protocol.PRD `json:"prd"`
}

type prdSessionParams struct {
	PrdSessionID string `json:"prd_session_id"`
}

type prdStoryParams struct {
	PrdSessionID string `json:"prd_session_id"`
	StoryID      string `json:"story_id"`
}
