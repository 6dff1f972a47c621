// Package server exposes the engine over a unix domain socket speaking
// line-delimited JSON requests, plus a websocket event feed. One connection
// may issue any number of requests; responses carry the request id so
// clients can pipeline.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"foreman/pkg/inbox"
	"foreman/pkg/pool"
	"foreman/pkg/protocol"
	"foreman/pkg/ralph"
	"foreman/pkg/session"
	"foreman/pkg/taskstore"
)

// Request is one command line from a client.
type Request struct {
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the engine's reply to one request.
type Response struct {
	ID        string `json:"id,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Result    any    `json:"result,omitempty"`
}

// Server routes commands to the engine components.
type Server struct {
	pool     *pool.Manager
	registry *session.Registry
	tasks    *taskstore.Registry
	bus      *inbox.Bus
	ralph    *ralph.Executor
	records  *session.RecordStore // nil disables the event log query surface
	hub      *session.Hub
	logger   *slog.Logger

	// defaultAgent is assigned when create-session names no agent.
	defaultAgent string

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New wires a command server over the engine components.
func New(p *pool.Manager, reg *session.Registry, tasks *taskstore.Registry, bus *inbox.Bus, executor *ralph.Executor, records *session.RecordStore, hub *session.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		pool:         p,
		registry:     reg,
		tasks:        tasks,
		bus:          bus,
		ralph:        executor,
		records:      records,
		hub:          hub,
		logger:       logger,
		defaultAgent: "claude",
	}
}

// SetDefaultAgent overrides the agent assigned when create-session names
// none. Empty ids are ignored.
func (s *Server) SetDefaultAgent(id string) {
	if id != "" {
		s.defaultAgent = id
	}
}

// Serve accepts connections on ln until Close. Each connection gets its own
// goroutine; requests within a connection are handled in order.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting and waits for in-flight connections.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := s.dispatch(req)
		if err := enc.Encode(resp); err != nil {
			s.logger.Warn("write response", "command", req.Command, "error", err)
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	result, err := s.handle(req.Command, req.Params)
	if err != nil {
		return Response{ID: req.ID, OK: false, Error: err.Error(), ErrorKind: errorKind(err)}
	}
	return Response{ID: req.ID, OK: true, Result: result}
}

// errorKind maps the engine error taxonomy onto stable wire tags so clients
// can discriminate without parsing messages.
func errorKind(err error) string {
	var (
		notFound    *protocol.NotFoundError
		conflict    *protocol.ConflictError
		dead        *protocol.DeadWorkerError
		unavailable *protocol.AgentUnavailableError
		invalidMode *protocol.InvalidModeError
		expired     *protocol.SessionExpiredError
		validation  *protocol.ValidationError
	)
	switch {
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &dead):
		return "dead_worker"
	case errors.As(err, &unavailable):
		return "agent_unavailable"
	case errors.As(err, &invalidMode):
		return "invalid_mode"
	case errors.As(err, &expired):
		return "session_expired"
	case errors.As(err, &validation):
		return "validation"
	default:
		return "internal"
	}
}
