package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"foreman/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// sqliteTimeLayout matches SQLite's datetime('now') output.
const sqliteTimeLayout = "2006-01-02 15:04:05"

// RecordStore persists session records, message history, and the engine
// event log in SQLite. It is the only durable state in the engine; event
// delivery to subscribers stays at-least-once, everything else is
// rebuildable from agent-side conversation state.
type RecordStore struct {
	db *sql.DB
}

// OpenRecordStore opens (or creates) the engine database at path with WAL
// journaling and initializes the schema.
func OpenRecordStore(path string) (*RecordStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &RecordStore{db: db}, nil
}

// NewRecordStore wraps an existing database handle (for tests).
func NewRecordStore(db *sql.DB) (*RecordStore, error) {
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &RecordStore{db: db}, nil
}

// Close closes the underlying database.
func (rs *RecordStore) Close() error {
	if err := rs.db.Close(); err != nil {
		return fmt.Errorf("close record store: %w", err)
	}
	return nil
}

// SaveSession upserts a session record.
func (rs *RecordStore) SaveSession(ctx context.Context, rec protocol.SessionRecord) error {
	_, err := rs.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_session_id, agent_id, cwd, mode, initial_prompt)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   agent_session_id=excluded.agent_session_id,
		   mode=excluded.mode,
		   updated_at=datetime('now')`,
		rec.ID, rec.AgentSessionID, rec.AgentID, rec.Cwd, string(rec.Mode), rec.InitialPrompt)
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	return nil
}

// SetAgentSessionID records the vendor-side conversation id once the agent
// acknowledges a spawn.
func (rs *RecordStore) SetAgentSessionID(ctx context.Context, id, agentSessionID string) error {
	res, err := rs.db.ExecContext(ctx,
		`UPDATE sessions SET agent_session_id=?, updated_at=datetime('now') WHERE id=?`,
		agentSessionID, id)
	if err != nil {
		return fmt.Errorf("set agent session id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &protocol.NotFoundError{Kind: "session", ID: id}
	}
	return nil
}

// GetSession loads a persisted session record.
func (rs *RecordStore) GetSession(ctx context.Context, id string) (protocol.SessionRecord, error) {
	row := rs.db.QueryRowContext(ctx,
		`SELECT id, COALESCE(agent_session_id, ''), agent_id, cwd, mode, COALESCE(initial_prompt, ''), created_at, updated_at
		 FROM sessions WHERE id=?`, id)
	var rec protocol.SessionRecord
	var mode, createdAt, updatedAt string
	err := row.Scan(&rec.ID, &rec.AgentSessionID, &rec.AgentID, &rec.Cwd, &mode, &rec.InitialPrompt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.SessionRecord{}, &protocol.NotFoundError{Kind: "session", ID: id}
	}
	if err != nil {
		return protocol.SessionRecord{}, fmt.Errorf("get session %s: %w", id, err)
	}
	rec.Mode = protocol.SessionMode(mode)
	rec.CreatedAt = parseSQLiteTime(createdAt)
	rec.UpdatedAt = parseSQLiteTime(updatedAt)
	return rec, nil
}

// ListSessions returns all persisted session records, newest first.
func (rs *RecordStore) ListSessions(ctx context.Context) ([]protocol.SessionRecord, error) {
	rows, err := rs.db.QueryContext(ctx,
		`SELECT id, COALESCE(agent_session_id, ''), agent_id, cwd, mode, COALESCE(initial_prompt, ''), created_at, updated_at
		 FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.SessionRecord
	for rows.Next() {
		var rec protocol.SessionRecord
		var mode, createdAt, updatedAt string
		if err := rows.Scan(&rec.ID, &rec.AgentSessionID, &rec.AgentID, &rec.Cwd, &mode, &rec.InitialPrompt, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.Mode = protocol.SessionMode(mode)
		rec.CreatedAt = parseSQLiteTime(createdAt)
		rec.UpdatedAt = parseSQLiteTime(updatedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// DeleteSession removes a session record and its history.
func (rs *RecordStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := rs.db.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id=?`, id); err != nil {
		return fmt.Errorf("delete session history: %w", err)
	}
	if _, err := rs.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// AppendHistory appends one entry to a session's ordered message history.
func (rs *RecordStore) AppendHistory(ctx context.Context, sessionID, role, content string) error {
	_, err := rs.db.ExecContext(ctx,
		`INSERT INTO session_messages (session_id, role, content) VALUES (?, ?, ?)`,
		sessionID, role, content)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// History returns a session's message history in insertion order.
func (rs *RecordStore) History(ctx context.Context, sessionID string) ([]protocol.HistoryEntry, error) {
	rows, err := rs.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM session_messages WHERE session_id=? ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.HistoryEntry
	for rows.Next() {
		var e protocol.HistoryEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Role, &e.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.CreatedAt = parseSQLiteTime(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// LogEvent appends one row to the engine event log.
func (rs *RecordStore) LogEvent(ctx context.Context, evType, source, sessionID, workerID, payload string) error {
	_, err := rs.db.ExecContext(ctx,
		`INSERT INTO events (type, source, session_id, worker_id, payload) VALUES (?, ?, ?, ?, ?)`,
		evType, source, sessionID, workerID, payload)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// EventRow is one row of the engine event log.
type EventRow struct {
	ID        int64
	Type      string
	Source    string
	SessionID string
	WorkerID  string
	Payload   string
	CreatedAt time.Time
}

// EventQuery filters event log reads.
type EventQuery struct {
	SessionID string
	WorkerID  string
	EventType string
	Limit     int // 0 = no limit
}

// Events queries the event log, oldest first.
func (rs *RecordStore) Events(ctx context.Context, q EventQuery) ([]EventRow, error) {
	var conds []string
	var args []any
	if q.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.WorkerID != "" {
		conds = append(conds, "worker_id = ?")
		args = append(args, q.WorkerID)
	}
	if q.EventType != "" {
		conds = append(conds, "type = ?")
		args = append(args, q.EventType)
	}
	query := `SELECT id, type, source, COALESCE(session_id, ''), COALESCE(worker_id, ''), COALESCE(payload, ''), created_at FROM events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := rs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &e.SessionID, &e.WorkerID, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt = parseSQLiteTime(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func parseSQLiteTime(s string) time.Time {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
