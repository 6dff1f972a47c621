package protocol

// SchemaDDL defines the SQLite schema for the foreman engine database.
// Tables: sessions (persisted session records for resume-after-restart),
// session_messages (ordered per-session history), events (engine event log).
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Persisted session records for resume-after-restart
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    agent_session_id TEXT,
    agent_id TEXT NOT NULL,
    cwd TEXT NOT NULL,
    mode TEXT NOT NULL DEFAULT 'default',
    initial_prompt TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Ordered message history per session
CREATE TABLE IF NOT EXISTS session_messages (
    id INTEGER PRIMARY KEY,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Engine event log: worker/session lifecycle, PRD progress, inbox activity
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    session_id TEXT,
    worker_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_session_messages_session
    ON session_messages(session_id, id);
CREATE INDEX IF NOT EXISTS idx_events_session
    ON events(session_id, id);
`
