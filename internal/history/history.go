// Package history provides a SQLite-backed implementation of
// engine.HistoryStore, adapted from the teacher's internal/store session
// persistence. It layers durable, resumable sessions on top of the same
// in-memory well-formedness enforcement as engine.History.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // register sqlite driver

	"github.com/kazimuth/mandrel/internal/engine"
)

const (
	sqliteBusyMaxRetries    = 10
	sqliteBusyBackoffStepMs = 50
	sqliteBusyMaxBackoff    = time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id      TEXT PRIMARY KEY,
	title   TEXT NOT NULL DEFAULT '',
	created INTEGER NOT NULL,
	updated INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT NOT NULL,
	role          TEXT NOT NULL,
	content       TEXT NOT NULL,
	tool_calls    TEXT NOT NULL DEFAULT '[]',
	tool_call_id  TEXT NOT NULL DEFAULT '',
	tool_name     TEXT NOT NULL DEFAULT '',
	created       INTEGER NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
`

// Store is a SQLite-backed engine.HistoryStore. It keeps the live,
// in-process conversation in memory (delegating well-formedness checks to
// engine.History) while mirroring every append to disk under the active
// session ID, so a crashed or restarted process can resume exactly where it
// left off.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	live      *engine.History
	sessionID string
}

// Open creates or opens a history database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, live: engine.NewHistory()}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle so other collaborators (internal/delta's
// undo log) can share the same file.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// CreateSession inserts a new, empty session row and binds the store to it.
func (s *Store) CreateSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(
		"INSERT INTO sessions (id, title, created, updated) VALUES (?, '', ?, ?)",
		id, now, now,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	s.sessionID = id
	s.live = engine.NewHistory()
	return nil
}

// SessionExists reports whether a session with the given ID exists.
func (s *Store) SessionExists(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM sessions WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// LatestSessionID returns the session with the most recently created
// message, for "--continue" resume.
func (s *Store) LatestSessionID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	err := s.db.QueryRow(`
		SELECT s.id FROM sessions s
		JOIN messages m ON m.session_id = s.id
		ORDER BY m.created DESC
		LIMIT 1`).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("no sessions found")
	}
	return id, nil
}

// SessionSummary holds display info for listing sessions.
type SessionSummary struct {
	ID        string
	Timestamp time.Time
	Preview   string
}

// ListSessions returns sessions ordered by most recent user message.
func (s *Store) ListSessions() ([]SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT s.id, m.created, m.content
		FROM sessions s
		JOIN messages m ON m.session_id = s.id
		WHERE m.role = 'user'
		  AND m.id = (
		    SELECT MAX(m2.id) FROM messages m2
		    WHERE m2.session_id = s.id AND m2.role = 'user'
		  )
		ORDER BY m.created DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var ts int64
		if err := rows.Scan(&sum.ID, &ts, &sum.Preview); err != nil {
			continue
		}
		sum.Timestamp = time.Unix(ts, 0)
		if len(sum.Preview) > 50 {
			sum.Preview = sum.Preview[:50]
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// LoadSession binds the store to an existing session ID and replays its
// persisted messages into the in-memory engine.History, so Snapshot/
// AppendX behave exactly as if the conversation had run in this process the
// whole time. Returns the loaded messages.
func (s *Store) LoadSession(id string) ([]engine.Message, error) {
	msgs, err := s.loadMessages(id)
	if err != nil {
		return nil, err
	}
	if err := engine.CheckWellFormed(msgs); err != nil {
		return nil, fmt.Errorf("persisted history for session %q is malformed: %w", id, err)
	}

	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()

	replayed := engine.NewHistory()
	for _, m := range msgs {
		switch m.Role {
		case engine.RoleSystem:
			replayed.AppendSystem(m.Text)
		case engine.RoleUser:
			replayed.AppendUser(m)
		case engine.RoleAssistant:
			replayed.AppendAssistant(m)
		case engine.RoleTool:
			replayed.AppendTool(m.ToolCallID, m.Text)
		}
	}
	s.mu.Lock()
	s.live = replayed
	s.mu.Unlock()
	return msgs, nil
}

// DeleteMessagesFrom removes all persisted messages with id >= minID for a
// session, used to drop a trailing partial turn before resuming.
func (s *Store) DeleteMessagesFrom(sessionID string, minID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM messages WHERE session_id = ? AND id >= ?", sessionID, minID)
	return err
}

// --- engine.HistoryStore ---

// AppendSystem appends and persists the session's single system message.
func (s *Store) AppendSystem(text string) {
	s.mu.Lock()
	s.live.AppendSystem(text)
	s.mu.Unlock()
	s.persistTail()
}

// AppendUser appends and persists a user message.
func (s *Store) AppendUser(msg engine.Message) {
	s.mu.Lock()
	s.live.AppendUser(msg)
	s.mu.Unlock()
	s.persistTail()
}

// AppendAssistant appends and persists an assistant message.
func (s *Store) AppendAssistant(msg engine.Message) {
	s.mu.Lock()
	s.live.AppendAssistant(msg)
	s.mu.Unlock()
	s.persistTail()
}

// AppendTool appends and persists a tool-result message.
func (s *Store) AppendTool(toolCallID, content string) {
	s.mu.Lock()
	s.live.AppendTool(toolCallID, content)
	s.mu.Unlock()
	s.persistTail()
}

// Snapshot returns the current ordered in-memory message list.
func (s *Store) Snapshot() []engine.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live.Snapshot()
}

// Reset clears the in-memory history. It does not delete persisted rows;
// callers that want a fresh session should CreateSession with a new ID.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live.Reset()
}

// persistTail writes the most recently appended message to disk, retrying
// on SQLITE_BUSY with the same backoff ladder the teacher used for its
// message-save path.
func (s *Store) persistTail() {
	s.mu.Lock()
	sessionID := s.sessionID
	snap := s.live.Snapshot()
	s.mu.Unlock()

	if sessionID == "" || len(snap) == 0 {
		return
	}
	msg := snap[len(snap)-1]

	var err error
	for attempt := 0; attempt <= sqliteBusyMaxRetries; attempt++ {
		err = s.saveMessageOnce(sessionID, msg)
		if err == nil {
			return
		}
		if !isSQLiteBusy(err) || attempt == sqliteBusyMaxRetries {
			break
		}
		backoff := time.Duration((attempt+1)*sqliteBusyBackoffStepMs) * time.Millisecond
		if backoff > sqliteBusyMaxBackoff {
			backoff = sqliteBusyMaxBackoff
		}
		time.Sleep(backoff)
	}
	if err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("failed to persist history message")
	}
}

func (s *Store) saveMessageOnce(sessionID string, msg engine.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		`INSERT INTO messages (session_id, role, content, tool_calls, tool_call_id, tool_name, created, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, string(msg.Role), msg.Content(), string(toolCalls), msg.ToolCallID, msg.ToolName,
		msg.CreatedAt.Unix(), msg.InputTokens, msg.OutputTokens,
	)
	if err != nil {
		tx.Rollback()
		return err
	}

	if _, err := tx.Exec("UPDATE sessions SET updated = ? WHERE id = ?", time.Now().Unix(), sessionID); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (s *Store) loadMessages(sessionID string) ([]engine.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT role, content, tool_calls, tool_call_id, tool_name, created, input_tokens, output_tokens
		 FROM messages WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []engine.Message
	for rows.Next() {
		var role, content, toolCalls, toolCallID, toolName string
		var created int64
		var inTok, outTok int
		if err := rows.Scan(&role, &content, &toolCalls, &toolCallID, &toolName, &created, &inTok, &outTok); err != nil {
			continue
		}
		m := engine.Message{
			Role:         engine.Role(role),
			Text:         content,
			ToolCallID:   toolCallID,
			ToolName:     toolName,
			CreatedAt:    time.Unix(created, 0),
			InputTokens:  inTok,
			OutputTokens: outTok,
		}
		if toolCalls != "" && toolCalls != "[]" {
			if err := json.Unmarshal([]byte(toolCalls), &m.ToolCalls); err != nil {
				log.Warn().Err(err).Str("session", sessionID).Msg("dropping unparseable persisted tool calls")
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
