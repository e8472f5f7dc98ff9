// Package memory provides conversation history and long-lived note
// storage backed by SQLite.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"majordomo/internal/llm"
)

// ErrNotFound is returned when a note id does not exist.
var ErrNotFound = errors.New("not found")

// StoredMessage is a persisted conversation message.
type StoredMessage struct {
	ID        string
	SessionID string
	Message   llm.Message
	CreatedAt time.Time
}

// Note is a long-lived fact saved outside any conversation, retrieved
// later by relevance to a query.
type Note struct {
	ID        string
	Content   string
	CreatedAt time.Time
}

// SessionInfo summarizes one conversation session.
type SessionInfo struct {
	ID           string
	MessageCount int
	LastActivity time.Time
}

// Store is a SQLite-backed store for messages and notes.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates a memory store at the given path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate memory schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS notes (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// SaveMessage appends a message to a session's history.
func (s *Store) SaveMessage(ctx context.Context, sessionID string, msg llm.Message) error {
	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(data)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, tool_calls, tool_call_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		newID(), sessionID, msg.Role, msg.Content, toolCalls, msg.ToolCallID,
		time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// History returns a session's messages in chronological order. A limit
// of zero or less returns everything.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]llm.Message, error) {
	query := `SELECT role, content, tool_calls, tool_call_id FROM messages
		WHERE session_id = ? ORDER BY created_at ASC`
	args := []any{sessionID}
	if limit > 0 {
		// Window the newest N while keeping chronological order.
		query = `SELECT role, content, tool_calls, tool_call_id FROM (
			SELECT role, content, tool_calls, tool_call_id, created_at FROM messages
			WHERE session_id = ? ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []llm.Message
	for rows.Next() {
		var (
			msg        llm.Message
			toolCalls  sql.NullString
			toolCallID sql.NullString
		)
		if err := rows.Scan(&msg.Role, &msg.Content, &toolCalls, &toolCallID); err != nil {
			return nil, err
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		msg.ToolCallID = toolCallID.String
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Sessions lists known sessions, most recently active first.
func (s *Store) Sessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, COUNT(*), MAX(created_at) FROM messages
		 GROUP BY session_id ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			info SessionInfo
			last string
		)
		if err := rows.Scan(&info.ID, &info.MessageCount, &last); err != nil {
			return nil, err
		}
		if info.LastActivity, err = time.Parse(time.RFC3339Nano, last); err != nil {
			return nil, fmt.Errorf("parse last activity: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// SaveNote persists a long-lived note and returns its id.
func (s *Store) SaveNote(ctx context.Context, content string) (string, error) {
	id := newID()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (id, content, created_at) VALUES (?, ?, ?)`,
		id, content, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListNotes returns all notes, oldest first.
func (s *Store) ListNotes(ctx context.Context) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, created_at FROM notes ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		var (
			n       Note
			created string
		)
		if err := rows.Scan(&n.ID, &n.Content, &created); err != nil {
			return nil, err
		}
		if n.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parse note created_at: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteNote removes a note by id.
func (s *Store) DeleteNote(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
