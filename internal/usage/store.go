// Package usage provides persistent token accounting for LLM calls.
// Records are append-only and indexed by timestamp and session for
// aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record represents a single LLM interaction's token usage.
type Record struct {
	ID           string
	Timestamp    time.Time
	SessionID    string
	Model        string
	InputTokens  int
	OutputTokens int
	Role         string // "interactive", "scheduled"
}

// Summary holds aggregated token totals.
type Summary struct {
	TotalRecords      int   `json:"total_records"`
	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
}

// Store is an append-only SQLite store for usage records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store at the given database path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		session_id    TEXT,
		model         TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		role          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a usage record. If rec.ID is empty a UUIDv7 is
// generated.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Role == "" {
		rec.Role = "interactive"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, session_id, model, input_tokens, output_tokens, role)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.SessionID,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.Role)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Since aggregates usage recorded at or after the given time.
func (s *Store) Since(ctx context.Context, since time.Time) (Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0)
		 FROM usage_records WHERE timestamp >= ?`,
		since.UTC().Format(time.RFC3339)).
		Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens)
	if err != nil {
		return Summary{}, fmt.Errorf("aggregate usage: %w", err)
	}
	return sum, nil
}

// Total aggregates all recorded usage.
func (s *Store) Total(ctx context.Context) (Summary, error) {
	return s.Since(ctx, time.Time{})
}

// BySession aggregates usage for one session.
func (s *Store) BySession(ctx context.Context, sessionID string) (Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0)
		 FROM usage_records WHERE session_id = ?`, sessionID).
		Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens)
	if err != nil {
		return Summary{}, fmt.Errorf("aggregate session usage: %w", err)
	}
	return sum, nil
}
