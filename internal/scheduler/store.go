package scheduler

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = errors.New("task not found")

// timeLayout is a fixed-width RFC 3339 form with zero-padded
// nanoseconds. RFC3339Nano trims trailing fractional zeros, which makes
// the stored strings sort differently from the times they encode; the
// due_at comparison in ListDue is lexicographic, so every stored time
// must use this layout.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store handles task persistence with a SQLite backend.
type Store struct {
	db *sql.DB
}

// NewStore creates a scheduler store at the given database path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		due_at TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		recur_type TEXT NOT NULL DEFAULT 'none',
		recur_interval INTEGER NOT NULL DEFAULT 0,
		recur_end_at TEXT,
		notified INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(due_at, notified);
	CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new UUIDv7, falling back to v4.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// SaveTask persists a task, assigning an id and creation time if unset.
func (s *Store) SaveTask(t *Task) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Payload == nil {
		t.Payload = PlainPayload{}
	}

	payloadJSON, err := MarshalPayload(t.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var endAt any
	if t.Recurrence.EndAt != nil {
		endAt = t.Recurrence.EndAt.UTC().Format(timeLayout)
	}

	notified := 0
	if t.Notified {
		notified = 1
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO tasks
		(id, session_id, text, due_at, kind, payload_json, recur_type, recur_interval, recur_end_at, notified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.SessionID, t.Text,
		t.DueAt.UTC().Format(timeLayout),
		string(t.Kind()), string(payloadJSON),
		string(t.Recurrence.Type), t.Recurrence.Interval, endAt,
		notified, t.CreatedAt.UTC().Format(timeLayout))

	return err
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListDue returns tasks whose due time has passed and that have not yet
// been notified, oldest first.
func (s *Store) ListDue(now time.Time) ([]*Task, error) {
	rows, err := s.db.Query(taskSelect+`
		WHERE due_at <= ? AND notified = 0
		ORDER BY due_at ASC
	`, now.UTC().Format(timeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasks returns all tasks, soonest due first.
func (s *Store) ListTasks() ([]*Task, error) {
	rows, err := s.db.Query(taskSelect + ` ORDER BY due_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// DeleteTask removes a task by id.
func (s *Store) DeleteTask(id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkNotified flags a task as handled so it never fires again.
func (s *Store) MarkNotified(id string) error {
	res, err := s.db.Exec(`UPDATE tasks SET notified = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const taskSelect = `
	SELECT id, session_id, text, due_at, payload_json, recur_type, recur_interval, recur_end_at, notified, created_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t             Task
		dueAt         string
		payloadJSON   string
		recurType     string
		recurInterval int
		recurEndAt    sql.NullString
		notified      int
		createdAt     string
	)

	err := row.Scan(&t.ID, &t.SessionID, &t.Text, &dueAt, &payloadJSON,
		&recurType, &recurInterval, &recurEndAt, &notified, &createdAt)
	if err != nil {
		return nil, err
	}

	if t.DueAt, err = time.Parse(time.RFC3339Nano, dueAt); err != nil {
		return nil, fmt.Errorf("parse due_at: %w", err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if t.Payload, err = UnmarshalPayload([]byte(payloadJSON)); err != nil {
		return nil, err
	}

	t.Recurrence.Type = RecurrenceType(recurType)
	t.Recurrence.Interval = recurInterval
	if recurEndAt.Valid {
		end, err := time.Parse(time.RFC3339Nano, recurEndAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse recur_end_at: %w", err)
		}
		t.Recurrence.EndAt = &end
	}
	t.Notified = notified != 0

	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
