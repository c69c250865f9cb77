// Package tasks provides the task-list tool and its SQLite-backed store.
// Tasks persist across sessions in a single database under the data dir,
// scoped by session ID.
package tasks

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Status values for a task.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
)

// Task is one tracked work item.
type Task struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Subject   string    `json:"subject"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store wraps the tasks database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	subject    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);
`

// Open opens (and if needed creates) the tasks database at path. Use
// ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tasks: open %s: %w", path, err)
	}
	// modernc's driver is not safe for concurrent writers over one file.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("tasks: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Add inserts a pending task and returns it.
func (s *Store) Add(sessionID, subject string) (Task, error) {
	now := time.Now().UTC()
	t := Task{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Subject:   subject,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, session_id, subject, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Subject, t.Status, now.Unix(), now.Unix(),
	)
	if err != nil {
		return Task{}, fmt.Errorf("tasks: insert: %w", err)
	}
	return t, nil
}

// SetStatus updates a task's status.
func (s *Store) SetStatus(id, status string) error {
	switch status {
	case StatusPending, StatusInProgress, StatusDone:
	default:
		return fmt.Errorf("tasks: unknown status %q", status)
	}
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("tasks: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tasks: task %q not found", id)
	}
	return nil
}

// List returns a session's tasks in creation order. sessionID "" lists all.
func (s *Store) List(sessionID string) ([]Task, error) {
	query := `SELECT id, session_id, subject, status, created_at, updated_at FROM tasks`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("tasks: list: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		var created, updated int64
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Subject, &t.Status, &created, &updated); err != nil {
			return nil, fmt.Errorf("tasks: scan: %w", err)
		}
		t.CreatedAt = time.Unix(created, 0).UTC()
		t.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// Delete removes a task.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("tasks: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tasks: task %q not found", id)
	}
	return nil
}
