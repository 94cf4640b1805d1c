package task

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	descriptor      TEXT NOT NULL DEFAULT '{}',
	priority        INTEGER NOT NULL DEFAULT 5,
	status          TEXT NOT NULL,
	worker_id       TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	started_at      DATETIME,
	completed_at    DATETIME,
	retries         INTEGER NOT NULL DEFAULT 0,
	timeout_seconds INTEGER NOT NULL DEFAULT 300,
	result          TEXT NOT NULL DEFAULT '{}',
	error           TEXT NOT NULL DEFAULT ''
);
`

// SQLiteStore archives tasks in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the tasks table exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create persists one archived task. The task keeps the ID the orchestrator
// assigned at submission.
func (s *SQLiteStore) Create(t *Task) error {
	if t.ID == "" {
		return fmt.Errorf("archive task: empty id")
	}
	descriptor, _ := json.Marshal(t.Descriptor)
	result, _ := json.Marshal(t.Result)

	_, err := s.db.Exec(`
		INSERT INTO tasks
			(id, descriptor, priority, status, worker_id,
			 created_at, started_at, completed_at, retries, timeout_seconds, result, error)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, string(descriptor), t.Priority, string(t.Status), t.WorkerID,
		t.CreatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
		t.Retries, t.TimeoutSeconds, string(result), t.Error,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get retrieves an archived task by ID.
func (s *SQLiteStore) Get(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT * FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s not found", id)
	}
	return t, err
}

// List returns archived tasks matching the filter, most recently completed
// first.
func (s *SQLiteStore) List(filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT * FROM tasks WHERE 1=1")
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkerID != "" {
		q.WriteString(" AND worker_id=?")
		args = append(args, filter.WorkerID)
	}
	q.WriteString(" ORDER BY completed_at DESC, created_at DESC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

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

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status, descriptorJSON, resultJSON string
	var startedAt, completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &descriptorJSON, &t.Priority, &status, &t.WorkerID,
		&t.CreatedAt, &startedAt, &completedAt,
		&t.Retries, &t.TimeoutSeconds, &resultJSON, &t.Error,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	_ = json.Unmarshal([]byte(descriptorJSON), &t.Descriptor)
	_ = json.Unmarshal([]byte(resultJSON), &t.Result)

	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
