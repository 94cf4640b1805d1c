// Package task defines the distributed work unit handled by the orchestrator
// and the archive that keeps terminal tasks queryable.
package task

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusTimeout   Status = "TIMEOUT"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Task is a unit of distributed work. The descriptor is opaque to the
// orchestrator; only the executing worker interprets it.
type Task struct {
	ID             string         `json:"task_id"`
	Descriptor     map[string]any `json:"descriptor"`
	Priority       int            `json:"priority"` // lower is more urgent
	Status         Status         `json:"status"`
	WorkerID       string         `json:"worker_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Retries        int            `json:"retries"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// ExecutionTime returns the task's wall-clock run time, or zero if it never
// both started and finished.
func (t *Task) ExecutionTime() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// Store archives terminal tasks for later querying.
type Store interface {
	// Create persists one archived task.
	Create(t *Task) error

	// Get retrieves an archived task by ID.
	Get(id string) (*Task, error)

	// List returns archived tasks matching the filter, newest first.
	List(filter Filter) ([]*Task, error)

	// Close releases the store's resources.
	Close() error
}

// Filter controls which archived tasks List returns.
type Filter struct {
	Status   *Status `json:"status,omitempty"`
	WorkerID string  `json:"worker_id,omitempty"`
	Limit    int     `json:"limit,omitempty"`
	Offset   int     `json:"offset,omitempty"`
}
