package orchestrator

import "time"

// Worker statuses as reported by heartbeats or derived from staleness.
const (
	WorkerIdle    = "IDLE"
	WorkerBusy    = "BUSY"
	WorkerOffline = "OFFLINE"
)

// Worker is the directory record for one external execution entity.
type Worker struct {
	ID            string        `json:"worker_id"`
	Status        string        `json:"status"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	CurrentTasks  int           `json:"current_tasks"`
	Capacity      int           `json:"capacity"` // max concurrent tasks
	AvgCompletion time.Duration `json:"avg_completion"`
	Successes     int64         `json:"successes"`
	Failures      int64         `json:"failures"`
}

// available reports whether the worker can take one more task. Capacity is
// enforced here, at assignment time only.
func (w *Worker) available() bool {
	return w.Status == WorkerIdle && w.CurrentTasks < w.Capacity
}

// recordCompletion folds one execution time into the rolling average
// (two-point average) and frees one unit of capacity.
func (w *Worker) recordCompletion(elapsed time.Duration, success bool) {
	if w.AvgCompletion == 0 {
		w.AvgCompletion = elapsed
	} else {
		w.AvgCompletion = (w.AvgCompletion + elapsed) / 2
	}
	if success {
		w.Successes++
	} else {
		w.Failures++
	}
	w.release()
}

// release frees one unit of the worker's concurrency budget.
func (w *Worker) release() {
	if w.CurrentTasks > 0 {
		w.CurrentTasks--
	}
	if w.Status == WorkerBusy && w.CurrentTasks < w.Capacity {
		w.Status = WorkerIdle
	}
}
