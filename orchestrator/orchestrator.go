// Package orchestrator distributes tasks across a pool of heartbeat-monitored
// workers. It is a regular bus client driven by an agent.Runtime: submissions,
// heartbeats, and results arrive as messages, and supervision runs once per
// agent cycle.
package orchestrator

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/enderjnets/bittrading-corp/comms"
	"github.com/enderjnets/bittrading-corp/metrics"
	"github.com/enderjnets/bittrading-corp/task"
)

// DefaultAgentID is the orchestrator's identity on the bus.
const DefaultAgentID = "TASK_ORCHESTRATOR"

// Task types the orchestrator answers to.
const (
	TypeSubmitTask      = "SUBMIT_TASK"
	TypeSubmitBatch     = "SUBMIT_BATCH"
	TypeCancelTask      = "CANCEL_TASK"
	TypeGetTaskStatus   = "GET_TASK_STATUS"
	TypeGetResults      = "GET_RESULTS"
	TypeWorkerHeartbeat = "WORKER_HEARTBEAT"
	TypeTaskResult      = "TASK_RESULT"

	// TypeExecuteTask is the task type of assignment messages sent to workers.
	TypeExecuteTask = "EXECUTE_TASK"
)

// Assigner hands an assigned task to its worker. A returned error is a
// transport failure: the task goes back to QUEUED and is retried next cycle.
type Assigner interface {
	Assign(ctx context.Context, t *task.Task, workerID string) error
}

// busAssigner sends assignments as TASK messages through the bus.
type busAssigner struct {
	id  string
	bus *comms.Bus
}

func (a *busAssigner) Assign(ctx context.Context, t *task.Task, workerID string) error {
	msg := comms.NewTask(a.id, workerID, TypeExecuteTask, map[string]any{
		"task_id":         t.ID,
		"descriptor":      t.Descriptor,
		"timeout_seconds": t.TimeoutSeconds,
	}, comms.Priority(t.Priority))
	if !a.bus.Publish(ctx, msg) {
		return fmt.Errorf("assign task %s: publish to %s failed", t.ID, workerID)
	}
	return nil
}

// Config configures an Orchestrator. Zero values select the defaults.
type Config struct {
	ID              string        // bus identity (default DefaultAgentID)
	Coordinator     string        // progress report recipient (default "CEO")
	MaxRetries      int           // orphan/timeout retry budget (default 3)
	DefaultTimeout  time.Duration // per-task timeout when unspecified (default 5m)
	GracePeriod     time.Duration // slack added to the task timeout (default 30s)
	StalenessWindow time.Duration // heartbeat age before a worker is lost (default 5m)
	WorkerCapacity  int           // default per-worker concurrency (default 2)
	KeepCompleted   int           // recent terminal tasks kept in memory (default 200)
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = DefaultAgentID
	}
	if c.Coordinator == "" {
		c.Coordinator = "CEO"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = 5 * time.Minute
	}
	if c.WorkerCapacity <= 0 {
		c.WorkerCapacity = 2
	}
	if c.KeepCompleted <= 0 {
		c.KeepCompleted = 200
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Orchestrator owns the active task index and the worker directory. Both are
// mutated only through its operations; external callers never touch the
// structures directly.
type Orchestrator struct {
	cfg      Config
	bus      *comms.Bus
	store    task.Store // optional archive for terminal tasks
	assigner Assigner
	log      *slog.Logger

	mu         sync.Mutex
	active     map[string]*task.Task // QUEUED and RUNNING tasks
	workers    map[string]*Worker
	submitters map[string]string // task ID -> submitting agent
	completed  []*task.Task      // recent terminal tasks, oldest first

	submitted     int64
	succeeded     int64
	failed        int64
	totalExecTime time.Duration
}

// New creates an orchestrator publishing through bus and archiving terminal
// tasks to store (which may be nil).
func New(cfg Config, bus *comms.Bus, store task.Store) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:        cfg,
		bus:        bus,
		store:      store,
		log:        cfg.Logger.With("agent", cfg.ID),
		active:     make(map[string]*task.Task),
		workers:    make(map[string]*Worker),
		submitters: make(map[string]string),
	}
	o.assigner = &busAssigner{id: cfg.ID, bus: bus}
	return o
}

// SetAssigner overrides the transport used to hand tasks to workers.
func (o *Orchestrator) SetAssigner(a Assigner) { o.assigner = a }

// OnStart subscribes the orchestrator to its operation task types.
func (o *Orchestrator) OnStart(context.Context) error {
	if o.bus == nil {
		return nil
	}
	return o.bus.Subscribe(comms.Subscription{
		AgentID: o.cfg.ID,
		TaskTypes: []string{
			TypeSubmitTask, TypeSubmitBatch, TypeCancelTask,
			TypeGetTaskStatus, TypeGetResults,
			TypeWorkerHeartbeat, TypeTaskResult,
		},
	})
}

// OnShutdown cancels everything still queued and archives it.
func (o *Orchestrator) OnShutdown(context.Context) error {
	o.mu.Lock()
	for _, t := range o.active {
		if t.Status == task.StatusQueued {
			now := time.Now()
			t.Status = task.StatusCancelled
			t.CompletedAt = &now
			o.cfg.Metrics.TaskFinished(string(task.StatusCancelled))
			o.log.Warn("queued task cancelled by shutdown", "task", t.ID)
		}
	}
	o.mu.Unlock()
	o.cleanup()
	return nil
}

// RunCycle is one supervision pass: distribute, detect timeouts, drop stale
// workers and rescue their tasks, archive terminal tasks, report progress.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	o.distribute(ctx)
	o.checkTimeouts()
	o.checkWorkers()
	o.cleanup()
	o.reportProgress(ctx)
	return nil
}

// Submit queues a new task and returns its ID immediately.
func (o *Orchestrator) Submit(descriptor map[string]any, priority int, timeout time.Duration) string {
	return o.submit(descriptor, priority, timeout, "")
}

func (o *Orchestrator) submit(descriptor map[string]any, priority int, timeout time.Duration, submitter string) string {
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}
	u := uuid.New()
	id := "task_" + hex.EncodeToString(u[:])[:12]
	t := &task.Task{
		ID:             id,
		Descriptor:     descriptor,
		Priority:       priority,
		Status:         task.StatusQueued,
		CreatedAt:      time.Now(),
		TimeoutSeconds: int(timeout / time.Second),
	}

	o.mu.Lock()
	o.active[id] = t
	if submitter != "" {
		o.submitters[id] = submitter
	}
	o.submitted++
	o.mu.Unlock()

	o.cfg.Metrics.TaskSubmitted()
	o.log.Debug("task queued", "task", id, "priority", priority)
	return id
}

// Cancel marks the given tasks CANCELLED and returns the IDs it actually
// cancelled. Only QUEUED tasks are honored; RUNNING tasks are left to finish
// or time out.
func (o *Orchestrator) Cancel(taskIDs []string) []string {
	now := time.Now()
	var cancelled []string

	o.mu.Lock()
	for _, id := range taskIDs {
		t, ok := o.active[id]
		if !ok || t.Status != task.StatusQueued {
			continue
		}
		t.Status = task.StatusCancelled
		t.CompletedAt = &now
		cancelled = append(cancelled, id)
		o.cfg.Metrics.TaskFinished(string(task.StatusCancelled))
	}
	o.mu.Unlock()

	if len(cancelled) > 0 {
		o.log.Info("tasks cancelled", "count", len(cancelled))
	}
	return cancelled
}

// OnWorkerHeartbeat upserts the worker record and refreshes its heartbeat.
func (o *Orchestrator) OnWorkerHeartbeat(workerID, status string, currentTasks int) {
	if workerID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.workers[workerID]
	if !ok {
		w = &Worker{ID: workerID, Capacity: o.cfg.WorkerCapacity}
		o.workers[workerID] = w
		o.log.Info("worker registered", "worker", workerID)
	}
	w.LastHeartbeat = time.Now()
	if status == "" {
		status = WorkerIdle
	}
	w.Status = status
	w.CurrentTasks = currentTasks
}

// OnTaskResult records a worker's terminal report for a task. The owning
// worker's concurrency budget is freed exactly once, here.
func (o *Orchestrator) OnTaskResult(taskID string, success bool, result map[string]any, errMsg string) {
	now := time.Now()

	o.mu.Lock()
	t, ok := o.active[taskID]
	if !ok || t.Status.Terminal() {
		o.mu.Unlock()
		o.log.Warn("result for unknown or finished task", "task", taskID)
		return
	}
	t.CompletedAt = &now
	elapsed := t.ExecutionTime()
	o.totalExecTime += elapsed

	if w, ok := o.workers[t.WorkerID]; ok {
		w.recordCompletion(elapsed, success)
	}

	if success {
		t.Status = task.StatusCompleted
		t.Result = result
		o.succeeded++
	} else {
		t.Status = task.StatusFailed
		if errMsg == "" {
			errMsg = "unknown error"
		}
		t.Error = errMsg
		o.failed++
	}
	status := t.Status
	submitter := o.submitters[taskID]
	snapshot := *t
	o.mu.Unlock()

	o.cfg.Metrics.TaskFinished(string(status))
	o.log.Info("task finished", "task", taskID, "status", status,
		"worker", snapshot.WorkerID, "elapsed", elapsed)
	o.notifyResult(&snapshot, submitter)
}

// notifyResult reports a terminal task to the coordinator and, if different,
// back to the submitting agent.
func (o *Orchestrator) notifyResult(t *task.Task, submitter string) {
	if o.bus == nil {
		return
	}
	payload := map[string]any{
		"task_id":        t.ID,
		"status":         string(t.Status),
		"worker_id":      t.WorkerID,
		"retries":        t.Retries,
		"execution_time": t.ExecutionTime().Seconds(),
	}
	if t.Result != nil {
		payload["result"] = t.Result
	}
	if t.Error != "" {
		payload["error"] = t.Error
	}

	ctx := context.Background()
	o.bus.Publish(ctx, comms.NewResult(o.cfg.ID, o.cfg.Coordinator, TypeTaskResult, payload, t.ID))
	if submitter != "" && submitter != o.cfg.Coordinator {
		o.bus.Publish(ctx, comms.NewResult(o.cfg.ID, submitter, TypeTaskResult, payload, t.ID))
	}
}

// distribute greedily pairs available workers with queued tasks in
// (priority, created) order. Assignment is serialized here, so no two
// workers can ever receive the same queued task.
func (o *Orchestrator) distribute(ctx context.Context) {
	type pair struct {
		t *task.Task
		w string
	}
	var pairs []pair

	o.mu.Lock()
	pending := make([]*task.Task, 0, len(o.active))
	for _, t := range o.active {
		if t.Status == task.StatusQueued {
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	for _, t := range pending {
		var chosen *Worker
		for _, w := range o.workers {
			if !w.available() {
				continue
			}
			if chosen == nil || w.CurrentTasks < chosen.CurrentTasks {
				chosen = w
			}
		}
		if chosen == nil {
			break
		}
		now := time.Now()
		t.Status = task.StatusRunning
		t.WorkerID = chosen.ID
		t.StartedAt = &now
		chosen.CurrentTasks++
		if chosen.CurrentTasks >= chosen.Capacity {
			chosen.Status = WorkerBusy
		}
		pairs = append(pairs, pair{t: t, w: chosen.ID})
	}
	o.mu.Unlock()

	for _, p := range pairs {
		if err := o.assigner.Assign(ctx, p.t, p.w); err != nil {
			o.log.Warn("assignment failed, task requeued", "task", p.t.ID,
				"worker", p.w, "error", err)
			o.mu.Lock()
			p.t.Status = task.StatusQueued
			p.t.WorkerID = ""
			p.t.StartedAt = nil
			if w, ok := o.workers[p.w]; ok {
				w.release()
			}
			o.mu.Unlock()
			continue
		}
		o.log.Info("task assigned", "task", p.t.ID, "worker", p.w)
	}
}

// checkTimeouts requeues or terminally times out RUNNING tasks whose elapsed
// time exceeds their timeout plus the grace period.
func (o *Orchestrator) checkTimeouts() {
	now := time.Now()

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.active {
		if t.Status != task.StatusRunning || t.StartedAt == nil {
			continue
		}
		limit := time.Duration(t.TimeoutSeconds)*time.Second + o.cfg.GracePeriod
		if now.Sub(*t.StartedAt) <= limit {
			continue
		}
		o.log.Warn("task timed out", "task", t.ID, "worker", t.WorkerID, "retries", t.Retries)
		if w, ok := o.workers[t.WorkerID]; ok {
			w.release()
		}
		o.retryOrFailLocked(t, task.StatusTimeout, "timeout after max retries")
	}
}

// checkWorkers drops workers whose heartbeat went stale and rescues the
// RUNNING tasks they held.
func (o *Orchestrator) checkWorkers() {
	now := time.Now()

	o.mu.Lock()
	defer o.mu.Unlock()
	for id, w := range o.workers {
		if now.Sub(w.LastHeartbeat) <= o.cfg.StalenessWindow {
			continue
		}
		o.log.Warn("worker lost", "worker", id, "last_heartbeat", w.LastHeartbeat)
		delete(o.workers, id)
		for _, t := range o.active {
			if t.Status == task.StatusRunning && t.WorkerID == id {
				o.retryOrFailLocked(t, task.StatusFailed, "worker lost after max retries")
			}
		}
	}
	o.cfg.Metrics.SetWorkersActive(len(o.workers))
}

// retryOrFailLocked requeues a rescued task while its retry budget lasts,
// otherwise marks it terminal with the given status and reason.
// Caller holds o.mu.
func (o *Orchestrator) retryOrFailLocked(t *task.Task, terminal task.Status, reason string) {
	if t.Retries < o.cfg.MaxRetries {
		t.Status = task.StatusQueued
		t.WorkerID = ""
		t.StartedAt = nil
		t.Retries++
		o.log.Info("task requeued", "task", t.ID, "retry", t.Retries)
		return
	}
	now := time.Now()
	t.Status = terminal
	t.Error = reason
	t.CompletedAt = &now
	o.failed++
	o.cfg.Metrics.TaskFinished(string(terminal))
	o.log.Error("task terminally failed", "task", t.ID, "status", terminal, "reason", reason)
}

// cleanup moves terminal tasks out of the active index into the in-memory
// tail and the archive store.
func (o *Orchestrator) cleanup() {
	o.mu.Lock()
	var done []*task.Task
	queued := 0
	for id, t := range o.active {
		if t.Status.Terminal() {
			done = append(done, t)
			delete(o.active, id)
			delete(o.submitters, id)
		} else if t.Status == task.StatusQueued {
			queued++
		}
	}
	o.completed = append(o.completed, done...)
	if over := len(o.completed) - o.cfg.KeepCompleted; over > 0 {
		o.completed = o.completed[over:]
	}
	o.mu.Unlock()

	o.cfg.Metrics.SetTasksQueued(queued)
	if o.store == nil {
		return
	}
	for _, t := range done {
		if err := o.store.Create(t); err != nil {
			o.log.Warn("archive write failed", "task", t.ID, "error", err)
		}
	}
}

// reportProgress sends a low-priority status summary to the coordinator.
func (o *Orchestrator) reportProgress(ctx context.Context) {
	if o.bus == nil {
		return
	}
	st := o.Stats()
	msg := comms.NewMessage(o.cfg.ID, o.cfg.Coordinator, comms.KindStatus, "TASK_PROGRESS")
	msg.Priority = comms.PriorityLow
	msg.Payload = map[string]any{
		"queued":             st.Queued,
		"running":            st.Running,
		"completed":          st.Completed,
		"failed":             st.Failed,
		"workers_active":     st.WorkersActive,
		"avg_execution_time": st.AvgExecutionTime.Seconds(),
	}
	o.bus.Publish(ctx, msg)
}

// Stats is a snapshot of the orchestrator's aggregate state.
type Stats struct {
	Queued            int           `json:"queued"`
	Running           int           `json:"running"`
	Completed         int64         `json:"completed"`
	Failed            int64         `json:"failed"`
	TotalSubmitted    int64         `json:"total_submitted"`
	SuccessRate       float64       `json:"success_rate"`
	WorkersRegistered int           `json:"workers_registered"`
	WorkersActive     int           `json:"workers_active"`
	AvgExecutionTime  time.Duration `json:"avg_execution_time"`
}

// Stats returns the current counters and queue depths.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Stats{
		Completed:         o.succeeded,
		Failed:            o.failed,
		TotalSubmitted:    o.submitted,
		WorkersRegistered: len(o.workers),
	}
	for _, t := range o.active {
		switch t.Status {
		case task.StatusQueued:
			st.Queued++
		case task.StatusRunning:
			st.Running++
		}
	}
	for _, w := range o.workers {
		if w.CurrentTasks > 0 {
			st.WorkersActive++
		}
	}
	if total := o.succeeded + o.failed; total > 0 {
		st.SuccessRate = float64(o.succeeded) / float64(total) * 100
	}
	if o.succeeded > 0 {
		st.AvgExecutionTime = o.totalExecTime / time.Duration(o.succeeded)
	}
	return st
}

// Task returns a copy of an active task, or the most recent terminal copy.
func (o *Orchestrator) Task(id string) (*task.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.active[id]; ok {
		c := *t
		return &c, true
	}
	for i := len(o.completed) - 1; i >= 0; i-- {
		if o.completed[i].ID == id {
			c := *o.completed[i]
			return &c, true
		}
	}
	return nil, false
}

// Workers returns a copy of the current worker directory.
func (o *Orchestrator) Workers() []Worker {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Worker, 0, len(o.workers))
	for _, w := range o.workers {
		out = append(out, *w)
	}
	return out
}
