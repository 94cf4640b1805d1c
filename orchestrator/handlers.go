package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/enderjnets/bittrading-corp/comms"
	"github.com/enderjnets/bittrading-corp/task"
)

// ProcessMessage dispatches bus traffic to the orchestrator's operations.
// Query and submission operations answer with a RESULT envelope; heartbeats
// and results are fire-and-forget.
func (o *Orchestrator) ProcessMessage(_ context.Context, msg *comms.Message) (*comms.Message, error) {
	switch msg.TaskType {
	case TypeSubmitTask:
		return o.handleSubmit(msg)
	case TypeSubmitBatch:
		return o.handleSubmitBatch(msg)
	case TypeCancelTask:
		return o.handleCancel(msg)
	case TypeGetTaskStatus:
		return o.handleGetStatus(msg)
	case TypeGetResults:
		return o.handleGetResults(msg)
	case TypeWorkerHeartbeat:
		o.handleHeartbeat(msg)
		return nil, nil
	case TypeTaskResult:
		return nil, o.handleResult(msg)
	}
	return nil, nil
}

func (o *Orchestrator) handleSubmit(msg *comms.Message) (*comms.Message, error) {
	descriptor, _ := msg.Payload["descriptor"].(map[string]any)
	if descriptor == nil {
		return nil, fmt.Errorf("submit from %s: missing descriptor", msg.From)
	}
	priority := intField(msg.Payload, "priority", int(msg.Priority))
	timeout := time.Duration(intField(msg.Payload, "timeout_seconds", 0)) * time.Second

	id := o.submit(descriptor, priority, timeout, msg.From)
	return comms.NewResult(o.cfg.ID, msg.From, msg.TaskType, map[string]any{
		"task_id": id,
		"status":  string(task.StatusQueued),
	}, msg.ID), nil
}

func (o *Orchestrator) handleSubmitBatch(msg *comms.Message) (*comms.Message, error) {
	raw, _ := msg.Payload["tasks"].([]any)
	if len(raw) == 0 {
		return nil, fmt.Errorf("submit batch from %s: empty task list", msg.From)
	}
	priority := intField(msg.Payload, "priority", int(comms.PriorityNormal))
	timeout := time.Duration(intField(msg.Payload, "timeout_seconds", 0)) * time.Second

	ids := make([]string, 0, len(raw))
	for _, entry := range raw {
		descriptor, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		ids = append(ids, o.submit(descriptor, priority, timeout, msg.From))
	}
	o.log.Info("batch submitted", "from", msg.From, "count", len(ids))
	return comms.NewResult(o.cfg.ID, msg.From, msg.TaskType, map[string]any{
		"tasks_created": len(ids),
		"task_ids":      ids,
		"status":        string(task.StatusQueued),
	}, msg.ID), nil
}

func (o *Orchestrator) handleCancel(msg *comms.Message) (*comms.Message, error) {
	ids := stringsField(msg.Payload, "task_ids")
	cancelled := o.Cancel(ids)
	return comms.NewResult(o.cfg.ID, msg.From, msg.TaskType, map[string]any{
		"cancelled": cancelled,
		"count":     len(cancelled),
	}, msg.ID), nil
}

func (o *Orchestrator) handleGetStatus(msg *comms.Message) (*comms.Message, error) {
	if id, ok := msg.Payload["task_id"].(string); ok && id != "" {
		t, found := o.Task(id)
		if !found {
			return nil, fmt.Errorf("task %s not found", id)
		}
		return comms.NewResult(o.cfg.ID, msg.From, msg.TaskType, map[string]any{
			"task_id":   t.ID,
			"status":    string(t.Status),
			"worker_id": t.WorkerID,
			"retries":   t.Retries,
		}, msg.ID), nil
	}

	st := o.Stats()
	return comms.NewResult(o.cfg.ID, msg.From, msg.TaskType, map[string]any{
		"queued":             st.Queued,
		"running":            st.Running,
		"completed":          st.Completed,
		"failed":             st.Failed,
		"total_submitted":    st.TotalSubmitted,
		"success_rate":       st.SuccessRate,
		"workers_registered": st.WorkersRegistered,
		"workers_active":     st.WorkersActive,
	}, msg.ID), nil
}

func (o *Orchestrator) handleGetResults(msg *comms.Message) (*comms.Message, error) {
	limit := intField(msg.Payload, "limit", 20)

	var results []*task.Task
	if o.store != nil {
		filter := task.Filter{Limit: limit}
		if s, ok := msg.Payload["status"].(string); ok && s != "" {
			status := task.Status(s)
			filter.Status = &status
		}
		archived, err := o.store.List(filter)
		if err != nil {
			return nil, fmt.Errorf("query archive: %w", err)
		}
		results = archived
	} else {
		o.mu.Lock()
		start := len(o.completed) - limit
		if start < 0 {
			start = 0
		}
		results = append(results, o.completed[start:]...)
		o.mu.Unlock()
	}

	entries := make([]map[string]any, 0, len(results))
	for _, t := range results {
		entries = append(entries, map[string]any{
			"task_id":   t.ID,
			"status":    string(t.Status),
			"worker_id": t.WorkerID,
			"result":    t.Result,
			"error":     t.Error,
		})
	}
	return comms.NewResult(o.cfg.ID, msg.From, msg.TaskType, map[string]any{
		"results": entries,
		"count":   len(entries),
	}, msg.ID), nil
}

func (o *Orchestrator) handleHeartbeat(msg *comms.Message) {
	workerID, _ := msg.Payload["worker_id"].(string)
	if workerID == "" {
		workerID = msg.From
	}
	status, _ := msg.Payload["status"].(string)
	o.OnWorkerHeartbeat(workerID, status, intField(msg.Payload, "current_tasks", 0))
}

func (o *Orchestrator) handleResult(msg *comms.Message) error {
	taskID, _ := msg.Payload["task_id"].(string)
	if taskID == "" {
		return fmt.Errorf("task result from %s: missing task_id", msg.From)
	}
	status, _ := msg.Payload["status"].(string)
	result, _ := msg.Payload["result"].(map[string]any)
	errMsg, _ := msg.Payload["error"].(string)
	o.OnTaskResult(taskID, status == "SUCCESS", result, errMsg)
	return nil
}

// intField reads a numeric payload field that may arrive as int, int64, or
// float64 depending on how the payload was built or decoded.
func intField(payload map[string]any, key string, fallback int) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func stringsField(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
