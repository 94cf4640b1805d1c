package orchestrator

import (
	"context"
	"testing"

	"github.com/enderjnets/bittrading-corp/comms"
	"github.com/enderjnets/bittrading-corp/task"
)

func TestHandleSubmit(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	msg := comms.NewTask("CEO", o.cfg.ID, TypeSubmitTask, map[string]any{
		"descriptor":      map[string]any{"strategy": "momentum", "symbol": "BTCUSDT"},
		"priority":        float64(2), // as it arrives after JSON decoding
		"timeout_seconds": 120,
	}, comms.PriorityNormal)

	resp, err := o.ProcessMessage(ctx, msg)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if resp.Kind != comms.KindResult || resp.CorrelationID != msg.ID {
		t.Errorf("ack = kind %s correlation %s", resp.Kind, resp.CorrelationID)
	}
	id, _ := resp.Payload["task_id"].(string)
	if id == "" {
		t.Fatalf("ack payload missing task_id: %v", resp.Payload)
	}
	if resp.Payload["status"] != string(task.StatusQueued) {
		t.Errorf("ack status = %v", resp.Payload["status"])
	}

	got, ok := o.Task(id)
	if !ok {
		t.Fatal("submitted task not tracked")
	}
	if got.Priority != 2 {
		t.Errorf("priority = %d, want 2", got.Priority)
	}
	if got.TimeoutSeconds != 120 {
		t.Errorf("timeout = %d, want 120", got.TimeoutSeconds)
	}
}

func TestHandleSubmit_MissingDescriptor(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})
	msg := comms.NewTask("CEO", o.cfg.ID, TypeSubmitTask, map[string]any{}, comms.PriorityNormal)
	if _, err := o.ProcessMessage(context.Background(), msg); err == nil {
		t.Error("submit without descriptor accepted")
	}
}

func TestHandleSubmitBatch(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})
	msg := comms.NewTask("STRATEGY_GENERATOR", o.cfg.ID, TypeSubmitBatch, map[string]any{
		"tasks": []any{
			map[string]any{"strategy": "s1"},
			map[string]any{"strategy": "s2"},
			map[string]any{"strategy": "s3"},
		},
	}, comms.PriorityNormal)

	resp, err := o.ProcessMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if resp.Payload["tasks_created"] != 3 {
		t.Errorf("tasks_created = %v, want 3", resp.Payload["tasks_created"])
	}
	if st := o.Stats(); st.Queued != 3 {
		t.Errorf("queued = %d, want 3", st.Queued)
	}

	empty := comms.NewTask("CEO", o.cfg.ID, TypeSubmitBatch, map[string]any{}, comms.PriorityNormal)
	if _, err := o.ProcessMessage(context.Background(), empty); err == nil {
		t.Error("empty batch accepted")
	}
}

func TestHandleCancel(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})
	id := o.Submit(map[string]any{"n": 1}, 5, 0)

	msg := comms.NewTask("CEO", o.cfg.ID, TypeCancelTask, map[string]any{
		"task_ids": []any{id, "task_unknown"},
	}, comms.PriorityNormal)
	resp, err := o.ProcessMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if resp.Payload["count"] != 1 {
		t.Errorf("cancelled count = %v, want 1", resp.Payload["count"])
	}
}

func TestHandleGetStatus(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})
	id := o.Submit(map[string]any{"n": 1}, 5, 0)
	ctx := context.Background()

	msg := comms.NewTask("CEO", o.cfg.ID, TypeGetTaskStatus, map[string]any{"task_id": id}, comms.PriorityNormal)
	resp, err := o.ProcessMessage(ctx, msg)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if resp.Payload["status"] != string(task.StatusQueued) {
		t.Errorf("status = %v, want QUEUED", resp.Payload["status"])
	}

	missing := comms.NewTask("CEO", o.cfg.ID, TypeGetTaskStatus, map[string]any{"task_id": "task_nope"}, comms.PriorityNormal)
	if _, err := o.ProcessMessage(ctx, missing); err == nil {
		t.Error("unknown task id accepted")
	}

	// Without a task_id the reply is the aggregate summary.
	agg := comms.NewTask("CEO", o.cfg.ID, TypeGetTaskStatus, map[string]any{}, comms.PriorityNormal)
	resp, err = o.ProcessMessage(ctx, agg)
	if err != nil {
		t.Fatalf("aggregate status: %v", err)
	}
	if resp.Payload["queued"] != 1 {
		t.Errorf("aggregate queued = %v, want 1", resp.Payload["queued"])
	}
}

func TestHandleGetResults_InMemory(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{WorkerCapacity: 1})
	o.OnWorkerHeartbeat("W1", WorkerIdle, 0)
	ctx := context.Background()
	id := o.Submit(map[string]any{"n": 1}, 5, 0)
	o.distribute(ctx)
	o.OnTaskResult(id, true, map[string]any{"trades": 7}, "")
	o.cleanup()

	msg := comms.NewTask("CEO", o.cfg.ID, TypeGetResults, map[string]any{"limit": 10}, comms.PriorityNormal)
	resp, err := o.ProcessMessage(ctx, msg)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if resp.Payload["count"] != 1 {
		t.Fatalf("count = %v, want 1", resp.Payload["count"])
	}
	entries := resp.Payload["results"].([]map[string]any)
	if entries[0]["task_id"] != id || entries[0]["status"] != string(task.StatusCompleted) {
		t.Errorf("entry = %v", entries[0])
	}
}

func TestHandleHeartbeat_DefaultsToSender(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})
	msg := comms.NewTask("BACKTEST_WORKER_1", o.cfg.ID, TypeWorkerHeartbeat, map[string]any{
		"status":        WorkerIdle,
		"current_tasks": float64(0),
	}, comms.PriorityNormal)

	if _, err := o.ProcessMessage(context.Background(), msg); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	ws := o.Workers()
	if len(ws) != 1 || ws[0].ID != "BACKTEST_WORKER_1" {
		t.Errorf("workers = %+v, want the sender registered", ws)
	}
}

func TestHandleResult(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{WorkerCapacity: 1})
	o.OnWorkerHeartbeat("W1", WorkerIdle, 0)
	ctx := context.Background()
	id := o.Submit(map[string]any{"n": 1}, 5, 0)
	o.distribute(ctx)

	missing := comms.NewTask("W1", o.cfg.ID, TypeTaskResult, map[string]any{}, comms.PriorityNormal)
	if _, err := o.ProcessMessage(ctx, missing); err == nil {
		t.Error("result without task_id accepted")
	}

	msg := comms.NewTask("W1", o.cfg.ID, TypeTaskResult, map[string]any{
		"task_id": id,
		"status":  "SUCCESS",
		"result":  map[string]any{"pnl": 12.5},
	}, comms.PriorityNormal)
	if _, err := o.ProcessMessage(ctx, msg); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	got, _ := o.Task(id)
	if got.Status != task.StatusCompleted {
		t.Errorf("status = %s, want %s", got.Status, task.StatusCompleted)
	}
}
