package task

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleTask(id string, status Status) *Task {
	now := time.Now().Truncate(time.Second)
	started := now.Add(time.Second)
	completed := now.Add(3 * time.Second)
	return &Task{
		ID:             id,
		Descriptor:     map[string]any{"strategy": "momentum", "symbol": "BTCUSDT"},
		Priority:       5,
		Status:         status,
		WorkerID:       "BACKTEST_WORKER_1",
		CreatedAt:      now,
		StartedAt:      &started,
		CompletedAt:    &completed,
		Retries:        1,
		TimeoutSeconds: 300,
		Result:         map[string]any{"trades": float64(42)},
		Error:          "",
	}
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)

	want := sampleTask("task_abc123def456", StatusCompleted)
	if err := store.Create(want); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(want.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want %s", got.Status, StatusCompleted)
	}
	if got.Descriptor["strategy"] != "momentum" {
		t.Errorf("descriptor = %v", got.Descriptor)
	}
	if got.Result["trades"] != float64(42) {
		t.Errorf("result = %v", got.Result)
	}
	if got.WorkerID != want.WorkerID || got.Retries != 1 {
		t.Errorf("got %+v", got)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("timestamps dropped in round trip")
	}
}

func TestSQLiteStore_CreateEmptyID(t *testing.T) {
	store := newTestStore(t)
	if err := store.Create(&Task{Status: StatusQueued, CreatedAt: time.Now()}); err == nil {
		t.Error("task without ID accepted")
	}
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get("task_nope"); err == nil {
		t.Error("missing task returned no error")
	}
}

func TestSQLiteStore_ListFilters(t *testing.T) {
	store := newTestStore(t)

	a := sampleTask("task_a", StatusCompleted)
	b := sampleTask("task_b", StatusFailed)
	b.WorkerID = "BACKTEST_WORKER_2"
	later := a.CompletedAt.Add(time.Minute)
	b.CompletedAt = &later
	c := sampleTask("task_c", StatusCompleted)
	latest := later.Add(time.Minute)
	c.CompletedAt = &latest

	for _, task := range []*Task{a, b, c} {
		if err := store.Create(task); err != nil {
			t.Fatalf("Create %s: %v", task.ID, err)
		}
	}

	all, err := store.List(Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].ID != "task_c" {
		t.Errorf("first = %s, want task_c (most recently completed)", all[0].ID)
	}

	completed := StatusCompleted
	byStatus, err := store.List(Filter{Status: &completed})
	if err != nil {
		t.Fatalf("List by status: %v", err)
	}
	if len(byStatus) != 2 {
		t.Errorf("completed = %d, want 2", len(byStatus))
	}

	byWorker, err := store.List(Filter{WorkerID: "BACKTEST_WORKER_2"})
	if err != nil {
		t.Fatalf("List by worker: %v", err)
	}
	if len(byWorker) != 1 || byWorker[0].ID != "task_b" {
		t.Errorf("by worker = %v", byWorker)
	}

	limited, err := store.List(Filter{Limit: 2})
	if err != nil {
		t.Fatalf("List limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited = %d, want 2", len(limited))
	}

	page, err := store.List(Filter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List paged: %v", err)
	}
	if len(page) != 1 || page[0].ID != "task_a" {
		t.Errorf("page = %v, want only task_a", page)
	}
}
