package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/enderjnets/bittrading-corp/comms"
)

// stubHandler lets each test script the domain hooks.
type stubHandler struct {
	startErr error
	cycleErr error
	procResp *comms.Message
	procErr  error

	mu        sync.Mutex
	cycles    int
	processed []*comms.Message
	shutdowns int
}

func (h *stubHandler) OnStart(context.Context) error { return h.startErr }

func (h *stubHandler) OnShutdown(context.Context) error {
	h.mu.Lock()
	h.shutdowns++
	h.mu.Unlock()
	return nil
}

func (h *stubHandler) RunCycle(context.Context) error {
	h.mu.Lock()
	h.cycles++
	h.mu.Unlock()
	return h.cycleErr
}

func (h *stubHandler) ProcessMessage(_ context.Context, msg *comms.Message) (*comms.Message, error) {
	h.mu.Lock()
	h.processed = append(h.processed, msg)
	h.mu.Unlock()
	return h.procResp, h.procErr
}

// sink is a bus endpoint that records what it is handed.
type sink struct {
	id string

	mu       sync.Mutex
	received []*comms.Message
}

func (s *sink) AgentID() string { return s.id }
func (s *sink) Ready() bool     { return true }

func (s *sink) ReceiveMessage(_ context.Context, msg *comms.Message) error {
	s.mu.Lock()
	s.received = append(s.received, msg)
	s.mu.Unlock()
	return nil
}

func (s *sink) byKind(kind comms.Kind) []*comms.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*comms.Message
	for _, m := range s.received {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(id string) Config {
	return Config{
		ID:            id,
		Name:          id,
		Type:          "WORKER",
		Coordinator:   "COORDINATOR",
		CycleInterval: 5 * time.Millisecond,
		ErrorBackoff:  time.Millisecond,
		Logger:        quietLogger(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestRuntime_Lifecycle(t *testing.T) {
	bus := comms.NewBus(comms.Options{Logger: quietLogger()})
	h := &stubHandler{}

	var trmu sync.Mutex
	var transitions []State
	cfg := testConfig("TRADER")
	cfg.Observer = func(_, next State, _ string) {
		trmu.Lock()
		transitions = append(transitions, next)
		trmu.Unlock()
	}

	rt := NewRuntime(cfg, h, bus)
	if rt.State() != StateInitializing {
		t.Fatalf("initial state = %s, want %s", rt.State(), StateInitializing)
	}

	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := rt.Start(ctx); err == nil {
		t.Error("second Start accepted")
	}

	waitFor(t, time.Second, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.cycles >= 2
	})

	if err := rt.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := rt.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if rt.State() != StateOffline {
		t.Errorf("state after shutdown = %s, want %s", rt.State(), StateOffline)
	}
	if h.shutdowns != 1 {
		t.Errorf("OnShutdown called %d times, want 1", h.shutdowns)
	}
	if bus.Unregister("TRADER") {
		t.Error("agent still registered after shutdown")
	}

	trmu.Lock()
	defer trmu.Unlock()
	want := []State{StateIdle, StateRunning}
	for i, s := range want {
		if i >= len(transitions) || transitions[i] != s {
			t.Fatalf("transitions = %v, want prefix %v", transitions, want)
		}
	}
	if transitions[len(transitions)-1] != StateOffline {
		t.Errorf("final transition = %s, want %s", transitions[len(transitions)-1], StateOffline)
	}
}

func TestRuntime_OnStartFailure(t *testing.T) {
	h := &stubHandler{startErr: errors.New("exchange unreachable")}
	rt := NewRuntime(testConfig("TRADER"), h, nil)

	if err := rt.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded despite failing hook")
	}
	if rt.State() != StateError {
		t.Errorf("state = %s, want %s", rt.State(), StateError)
	}
}

func TestRuntime_ProcessMessage_Response(t *testing.T) {
	bus := comms.NewBus(comms.Options{Logger: quietLogger()})
	caller := &sink{id: "CEO"}
	bus.Register(caller)

	h := &stubHandler{
		procResp: comms.NewResult("anyone", "CEO", "PING", map[string]any{"pong": true}, ""),
	}
	rt := NewRuntime(testConfig("TRADER"), h, bus)
	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rt.Shutdown(ctx)

	req := comms.NewTask("CEO", "TRADER", "PING", nil, comms.PriorityNormal)
	if err := rt.ReceiveMessage(ctx, req); err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(caller.byKind(comms.KindResult)) == 1 })

	resp := caller.byKind(comms.KindResult)[0]
	if resp.From != "TRADER" {
		t.Errorf("response From = %s, want TRADER (sender rewritten)", resp.From)
	}
	if resp.Payload["pong"] != true {
		t.Errorf("response payload = %v", resp.Payload)
	}
	if got := rt.Status().Processed; got != 1 {
		t.Errorf("processed = %d, want 1", got)
	}
}

func TestRuntime_ProcessMessage_ErrorEnvelope(t *testing.T) {
	bus := comms.NewBus(comms.Options{Logger: quietLogger()})
	caller := &sink{id: "CEO"}
	bus.Register(caller)

	h := &stubHandler{procErr: errors.New("order rejected")}
	rt := NewRuntime(testConfig("TRADER"), h, bus)
	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rt.Shutdown(ctx)

	req := comms.NewTask("CEO", "TRADER", "PLACE_ORDER", nil, comms.PriorityNormal)
	rt.ReceiveMessage(ctx, req)

	waitFor(t, time.Second, func() bool { return len(caller.byKind(comms.KindError)) == 1 })

	errMsg := caller.byKind(comms.KindError)[0]
	if errMsg.TaskType != "ERROR_PLACE_ORDER" {
		t.Errorf("task type = %s, want ERROR_PLACE_ORDER", errMsg.TaskType)
	}
	if errMsg.CorrelationID != req.ID {
		t.Errorf("correlation = %s, want %s", errMsg.CorrelationID, req.ID)
	}
	if errMsg.Payload["error"] != "order rejected" {
		t.Errorf("payload = %v", errMsg.Payload)
	}
	if got := rt.Status().Errors; got != 1 {
		t.Errorf("error count = %d, want 1", got)
	}
}

func TestRuntime_Heartbeat(t *testing.T) {
	bus := comms.NewBus(comms.Options{Logger: quietLogger()})
	coord := &sink{id: "COORDINATOR"}
	bus.Register(coord)

	rt := NewRuntime(testConfig("TRADER"), &stubHandler{}, bus)
	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rt.Shutdown(ctx)

	waitFor(t, time.Second, func() bool { return len(coord.byKind(comms.KindHeartbeat)) >= 1 })

	hb := coord.byKind(comms.KindHeartbeat)[0]
	if hb.From != "TRADER" {
		t.Errorf("heartbeat From = %s, want TRADER", hb.From)
	}
	if hb.TaskType != "HEARTBEAT" {
		t.Errorf("heartbeat task type = %s", hb.TaskType)
	}
	if _, ok := hb.Payload["state"]; !ok {
		t.Errorf("heartbeat payload missing state: %v", hb.Payload)
	}
}

func TestRuntime_CycleErrorSkipsHeartbeat(t *testing.T) {
	bus := comms.NewBus(comms.Options{Logger: quietLogger()})
	coord := &sink{id: "COORDINATOR"}
	bus.Register(coord)

	h := &stubHandler{cycleErr: errors.New("feed stalled")}
	rt := NewRuntime(testConfig("TRADER"), h, bus)
	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rt.Shutdown(ctx)

	waitFor(t, time.Second, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.cycles >= 3
	})

	if n := len(coord.byKind(comms.KindHeartbeat)); n != 0 {
		t.Errorf("heartbeats sent during failing cycles = %d, want 0", n)
	}
	if got := rt.Status().Errors; got < 3 {
		t.Errorf("error count = %d, want >= 3", got)
	}
}

func TestRuntime_ShutdownMessage(t *testing.T) {
	rt := NewRuntime(testConfig("TRADER"), &stubHandler{}, nil)
	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rt.ReceiveMessage(ctx, comms.NewMessage("CEO", "TRADER", comms.KindShutdown, "SHUTDOWN"))

	waitFor(t, time.Second, func() bool { return rt.State() == StateOffline })
}

func TestRuntime_InboxFull(t *testing.T) {
	cfg := testConfig("TRADER")
	cfg.InboxSize = 1
	rt := NewRuntime(cfg, &stubHandler{}, nil)

	ctx := context.Background()
	if err := rt.ReceiveMessage(ctx, comms.NewTask("A", "TRADER", "W", nil, comms.PriorityNormal)); err != nil {
		t.Fatalf("first ReceiveMessage: %v", err)
	}
	if err := rt.ReceiveMessage(ctx, comms.NewTask("A", "TRADER", "W", nil, comms.PriorityNormal)); err == nil {
		t.Error("second ReceiveMessage accepted beyond inbox capacity")
	}
}

func TestRuntime_ReadyStates(t *testing.T) {
	rt := NewRuntime(testConfig("TRADER"), &stubHandler{}, nil)
	if rt.Ready() {
		t.Error("INITIALIZING agent reported ready")
	}
	rt.setState(StateIdle, "test")
	if !rt.Ready() {
		t.Error("IDLE agent not ready")
	}
	rt.setState(StateProcessing, "test")
	if !rt.Ready() {
		t.Error("PROCESSING agent not ready")
	}
	rt.setState(StateRunning, "test")
	if rt.Ready() {
		t.Error("RUNNING agent reported ready for immediate delivery")
	}
}

func TestRuntime_TaskTracking(t *testing.T) {
	rt := NewRuntime(testConfig("TRADER"), &stubHandler{}, nil)

	msg := comms.NewTask("A", "TRADER", "BACKTEST", nil, comms.PriorityNormal)
	rt.BeginTask("task_1", msg)
	if got := rt.Status().TasksActive; got != 1 {
		t.Errorf("tasks active = %d, want 1", got)
	}
	rt.EndTask("task_1")
	if got := rt.Status().TasksActive; got != 0 {
		t.Errorf("tasks active = %d, want 0", got)
	}
}

func TestRuntime_SendMessage(t *testing.T) {
	rt := NewRuntime(testConfig("TRADER"), &stubHandler{}, nil)
	if rt.SendMessage(context.Background(), comms.NewTask("X", "Y", "W", nil, comms.PriorityNormal)) {
		t.Error("SendMessage succeeded without a bus")
	}

	bus := comms.NewBus(comms.Options{Logger: quietLogger()})
	dest := &sink{id: "CEO"}
	bus.Register(dest)
	rt2 := NewRuntime(testConfig("TRADER"), &stubHandler{}, bus)

	msg := comms.NewTask("WRONG_SENDER", "CEO", "REPORT", nil, comms.PriorityNormal)
	if !rt2.SendMessage(context.Background(), msg) {
		t.Fatal("SendMessage failed")
	}
	if msg.From != "TRADER" {
		t.Errorf("From = %s, want TRADER (sender rewritten)", msg.From)
	}
}
