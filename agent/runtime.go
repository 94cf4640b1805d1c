package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/enderjnets/bittrading-corp/comms"
)

// Runtime drives one agent: it owns the lifecycle state machine, drains the
// agent's queued messages, invokes the domain cycle, and emits heartbeats.
// It is the comms.Endpoint the bus delivers to.
type Runtime struct {
	cfg     Config
	handler Handler
	bus     *comms.Bus
	log     *slog.Logger

	mu           sync.RWMutex
	state        State
	stateReason  string
	processed    int64
	errCount     int64
	startTime    time.Time
	lastBeat     time.Time
	lastActivity time.Time
	inProgress   map[string]*comms.Message

	inbox chan *comms.Message

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewRuntime wires a handler to the bus. The agent is INITIALIZING until
// Start is called.
func NewRuntime(cfg Config, handler Handler, bus *comms.Bus) *Runtime {
	cfg = cfg.withDefaults()
	return &Runtime{
		cfg:        cfg,
		handler:    handler,
		bus:        bus,
		log:        cfg.Logger.With("agent", cfg.ID),
		state:      StateInitializing,
		inbox:      make(chan *comms.Message, cfg.InboxSize),
		inProgress: make(map[string]*comms.Message),
	}
}

// AgentID returns the agent's identity.
func (r *Runtime) AgentID() string { return r.cfg.ID }

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Ready reports whether the agent can take an opportunistic immediate
// delivery: only while idle or processing.
func (r *Runtime) Ready() bool {
	s := r.State()
	return s == StateIdle || s == StateProcessing
}

// ReceiveMessage is the bus's delivery entry point. The message is queued for
// the main loop; a full inbox is a delivery failure the bus may retry.
func (r *Runtime) ReceiveMessage(_ context.Context, msg *comms.Message) error {
	select {
	case r.inbox <- msg:
		return nil
	default:
		return fmt.Errorf("agent %s inbox full", r.cfg.ID)
	}
}

// setState records the transition with its reason and notifies the observer.
func (r *Runtime) setState(next State, reason string) {
	r.mu.Lock()
	prev := r.state
	r.state = next
	r.stateReason = reason
	r.lastActivity = time.Now()
	r.mu.Unlock()

	r.log.Info("state changed", "from", prev, "to", next, "reason", reason)
	if r.cfg.Observer != nil {
		r.cfg.Observer(prev, next, reason)
	}
}

// Start registers the agent with the bus, runs the OnStart hook, and launches
// the main loop.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateInitializing {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("agent %s already started (state=%s)", r.cfg.ID, state)
	}
	r.startTime = time.Now()
	r.mu.Unlock()

	if r.bus != nil {
		if err := r.bus.Register(r); err != nil {
			return fmt.Errorf("agent %s: register: %w", r.cfg.ID, err)
		}
	}
	r.setState(StateIdle, "agent ready")

	if err := r.handler.OnStart(ctx); err != nil {
		r.setState(StateError, err.Error())
		return fmt.Errorf("agent %s: on start: %w", r.cfg.ID, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.setState(StateRunning, "main loop started")
	go r.loop(ctx)
	return nil
}

// loop is the agent's main cycle: drain messages, run the domain cycle, emit
// a heartbeat, sleep. Cycle errors back off briefly and are never fatal; only
// a shutdown request ends the loop.
func (r *Runtime) loop(ctx context.Context) {
	defer close(r.done)
	for r.active() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r.drainMessages(ctx)

		if err := r.handler.RunCycle(ctx); err != nil {
			r.mu.Lock()
			r.errCount++
			r.mu.Unlock()
			r.log.Error("cycle error", "error", err)
			if !sleepCtx(ctx, r.cfg.ErrorBackoff) {
				return
			}
			continue
		}

		r.sendHeartbeat(ctx)

		if !sleepCtx(ctx, r.cfg.CycleInterval) {
			return
		}
	}
}

func (r *Runtime) active() bool {
	s := r.State()
	return s == StateRunning || s == StateProcessing
}

// drainMessages processes everything currently queued, flipping to PROCESSING
// while work is pending.
func (r *Runtime) drainMessages(ctx context.Context) {
	drained := false
	for {
		select {
		case msg := <-r.inbox:
			if !drained {
				drained = true
				r.setState(StateProcessing, "processing queued messages")
			}
			r.processOne(ctx, msg)
		default:
			if drained && r.State() == StateProcessing {
				r.setState(StateRunning, "message queue drained")
			}
			return
		}
	}
}

// processOne invokes the handler for a single message. A response is
// published with the sender rewritten; a handler error becomes an ERROR
// envelope back to the original sender.
func (r *Runtime) processOne(ctx context.Context, msg *comms.Message) {
	if msg.Kind == comms.KindShutdown {
		r.log.Info("shutdown requested by message", "from", msg.From)
		go r.Shutdown(context.WithoutCancel(ctx))
		return
	}

	resp, err := r.handler.ProcessMessage(ctx, msg)
	if err != nil {
		r.mu.Lock()
		r.errCount++
		r.mu.Unlock()
		r.log.Error("message processing failed",
			"from", msg.From, "task_type", msg.TaskType, "error", err)
		if r.bus != nil {
			errMsg := comms.NewMessage(r.cfg.ID, msg.From, comms.KindError, "ERROR_"+msg.TaskType)
			errMsg.CorrelationID = msg.ID
			errMsg.Payload = map[string]any{
				"error":         err.Error(),
				"original_task": msg.TaskType,
			}
			r.bus.Publish(ctx, errMsg)
		}
		return
	}

	r.mu.Lock()
	r.processed++
	r.lastActivity = time.Now()
	r.mu.Unlock()

	if resp != nil && r.bus != nil {
		resp.From = r.cfg.ID
		r.bus.Publish(ctx, resp)
	}
}

// sendHeartbeat reports liveness and load to the coordinator.
func (r *Runtime) sendHeartbeat(ctx context.Context) {
	r.mu.Lock()
	r.lastBeat = time.Now()
	hb := comms.NewHeartbeat(r.cfg.ID, r.cfg.Coordinator, map[string]any{
		"state":        string(r.state),
		"errors":       r.errCount,
		"processed":    r.processed,
		"tasks_active": len(r.inProgress),
	})
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(ctx, hb)
	}
}

// BeginTask records a unit of work in progress; it is reported in heartbeats
// and cancelled (logged, not interrupted) on shutdown.
func (r *Runtime) BeginTask(id string, msg *comms.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inProgress[id] = msg
}

// EndTask removes a completed unit of work.
func (r *Runtime) EndTask(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inProgress, id)
}

// SendMessage publishes through the bus with the sender rewritten to this
// agent's ID.
func (r *Runtime) SendMessage(ctx context.Context, msg *comms.Message) bool {
	if r.bus == nil {
		r.log.Warn("no bus configured, message dropped", "to", msg.To)
		return false
	}
	msg.From = r.cfg.ID
	return r.bus.Publish(ctx, msg)
}

// Shutdown stops the agent: SHUTTING_DOWN, OnShutdown hook, outstanding work
// marked cancelled, then OFFLINE. Idempotent; never returns an error on a
// second call.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.setState(StateShuttingDown, "shutdown requested")
		if r.cancel != nil {
			r.cancel()
		}
		if r.done != nil {
			<-r.done
		}

		if err := r.handler.OnShutdown(ctx); err != nil {
			r.log.Error("shutdown hook failed", "error", err)
		}

		r.mu.Lock()
		for id := range r.inProgress {
			r.log.Warn("task in progress cancelled by shutdown", "task", id)
		}
		r.inProgress = make(map[string]*comms.Message)
		r.mu.Unlock()

		if r.bus != nil {
			r.bus.Unregister(r.cfg.ID)
		}
		r.setState(StateOffline, "agent stopped")
	})
	return nil
}

// Status returns a reporting snapshot.
func (r *Runtime) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{
		ID:            r.cfg.ID,
		Name:          r.cfg.Name,
		State:         r.state,
		StateReason:   r.stateReason,
		UptimeSeconds: time.Since(r.startTime).Seconds(),
		LastHeartbeat: r.lastBeat,
		LastActivity:  r.lastActivity,
		Processed:     r.processed,
		Errors:        r.errCount,
		TasksActive:   len(r.inProgress),
		QueueSize:     len(r.inbox),
	}
}

// sleepCtx pauses for d, returning false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
