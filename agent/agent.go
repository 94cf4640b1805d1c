// Package agent defines the runtime contract every agent in the trading
// organization implements: the lifecycle state machine, the message-processing
// loop, and heartbeat emission.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/enderjnets/bittrading-corp/comms"
)

// State is a lifecycle state of an agent.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateIdle         State = "IDLE"
	StateRunning      State = "RUNNING"
	StateProcessing   State = "PROCESSING"
	StateWaiting      State = "WAITING"
	StateError        State = "ERROR"
	StateShuttingDown State = "SHUTTING_DOWN"
	StateOffline      State = "OFFLINE"
)

// Handler supplies an agent's domain-specific behavior. A concrete agent
// implements these four operations and hands itself to a Runtime; there is no
// base type to embed.
type Handler interface {
	// OnStart initializes resources before the main loop begins.
	OnStart(ctx context.Context) error

	// OnShutdown releases resources during graceful shutdown.
	OnShutdown(ctx context.Context) error

	// RunCycle performs one iteration of the agent's periodic work.
	// An error increments the error counter and backs the loop off
	// briefly; it never stops the agent.
	RunCycle(ctx context.Context) error

	// ProcessMessage handles one incoming message. A non-nil response is
	// published back through the bus with the sender rewritten to this
	// agent. An error is converted into an ERROR envelope addressed to
	// the original sender.
	ProcessMessage(ctx context.Context, msg *comms.Message) (*comms.Message, error)
}

// Config configures a Runtime.
type Config struct {
	ID            string
	Name          string
	Type          string
	Coordinator   string        // heartbeat and alert recipient (default "CEO")
	CycleInterval time.Duration // pause between loop iterations (default 60s)
	ErrorBackoff  time.Duration // pause after a failed cycle (default 5s)
	InboxSize     int           // pending-delivery buffer (default 256)
	Logger        *slog.Logger

	// Observer, if set, is invoked on every state transition.
	Observer func(old, new State, reason string)
}

func (c Config) withDefaults() Config {
	if c.Coordinator == "" {
		c.Coordinator = "CEO"
	}
	if c.CycleInterval <= 0 {
		c.CycleInterval = 60 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Status is a point-in-time snapshot of an agent for reporting.
type Status struct {
	ID            string    `json:"agent_id"`
	Name          string    `json:"agent_name"`
	State         State     `json:"state"`
	StateReason   string    `json:"state_reason"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LastActivity  time.Time `json:"last_activity"`
	Processed     int64     `json:"messages_processed"`
	Errors        int64     `json:"errors_count"`
	TasksActive   int       `json:"tasks_active"`
	QueueSize     int       `json:"queue_size"`
}
