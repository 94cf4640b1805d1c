// Package comms provides the inter-agent communication bus.
package comms

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Broadcast is the reserved recipient causing fan-out delivery to every
// registered agent.
const Broadcast = "BROADCAST"

// Kind identifies the kind of inter-agent message.
type Kind string

const (
	KindTask      Kind = "TASK"      // unit of work for the recipient
	KindResult    Kind = "RESULT"    // response to a previously sent task
	KindStatus    Kind = "STATUS"    // status/progress report
	KindAlert     Kind = "ALERT"     // urgent condition for the coordinator
	KindCommand   Kind = "COMMAND"   // directive from a supervising agent
	KindHeartbeat Kind = "HEARTBEAT" // liveness signal
	KindError     Kind = "ERROR"     // processing failure report
	KindShutdown  Kind = "SHUTDOWN"  // shutdown request
)

// Priority orders message delivery. Lower values are more urgent;
// priority 1 and 2 traffic bypasses per-agent mailboxes entirely.
type Priority int

const (
	PriorityCritical Priority = 1  // emergency stops, veto
	PriorityHigh     Priority = 2  // trading decisions
	PriorityNormal   Priority = 5  // regular operations
	PriorityLow      Priority = 10 // background work
	PriorityIdle     Priority = 20 // nothing better to do
)

// Metadata keys maintained by the bus.
const (
	metaRetryCount       = "retry_count"
	metaDeadLetterReason = "dead_letter_reason"
	metaBroadcast        = "is_broadcast"
)

// Message is the atomic unit of communication between agents.
type Message struct {
	ID            string            `json:"id"`
	From          string            `json:"from"`
	To            string            `json:"to"` // agent ID or Broadcast
	Kind          Kind              `json:"kind"`
	Priority      Priority          `json:"priority"`
	TaskType      string            `json:"task_type"` // routing/dispatch key
	Payload       map[string]any    `json:"payload,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Deadline      *time.Time        `json:"deadline,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewMessage creates a message with a fresh ID and timestamp.
func NewMessage(from, to string, kind Kind, taskType string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Kind:      kind,
		Priority:  PriorityNormal,
		TaskType:  taskType,
		Payload:   map[string]any{},
		Timestamp: time.Now(),
		Metadata:  map[string]string{},
	}
}

// NewTask creates a TASK message.
func NewTask(from, to, taskType string, payload map[string]any, priority Priority) *Message {
	m := NewMessage(from, to, KindTask, taskType)
	m.Priority = priority
	if payload != nil {
		m.Payload = payload
	}
	return m
}

// NewResult creates a RESULT message answering originalTask. The task type is
// prefixed so subscribers can route on "RESULT_<task>".
func NewResult(from, to, originalTask string, result map[string]any, correlationID string) *Message {
	m := NewMessage(from, to, KindResult, "RESULT_"+originalTask)
	if result != nil {
		m.Payload = result
	}
	m.CorrelationID = correlationID
	return m
}

// NewAlert creates an ALERT addressed to the coordinator. A CRITICAL severity
// raises the priority to the emergency level.
func NewAlert(from, coordinator, alertType, text, severity string) *Message {
	m := NewMessage(from, coordinator, KindAlert, alertType)
	m.Priority = PriorityHigh
	if severity == "CRITICAL" {
		m.Priority = PriorityCritical
	}
	m.Payload = map[string]any{"alert_message": text, "severity": severity}
	return m
}

// NewHeartbeat creates a low-priority HEARTBEAT addressed to the coordinator.
func NewHeartbeat(from, coordinator string, payload map[string]any) *Message {
	m := NewMessage(from, coordinator, KindHeartbeat, "HEARTBEAT")
	m.Priority = PriorityLow
	if payload != nil {
		m.Payload = payload
	}
	return m
}

// Clone returns a copy of the message with a fresh ID and timestamp, as used
// for broadcast fan-out. Payload and metadata maps are copied shallowly.
func (m *Message) Clone(to string) *Message {
	c := *m
	c.ID = uuid.NewString()
	c.To = to
	c.Timestamp = time.Now()
	c.Payload = make(map[string]any, len(m.Payload))
	for k, v := range m.Payload {
		c.Payload[k] = v
	}
	c.Metadata = make(map[string]string, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		c.Metadata[k] = v
	}
	c.Metadata[metaBroadcast] = "true"
	return &c
}

// RetryCount reports how many delivery attempts have failed so far.
func (m *Message) RetryCount() int {
	if m.Metadata == nil {
		return 0
	}
	n, _ := strconv.Atoi(m.Metadata[metaRetryCount])
	return n
}

// bumpRetry increments the retry count. The count never decreases.
func (m *Message) bumpRetry() int {
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	n := m.RetryCount() + 1
	m.Metadata[metaRetryCount] = strconv.Itoa(n)
	return n
}

// Expired reports whether the message's deadline has passed.
func (m *Message) Expired(now time.Time) bool {
	return m.Deadline != nil && now.After(*m.Deadline)
}

// Endpoint is the delivery entry point an agent exposes to the bus.
type Endpoint interface {
	// AgentID returns the agent's unique identity.
	AgentID() string

	// ReceiveMessage hands one message to the agent. An error means the
	// delivery failed and the bus may retry or dead-letter the message.
	ReceiveMessage(ctx context.Context, msg *Message) error

	// Ready reports whether the agent can accept an opportunistic
	// immediate delivery (idle or processing, not shutting down).
	Ready() bool
}
