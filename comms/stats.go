package comms

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of the bus's aggregate counters.
type Stats struct {
	Sent         int64            `json:"messages_sent"`
	Delivered    int64            `json:"messages_delivered"`
	Failed       int64            `json:"messages_failed"`
	Retried      int64            `json:"messages_retried"`
	DeadLettered int64            `json:"dead_lettered"`
	ByAgent      map[string]int64 `json:"by_agent"`
	ByTaskType   map[string]int64 `json:"by_task_type"`
	LastActivity time.Time        `json:"last_activity"`
}

// statCounters accumulates bus activity under its own lock so the hot
// delivery path never contends with registry mutation.
type statCounters struct {
	mu           sync.Mutex
	sent         int64
	delivered    int64
	failed       int64
	retried      int64
	deadLettered int64
	byAgent      map[string]int64
	byTaskType   map[string]int64
	lastActivity time.Time
}

func newStatCounters() *statCounters {
	return &statCounters{
		byAgent:    make(map[string]int64),
		byTaskType: make(map[string]int64),
	}
}

func (s *statCounters) recordSent(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	s.byAgent[msg.From]++
	if msg.TaskType != "" {
		s.byTaskType[msg.TaskType]++
	}
	s.lastActivity = time.Now()
}

func (s *statCounters) incDelivered() {
	s.mu.Lock()
	s.delivered++
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *statCounters) incFailed() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

func (s *statCounters) incRetried() {
	s.mu.Lock()
	s.retried++
	s.mu.Unlock()
}

func (s *statCounters) incDeadLettered() {
	s.mu.Lock()
	s.deadLettered++
	s.mu.Unlock()
}

func (s *statCounters) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{
		Sent:         s.sent,
		Delivered:    s.delivered,
		Failed:       s.failed,
		Retried:      s.retried,
		DeadLettered: s.deadLettered,
		ByAgent:      make(map[string]int64, len(s.byAgent)),
		ByTaskType:   make(map[string]int64, len(s.byTaskType)),
		LastActivity: s.lastActivity,
	}
	for k, v := range s.byAgent {
		out.ByAgent[k] = v
	}
	for k, v := range s.byTaskType {
		out.ByTaskType[k] = v
	}
	return out
}

// QueueStatus describes the bus's queue depths.
type QueueStatus struct {
	TotalAgents     int            `json:"total_agents"`
	TotalQueued     int            `json:"total_queued"`
	PriorityDepth   int            `json:"priority_queue_size"`
	DeadLetterDepth int            `json:"dead_letter_size"`
	InFlight        int            `json:"in_flight"`
	Queues          map[string]int `json:"queues"`
}
