package comms

import (
	"sync"
	"time"
)

// Dead-letter reasons recorded by the bus.
const (
	ReasonNoSubscriber  = "no subscriber"
	ReasonQueueOverflow = "queue overflow"
	ReasonAgentNotFound = "agent not found"
)

// DeadLetter is an undeliverable or permanently failed message together with
// the reason it was abandoned.
type DeadLetter struct {
	Msg    *Message  `json:"msg"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// deadLetterRing is an append-only bounded buffer of dead letters.
// Once full, the oldest entry is evicted first.
type deadLetterRing struct {
	mu      sync.Mutex
	entries []DeadLetter
	cap     int
}

func newDeadLetterRing(capacity int) *deadLetterRing {
	return &deadLetterRing{cap: capacity}
}

func (r *deadLetterRing) add(msg *Message, reason string) {
	now := time.Now()
	if msg.Metadata == nil {
		msg.Metadata = map[string]string{}
	}
	msg.Metadata[metaDeadLetterReason] = reason

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, DeadLetter{Msg: msg, Reason: reason, At: now})
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
}

func (r *deadLetterRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// snapshot returns a copy of the current entries, oldest first.
func (r *deadLetterRing) snapshot() []DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeadLetter, len(r.entries))
	copy(out, r.entries)
	return out
}
