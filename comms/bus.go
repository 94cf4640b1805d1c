package comms

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/enderjnets/bittrading-corp/metrics"
)

// Subscription declares which traffic an agent wants pub/sub-routed to it.
// Messages less urgent than PriorityThreshold are not routed.
type Subscription struct {
	AgentID           string   `json:"agent_id"`
	Kinds             []Kind   `json:"kinds,omitempty"`
	TaskTypes         []string `json:"task_types,omitempty"`
	PriorityThreshold Priority `json:"priority_threshold"`
}

// Options configures a Bus. Zero values select the defaults.
type Options struct {
	Workers       int           // delivery worker count (default 3)
	MailboxSize   int           // per-agent mailbox capacity (default 1000)
	MaxRetries    int           // delivery attempts before dead-letter (default 3)
	DeadLetterCap int           // dead-letter buffer capacity (default 100)
	PollInterval  time.Duration // worker sleep when queues are empty (default 100ms)
	BackoffUnit   time.Duration // retry backoff unit, min(2^n,60)*unit (default 1s)
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = 1000
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.DeadLetterCap <= 0 {
		o.DeadLetterCap = 100
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.BackoffUnit <= 0 {
		o.BackoffUnit = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Bus is the central message fabric of the trading organization. It owns all
// mailboxes, the priority queue, the subscription index, and the dead-letter
// buffer; agents interact with those structures only through its methods.
type Bus struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	endpoints map[string]Endpoint
	mailboxes map[string][]*Message
	order     []string // registration order, drives round-robin draining
	rrNext    int
	prio      prioQueue
	seq       uint64
	subs      map[string]*Subscription
	byKind    map[Kind]map[string]struct{}
	byTask    map[string]map[string]struct{}
	inFlight  int

	dead  *deadLetterRing
	stats *statCounters

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	eg      *errgroup.Group
}

// NewBus creates a stopped bus. Call Start to launch the delivery workers.
func NewBus(opts Options) *Bus {
	opts = opts.withDefaults()
	return &Bus{
		opts:      opts,
		log:       opts.Logger.With("component", "bus"),
		endpoints: make(map[string]Endpoint),
		mailboxes: make(map[string][]*Message),
		subs:      make(map[string]*Subscription),
		byKind:    make(map[Kind]map[string]struct{}),
		byTask:    make(map[string]map[string]struct{}),
		dead:      newDeadLetterRing(opts.DeadLetterCap),
		stats:     newStatCounters(),
	}
}

// Register adds an agent to the registry and allocates its mailbox.
// Re-registering the same ID replaces the endpoint and keeps the mailbox.
func (b *Bus) Register(ep Endpoint) error {
	id := ep.AgentID()
	if id == "" {
		return errors.New("register: empty agent id")
	}
	if id == Broadcast {
		return fmt.Errorf("register: %q is reserved", Broadcast)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.endpoints[id]; !exists {
		b.order = append(b.order, id)
		b.mailboxes[id] = nil
	}
	b.endpoints[id] = ep
	b.log.Info("agent registered", "agent", id, "total", len(b.endpoints))
	return nil
}

// Unregister removes an agent, its mailbox, and any subscription it held.
func (b *Bus) Unregister(agentID string) bool {
	b.mu.Lock()
	_, ok := b.endpoints[agentID]
	if ok {
		delete(b.endpoints, agentID)
		delete(b.mailboxes, agentID)
		for i, id := range b.order {
			if id == agentID {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
		b.dropSubscriptionLocked(agentID)
	}
	b.mu.Unlock()
	if ok {
		b.log.Info("agent unregistered", "agent", agentID)
	}
	return ok
}

// Subscribe registers or fully replaces an agent's subscription. Invalid
// parameters are rejected here and never reach the index.
func (b *Bus) Subscribe(sub Subscription) error {
	if sub.AgentID == "" {
		return errors.New("subscribe: empty agent id")
	}
	if sub.PriorityThreshold < 0 {
		return fmt.Errorf("subscribe: negative priority threshold %d", sub.PriorityThreshold)
	}
	if sub.PriorityThreshold == 0 {
		sub.PriorityThreshold = PriorityLow
	}
	for _, k := range sub.Kinds {
		switch k {
		case KindTask, KindResult, KindStatus, KindAlert, KindCommand, KindHeartbeat, KindError, KindShutdown:
		default:
			return fmt.Errorf("subscribe: unknown message kind %q", k)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// Replace, never merge: the previous subscription's index entries go away.
	b.dropSubscriptionLocked(sub.AgentID)
	b.subs[sub.AgentID] = &sub
	for _, k := range sub.Kinds {
		if b.byKind[k] == nil {
			b.byKind[k] = make(map[string]struct{})
		}
		b.byKind[k][sub.AgentID] = struct{}{}
	}
	for _, tt := range sub.TaskTypes {
		if b.byTask[tt] == nil {
			b.byTask[tt] = make(map[string]struct{})
		}
		b.byTask[tt][sub.AgentID] = struct{}{}
	}
	b.log.Info("agent subscribed", "agent", sub.AgentID,
		"kinds", len(sub.Kinds), "task_types", len(sub.TaskTypes))
	return nil
}

// Unsubscribe removes the agent's subscription from all indices.
func (b *Bus) Unsubscribe(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[agentID]; !ok {
		return false
	}
	b.dropSubscriptionLocked(agentID)
	return true
}

func (b *Bus) dropSubscriptionLocked(agentID string) {
	sub, ok := b.subs[agentID]
	if !ok {
		return
	}
	for _, k := range sub.Kinds {
		delete(b.byKind[k], agentID)
	}
	for _, tt := range sub.TaskTypes {
		delete(b.byTask[tt], agentID)
	}
	delete(b.subs, agentID)
}

// Publish routes one message. It reports whether the message was accepted for
// delivery; a false return means it went straight to the dead-letter buffer.
// Routing, in order: broadcast fan-out, the global priority queue for
// priority <= 2, the recipient's mailbox, then pub/sub by kind and task type.
func (b *Bus) Publish(ctx context.Context, msg *Message) bool {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.stats.recordSent(msg)
	b.opts.Metrics.MessagePublished(string(msg.Kind))

	if msg.To == Broadcast {
		b.broadcast(ctx, msg)
		return true
	}
	if msg.Priority <= PriorityHigh {
		b.mu.Lock()
		b.seq++
		heap.Push(&b.prio, &prioItem{msg: msg, seq: b.seq})
		b.mu.Unlock()
		return true
	}

	b.mu.Lock()
	ep, registered := b.endpoints[msg.To]
	if !registered {
		b.mu.Unlock()
		return b.pubsub(msg)
	}
	if len(b.mailboxes[msg.To]) >= b.opts.MailboxSize {
		b.mu.Unlock()
		b.stats.incFailed()
		b.deadLetter(msg, ReasonQueueOverflow)
		return false
	}
	if ep.Ready() {
		// Opportunistic immediate delivery. On failure the message is
		// enqueued normally and the workers take over.
		b.inFlight++
		b.mu.Unlock()
		err := ep.ReceiveMessage(ctx, msg)
		b.mu.Lock()
		b.inFlight--
		if err == nil {
			b.mu.Unlock()
			b.stats.incDelivered()
			return true
		}
	}
	b.mailboxes[msg.To] = append(b.mailboxes[msg.To], msg)
	b.mu.Unlock()
	return true
}

// broadcast fans the message out as independent envelopes, one per
// registered agent, each with a fresh ID.
func (b *Bus) broadcast(ctx context.Context, msg *Message) {
	b.mu.Lock()
	ids := make([]string, len(b.order))
	copy(ids, b.order)
	b.mu.Unlock()

	for _, id := range ids {
		b.Publish(ctx, msg.Clone(id))
	}
	b.log.Debug("broadcast fanned out", "from", msg.From, "recipients", len(ids))
}

// pubsub routes a message with an unregistered recipient to the union of
// subscribers keyed by kind and task type.
func (b *Bus) pubsub(msg *Message) bool {
	b.mu.Lock()
	targets := make(map[string]struct{})
	for id := range b.byKind[msg.Kind] {
		targets[id] = struct{}{}
	}
	for id := range b.byTask[msg.TaskType] {
		targets[id] = struct{}{}
	}

	var overflowed []*Message
	delivered := false
	for id := range targets {
		if _, ok := b.endpoints[id]; !ok {
			continue
		}
		if sub := b.subs[id]; sub != nil && msg.Priority > sub.PriorityThreshold {
			continue
		}
		c := *msg
		c.To = id
		c.Metadata = make(map[string]string, len(msg.Metadata))
		for k, v := range msg.Metadata {
			c.Metadata[k] = v
		}
		if len(b.mailboxes[id]) >= b.opts.MailboxSize {
			overflowed = append(overflowed, &c)
			continue
		}
		b.mailboxes[id] = append(b.mailboxes[id], &c)
		delivered = true
	}
	b.mu.Unlock()

	for _, c := range overflowed {
		b.stats.incFailed()
		b.deadLetter(c, ReasonQueueOverflow)
	}
	if !delivered && len(overflowed) == 0 {
		b.log.Warn("message has no recipient", "to", msg.To, "task_type", msg.TaskType)
		b.stats.incFailed()
		b.deadLetter(msg, ReasonNoSubscriber)
		return false
	}
	return delivered
}

// Start launches the delivery worker pool.
func (b *Bus) Start(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.running {
		return errors.New("bus already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < b.opts.Workers; i++ {
		worker := i
		g.Go(func() error {
			b.deliveryWorker(ctx, worker)
			return nil
		})
	}
	b.eg = g
	b.running = true
	b.log.Info("delivery workers started", "workers", b.opts.Workers)
	return nil
}

// Stop cancels the workers, waits for in-flight deliveries to finish, and
// clears all queues. Safe to call twice.
func (b *Bus) Stop() error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if !b.running {
		return nil
	}
	b.cancel()
	if err := b.eg.Wait(); err != nil {
		return fmt.Errorf("stop delivery workers: %w", err)
	}
	b.running = false

	b.mu.Lock()
	b.mailboxes = make(map[string][]*Message)
	for id := range b.endpoints {
		b.mailboxes[id] = nil
	}
	b.prio = b.prio[:0]
	b.mu.Unlock()
	b.log.Info("bus stopped")
	return nil
}

func (b *Bus) deliveryWorker(ctx context.Context, worker int) {
	b.log.Debug("delivery worker started", "worker", worker)
	for {
		select {
		case <-ctx.Done():
			b.log.Debug("delivery worker stopped", "worker", worker)
			return
		default:
		}
		msg := b.next()
		if msg == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.opts.PollInterval):
			}
			continue
		}
		b.deliver(ctx, msg)
	}
}

// next pops the next message honoring priority-first, then round-robin
// across per-agent mailboxes.
func (b *Bus) next() *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.prio.Len() > 0 {
		return heap.Pop(&b.prio).(*prioItem).msg
	}
	n := len(b.order)
	for i := 0; i < n; i++ {
		id := b.order[(b.rrNext+i)%n]
		if q := b.mailboxes[id]; len(q) > 0 {
			b.mailboxes[id] = q[1:]
			b.rrNext = (b.rrNext + i + 1) % n
			return q[0]
		}
	}
	return nil
}

// deliveryOutcome is the explicit result of a delivery attempt; the next
// action branches on it rather than on propagated errors.
type deliveryOutcome int

const (
	outcomeDelivered deliveryOutcome = iota
	outcomeRetry
	outcomeDeadLetter
)

func (b *Bus) deliver(ctx context.Context, msg *Message) {
	out, reason := b.attempt(ctx, msg)
	switch out {
	case outcomeDelivered:
		b.stats.incDelivered()
	case outcomeRetry:
		b.retry(ctx, msg, reason)
	case outcomeDeadLetter:
		b.stats.incFailed()
		b.deadLetter(msg, reason)
	}
}

func (b *Bus) attempt(ctx context.Context, msg *Message) (deliveryOutcome, string) {
	b.mu.Lock()
	ep, ok := b.endpoints[msg.To]
	if !ok {
		b.mu.Unlock()
		// A missing recipient never becomes deliverable by retrying.
		return outcomeDeadLetter, ReasonAgentNotFound
	}
	b.inFlight++
	b.mu.Unlock()

	start := time.Now()
	err := ep.ReceiveMessage(ctx, msg)

	b.mu.Lock()
	b.inFlight--
	b.mu.Unlock()

	if err == nil {
		b.opts.Metrics.MessageDelivered(time.Since(start))
		return outcomeDelivered, ""
	}
	if msg.RetryCount() >= b.opts.MaxRetries {
		return outcomeDeadLetter, err.Error()
	}
	return outcomeRetry, err.Error()
}

// retry backs off min(2^n, 60) units and republishes through the normal
// publish path. The retry ceiling is enforced in attempt, nowhere else.
func (b *Bus) retry(ctx context.Context, msg *Message, cause string) {
	n := msg.bumpRetry()
	b.stats.incRetried()
	b.opts.Metrics.MessageRetried()
	delay := backoff(n, b.opts.BackoffUnit)
	b.log.Warn("delivery failed, retrying",
		"msg", msg.ID, "to", msg.To, "attempt", n, "delay", delay, "cause", cause)
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}
	b.Publish(ctx, msg)
}

func backoff(attempt int, unit time.Duration) time.Duration {
	if attempt > 5 {
		return 60 * unit
	}
	d := 1 << attempt
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * unit
}

func (b *Bus) deadLetter(msg *Message, reason string) {
	b.dead.add(msg, reason)
	b.stats.incDeadLettered()
	b.opts.Metrics.MessageDeadLettered(reason)
	b.log.Warn("message dead-lettered", "msg", msg.ID, "to", msg.To, "reason", reason)
}

// Stats returns a snapshot of the aggregate counters.
func (b *Bus) Stats() Stats { return b.stats.snapshot() }

// DeadLetters returns the current dead-letter entries, oldest first.
func (b *Bus) DeadLetters() []DeadLetter { return b.dead.snapshot() }

// QueueDepth returns the number of messages pending for one agent.
func (b *Bus) QueueDepth(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mailboxes[agentID])
}

// QueueStatus returns the depths of every queue the bus owns.
func (b *Bus) QueueStatus() QueueStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := QueueStatus{
		TotalAgents:     len(b.endpoints),
		PriorityDepth:   b.prio.Len(),
		DeadLetterDepth: b.dead.len(),
		InFlight:        b.inFlight,
		Queues:          make(map[string]int, len(b.mailboxes)),
	}
	for id, q := range b.mailboxes {
		st.Queues[id] = len(q)
		st.TotalQueued += len(q)
	}
	return st
}

// prioItem orders urgent traffic by (priority, timestamp, insertion seq);
// the sequence number makes the order strict and total.
type prioItem struct {
	msg *Message
	seq uint64
}

type prioQueue []*prioItem

func (q prioQueue) Len() int { return len(q) }

func (q prioQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.msg.Priority != b.msg.Priority {
		return a.msg.Priority < b.msg.Priority
	}
	if !a.msg.Timestamp.Equal(b.msg.Timestamp) {
		return a.msg.Timestamp.Before(b.msg.Timestamp)
	}
	return a.seq < b.seq
}

func (q prioQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *prioQueue) Push(x any) { *q = append(*q, x.(*prioItem)) }

func (q *prioQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}
