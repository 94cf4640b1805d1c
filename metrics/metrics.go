// Package metrics exposes Prometheus collectors for bus and orchestrator
// activity. Collectors are registered against an injected registerer so tests
// can supply a fresh registry.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by the bus and the orchestrator.
// A nil *Metrics is valid and turns every recording method into a no-op.
type Metrics struct {
	published    *prometheus.CounterVec
	delivered    prometheus.Counter
	retried      prometheus.Counter
	deadLettered *prometheus.CounterVec
	deliveryTime prometheus.Histogram

	tasksSubmitted prometheus.Counter
	tasksFinished  *prometheus.CounterVec
	workersActive  prometheus.Gauge
	queueDepth     prometheus.Gauge
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the package-level instance registered with the global
// Prometheus registry. Created once to avoid duplicate registration panics
// when several components are instantiated in the same process.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew constructs a Metrics instance using the provided registerer,
// panicking on registration errors the way promauto does. Collectors already
// registered with an identical descriptor are reused.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bittrading",
			Subsystem: "bus",
			Name:      "messages_published_total",
			Help:      "Messages accepted by Publish, by message kind.",
		}, []string{"kind"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bittrading",
			Subsystem: "bus",
			Name:      "messages_delivered_total",
			Help:      "Messages successfully handed to their recipient.",
		}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bittrading",
			Subsystem: "bus",
			Name:      "messages_retried_total",
			Help:      "Delivery attempts that were retried with backoff.",
		}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bittrading",
			Subsystem: "bus",
			Name:      "messages_dead_lettered_total",
			Help:      "Messages moved to the dead-letter buffer, by reason.",
		}, []string{"reason"}),
		deliveryTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bittrading",
			Subsystem: "bus",
			Name:      "delivery_duration_seconds",
			Help:      "Time spent in a recipient's receive entry point.",
			Buckets:   prometheus.DefBuckets,
		}),
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bittrading",
			Subsystem: "orchestrator",
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted into the distribution queue.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bittrading",
			Subsystem: "orchestrator",
			Name:      "tasks_finished_total",
			Help:      "Tasks reaching a terminal status.",
		}, []string{"status"}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bittrading",
			Subsystem: "orchestrator",
			Name:      "workers_active",
			Help:      "Workers currently registered in the directory.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bittrading",
			Subsystem: "orchestrator",
			Name:      "tasks_queued",
			Help:      "Tasks waiting for assignment.",
		}),
	}

	register(reg, &m.published)
	registerCollector(reg, &m.delivered)
	registerCollector(reg, &m.retried)
	register(reg, &m.deadLettered)
	registerHistogram(reg, &m.deliveryTime)
	registerCollector(reg, &m.tasksSubmitted)
	register(reg, &m.tasksFinished)
	registerGauge(reg, &m.workersActive)
	registerGauge(reg, &m.queueDepth)
	return m
}

func register(reg prometheus.Registerer, cv **prometheus.CounterVec) {
	if err := reg.Register(*cv); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			*cv = already.ExistingCollector.(*prometheus.CounterVec)
			return
		}
		panic(err)
	}
}

func registerCollector(reg prometheus.Registerer, c *prometheus.Counter) {
	if err := reg.Register(*c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			*c = already.ExistingCollector.(prometheus.Counter)
			return
		}
		panic(err)
	}
}

func registerGauge(reg prometheus.Registerer, g *prometheus.Gauge) {
	if err := reg.Register(*g); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			*g = already.ExistingCollector.(prometheus.Gauge)
			return
		}
		panic(err)
	}
}

func registerHistogram(reg prometheus.Registerer, h *prometheus.Histogram) {
	if err := reg.Register(*h); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			*h = already.ExistingCollector.(prometheus.Histogram)
			return
		}
		panic(err)
	}
}

// MessagePublished records one accepted publish.
func (m *Metrics) MessagePublished(kind string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(kind).Inc()
}

// MessageDelivered records one successful delivery and its duration.
func (m *Metrics) MessageDelivered(d time.Duration) {
	if m == nil {
		return
	}
	m.delivered.Inc()
	m.deliveryTime.Observe(d.Seconds())
}

// MessageRetried records one retried delivery attempt.
func (m *Metrics) MessageRetried() {
	if m == nil {
		return
	}
	m.retried.Inc()
}

// MessageDeadLettered records one dead-lettered message.
func (m *Metrics) MessageDeadLettered(reason string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(reason).Inc()
}

// TaskSubmitted records one task entering the queue.
func (m *Metrics) TaskSubmitted() {
	if m == nil {
		return
	}
	m.tasksSubmitted.Inc()
}

// TaskFinished records one task reaching a terminal status.
func (m *Metrics) TaskFinished(status string) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(status).Inc()
}

// SetWorkersActive updates the registered-worker gauge.
func (m *Metrics) SetWorkersActive(n int) {
	if m == nil {
		return
	}
	m.workersActive.Set(float64(n))
}

// SetTasksQueued updates the queued-task gauge.
func (m *Metrics) SetTasksQueued(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
