// Package metrics exposes the Prometheus collectors that report control
// plane activity. Every method is nil-safe so components can run without
// metrics in tests.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "steward"

// Metrics holds every collector the control plane reports.
type Metrics struct {
	loopDetections   *prometheus.CounterVec
	externalFailures *prometheus.CounterVec
	degradingResets  prometheus.Counter
	gatesCreated     *prometheus.CounterVec
	gatesResolved    *prometheus.CounterVec
	gatesPending     prometheus.Gauge
	timeouts         *prometheus.CounterVec
	monitoredTasks   prometheus.Gauge
	queueDepth       prometheus.Gauge
	transitions      *prometheus.CounterVec
	collabRequests   *prometheus.CounterVec
	collabLoops      prometheus.Counter
	oracleCalls      *prometheus.CounterVec
	oracleDuration   prometheus.Histogram
	decisions        *prometheus.CounterVec
	knowledgeDropped prometheus.Counter
	eventsDropped    prometheus.Counter
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew constructs Metrics registered with reg. Collectors that are
// already registered are reused; any other registration error panics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		loopDetections: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "detections_total",
			Help: "Loops detected, by agent role and error kind.",
		}, []string{"role", "kind"})),
		externalFailures: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "external_failures_total",
			Help: "Failures classified as external and excluded from loop windows.",
		}, []string{"kind"})),
		degradingResets: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "degrading_resets_total",
			Help: "Loop windows reset because the failure changed.",
		})),
		gatesCreated: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gate", Name: "created_total",
			Help: "Gates raised, by type.",
		}, []string{"type"})),
		gatesResolved: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gate", Name: "resolved_total",
			Help: "Gates resolved, by type and resolution.",
		}, []string{"type", "status"})),
		gatesPending: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gate", Name: "pending",
			Help: "Gates awaiting a human.",
		})),
		timeouts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "timeout", Name: "expired_total",
			Help: "Tasks that exceeded their time budget, by role.",
		}, []string{"role"})),
		monitoredTasks: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "timeout", Name: "monitored_tasks",
			Help: "Tasks currently under timeout monitoring.",
		})),
		queueDepth: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Tasks waiting in the queue.",
		})),
		transitions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "agent", Name: "transitions_total",
			Help: "Agent lifecycle transitions, by source and target state.",
		}, []string{"from", "to"})),
		collabRequests: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "collab", Name: "requests_total",
			Help: "Collaboration requests, by category and outcome.",
		}, []string{"category", "outcome"})),
		collabLoops: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "collab", Name: "loops_total",
			Help: "Repetitive agent-to-agent exchanges detected.",
		})),
		oracleCalls: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "oracle", Name: "calls_total",
			Help: "Reasoning oracle calls, by result.",
		}, []string{"result"})),
		oracleDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "oracle", Name: "call_duration_seconds",
			Help:    "Latency of reasoning oracle calls.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		})),
		decisions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "decision", Name: "outcomes_total",
			Help: "Decision engine outcomes.",
		}, []string{"outcome"})),
		knowledgeDropped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "knowledge", Name: "dropped_total",
			Help: "Knowledge records dropped because the capture buffer was full.",
		})),
		eventsDropped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "dropped_total",
			Help: "Control plane events dropped because no observer kept up.",
		})),
	}
}

// register adds c to reg, or returns the collector already registered under
// the same descriptor.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// LoopDetected records a positive loop detection.
func (m *Metrics) LoopDetected(role, kind string) {
	if m == nil {
		return
	}
	m.loopDetections.WithLabelValues(role, kind).Inc()
}

// ExternalFailure records a failure excluded from loop detection.
func (m *Metrics) ExternalFailure(kind string) {
	if m == nil {
		return
	}
	m.externalFailures.WithLabelValues(kind).Inc()
}

// DegradingReset records a loop window reset by a changed failure.
func (m *Metrics) DegradingReset() {
	if m == nil {
		return
	}
	m.degradingResets.Inc()
}

// GateCreated records a new gate.
func (m *Metrics) GateCreated(gateType string) {
	if m == nil {
		return
	}
	m.gatesCreated.WithLabelValues(gateType).Inc()
	m.gatesPending.Inc()
}

// GateResolved records a resolved gate.
func (m *Metrics) GateResolved(gateType, status string) {
	if m == nil {
		return
	}
	m.gatesResolved.WithLabelValues(gateType, status).Inc()
	m.gatesPending.Dec()
}

// TimeoutExpired records a task that ran past its budget.
func (m *Metrics) TimeoutExpired(role string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(role).Inc()
}

// SetMonitoredTasks reports the timeout registry size.
func (m *Metrics) SetMonitoredTasks(n int) {
	if m == nil {
		return
	}
	m.monitoredTasks.Set(float64(n))
}

// SetQueueDepth reports the task queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// AgentTransition records a lifecycle transition.
func (m *Metrics) AgentTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// CollabRequest records a routed (or failed) collaboration request.
func (m *Metrics) CollabRequest(category, outcome string) {
	if m == nil {
		return
	}
	m.collabRequests.WithLabelValues(category, outcome).Inc()
}

// CollabLoop records a detected collaboration loop.
func (m *Metrics) CollabLoop() {
	if m == nil {
		return
	}
	m.collabLoops.Inc()
}

// OracleCall records one oracle call and its latency.
func (m *Metrics) OracleCall(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.oracleCalls.WithLabelValues(result).Inc()
	m.oracleDuration.Observe(d.Seconds())
}

// Decision records a decision engine outcome.
func (m *Metrics) Decision(outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome).Inc()
}

// KnowledgeDropped records a dropped knowledge record.
func (m *Metrics) KnowledgeDropped() {
	if m == nil {
		return
	}
	m.knowledgeDropped.Inc()
}

// EventDropped records a dropped control plane event.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
