package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-wide instrument set. All methods are safe on a
// nil receiver so components can run without observability wired.
type Metrics struct {
	sagaOutcomes        *prometheus.CounterVec
	sagaDuration        *prometheus.HistogramVec
	gateDrops           *prometheus.CounterVec
	webhookLateArrivals prometheus.Counter
	killSwitchTriggers  *prometheus.CounterVec
	killSwitchActive    prometheus.Gauge
	recoveryRuns        *prometheus.CounterVec
	dlqDepth            prometheus.Gauge
	dlqDead             prometheus.Counter
	tpeeDecisions       *prometheus.CounterVec
	idempotentReplays   *prometheus.CounterVec
	pendingReaped       *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		sagaOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "money_core",
				Subsystem: "saga",
				Name:      "outcomes_total",
				Help:      "Saga outcomes partitioned by event type and result.",
			},
			[]string{"event_type", "result"},
		),
		sagaDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "money_core",
				Subsystem: "saga",
				Name:      "duration_seconds",
				Help:      "End-to-end saga duration by event type.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
		gateDrops: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "money_core",
				Subsystem: "ingress",
				Name:      "drops_total",
				Help:      "Webhook drops partitioned by the guard that dropped them.",
			},
			[]string{"guard"},
		),
		webhookLateArrivals: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "money_core",
				Subsystem: "ingress",
				Name:      "late_arrivals_total",
				Help:      "Webhooks accepted past the late-arrival warning window.",
			},
		),
		killSwitchTriggers: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "money_core",
				Subsystem: "killswitch",
				Name:      "triggers_total",
				Help:      "Kill switch activations partitioned by reason.",
			},
			[]string{"reason"},
		),
		killSwitchActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "money_core",
				Subsystem: "killswitch",
				Name:      "active",
				Help:      "1 while the kill switch is active.",
			},
		),
		recoveryRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "money_core",
				Subsystem: "recovery",
				Name:      "runs_total",
				Help:      "Recovery loop runs partitioned by loop and result.",
			},
			[]string{"loop", "result"},
		),
		dlqDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "money_core",
				Subsystem: "recovery",
				Name:      "dlq_depth",
				Help:      "Current count of unresolved pending actions.",
			},
		),
		dlqDead: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "money_core",
				Subsystem: "recovery",
				Name:      "dlq_dead_total",
				Help:      "Pending actions that exhausted retries.",
			},
		),
		tpeeDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "money_core",
				Subsystem: "tpee",
				Name:      "decisions_total",
				Help:      "Gate decisions partitioned by decision and reason code.",
			},
			[]string{"decision", "reason"},
		),
		idempotentReplays: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "money_core",
				Subsystem: "http",
				Name:      "idempotent_replays_total",
				Help:      "Requests answered from the idempotent response cache.",
			},
			[]string{"endpoint"},
		),
		pendingReaped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "money_core",
				Subsystem: "recovery",
				Name:      "pending_reaped_total",
				Help:      "Pending ledger transactions converged by the reaper.",
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) ObserveSaga(eventType, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.sagaOutcomes.WithLabelValues(eventType, result).Inc()
	m.sagaDuration.WithLabelValues(eventType).Observe(d.Seconds())
}

func (m *Metrics) ObserveGateDrop(guard string) {
	if m == nil {
		return
	}
	m.gateDrops.WithLabelValues(guard).Inc()
}

func (m *Metrics) ObserveLateArrival() {
	if m == nil {
		return
	}
	m.webhookLateArrivals.Inc()
}

func (m *Metrics) ObserveKillSwitch(reason string, active bool) {
	if m == nil {
		return
	}
	if active {
		m.killSwitchTriggers.WithLabelValues(reason).Inc()
		m.killSwitchActive.Set(1)
		return
	}
	m.killSwitchActive.Set(0)
}

func (m *Metrics) ObserveRecoveryRun(loop string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.recoveryRuns.WithLabelValues(loop, result).Inc()
}

func (m *Metrics) SetDLQDepth(n int64) {
	if m == nil {
		return
	}
	m.dlqDepth.Set(float64(n))
}

func (m *Metrics) ObserveDLQDead() {
	if m == nil {
		return
	}
	m.dlqDead.Inc()
}

func (m *Metrics) ObserveTPEEDecision(decision, reason string) {
	if m == nil {
		return
	}
	m.tpeeDecisions.WithLabelValues(decision, reason).Inc()
}

func (m *Metrics) ObserveIdempotentReplay(endpoint string) {
	if m == nil {
		return
	}
	m.idempotentReplays.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) ObservePendingReaped(outcome string) {
	if m == nil {
		return
	}
	m.pendingReaped.WithLabelValues(outcome).Inc()
}
