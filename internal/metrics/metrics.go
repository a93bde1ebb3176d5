// Package metrics exposes the pipeline's Prometheus collectors. All
// collectors are registered on a private registry so tests can create
// as many instances as they need without duplicate-registration panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the pipeline's instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	JobsAdmitted   prometheus.Counter
	JobsRejected   *prometheus.CounterVec
	AttemptOutcome *prometheus.CounterVec
	AttemptLatency *prometheus.HistogramVec
	QueueDepth     *prometheus.GaugeVec
	InFlight       prometheus.Gauge
	RolloutPercent prometheus.Gauge
	RollbackTotal  *prometheus.CounterVec
	QuotaDenied    *prometheus.CounterVec
	SuppressedHits prometheus.Counter
}

// New builds and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		JobsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mailroom",
			Name:      "jobs_admitted_total",
			Help:      "Delivery jobs accepted into the queue.",
		}),
		JobsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailroom",
			Name:      "jobs_rejected_total",
			Help:      "Enqueue requests rejected at admission.",
		}, []string{"reason"}),
		AttemptOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailroom",
			Name:      "delivery_attempts_total",
			Help:      "Delivery attempts by classified outcome.",
		}, []string{"outcome"}),
		AttemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mailroom",
			Name:      "delivery_attempt_duration_ms",
			Help:      "SMTP delivery attempt duration in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}, []string{"outcome"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mailroom",
			Name:      "queue_depth",
			Help:      "Jobs currently in each queue state.",
		}, []string{"state"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mailroom",
			Name:      "inflight_deliveries",
			Help:      "Delivery attempts currently executing.",
		}),
		RolloutPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mailroom",
			Name:      "rollout_percent",
			Help:      "Current pipeline rollout percentage.",
		}),
		RollbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailroom",
			Name:      "rollbacks_total",
			Help:      "Automatic rollout reductions by trigger.",
		}, []string{"trigger"}),
		QuotaDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailroom",
			Name:      "quota_denied_total",
			Help:      "Enqueue requests denied by a quota tier.",
		}, []string{"tier"}),
		SuppressedHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mailroom",
			Name:      "suppression_hits_total",
			Help:      "Enqueue requests rejected by the suppression list.",
		}),
	}

	reg.MustRegister(
		m.JobsAdmitted, m.JobsRejected,
		m.AttemptOutcome, m.AttemptLatency,
		m.QueueDepth, m.InFlight,
		m.RolloutPercent, m.RollbackTotal,
		m.QuotaDenied, m.SuppressedHits,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAttempt records one classified attempt and its latency.
func (m *Metrics) ObserveAttempt(outcome string, durationMs int64) {
	m.AttemptOutcome.WithLabelValues(outcome).Inc()
	m.AttemptLatency.WithLabelValues(outcome).Observe(float64(durationMs))
}
