// Package metrics holds the Prometheus instruments of the bridge. A nil *Metrics is
// valid and records nothing, so components can be built without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "smartpots"

type Metrics struct {
	telemetry   *prometheus.CounterVec
	commands    *prometheus.CounterVec
	correlation *prometheus.CounterVec
	latency     prometheus.Histogram
	pending     prometheus.Gauge
	ledger      *prometheus.CounterVec
}

// New registers every instrument on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		telemetry: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_messages_total",
			Help:      "Inbound device messages by kind and routing result.",
		}, []string{"kind", "result"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands published to pots by action and result.",
		}, []string{"action", "result"}),
		correlation: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_requests_total",
			Help:      "Correlated device requests by result.",
		}, []string{"result"}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "correlation_reply_seconds",
			Help:      "Time from publishing a correlated request to its reply.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "correlation_pending",
			Help:      "Correlated requests waiting for a reply.",
		}),
		ledger: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_outcomes_total",
			Help:      "Watering session ledger outcomes.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Telemetry(kind, result string) {
	if m == nil {
		return
	}
	m.telemetry.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Command(action, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(action, result).Inc()
}

func (m *Metrics) Correlation(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.correlation.WithLabelValues(result).Inc()
	if result == "ok" {
		m.latency.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) Pending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) Ledger(outcome string) {
	if m == nil {
		return
	}
	m.ledger.WithLabelValues(outcome).Inc()
}
