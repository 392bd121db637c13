// Package metrics provides Prometheus metrics for the mapping agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Probe metrics
	ProbesIssued    prometheus.Counter
	ProbeOutcomes   *prometheus.CounterVec
	ProbeQueueDepth prometheus.Gauge

	// Delivery metrics
	SubmitAttempts  *prometheus.CounterVec
	SubmitOutcomes  *prometheus.CounterVec
	PendingTasks    prometheus.Gauge
	AbandonedTasks  prometheus.Gauge
	SubmitDuration  prometheus.Histogram
	StoreSaveErrors prometheus.Counter

	// Host bridge
	HostMessages *prometheus.CounterVec
}

// New builds the collectors on a private registry so several instances can
// coexist in one process.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mappatura"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ProbesIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_issued_total",
			Help:      "Total number of probe commands sent to the host",
		}),
		ProbeOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_outcomes_total",
			Help:      "Probe outcomes by kind (record, timeout, rejected, abandoned, stale, exhausted)",
		}, []string{"outcome"}),
		ProbeQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "probe_queue_depth",
			Help:      "Probes waiting for dispatch",
		}),
		SubmitAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submit_attempts_total",
			Help:      "Submission attempts by classification",
		}, []string{"class"}),
		SubmitOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submit_outcomes_total",
			Help:      "Terminal submission outcomes",
		}, []string{"outcome"}),
		PendingTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_tasks",
			Help:      "Delivery tasks queued or in flight",
		}),
		AbandonedTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "abandoned_tasks",
			Help:      "Delivery tasks parked after a terminal failure",
		}),
		SubmitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_duration_seconds",
			Help:      "Time spent in a single submitPlot call",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),
		StoreSaveErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_save_errors_total",
			Help:      "Failed rewrites of the durable pending store",
		}),
		HostMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_messages_total",
			Help:      "Messages exchanged with the host bridge",
		}, []string{"direction", "type"}),
	}
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ProbeIssued() {
	if m == nil {
		return
	}
	m.ProbesIssued.Inc()
}

func (m *Metrics) ProbeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ProbeOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetProbeQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.ProbeQueueDepth.Set(float64(depth))
}

func (m *Metrics) SubmitAttempt(class string, seconds float64) {
	if m == nil {
		return
	}
	m.SubmitAttempts.WithLabelValues(class).Inc()
	m.SubmitDuration.Observe(seconds)
}

func (m *Metrics) SubmitOutcome(outcome string) {
	if m == nil {
		return
	}
	m.SubmitOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetTaskCounts(pending, abandoned int) {
	if m == nil {
		return
	}
	m.PendingTasks.Set(float64(pending))
	m.AbandonedTasks.Set(float64(abandoned))
}

func (m *Metrics) StoreSaveFailed() {
	if m == nil {
		return
	}
	m.StoreSaveErrors.Inc()
}

func (m *Metrics) HostMessage(direction, kind string) {
	if m == nil {
		return
	}
	m.HostMessages.WithLabelValues(direction, kind).Inc()
}
