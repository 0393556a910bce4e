package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the execution service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	RejectedJobs      *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	ImagePulls        *prometheus.CounterVec
	OutputFlushes     prometheus.Counter
	OutputBytes       prometheus.Histogram
	Deliveries        *prometheus.CounterVec
	Connections       prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "replbox",
				Name:      "executions_total",
				Help:      "Executions that reached a terminal state, by language and state.",
			},
			[]string{"language", "state"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "replbox",
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock time from provisioning to cleanup.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"language"},
		),

		RejectedJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "replbox",
				Name:      "rejected_jobs_total",
				Help:      "Jobs rejected before a container existed, by reason.",
			},
			[]string{"reason"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "replbox",
				Name:      "active_executions",
				Help:      "Number of sandboxes currently running.",
			},
		),

		ImagePulls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "replbox",
				Name:      "image_pulls_total",
				Help:      "Image pulls by result.",
			},
			[]string{"result"},
		),

		OutputFlushes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "replbox",
				Name:      "output_flushes_total",
				Help:      "Output events published by the aggregator.",
			},
		),

		OutputBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "replbox",
				Name:      "output_size_bytes",
				Help:      "Total output size per execution.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),

		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "replbox",
				Name:      "deliveries_total",
				Help:      "Best-effort deliveries by direction (input/output) and outcome.",
			},
			[]string{"direction", "outcome"},
		),

		Connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "replbox",
				Subsystem: "ws",
				Name:      "connections",
				Help:      "Open WebSocket connections.",
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.RejectedJobs,
		m.ActiveExecutions,
		m.ImagePulls,
		m.OutputFlushes,
		m.OutputBytes,
		m.Deliveries,
		m.Connections,
	)

	return m
}

// RecordExecution records a finished execution.
func (m *Metrics) RecordExecution(language, state string, durationSec float64, outputBytes int) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(language, state).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
	m.OutputBytes.Observe(float64(outputBytes))
}

// RecordRejected records a job refused before sandbox creation.
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.RejectedJobs.WithLabelValues(reason).Inc()
}

// RecordPull records an image pull outcome.
func (m *Metrics) RecordPull(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.ImagePulls.WithLabelValues(result).Inc()
}

// RecordFlush records one published output unit.
func (m *Metrics) RecordFlush() {
	if m == nil {
		return
	}
	m.OutputFlushes.Inc()
}

// RecordDelivery records a best-effort delivery outcome.
func (m *Metrics) RecordDelivery(direction, outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(direction, outcome).Inc()
}

// ExecutionStarted and ExecutionFinished track the active sandbox gauge.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Inc()
}

func (m *Metrics) ExecutionFinished() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Dec()
}

// ConnectionOpened and ConnectionClosed track the WebSocket gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}
