package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the benchmark service.
type Metrics struct {
	Registry *prometheus.Registry

	RunsTotal          *prometheus.CounterVec
	RunDuration        *prometheus.HistogramVec
	RunRatio           prometheus.Histogram
	ActiveSessions     prometheus.Gauge
	ImagePulls         *prometheus.CounterVec
	Diagnostics        *prometheus.CounterVec
	SubmissionsTotal   *prometheus.CounterVec
	GitHubCalls        *prometheus.CounterVec
	DeviceFlowRequests *prometheus.CounterVec
	RequestsInFlight   prometheus.Gauge
	WorkloadSizeBytes  prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfbench",
				Name:      "runs_total",
				Help:      "Total number of benchmark runs by status.",
			},
			[]string{"status"},
		),

		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "perfbench",
				Name:      "run_duration_seconds",
				Help:      "Wall time of benchmark runs, image pull excluded.",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400, 3600},
			},
			[]string{"status"},
		),

		RunRatio: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "perfbench",
				Name:      "run_ratio",
				Help:      "After/before mean ratio of completed runs.",
				Buckets:   []float64{0.25, 0.5, 0.75, 0.9, 0.95, 1, 1.05, 1.1, 1.25, 1.5, 2},
			},
		),

		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "perfbench",
				Name:      "active_sessions",
				Help:      "Number of benchmark sessions currently running.",
			},
		),

		ImagePulls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfbench",
				Name:      "image_pulls_total",
				Help:      "Image pulls by result.",
			},
			[]string{"result"},
		),

		Diagnostics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfbench",
				Name:      "diagnostics_total",
				Help:      "Transcript diagnostics raised by pattern.",
			},
			[]string{"pattern"},
		),

		SubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfbench",
				Subsystem: "publish",
				Name:      "submissions_total",
				Help:      "Submissions by outcome state.",
			},
			[]string{"state"},
		),

		GitHubCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfbench",
				Subsystem: "publish",
				Name:      "github_calls_total",
				Help:      "GitHub REST calls by endpoint and status code.",
			},
			[]string{"endpoint", "status"},
		),

		DeviceFlowRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "perfbench",
				Subsystem: "publish",
				Name:      "device_flow_requests_total",
				Help:      "OAuth device flow requests by kind and result.",
			},
			[]string{"kind", "result"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "perfbench",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		WorkloadSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "perfbench",
				Name:      "workload_size_bytes",
				Help:      "Size of submitted workload scripts in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunRatio,
		m.ActiveSessions,
		m.ImagePulls,
		m.Diagnostics,
		m.SubmissionsTotal,
		m.GitHubCalls,
		m.DeviceFlowRequests,
		m.RequestsInFlight,
		m.WorkloadSizeBytes,
	)

	return m
}

// RecordRun records metrics for a finished benchmark run.
func (m *Metrics) RecordRun(status string, durationSec float64, ratio *float64) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(durationSec)
	if ratio != nil {
		m.RunRatio.Observe(*ratio)
	}
}

// RecordSubmission records a gatekeeper outcome.
func (m *Metrics) RecordSubmission(state string) {
	m.SubmissionsTotal.WithLabelValues(state).Inc()
}

// RecordGitHubCall records one GitHub REST call.
func (m *Metrics) RecordGitHubCall(endpoint, status string) {
	m.GitHubCalls.WithLabelValues(endpoint, status).Inc()
}

// RecordDeviceFlow records a device code request or token poll.
func (m *Metrics) RecordDeviceFlow(kind, result string) {
	m.DeviceFlowRequests.WithLabelValues(kind, result).Inc()
}

// RecordDiagnostic records a transcript diagnostic.
func (m *Metrics) RecordDiagnostic(pattern string) {
	m.Diagnostics.WithLabelValues(pattern).Inc()
}
