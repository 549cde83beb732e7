package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Tuma.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Deployment pipeline metrics.
	DeploymentsTotal *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	ProbeAttempts    *prometheus.CounterVec

	// Sandbox control-plane metrics.
	SandboxRequestsTotal   *prometheus.CounterVec
	SandboxRequestDuration *prometheus.HistogramVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveDeployments prometheus.Gauge
	ActiveRequests    prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		DeploymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuma",
			Subsystem: "deploy",
			Name:      "deployments_total",
			Help:      "Total deployment runs by terminal status and error class.",
		}, []string{"status", "class"}),

		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tuma",
			Subsystem: "deploy",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),

		ProbeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuma",
			Subsystem: "deploy",
			Name:      "liveness_probe_attempts_total",
			Help:      "Liveness probe attempts by method and result.",
		}, []string{"method", "result"}),

		SandboxRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuma",
			Subsystem: "sandbox",
			Name:      "requests_total",
			Help:      "Total sandbox control-plane API requests.",
		}, []string{"op", "status"}),

		SandboxRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tuma",
			Subsystem: "sandbox",
			Name:      "request_duration_seconds",
			Help:      "Sandbox control-plane request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"op"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuma",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tuma",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveDeployments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tuma",
			Name:      "active_deployments",
			Help:      "Number of deployment runs currently in flight.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tuma",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.DeploymentsTotal,
		m.StageDuration,
		m.ProbeAttempts,
		m.SandboxRequestsTotal,
		m.SandboxRequestDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveDeployments,
		m.ActiveRequests,
	)

	return m
}
