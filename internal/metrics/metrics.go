// Package metrics provides Prometheus metrics for the remote-control server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus instruments.
type Metrics struct {
	WSConnections     prometheus.Gauge
	WSFrames          *prometheus.CounterVec
	JobsActive        prometheus.Gauge
	JobsTotal         *prometheus.CounterVec
	JobDuration       prometheus.Histogram
	DeltasTotal       *prometheus.CounterVec
	PushNotifications *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		WSConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "claude_remote_ws_connections",
				Help: "Number of open WebSocket connections.",
			},
		),
		WSFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claude_remote_ws_frames_total",
				Help: "Total WebSocket frames by direction.",
			},
			[]string{"direction"},
		),
		JobsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "claude_remote_jobs_active",
				Help: "Number of agent jobs currently running.",
			},
		),
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claude_remote_jobs_total",
				Help: "Total finished agent jobs by terminal status.",
			},
			[]string{"status"},
		),
		JobDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "claude_remote_job_duration_seconds",
				Help:    "Agent job duration from spawn to terminal.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		),
		DeltasTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claude_remote_deltas_total",
				Help: "Total stream deltas parsed from the agent by type.",
			},
			[]string{"type"},
		),
		PushNotifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claude_remote_push_notifications_total",
				Help: "Total push notification deliveries by result.",
			},
			[]string{"result"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claude_remote_http_requests_total",
				Help: "Total HTTP requests by method, route and status.",
			},
			[]string{"method", "path", "status"},
		),
		registry: reg,
	}

	reg.MustRegister(m.WSConnections)
	reg.MustRegister(m.WSFrames)
	reg.MustRegister(m.JobsActive)
	reg.MustRegister(m.JobsTotal)
	reg.MustRegister(m.JobDuration)
	reg.MustRegister(m.DeltasTotal)
	reg.MustRegister(m.PushNotifications)
	reg.MustRegister(m.HTTPRequests)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFrame increments the frame counter for "inbound" or "outbound".
func (m *Metrics) RecordFrame(direction string) {
	m.WSFrames.WithLabelValues(direction).Inc()
}

// RecordJob records a finished job with its terminal status and duration.
func (m *Metrics) RecordJob(status string, seconds float64) {
	m.JobsTotal.WithLabelValues(status).Inc()
	m.JobDuration.Observe(seconds)
}

// RecordDelta increments the delta counter for a stream delta type.
func (m *Metrics) RecordDelta(deltaType string) {
	m.DeltasTotal.WithLabelValues(deltaType).Inc()
}

// RecordPush increments the push delivery counter ("ok", "gone" or "error").
func (m *Metrics) RecordPush(result string) {
	m.PushNotifications.WithLabelValues(result).Inc()
}
