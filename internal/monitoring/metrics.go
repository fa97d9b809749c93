// Package monitoring provides Prometheus metrics for the backend service:
// HTTP request metrics, session lifecycle counters, execution unit and
// terminal gauges, and execution durations.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session lifecycle
	SessionsCreated   prometheus.Counter
	SessionsOpened    prometheus.Counter
	SessionsSuspended prometheus.Counter
	SessionsDeleted   prometheus.Counter

	// Execution units and terminals
	UnitsActive         prometheus.Gauge
	TerminalAttachments prometheus.Gauge

	// One-shot executions
	ExecDuration *prometheus.HistogramVec
}

// NewMetrics creates a metrics collector with its own registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vibe_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vibe_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "vibe_sessions_created_total",
			Help: "Sessions created",
		}),
		SessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "vibe_sessions_opened_total",
			Help: "Sessions opened or resumed",
		}),
		SessionsSuspended: factory.NewCounter(prometheus.CounterOpts{
			Name: "vibe_sessions_suspended_total",
			Help: "Sessions suspended",
		}),
		SessionsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "vibe_sessions_deleted_total",
			Help: "Sessions deleted",
		}),
		UnitsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vibe_units_active",
			Help: "Execution units currently running",
		}),
		TerminalAttachments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vibe_terminal_attachments",
			Help: "Open terminal attachments",
		}),
		ExecDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vibe_exec_duration_seconds",
			Help:    "One-shot execution duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"status"}),
	}
}

// Handler returns the Prometheus exposition handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one completed HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordExecution records one completed one-shot execution
func (m *Metrics) RecordExecution(status string, duration time.Duration) {
	m.ExecDuration.WithLabelValues(status).Observe(duration.Seconds())
}
