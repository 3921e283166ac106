// Package telemetry provides logging and metrics for the stagehand server.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for sessions, client connections and render jobs.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive    prometheus.Gauge
	sessionStarts     *prometheus.CounterVec // backend, result
	sessionReady      prometheus.Histogram
	syncFailures      prometheus.Counter
	clientConnections prometheus.Gauge
	renderJobs        *prometheus.CounterVec // status
	renderJobsActive  prometheus.Gauge
}

var readyBuckets = []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300}

// NewMetrics creates a new Metrics collector with its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagehand_sessions_active",
			Help: "Sessions currently registered.",
		}),
		sessionStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_session_starts_total",
			Help: "Session start attempts by backend and result.",
		}, []string{"backend", "result"}),
		sessionReady: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stagehand_session_ready_seconds",
			Help:    "Time from unit creation to readiness.",
			Buckets: readyBuckets,
		}),
		syncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagehand_session_sync_failures_total",
			Help: "Best-effort state syncs that failed during teardown.",
		}),
		clientConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagehand_client_connections",
			Help: "Connected websocket clients.",
		}),
		renderJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_render_jobs_total",
			Help: "Render job state transitions by resulting status.",
		}, []string{"status"}),
		renderJobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagehand_render_jobs_active",
			Help: "Render jobs that are pending or running.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsActive,
		m.sessionStarts,
		m.sessionReady,
		m.syncFailures,
		m.clientConnections,
		m.renderJobs,
		m.renderJobsActive,
	)
	return m
}

// RecordSessionStart records the outcome of a session start attempt.
func (m *Metrics) RecordSessionStart(backend, result string, readyAfter time.Duration) {
	if m == nil {
		return
	}
	m.sessionStarts.WithLabelValues(backend, result).Inc()
	if result == "ok" {
		m.sessionReady.Observe(readyAfter.Seconds())
	}
}

// SetSessionsActive sets the active session gauge.
func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// RecordSyncFailure counts a failed teardown sync.
func (m *Metrics) RecordSyncFailure() {
	if m == nil {
		return
	}
	m.syncFailures.Inc()
}

// ClientConnected adjusts the connected-client gauge by delta.
func (m *Metrics) ClientConnected(delta int) {
	if m == nil {
		return
	}
	m.clientConnections.Add(float64(delta))
}

// RecordRenderStatus counts a render job entering status.
func (m *Metrics) RecordRenderStatus(status string) {
	if m == nil {
		return
	}
	m.renderJobs.WithLabelValues(status).Inc()
}

// SetRenderJobsActive sets the active render job gauge.
func (m *Metrics) SetRenderJobsActive(n int) {
	if m == nil {
		return
	}
	m.renderJobsActive.Set(float64(n))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler that serves Prometheus-format metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
