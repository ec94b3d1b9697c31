// Package metrics provides Prometheus metrics for the coordination server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	LockDecisions   *prometheus.CounterVec
	AgentsActive    prometheus.Gauge
	AgentsReaped    prometheus.Counter
	MemoriesStored  *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordd_requests_total",
				Help: "Total number of API requests by route and status.",
			},
			[]string{"route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordd_request_duration_seconds",
				Help:    "Request processing duration by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		LockDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordd_lock_decisions_total",
				Help: "Lock acquisition outcomes by lock type and result.",
			},
			[]string{"lock_type", "result"},
		),
		AgentsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordd_agents_active",
				Help: "Number of registered, unexpired agents.",
			},
		),
		AgentsReaped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "coordd_agents_reaped_total",
				Help: "Total agents expired by the reaper for missed heartbeats.",
			},
		),
		MemoriesStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordd_memories_stored_total",
				Help: "Total memories stored by type.",
			},
			[]string{"type"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordd_errors_total",
				Help: "Total errors by component and kind.",
			},
			[]string{"component", "kind"},
		),
		registry: reg,
	}

	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.RequestDuration)
	reg.MustRegister(m.LockDecisions)
	reg.MustRegister(m.AgentsActive)
	reg.MustRegister(m.AgentsReaped)
	reg.MustRegister(m.MemoriesStored)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest increments the request counter.
func (m *Metrics) RecordRequest(route, status string) {
	m.RequestsTotal.WithLabelValues(route, status).Inc()
}

// ObserveDuration records request duration.
func (m *Metrics) ObserveDuration(route string, seconds float64) {
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

// RecordLockDecision increments the lock outcome counter.
func (m *Metrics) RecordLockDecision(lockType, result string) {
	m.LockDecisions.WithLabelValues(lockType, result).Inc()
}

// RecordMemory increments the stored-memory counter.
func (m *Metrics) RecordMemory(memType string) {
	m.MemoriesStored.WithLabelValues(memType).Inc()
}

// SetAgentsActive sets the live-agent gauge.
func (m *Metrics) SetAgentsActive(count int) {
	m.AgentsActive.Set(float64(count))
}

// RecordReaped counts agents expired for missed heartbeats.
func (m *Metrics) RecordReaped(count int) {
	m.AgentsReaped.Add(float64(count))
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, kind string) {
	m.ErrorsTotal.WithLabelValues(component, kind).Inc()
}
