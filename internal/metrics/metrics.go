// Package metrics provides Prometheus instrumentation for the gatez server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only gatez metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matt-riley/gatez/internal/core"
)

// Metrics holds all Prometheus collectors used by the gatez server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	EvaluationsTotal    *prometheus.CounterVec
	RegistrySize        prometheus.Gauge
	SnapshotWritesTotal *prometheus.CounterVec
	AuthFailuresTotal   prometheus.Counter
}

// New creates and registers all gatez metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatez_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatez_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatez_flag_evaluations_total",
			Help: "Total number of flag evaluations.",
		}, []string{"result", "reason"}),

		RegistrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatez_registry_size",
			Help: "Number of flag definitions in the in-memory registry.",
		}),

		SnapshotWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatez_snapshot_writes_total",
			Help: "Total number of background snapshot writes.",
		}, []string{"outcome"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatez_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EvaluationsTotal,
		m.RegistrySize,
		m.SnapshotWritesTotal,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one served request. Wired into the HTTP
// handler as its request observer.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, elapsed time.Duration) {
	labels := []string{method, route, strconv.Itoa(status)}
	m.HTTPRequestsTotal.WithLabelValues(labels...).Inc()
	m.HTTPRequestDuration.WithLabelValues(labels...).Observe(elapsed.Seconds())
}

// RecordEvaluation increments the evaluation counter. Wired into the engine
// as an evaluation hook.
func (m *Metrics) RecordEvaluation(_ string, decision core.Decision) {
	m.EvaluationsTotal.WithLabelValues(strconv.FormatBool(decision.Enabled), string(decision.Reason)).Inc()
}

// RecordSnapshotWrite increments the snapshot write counter. Wired into
// the engine as a persist hook.
func (m *Metrics) RecordSnapshotWrite(err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.SnapshotWritesTotal.WithLabelValues(outcome).Inc()
}

// SetRegistrySize updates the registry size gauge.
func (m *Metrics) SetRegistrySize(size int) {
	m.RegistrySize.Set(float64(size))
}

// IncAuthFailures increments the auth failure counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}
