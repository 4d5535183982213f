// Package metrics provides Prometheus instrumentation for the showif server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only showif metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the showif server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	CacheItems          *prometheus.GaugeVec
	CacheLoadsTotal     prometheus.Counter
	CacheInvalidations  prometheus.Counter
	VisibilityTotal     *prometheus.CounterVec
	GraphRejections     *prometheus.CounterVec
	ConditionWarnings   *prometheus.CounterVec
	DependencyMapSecs   prometheus.Histogram
	AuthFailuresTotal   prometheus.Counter
	ActiveStreams       prometheus.Gauge
}

// New creates and registers all showif metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "showif_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "showif_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		CacheItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "showif_cache_items",
			Help: "Number of items in the cached snapshot of a question-set.",
		}, []string{"set_id"}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "showif_cache_loads_total",
			Help: "Total number of snapshot loads from the database.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "showif_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered cache invalidations.",
		}),

		VisibilityTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "showif_visibility_items_total",
			Help: "Total number of per-item visibility decisions.",
		}, []string{"visible"}),

		GraphRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "showif_graph_rejections_total",
			Help: "Total number of condition writes rejected by graph validation.",
		}, []string{"code"}),

		ConditionWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "showif_condition_warnings_total",
			Help: "Total number of warnings surfaced by soft revalidation.",
		}, []string{"code"}),

		DependencyMapSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "showif_dependency_map_build_seconds",
			Help:    "Time spent building dependency maps.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "showif_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "showif_active_streams",
			Help: "Number of active event stream connections.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CacheItems,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
		m.VisibilityTotal,
		m.GraphRejections,
		m.ConditionWarnings,
		m.DependencyMapSecs,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one completed HTTP request against the matched
// route pattern.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(duration.Seconds())
}

// RecordVisibility increments the per-item visibility decision counter.
func (m *Metrics) RecordVisibility(visible bool) {
	m.VisibilityTotal.WithLabelValues(strconv.FormatBool(visible)).Inc()
}

// RecordGraphRejection increments the rejection counter for a validation code.
func (m *Metrics) RecordGraphRejection(code string) {
	m.GraphRejections.WithLabelValues(code).Inc()
}

// RecordConditionWarning increments the soft-revalidation warning counter.
func (m *Metrics) RecordConditionWarning(code string) {
	m.ConditionWarnings.WithLabelValues(code).Inc()
}

// ObserveDependencyMapBuild records the time taken to build a dependency map.
func (m *Metrics) ObserveDependencyMapBuild(d time.Duration) {
	m.DependencyMapSecs.Observe(d.Seconds())
}

// SetCacheItems updates the cached item count gauge for the given set.
func (m *Metrics) SetCacheItems(setID string, size float64) {
	m.CacheItems.WithLabelValues(setID).Set(size)
}

// ResetCacheItems clears all per-set cache gauges.
func (m *Metrics) ResetCacheItems() {
	m.CacheItems.Reset()
}

// IncCacheLoads increments the snapshot load counter.
func (m *Metrics) IncCacheLoads() {
	m.CacheLoadsTotal.Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}
