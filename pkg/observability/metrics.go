package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	AuthzDecisionsTotal     *prometheus.CounterVec
	AuthzResolutionDuration *prometheus.HistogramVec
	GateDenialsTotal        *prometheus.CounterVec
	GrantMutationsTotal     *prometheus.CounterVec
	TenantResolutionsTotal  *prometheus.CounterVec
	ProvisioningJobsTotal   *prometheus.CounterVec
	ProvisioningQueueDepth  prometheus.Gauge

	// Cache metrics
	CacheHitsTotal          *prometheus.CounterVec
	CacheMissesTotal        *prometheus.CounterVec
	CacheInvalidationsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campusgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		AuthzDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusgate_authz_decisions_total",
				Help: "Authorization decisions by check kind and outcome",
			},
			[]string{"check", "outcome"},
		),
		AuthzResolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campusgate_authz_resolution_duration_seconds",
				Help:    "Time spent computing effective permissions from the ledger",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"source"},
		),
		GateDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusgate_gate_denials_total",
				Help: "Requests denied by the access policy gate, by reason",
			},
			[]string{"reason"},
		),
		GrantMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusgate_grant_mutations_total",
				Help: "Grant ledger mutations by kind and result",
			},
			[]string{"kind", "result"},
		),
		TenantResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusgate_tenant_resolutions_total",
				Help: "Tenant resolution outcomes by source",
			},
			[]string{"source"},
		),
		ProvisioningJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusgate_provisioning_jobs_total",
				Help: "Tenant provisioning jobs by status",
			},
			[]string{"status"},
		),
		ProvisioningQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campusgate_provisioning_queue_depth",
				Help: "Tenants waiting for role provisioning",
			},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusgate_permission_cache_hits_total",
				Help: "Permission cache hits",
			},
			[]string{"backend"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusgate_permission_cache_misses_total",
				Help: "Permission cache misses",
			},
			[]string{"backend"},
		),
		CacheInvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusgate_permission_cache_invalidations_total",
				Help: "Permission cache invalidations by scope",
			},
			[]string{"backend", "scope"},
		),

		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campusgate_db_connections_open",
				Help: "Number of open database connections",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campusgate_db_connections_in_use",
				Help: "Number of database connections in use",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campusgate_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthzDecisionsTotal,
		m.AuthzResolutionDuration,
		m.GateDenialsTotal,
		m.GrantMutationsTotal,
		m.TenantResolutionsTotal,
		m.ProvisioningJobsTotal,
		m.ProvisioningQueueDepth,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheInvalidationsTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBConnectionsIdle,
	)

	return m
}

// ObserveDecision records an authorization decision. err wins over allowed.
func (m *Metrics) ObserveDecision(check string, allowed bool, err error) {
	if m == nil {
		return
	}
	outcome := "deny"
	switch {
	case err != nil:
		outcome = "error"
	case allowed:
		outcome = "allow"
	}
	m.AuthzDecisionsTotal.WithLabelValues(check, outcome).Inc()
}

// ObserveResolution records how long an effective permission computation took
func (m *Metrics) ObserveResolution(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.AuthzResolutionDuration.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveDenial records a gate denial
func (m *Metrics) ObserveDenial(reason string) {
	if m == nil {
		return
	}
	m.GateDenialsTotal.WithLabelValues(reason).Inc()
}

// ObserveGrantMutation records a ledger mutation
func (m *Metrics) ObserveGrantMutation(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.GrantMutationsTotal.WithLabelValues(kind, result).Inc()
}

// ObserveTenantResolution records where a tenant came from (subdomain, header, none, exempt)
func (m *Metrics) ObserveTenantResolution(source string) {
	if m == nil {
		return
	}
	m.TenantResolutionsTotal.WithLabelValues(source).Inc()
}

// ObserveCache records a cache lookup
func (m *Metrics) ObserveCache(backend string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(backend).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(backend).Inc()
}

// ObserveInvalidation records a cache invalidation (scope is "user" or "all")
func (m *Metrics) ObserveInvalidation(backend, scope string) {
	if m == nil {
		return
	}
	m.CacheInvalidationsTotal.WithLabelValues(backend, scope).Inc()
}

// ObserveProvisioning records a finished provisioning job
func (m *Metrics) ObserveProvisioning(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.ProvisioningJobsTotal.WithLabelValues(status).Inc()
}

// SetProvisioningQueueDepth reports the number of queued provisioning jobs
func (m *Metrics) SetProvisioningQueueDepth(n int) {
	if m == nil {
		return
	}
	m.ProvisioningQueueDepth.Set(float64(n))
}

// RecordDBStats copies connection pool statistics into the gauges
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests. Routes are labelled by their mux
// path template so ids in URLs do not explode label cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler returns the scrape handler for registry
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
