package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveDecision("permission", true, nil)
	m.ObserveDecision("permission", false, nil)
	m.ObserveDecision("permission", true, errors.New("db down"))
	m.ObserveDenial("tenant_required")
	m.ObserveCache("memory", true)
	m.ObserveCache("memory", false)
	m.ObserveInvalidation("redis", "all")
	m.ObserveTenantResolution("subdomain")
	m.ObserveGrantMutation("assign", nil)
	m.ObserveProvisioning(errors.New("failed"))
	m.SetProvisioningQueueDepth(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthzDecisionsTotal.WithLabelValues("permission", "allow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthzDecisionsTotal.WithLabelValues("permission", "deny")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthzDecisionsTotal.WithLabelValues("permission", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateDenialsTotal.WithLabelValues("tenant_required")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues("memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheInvalidationsTotal.WithLabelValues("redis", "all")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TenantResolutionsTotal.WithLabelValues("subdomain")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GrantMutationsTotal.WithLabelValues("assign", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProvisioningJobsTotal.WithLabelValues("failure")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ProvisioningQueueDepth))
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDecision("role", true, nil)
		m.ObserveDenial("permission_denied")
		m.ObserveCache("redis", false)
		m.SetProvisioningQueueDepth(1)
	})
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/api/v1/accounts/roles/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/accounts/roles/42", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/accounts/roles/43", nil))

	count := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/accounts/roles/{id}", "404"))
	assert.Equal(t, 2.0, count)
}
