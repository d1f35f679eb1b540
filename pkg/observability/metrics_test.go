package observability

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	require.NotNil(t, metrics)

	// Vectors only appear in Gather once a series exists, gauges always do.
	families, err := registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "procurement_db_connections_active")
	assert.Contains(t, names, "procurement_db_connections_idle")
}

func TestMetrics_PermissionChecks(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.RecordPermissionCheck("has_permission", ResultAllowed, time.Millisecond)
	metrics.RecordPermissionCheck("has_permission", ResultAllowed, time.Millisecond)
	metrics.RecordPermissionCheck("has_permission", ResultDenied, time.Millisecond)
	metrics.RecordStoreError("load_snapshot")

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.PermissionChecksTotal.WithLabelValues(ResultAllowed)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PermissionChecksTotal.WithLabelValues(ResultDenied)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PermissionStoreErrorsTotal.WithLabelValues("load_snapshot")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.PermissionCheckDuration))
}

func TestMetrics_CacheAndMutations(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.RecordCacheHit("memory")
	metrics.RecordCacheMiss("redis")
	metrics.RecordWorkflowMutation("create_version", nil)
	metrics.RecordWorkflowMutation("create_version", errors.New("boom"))
	metrics.RecordApprovalDecision("APPROVED", nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("memory")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("redis")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.WorkflowMutationsTotal.WithLabelValues("create_version", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.WorkflowMutationsTotal.WithLabelValues("create_version", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ApprovalDecisionsTotal.WithLabelValues("APPROVED", "success")))
}

func TestMetrics_DBStats(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	metrics.UpdateDBStats(sql.DBStats{InUse: 3, Idle: 2, WaitCount: 9})

	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.DBConnectionsActive))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.DBConnectionsIdle))
	assert.Equal(t, float64(9), testutil.ToFloat64(metrics.DBWaitCount))
}

func TestMetrics_NilSafe(t *testing.T) {
	var metrics *Metrics
	assert.NotPanics(t, func() {
		metrics.RecordPermissionCheck("has_permission", ResultError, time.Second)
		metrics.RecordStoreError("load_snapshot")
		metrics.RecordCacheHit("memory")
		metrics.RecordCacheMiss("memory")
		metrics.RecordWorkflowMutation("delete", nil)
		metrics.RecordApprovalDecision("REJECTED", nil)
		metrics.UpdateDBStats(sql.DBStats{})
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(metrics))
	router.HandleFunc("/workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods(http.MethodGet)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/workflows/42", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/workflows/{id}", "404")))
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.RecordCacheHit("memory")

	router := mux.NewRouter()
	RegisterMetricsEndpoint(router, registry)

	server := httptest.NewServer(router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `procurement_cache_hits_total{backend="memory"} 1`))
}
