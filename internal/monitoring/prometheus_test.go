package monitoring

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetupPrometheusMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	SetupPrometheusMetrics(r)

	RecordReplication("node-a", "success", 3*time.Millisecond)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	assert.Contains(t, body, "mirador_session_build_info")
	assert.Contains(t, body, `mirador_session_replications_total{node="node-a",result="success"}`)
}

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(lifecycleTotal.WithLabelValues("node-t", "created"))
	RecordLifecycle("node-t", "created")
	assert.Equal(t, before+1, testutil.ToFloat64(lifecycleTotal.WithLabelValues("node-t", "created")))

	RecordStoreOperation("memory", "get", time.Millisecond, "not_found")
	assert.GreaterOrEqual(t, testutil.ToFloat64(storeOperationsTotal.WithLabelValues("memory", "get", "not_found")), 1.0)

	SetActiveSessions("node-t", 7)
	assert.Equal(t, 7.0, testutil.ToFloat64(activeSessions.WithLabelValues("node-t")))

	SetStoreDegraded(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(storeDegraded))
	SetStoreDegraded(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(storeDegraded))

	RecordClusterEvent("node-t", "modified", "outdated")
	RecordListenerFailure("node-t", "session")
	RecordLoad("node-t", "loaded")
	assert.Equal(t, 1.0, testutil.ToFloat64(clusterEventsTotal.WithLabelValues("node-t", "modified", "outdated")))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HTTPMetricsMiddleware())
	r.GET("/api/v1/sessions/:id", func(c *gin.Context) { c.Status(204) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/sessions/abc", nil))
	assert.Equal(t, 204, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/v1/sessions/:id", "204")))
}

func TestNormalizeEndpoint(t *testing.T) {
	assert.Equal(t, "/api/v1/sessions/:id", normalizeEndpoint("/api/v1/sessions/42"))
	assert.Equal(t, "/api/v1/sessions/abc", normalizeEndpoint("/api/v1/sessions/abc"))
	assert.False(t, isNumeric(""))
	assert.True(t, strings.HasPrefix(normalizeEndpoint("/1"), "/:id"))
}
