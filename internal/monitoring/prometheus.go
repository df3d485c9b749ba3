// Package monitoring provides Prometheus metrics for the session replication
// core.
//
// Usage:
//
//  1. Expose the metrics endpoint from the management router:
//     router := gin.New()
//     monitoring.SetupPrometheusMetrics(router)
//
//  2. Record metrics from the components:
//
//	// Replication store operations
//	start := time.Now()
//	// ... store call ...
//	monitoring.RecordStoreOperation("valkey", "apply", time.Since(start), "success")
//
//	// Session replication pushes
//	monitoring.RecordReplication(nodeID, "success", time.Since(start))
//
//	// Cluster events
//	monitoring.RecordClusterEvent(nodeID, "modified", "outdated")
//
// Available Metrics:
//
// Store Metrics:
//   - mirador_session_store_operations_total{backend, operation, result}
//   - mirador_session_store_operation_duration_seconds{backend, operation}
//   - mirador_session_store_degraded
//
// Manager Metrics:
//   - mirador_session_replications_total{node, result}
//   - mirador_session_replication_duration_seconds{node}
//   - mirador_session_loads_total{node, result}
//   - mirador_session_active{node}
//   - mirador_session_lifecycle_total{node, event}
//   - mirador_session_cluster_events_total{node, kind, action}
//   - mirador_session_listener_failures_total{node, listener}
//
// HTTP Metrics (management API):
//   - mirador_session_http_requests_total{method, endpoint, status_code}
//   - mirador_session_http_request_duration_seconds{method, endpoint}
package monitoring

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Store metrics
	storeOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirador_session_store_operations_total",
			Help: "Total number of replication store operations",
		},
		[]string{"backend", "operation", "result"}, // result: success, not_found, timeout, error
	)

	storeOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mirador_session_store_operation_duration_seconds",
			Help:    "Replication store operation duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"backend", "operation"},
	)

	storeDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mirador_session_store_degraded",
			Help: "1 while the node replicates into a process-local fallback store",
		},
	)

	// Manager metrics
	replicationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirador_session_replications_total",
			Help: "Total number of session replication pushes",
		},
		[]string{"node", "result"}, // result: success, conflict, failure
	)

	replicationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mirador_session_replication_duration_seconds",
			Help:    "Session replication push duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"node"},
	)

	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirador_session_loads_total",
			Help: "Total number of session loads from the replication store",
		},
		[]string{"node", "result"}, // result: loaded, reconciled, miss, error
	)

	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mirador_session_active",
			Help: "Number of sessions held in the local map",
		},
		[]string{"node"},
	)

	lifecycleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirador_session_lifecycle_total",
			Help: "Session lifecycle transitions",
		},
		[]string{"node", "event"}, // created, expired, invalidated, remote_invalidated, rejected
	)

	clusterEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirador_session_cluster_events_total",
			Help: "Replication store events received by the cluster listener",
		},
		[]string{"node", "kind", "action"},
	)

	listenerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirador_session_listener_failures_total",
			Help: "Lifecycle or attribute listeners that returned an error or panicked",
		},
		[]string{"node", "listener"},
	)

	// HTTP request metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirador_session_http_requests_total",
			Help: "Total number of management HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mirador_session_http_request_duration_seconds",
			Help:    "Management HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	registerOnce sync.Once
)

// Register adds every collector of this package to reg. Safe to call more
// than once; only the first call registers.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		_ = reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mirador_session_build_info",
			Help: "Build information for mirador-session",
			ConstLabels: prometheus.Labels{
				"component": "mirador-session",
			},
		}, func() float64 { return 1 }))

		// Ignore AlreadyRegistered errors so tests can share the default registry.
		_ = reg.Register(storeOperationsTotal)
		_ = reg.Register(storeOperationDuration)
		_ = reg.Register(storeDegraded)
		_ = reg.Register(replicationsTotal)
		_ = reg.Register(replicationDuration)
		_ = reg.Register(loadsTotal)
		_ = reg.Register(activeSessions)
		_ = reg.Register(lifecycleTotal)
		_ = reg.Register(clusterEventsTotal)
		_ = reg.Register(listenerFailuresTotal)
		_ = reg.Register(httpRequestsTotal)
		_ = reg.Register(httpRequestDuration)
	})
}

// SetupPrometheusMetrics registers the collectors with the default registry
// and exposes them on GET /metrics.
func SetupPrometheusMetrics(router gin.IRoutes) {
	Register(prometheus.DefaultRegisterer)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// HTTPMetricsMiddleware collects management HTTP request metrics
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = normalizeEndpoint(c.Request.URL.Path)
		}

		c.Next()

		statusCode := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
		httpRequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// RecordStoreOperation records one replication store call.
func RecordStoreOperation(backend, operation string, duration time.Duration, result string) {
	storeOperationsTotal.WithLabelValues(backend, operation, result).Inc()
	storeOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// SetStoreDegraded flips the degraded gauge.
func SetStoreDegraded(degraded bool) {
	if degraded {
		storeDegraded.Set(1)
		return
	}
	storeDegraded.Set(0)
}

// RecordReplication records a push outcome for a node.
func RecordReplication(node, result string, duration time.Duration) {
	replicationsTotal.WithLabelValues(node, result).Inc()
	replicationDuration.WithLabelValues(node).Observe(duration.Seconds())
}

// RecordLoad records a load or reconciliation against the store.
func RecordLoad(node, result string) {
	loadsTotal.WithLabelValues(node, result).Inc()
}

// SetActiveSessions publishes the size of the local session map.
func SetActiveSessions(node string, n int) {
	activeSessions.WithLabelValues(node).Set(float64(n))
}

// RecordLifecycle counts a lifecycle transition.
func RecordLifecycle(node, event string) {
	lifecycleTotal.WithLabelValues(node, event).Inc()
}

// RecordClusterEvent counts an event delivered by the replication store and
// what the listener did with it.
func RecordClusterEvent(node, kind, action string) {
	clusterEventsTotal.WithLabelValues(node, kind, action).Inc()
}

// RecordListenerFailure counts a listener that failed.
func RecordListenerFailure(node, listener string) {
	listenerFailuresTotal.WithLabelValues(node, listener).Inc()
}

// normalizeEndpoint replaces numeric path segments with :id
func normalizeEndpoint(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if isNumeric(part) && i > 0 {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

// isNumeric checks if a string is numeric
func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
