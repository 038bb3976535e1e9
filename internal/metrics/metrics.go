// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowtrace",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowtrace",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RecordsIngestedTotal counts ingested records by per-record status.
	RecordsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowtrace",
			Name:      "records_ingested_total",
			Help:      "Total transaction records processed, by outcome (accepted, duplicate, invalid).",
		},
		[]string{"status"},
	)

	// DetectionRunsTotal counts detection runs by final status.
	DetectionRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowtrace",
			Name:      "detection_runs_total",
			Help:      "Total pattern detection runs, by outcome (completed, config_error, failed).",
		},
		[]string{"status"},
	)

	// DetectionDuration observes end-to-end detection run latency.
	DetectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "flowtrace",
		Name:      "detection_duration_seconds",
		Help:      "Pattern detection run duration in seconds.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	// FindingsTotal counts published findings by kind.
	FindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowtrace",
			Name:      "findings_total",
			Help:      "Total findings published, by pattern kind.",
		},
		[]string{"kind"},
	)

	// EntitiesTracked tracks the current number of registered entities.
	EntitiesTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowtrace", Name: "entities_tracked",
		Help: "Number of entities in the registry.",
	})

	// FlowEdgesTracked tracks the current number of aggregate flow edges.
	FlowEdgesTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowtrace", Name: "flow_edges_tracked",
		Help: "Number of aggregate edges in the flow graph.",
	})

	// ActiveWebSocketClients tracks connected streaming clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowtrace", Name: "active_websocket_clients",
		Help: "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowtrace", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowtrace", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowtrace", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RecordsIngestedTotal,
		DetectionRunsTotal,
		DetectionDuration,
		FindingsTotal,
		EntitiesTracked,
		FlowEdgesTracked,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
