// Package metrics provides Prometheus instrumentation for the sync core.
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
			Namespace: "ledgersync",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ledgersync",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransportRequestsTotal counts outbound ledger API requests by operation
	// and classified outcome (ok, transient, rate-limited, token-invalid, ...).
	TransportRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgersync",
			Name:      "transport_requests_total",
			Help:      "Total outbound ledger API requests by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	// TransportRequestDuration observes outbound request latency by operation.
	TransportRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ledgersync",
			Name:      "transport_request_seconds",
			Help:      "Outbound ledger API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// RateLimitWaitDuration observes time spent waiting for rate permits.
	RateLimitWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ledgersync",
			Name:      "ratelimit_wait_seconds",
			Help:      "Time spent waiting for outbound rate permits.",
			Buckets:   []float64{.001, .01, .05, .1, .5, 1, 5, 15, 60},
		},
		[]string{"scope", "priority"},
	)

	// OrchestratorCallsTotal counts orchestrated calls by strategy and outcome.
	OrchestratorCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgersync",
			Name:      "orchestrator_calls_total",
			Help:      "Total orchestrated external calls by strategy and outcome.",
		},
		[]string{"strategy", "outcome"},
	)

	// DedupJoinedTotal counts callers that joined an identical in-flight call.
	DedupJoinedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgersync",
			Name:      "orchestrator_dedup_joined_total",
			Help:      "Total callers coalesced onto an identical in-flight call.",
		},
		[]string{"operation"},
	)

	// CacheHitsTotal / CacheMissesTotal count read-cache lookups by operation.
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgersync",
			Name:      "cache_hits_total",
			Help:      "Total cache hits by operation.",
		},
		[]string{"operation"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgersync",
			Name:      "cache_misses_total",
			Help:      "Total cache misses by operation.",
		},
		[]string{"operation"},
	)

	// StaleWritesIgnoredTotal counts mirror upserts skipped because the
	// incoming sync token was not newer than the stored row.
	StaleWritesIgnoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgersync",
			Name:      "mirror_stale_writes_ignored_total",
			Help:      "Total mirror writes ignored due to stale sync tokens.",
		},
		[]string{"entity_kind"},
	)

	// MirrorUpsertsTotal counts mirror writes by entity kind and result.
	MirrorUpsertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgersync",
			Name:      "mirror_upserts_total",
			Help:      "Total mirror upserts by entity kind and result (inserted, updated, stale).",
		},
		[]string{"entity_kind", "result"},
	)

	// TxLogEntriesTotal counts transaction log appends by entity kind and type.
	TxLogEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgersync",
			Name:      "txlog_entries_total",
			Help:      "Total transaction log entries appended by entity kind and type.",
		},
		[]string{"entity_kind", "type"},
	)

	// CredentialRefreshesTotal counts token refreshes by outcome.
	CredentialRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgersync",
			Name:      "credstore_refreshes_total",
			Help:      "Total credential refreshes by outcome.",
		},
		[]string{"outcome"},
	)

	// SyncAttemptsTotal counts sync fetch attempts (including retries).
	SyncAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgersync",
			Name:      "sync_attempts_total",
			Help:      "Total external fetch attempts by entity kind, including retries.",
		},
		[]string{"entity_kind"},
	)

	// JobsTotal counts background jobs reaching a terminal state.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgersync",
			Name:      "jobs_total",
			Help:      "Total background jobs by function and terminal status.",
		},
		[]string{"function", "status"},
	)

	// JobDuration observes job execution time by function.
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ledgersync",
			Name:      "job_duration_seconds",
			Help:      "Background job execution time in seconds.",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 600},
		},
		[]string{"function"},
	)

	// ActiveWebSocketClients tracks connected event-feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ledgersync",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgersync", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgersync", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgersync", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgersync", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgersync", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgersync", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransportRequestsTotal,
		TransportRequestDuration,
		RateLimitWaitDuration,
		OrchestratorCallsTotal,
		DedupJoinedTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		StaleWritesIgnoredTotal,
		MirrorUpsertsTotal,
		TxLogEntriesTotal,
		CredentialRefreshesTotal,
		SyncAttemptsTotal,
		JobsTotal,
		JobDuration,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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
