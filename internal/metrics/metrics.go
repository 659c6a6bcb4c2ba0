// Package metrics provides Prometheus instrumentation for the session
// authority core and its local dev host.
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
			Namespace: "sessioncore",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sessioncore",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PolicyDecisionsTotal counts policy pre-flight evaluations by outcome
	// and, when denied, the denial code.
	PolicyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessioncore",
			Name:      "policy_decisions_total",
			Help:      "Total policy pre-flight evaluations by decision and reason code.",
		},
		[]string{"decision", "reason_code"},
	)

	// SignerOperationsTotal counts signing attempts by signer variant and
	// outcome.
	SignerOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessioncore",
			Name:      "signer_operations_total",
			Help:      "Total sign operations by signer variant and outcome.",
		},
		[]string{"variant", "outcome"},
	)

	// SignerOperationDuration observes signing latency by variant, most
	// useful for the remote keyring-proxy signer's round trip.
	SignerOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sessioncore",
			Name:      "signer_operation_duration_seconds",
			Help:      "Sign operation duration in seconds, by signer variant.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"variant"},
	)

	// ActiveSessionKeys tracks currently registered, non-revoked session keys.
	ActiveSessionKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sessioncore",
			Name:      "active_session_keys",
			Help:      "Number of currently active (non-revoked, unexpired) session keys.",
		},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients on the dev host.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sessioncore",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// PollCycleDuration observes how long one status-poller sweep takes.
	PollCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sessioncore",
		Name:      "poll_cycle_duration_seconds",
		Help:      "Duration of one transaction-status poll cycle.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// PollInFlight tracks the number of concurrently in-flight status checks.
	PollInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sessioncore",
		Name:      "poll_in_flight",
		Help:      "Number of transaction-status RPC calls currently in flight.",
	})

	// PollTransitionsTotal counts tracked-transaction status transitions.
	PollTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessioncore",
		Name:      "poll_transitions_total",
		Help:      "Transaction status transitions observed by the poller, by resulting status.",
	}, []string{"status"})

	// ActivityLogSize tracks the current number of records in the activity log.
	ActivityLogSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sessioncore",
		Name:      "activity_log_size",
		Help:      "Current number of records held in the activity log.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sessioncore", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sessioncore", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sessioncore", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sessioncore", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sessioncore", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sessioncore", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PolicyDecisionsTotal,
		SignerOperationsTotal,
		SignerOperationDuration,
		ActiveSessionKeys,
		ActiveWebSocketClients,
		PollCycleDuration,
		PollInFlight,
		PollTransitionsTotal,
		ActivityLogSize,
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
