// Package metrics provides Prometheus instrumentation for the credit meter.
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

const namespace = "creditmeter"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// MessagesSentTotal counts outbound send attempts by result
	// (sent, rejected, failed, refused).
	MessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound message attempts by channel and result.",
		},
		[]string{"channel", "result"},
	)

	// GateRefusalsTotal counts sends refused before reaching the transport.
	GateRefusalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_refusals_total",
			Help:      "Sends refused by the credit gate, by reason.",
		},
		[]string{"reason"},
	)

	// CreditDecrementsTotal counts ledger decrements by outcome
	// (ok, no_credits, not_found, error).
	CreditDecrementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_decrements_total",
			Help:      "Credit ledger decrement attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// CreditRefundsTotal counts compensating refunds after failed sends.
	CreditRefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_refunds_total",
			Help:      "Compensating credit refunds by outcome.",
		},
		[]string{"outcome"},
	)

	// TransportFallbacksTotal counts raw-HTTP fallback sends by result.
	TransportFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_fallbacks_total",
			Help:      "Raw HTTP fallback sends after SDK integration failures.",
		},
		[]string{"result"},
	)

	// BookkeepingFailuresTotal counts swallowed post-send accounting errors.
	BookkeepingFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookkeeping_failures_total",
			Help:      "Best-effort post-send bookkeeping failures by step.",
		},
		[]string{"step"},
	)

	// SubscriptionClaimsTotal counts claim attempts by method and result.
	SubscriptionClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_claims_total",
			Help:      "Subscription claim attempts by correlation method and result.",
		},
		[]string{"method", "result"},
	)

	// ProjectionMirrorFailuresTotal counts projection writes that gave up.
	ProjectionMirrorFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "projection_mirror_failures_total",
		Help:      "Profile projection mirror writes that failed after retries.",
	})

	// LedgerRepairsTotal counts repairs that actually changed a ledger.
	LedgerRepairsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_repairs_total",
		Help:      "Ledgers whose credit fields were derived and rewritten.",
	})

	// PaymentWebhooksTotal counts payment provider webhooks by result.
	PaymentWebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhooks_total",
			Help:      "Payment provider webhooks by event type and result.",
		},
		[]string{"type", "result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		MessagesSentTotal,
		GateRefusalsTotal,
		CreditDecrementsTotal,
		CreditRefundsTotal,
		TransportFallbacksTotal,
		BookkeepingFailuresTotal,
		SubscriptionClaimsTotal,
		ProjectionMirrorFailuresTotal,
		LedgerRepairsTotal,
		PaymentWebhooksTotal,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitCount,
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
			DBWaitCount.Set(float64(stats.WaitCount))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
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
