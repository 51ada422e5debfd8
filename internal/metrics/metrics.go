// Package metrics provides Prometheus instrumentation for the payment
// engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path pattern,
	// and status code.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paylock",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// LifecycleActions counts operator actions by action and outcome.
	// Outcomes: ok, rejected, denied, ledger_error, recorder_error.
	LifecycleActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "lifecycle_actions_total",
			Help:      "Operator lifecycle actions by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	// AuthorizedFeeBps observes the total fee rate locked at
	// authorization time.
	AuthorizedFeeBps = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "paylock",
			Name:      "authorized_fee_bps",
			Help:      "Total fee in basis points locked per authorization.",
			Buckets:   []float64{0, 10, 25, 50, 100, 250, 500, 1000, 2500, 10000},
		},
	)

	// FreezeEvents counts freeze/unfreeze operations by result.
	FreezeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "freeze_events_total",
			Help:      "Freeze and unfreeze operations by event and result.",
		},
		[]string{"event", "result"},
	)

	// RefundRequests counts refund-request transitions.
	RefundRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "refund_requests_total",
			Help:      "Refund-request transitions by outcome status.",
		},
		[]string{"status"},
	)

	// EventsEmitted counts lifecycle notifications by event type.
	EventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "events_emitted_total",
			Help:      "Lifecycle events emitted by type.",
		},
		[]string{"event_type"},
	)

	// FeeDistributions counts protocol fee distributions by token.
	FeeDistributions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "fee_distributions_total",
			Help:      "Protocol fee distributions executed, by token.",
		},
		[]string{"token"},
	)

	// WSClients gauges connected event-stream subscribers.
	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "paylock",
			Name:      "ws_clients",
			Help:      "Currently connected websocket subscribers.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LifecycleActions,
		AuthorizedFeeBps,
		FreezeEvents,
		RefundRequests,
		EventsEmitted,
		FeeDistributions,
		WSClients,
	)
}

// Middleware instruments gin requests.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
