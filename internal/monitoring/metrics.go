package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PoolAcquiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telepool_pool_acquires_total",
			Help: "Total number of pool acquire calls by outcome",
		},
		[]string{"outcome"},
	)

	PoolAcquireDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telepool_pool_acquire_duration_seconds",
			Help:    "Latency of pool acquire calls in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	ConnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telepool_connect_attempts_total",
			Help: "Total number of fresh connect attempts by result",
		},
		[]string{"credential", "result"},
	)

	CooldownSkipsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telepool_cooldown_skips_total",
			Help: "Number of candidates skipped because their cooldown was active",
		},
	)

	ConnectedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telepool_connected_sessions",
			Help: "Number of handles currently in the Connected state",
		},
	)

	InvalidatedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telepool_invalidated_sessions",
			Help: "Number of credentials permanently invalidated by the remote service",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telepool_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_class"},
	)
)

// StatusClass buckets an HTTP status code for metric labels.
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "other"
	}
}
