package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by result
	// (success|failure|blocked).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civigate_auth_attempts_total",
			Help: "Total number of authentication attempts by result (success, failure, blocked)",
		},
		[]string{"result"},
	)

	// RateLimitRejections counts throttled requests by profile and reason
	// (quota|spacing|blocked|suspicious).
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civigate_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"profile", "reason"},
	)

	// TokenRefreshes records access-token refresh outcomes by result
	// (success|failure).
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civigate_token_refreshes_total",
			Help: "Total number of access token refresh attempts",
		},
		[]string{"result"},
	)

	// SuspiciousOrigins tracks origins currently flagged by the abuse detector.
	SuspiciousOrigins = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "civigate_suspicious_origins",
			Help: "Number of origins currently flagged as suspicious",
		},
	)

	// ActiveSessions tracks active sessions (not expired/revoked).
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "civigate_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// SessionsInvalidated counts server-side session invalidations by cause
	// (revoked|expired).
	SessionsInvalidated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civigate_sessions_invalidated_total",
			Help: "Total number of sessions invalidated server-side",
		},
		[]string{"reason"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "civigate_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
