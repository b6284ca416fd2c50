// Package metrics exposes the Prometheus collectors of the loyalty engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	PointsEarned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_points_earned_total",
			Help: "Points credited to customers, by ledger reason",
		},
		[]string{"reason"},
	)
	PointsRedeemed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loyalty_points_redeemed_total",
			Help: "Points debited by confirmed redemptions",
		},
	)
	PointsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loyalty_points_expired_total",
			Help: "Points removed by the expiry sweep",
		},
	)
	PointsAdjusted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_points_adjusted_total",
			Help: "Absolute points moved by manual adjustments",
		},
		[]string{"direction"},
	)
	Redemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_redemptions_total",
			Help: "Redemption attempts by outcome",
		},
		[]string{"outcome"},
	)
	TierChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_tier_changes_total",
			Help: "Tier transitions by direction and resulting tier",
		},
		[]string{"direction", "tier"},
	)
	ConflictRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loyalty_conflict_retries_total",
			Help: "Operations retried after a concurrent modification",
		},
	)
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"route"},
	)
	HTTPRequests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loyalty_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Redemption outcomes.
const (
	OutcomeConfirmed    = "confirmed"
	OutcomeReplayed     = "replayed"
	OutcomeInsufficient = "insufficient"
	OutcomeInProgress   = "in_progress"
	OutcomeIssueFailed  = "issue_failed"
	OutcomeError        = "error"
)

func init() {
	prometheus.MustRegister(PointsEarned)
	prometheus.MustRegister(PointsRedeemed)
	prometheus.MustRegister(PointsExpired)
	prometheus.MustRegister(PointsAdjusted)
	prometheus.MustRegister(Redemptions)
	prometheus.MustRegister(TierChanges)
	prometheus.MustRegister(ConflictRetries)
	prometheus.MustRegister(RateLimited)
	prometheus.MustRegister(HTTPRequests)
}
