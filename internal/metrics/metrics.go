// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the access gateway.
type Metrics struct {
	// Decision metrics
	DecisionTotal *prometheus.CounterVec
	RiskScore     *prometheus.HistogramVec

	// Authentication metrics
	AuthFailures  *prometheus.CounterVec
	TokenFailures *prometheus.CounterVec

	// Session metrics
	SessionAnomalies *prometheus.CounterVec

	// Rate limiting
	RateLimited *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		DecisionTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_decision_total",
				Help: "Authorization decisions by outcome",
			},
			[]string{"resource", "outcome"}, // outcome: allow, deny, step_up
		),

		RiskScore: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_risk_score",
				Help:    "Risk score distribution per scored request",
				Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
			[]string{"risk_level"},
		),

		AuthFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_auth_failures_total",
				Help: "Authentication failures by kind",
			},
			[]string{"kind"}, // bad_credentials, account_locked, mfa_replay, mfa_bad_code
		),

		TokenFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_token_failures_total",
				Help: "Token verification failures by kind",
			},
			[]string{"kind"}, // expired, bad_signature, wrong_type, revoked, malformed
		),

		SessionAnomalies: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_session_anomalies_total",
				Help: "Session verification anomalies by type",
			},
			[]string{"anomaly"},
		),

		RateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limited_total",
				Help: "Requests rejected by the per-client rate limiter",
			},
			[]string{"window"}, // minute, hour
		),
	}
}
