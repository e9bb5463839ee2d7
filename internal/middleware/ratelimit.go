// Package middleware provides the gateway's HTTP request plumbing: the
// policy enforcement middleware and per-client rate limiting over shared
// KV state.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ztafinance/gateway/internal/kv"
	"github.com/ztafinance/gateway/internal/metrics"
)

// RateLimiter enforces per-identity fixed windows (minute and hour)
// over the shared KV store, so limits hold across gateway replicas.
type RateLimiter struct {
	store     kv.Store
	perMinute int
	perHour   int
	metrics   *metrics.Metrics
}

// NewRateLimiter creates a limiter with the given thresholds; zero
// values default to 60/minute and 1000/hour. metrics may be nil.
func NewRateLimiter(store kv.Store, perMinute, perHour int, m *metrics.Metrics) *RateLimiter {
	if perMinute == 0 {
		perMinute = 60
	}
	if perHour == 0 {
		perHour = 1000
	}
	return &RateLimiter{store: store, perMinute: perMinute, perHour: perHour, metrics: m}
}

// Allow counts one request for identifier. The second return names the
// exhausted window ("minute" or "hour") when the request is rejected.
// Infra failures reject: the limiter never fails open.
func (rl *RateLimiter) Allow(ctx context.Context, identifier string) (bool, string, error) {
	ok, err := rl.window(ctx, "ratelimit/minute/"+identifier, time.Minute, rl.perMinute)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, "minute", nil
	}

	ok, err = rl.window(ctx, "ratelimit/hour/"+identifier, time.Hour, rl.perHour)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, "hour", nil
	}
	return true, "", nil
}

func (rl *RateLimiter) window(ctx context.Context, key string, ttl time.Duration, limit int) (bool, error) {
	count, err := rl.store.Incr(ctx, key)
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := rl.store.Expire(ctx, key, ttl); err != nil {
			return false, err
		}
	}
	return count <= int64(limit), nil
}

// Middleware rejects over-limit requests with 429. The identity is the
// client address; the enforcement middleware applies no further
// per-user limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identifier := clientIP(r)

		allowed, window, err := rl.Allow(r.Context(), identifier)
		if err != nil {
			slog.Error("Rate limiter unavailable", "error", err)
			writeJSONError(w, http.StatusServiceUnavailable, "service_unavailable", nil)
			return
		}
		if !allowed {
			slog.Warn("Rate limit exceeded", "identifier", identifier, "window", window)
			if rl.metrics != nil {
				rl.metrics.RateLimited.WithLabelValues(window).Inc()
			}
			w.Header().Set("Retry-After", "60")
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
