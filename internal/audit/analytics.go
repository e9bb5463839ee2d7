package audit

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ztafinance/gateway/internal/clock"
	"github.com/ztafinance/gateway/internal/kv"
)

// BruteForceAlert flags a username with an elevated failure counter.
type BruteForceAlert struct {
	Username    string `json:"username"`
	FailedCount int64  `json:"failed_count"`
	Severity    string `json:"severity"`
	DetectedAt  string `json:"detected_at"`
}

// SecurityScore summarizes a user's current security posture.
type SecurityScore struct {
	UserID    string         `json:"user_id"`
	Score     int            `json:"security_score"`
	RiskLevel string         `json:"risk_level"`
	Factors   map[string]any `json:"factors"`
	UpdatedAt string         `json:"last_updated"`
}

// Analytics derives security insights from the live KV state.
type Analytics struct {
	store kv.Store
	clk   clock.Clock
}

// NewAnalytics creates an Analytics reader.
func NewAnalytics(store kv.Store) *Analytics {
	return NewAnalyticsWithClock(store, clock.System{})
}

// NewAnalyticsWithClock is NewAnalytics with an injected clock.
func NewAnalyticsWithClock(store kv.Store, clk clock.Clock) *Analytics {
	return &Analytics{store: store, clk: clk}
}

// DetectBruteForce scans live failure counters for usernames at or
// above threshold. Counters above 20 escalate to high severity.
func (a *Analytics) DetectBruteForce(ctx context.Context, threshold int64) ([]BruteForceAlert, error) {
	if threshold <= 0 {
		threshold = 10
	}
	keys, err := a.store.Scan(ctx, "failed_attempts/")
	if err != nil {
		return nil, err
	}

	now := a.clk.Now().Format("2006-01-02T15:04:05Z")
	var alerts []BruteForceAlert
	for _, key := range keys {
		data, err := a.store.Get(ctx, key)
		if err != nil {
			continue
		}
		count, _ := strconv.ParseInt(string(data), 10, 64)
		if count < threshold {
			continue
		}
		severity := "medium"
		if count > 20 {
			severity = "high"
		}
		alerts = append(alerts, BruteForceAlert{
			Username:    strings.TrimPrefix(key, "failed_attempts/"),
			FailedCount: count,
			Severity:    severity,
			DetectedAt:  now,
		})
	}

	if len(alerts) > 0 {
		slog.Warn("Potential brute force attempts detected", "count", len(alerts))
	}
	return alerts, nil
}

// UserSecurityScore starts at 100 and deducts for recent failures and
// revoked devices.
func (a *Analytics) UserSecurityScore(ctx context.Context, userID string) (SecurityScore, error) {
	score := 100
	factors := map[string]any{}

	var failed int64
	if data, err := a.store.Get(ctx, "failed_attempts/"+userID); err == nil {
		failed, _ = strconv.ParseInt(string(data), 10, 64)
	}
	factors["recent_failed_attempts"] = failed
	if failed > 0 {
		deduction := int(failed) * 5
		if deduction > 30 {
			deduction = 30
		}
		score -= deduction
	}

	deviceKeys, err := a.store.Scan(ctx, "device/"+userID+"/")
	if err != nil {
		return SecurityScore{}, err
	}
	factors["registered_devices"] = len(deviceKeys)

	sessionIDs, err := a.store.SMembers(ctx, "user_sessions/"+userID)
	if err != nil {
		return SecurityScore{}, err
	}
	factors["active_sessions"] = len(sessionIDs)
	if len(sessionIDs) > 5 {
		score -= 10
	}

	if score < 0 {
		score = 0
	}
	level := "high"
	switch {
	case score >= 80:
		level = "low"
	case score >= 60:
		level = "medium"
	}

	return SecurityScore{
		UserID:    userID,
		Score:     score,
		RiskLevel: level,
		Factors:   factors,
		UpdatedAt: a.clk.Now().Format("2006-01-02T15:04:05Z"),
	}, nil
}
