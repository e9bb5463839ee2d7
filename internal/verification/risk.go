package verification

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ztafinance/gateway/internal/clock"
	"github.com/ztafinance/gateway/internal/kv"
)

// Risk indicator names. Weights for each come from the policy document's
// risk_factors table; DefaultRiskWeights covers indicators it omits.
const (
	IndicatorUnknownDevice   = "unknown_device"
	IndicatorUnknownLocation = "unknown_location"
	IndicatorUnusualTime     = "unusual_time"
	IndicatorHighAmount      = "high_transaction_amount"
	IndicatorFailedAttempts  = "multiple_failed_attempts"
	IndicatorGeoMismatch     = "geo_mismatch"
	IndicatorTorOrVPN        = "tor_or_vpn"
	IndicatorSuspiciousIP    = "suspicious_ip"
	IndicatorRapidRequests   = "rapid_requests"
	IndicatorDeviceChange    = "device_change"
)

// DefaultRiskWeights are used for any indicator the loaded policy
// document does not weight.
var DefaultRiskWeights = map[string]int{
	IndicatorUnknownDevice:   30,
	IndicatorUnknownLocation: 20,
	IndicatorUnusualTime:     15,
	IndicatorHighAmount:      25,
	IndicatorFailedAttempts:  40,
	IndicatorGeoMismatch:     35,
	IndicatorTorOrVPN:        50,
	IndicatorSuspiciousIP:    30,
	IndicatorRapidRequests:   25,
	IndicatorDeviceChange:    20,
}

const (
	highAmountThreshold    = 10_000
	failedAttemptThreshold = 3
	velocityWindow         = 60 * time.Second
	velocityThreshold      = 30
	geoMismatchWindow      = 6 * time.Hour
	lastLocationTTL        = time.Hour
	riskHistoryTTL         = 30 * 24 * time.Hour
	riskHistoryLimit       = 100
)

// Location is a coarse geolocation observation.
type Location struct {
	Country string `json:"country"`
	City    string `json:"city"`
}

func (l Location) key() string { return l.Country + ":" + l.City }

// RiskInput carries the signals the analyzer scores.
type RiskInput struct {
	UserID        string
	DeviceID      string
	DeviceTrusted bool
	IPAddress     string
	Location      *Location
	Amount        float64
}

// Assessment is a scored request.
type Assessment struct {
	Score   int      `json:"score"`
	Factors []string `json:"factors"`
}

// ThreatIntel is the pluggable anonymizer/VPN/Tor detector.
type ThreatIntel interface {
	// IsAnonymized reports whether the address matches the intel list.
	IsAnonymized(ip string) bool
}

// RiskAnalyzer computes a 0-100 score from weighted indicators against
// session, device, geo, and velocity state in the KV store.
type RiskAnalyzer struct {
	store   kv.Store
	weights map[string]int
	intel   ThreatIntel
	clk     clock.Clock
}

// NewRiskAnalyzer creates an analyzer. Missing weight entries fall back
// to DefaultRiskWeights; intel may be nil.
func NewRiskAnalyzer(store kv.Store, weights map[string]int, intel ThreatIntel) *RiskAnalyzer {
	return NewRiskAnalyzerWithClock(store, weights, intel, clock.System{})
}

// NewRiskAnalyzerWithClock is NewRiskAnalyzer with an injected clock.
func NewRiskAnalyzerWithClock(store kv.Store, weights map[string]int, intel ThreatIntel, clk clock.Clock) *RiskAnalyzer {
	merged := make(map[string]int, len(DefaultRiskWeights))
	for k, v := range DefaultRiskWeights {
		merged[k] = v
	}
	for k, v := range weights {
		merged[k] = v
	}
	return &RiskAnalyzer{store: store, weights: merged, intel: intel, clk: clk}
}

// Score evaluates every indicator, applies the required side effects
// (known-location set, last-location, velocity counter, risk history),
// and returns min(100, sum of triggered weights).
func (ra *RiskAnalyzer) Score(ctx context.Context, input RiskInput) (Assessment, error) {
	var factors []string
	add := func(indicator string, triggered bool) {
		if triggered {
			factors = append(factors, indicator)
		}
	}

	add(IndicatorUnknownDevice, !input.DeviceTrusted)

	unknownLoc, err := ra.observeLocation(ctx, input)
	if err != nil {
		return Assessment{}, err
	}
	add(IndicatorUnknownLocation, unknownLoc)

	add(IndicatorUnusualTime, ra.isUnusualTime())
	add(IndicatorHighAmount, input.Amount > highAmountThreshold)

	if input.UserID != "" {
		failed, err := ra.hasRecentFailedAttempts(ctx, input.UserID)
		if err != nil {
			return Assessment{}, err
		}
		add(IndicatorFailedAttempts, failed)
	}

	geoMismatch, err := ra.detectGeoMismatch(ctx, input)
	if err != nil {
		return Assessment{}, err
	}
	add(IndicatorGeoMismatch, geoMismatch)

	if ra.intel != nil && input.IPAddress != "" {
		add(IndicatorTorOrVPN, ra.intel.IsAnonymized(input.IPAddress))
	}

	if input.UserID != "" {
		rapid, err := ra.detectRapidRequests(ctx, input.UserID)
		if err != nil {
			return Assessment{}, err
		}
		add(IndicatorRapidRequests, rapid)
	}

	if input.UserID != "" && input.DeviceID != "" {
		known, err := ra.store.Exists(ctx, deviceKey(input.UserID, input.DeviceID))
		if err != nil {
			return Assessment{}, err
		}
		add(IndicatorDeviceChange, !known)
	}

	score := 0
	for _, f := range factors {
		score += ra.weights[f]
	}
	if score > 100 {
		score = 100
	}

	sort.Strings(factors)
	slog.Info("Risk assessment", "score", score, "factors", strings.Join(factors, ","))

	if input.UserID != "" {
		if err := ra.storeAssessment(ctx, input.UserID, score, factors); err != nil {
			return Assessment{}, err
		}
	}

	return Assessment{Score: score, Factors: factors}, nil
}

// observeLocation checks the known-location set and records the current
// observation. SADD is idempotent, so retries are safe.
func (ra *RiskAnalyzer) observeLocation(ctx context.Context, input RiskInput) (bool, error) {
	if input.Location == nil || input.UserID == "" {
		return false, nil
	}
	key := "user_locations/" + input.UserID
	known, err := ra.store.SMembers(ctx, key)
	if err != nil {
		return false, err
	}

	locKey := input.Location.key()
	if err := ra.store.SAdd(ctx, key, locKey); err != nil {
		return false, err
	}
	for _, k := range known {
		if k == locKey {
			return false, nil
		}
	}
	return true, nil
}

// isUnusualTime flags requests inside the 01:00-06:00 UTC window.
func (ra *RiskAnalyzer) isUnusualTime() bool {
	h := ra.clk.Now().UTC().Hour()
	return h >= 1 && h < 6
}

func (ra *RiskAnalyzer) hasRecentFailedAttempts(ctx context.Context, userID string) (bool, error) {
	data, err := ra.store.Get(ctx, "failed_attempts/"+userID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	attempts, _ := strconv.ParseInt(string(data), 10, 64)
	return attempts >= failedAttemptThreshold, nil
}

type lastLocation struct {
	Location  Location `json:"location"`
	Timestamp string   `json:"timestamp"`
}

// detectGeoMismatch flags a country change observed less than six hours
// after the previous one (impossible travel, country granularity). The
// last-known location is refreshed whenever absent or changed. It expires
// after lastLocationTTL (one hour), so a change seen later than that is
// treated as a first observation and not flagged.
func (ra *RiskAnalyzer) detectGeoMismatch(ctx context.Context, input RiskInput) (bool, error) {
	if input.Location == nil || input.UserID == "" {
		return false, nil
	}
	key := "last_location/" + input.UserID

	data, err := ra.store.Get(ctx, key)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return false, err
	}

	mismatch := false
	if err == nil {
		var last lastLocation
		if jsonErr := json.Unmarshal(data, &last); jsonErr == nil && last.Location.Country != input.Location.Country {
			if seen, parseErr := time.Parse(timeLayout, last.Timestamp); parseErr == nil {
				mismatch = ra.clk.Now().Sub(seen) < geoMismatchWindow
			}
			// Country changed: refresh the stored observation.
			if storeErr := ra.storeLastLocation(ctx, key, input.Location); storeErr != nil {
				return false, storeErr
			}
		}
		return mismatch, nil
	}

	// First observation.
	return false, ra.storeLastLocation(ctx, key, input.Location)
}

func (ra *RiskAnalyzer) storeLastLocation(ctx context.Context, key string, loc *Location) error {
	data, err := json.Marshal(lastLocation{
		Location:  *loc,
		Timestamp: ra.clk.Now().Format(timeLayout),
	})
	if err != nil {
		return err
	}
	return ra.store.Set(ctx, key, data, lastLocationTTL)
}

// detectRapidRequests increments the per-user velocity counter, arming
// the 60-second TTL on the observed first increment.
func (ra *RiskAnalyzer) detectRapidRequests(ctx context.Context, userID string) (bool, error) {
	key := "request_velocity/" + userID
	count, err := ra.store.Incr(ctx, key)
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := ra.store.Expire(ctx, key, velocityWindow); err != nil {
			return false, err
		}
	}
	return count > velocityThreshold, nil
}

func (ra *RiskAnalyzer) storeAssessment(ctx context.Context, userID string, score int, factors []string) error {
	entry, err := json.Marshal(map[string]any{
		"score":     score,
		"factors":   factors,
		"timestamp": ra.clk.Now().Format(timeLayout),
	})
	if err != nil {
		return err
	}
	key := "risk_history/" + userID
	if err := ra.store.LPush(ctx, key, entry); err != nil {
		return err
	}
	if err := ra.store.LTrim(ctx, key, 0, riskHistoryLimit-1); err != nil {
		return err
	}
	return ra.store.Expire(ctx, key, riskHistoryTTL)
}

// History returns the most recent assessments for a user, newest first.
func (ra *RiskAnalyzer) History(ctx context.Context, userID string, limit int) ([]Assessment, error) {
	if limit <= 0 || limit > riskHistoryLimit {
		limit = riskHistoryLimit
	}
	entries, err := ra.store.LRange(ctx, "risk_history/"+userID, 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	out := make([]Assessment, 0, len(entries))
	for _, e := range entries {
		var a Assessment
		if err := json.Unmarshal(e, &a); err == nil {
			out = append(out, a)
		}
	}
	return out, nil
}
