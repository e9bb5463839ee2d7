package verification

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztafinance/gateway/internal/clock"
	"github.com/ztafinance/gateway/internal/kv"
)

type stubIntel struct{ flagged map[string]bool }

func (s stubIntel) IsAnonymized(ip string) bool { return s.flagged[ip] }

// noon UTC keeps the unusual_time indicator quiet by default.
func newTestRiskAnalyzer(t *testing.T, intel ThreatIntel) (*RiskAnalyzer, *kv.MemoryStore, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := kv.NewMemoryStoreWithClock(clk)
	return NewRiskAnalyzerWithClock(store, nil, intel, clk), store, clk
}

func trustedBaseline(userID string) RiskInput {
	return RiskInput{UserID: userID, DeviceTrusted: true}
}

func TestRiskAnalyzer_TrustedQuietRequest(t *testing.T) {
	ra, store, _ := newTestRiskAnalyzer(t, nil)
	ctx := context.Background()

	// Known device so device_change stays quiet.
	dv := NewDeviceVerifier(store, 0)
	require.NoError(t, dv.RegisterDevice(ctx, "u-1", "d-1", nil))

	input := trustedBaseline("u-1")
	input.DeviceID = "d-1"
	a, err := ra.Score(ctx, input)
	require.NoError(t, err)
	assert.Zero(t, a.Score)
	assert.Empty(t, a.Factors)
}

func TestRiskAnalyzer_UntrustedDevice(t *testing.T) {
	ra, _, _ := newTestRiskAnalyzer(t, nil)

	a, err := ra.Score(context.Background(), RiskInput{UserID: "u-1"})
	require.NoError(t, err)
	assert.Equal(t, 30, a.Score)
	assert.Contains(t, a.Factors, IndicatorUnknownDevice)
}

func TestRiskAnalyzer_UnknownThenKnownLocation(t *testing.T) {
	ra, _, _ := newTestRiskAnalyzer(t, nil)
	ctx := context.Background()

	input := trustedBaseline("u-1")
	input.Location = &Location{Country: "CH", City: "Zurich"}

	// First observation is unknown and gets recorded.
	a, err := ra.Score(ctx, input)
	require.NoError(t, err)
	assert.Contains(t, a.Factors, IndicatorUnknownLocation)

	// Second request from the same place is known.
	a, err = ra.Score(ctx, input)
	require.NoError(t, err)
	assert.NotContains(t, a.Factors, IndicatorUnknownLocation)
}

func TestRiskAnalyzer_UnusualTime(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 3, 30, 0, 0, time.UTC))
	ra := NewRiskAnalyzerWithClock(kv.NewMemoryStoreWithClock(clk), nil, nil, clk)

	a, err := ra.Score(context.Background(), trustedBaseline("u-1"))
	require.NoError(t, err)
	assert.Contains(t, a.Factors, IndicatorUnusualTime)
	assert.Equal(t, 15, a.Score)
}

func TestRiskAnalyzer_HighAmount(t *testing.T) {
	ra, _, _ := newTestRiskAnalyzer(t, nil)

	input := trustedBaseline("u-1")
	input.Amount = 10_001
	a, err := ra.Score(context.Background(), input)
	require.NoError(t, err)
	assert.Contains(t, a.Factors, IndicatorHighAmount)

	input.Amount = 10_000
	a, err = ra.Score(context.Background(), input)
	require.NoError(t, err)
	assert.NotContains(t, a.Factors, IndicatorHighAmount)
}

func TestRiskAnalyzer_FailedAttempts(t *testing.T) {
	ra, store, _ := newTestRiskAnalyzer(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Incr(ctx, "failed_attempts/u-1")
		require.NoError(t, err)
	}

	a, err := ra.Score(ctx, trustedBaseline("u-1"))
	require.NoError(t, err)
	assert.Contains(t, a.Factors, IndicatorFailedAttempts)
	assert.Equal(t, 40, a.Score)
}

func TestRiskAnalyzer_GeoMismatch(t *testing.T) {
	ra, _, clk := newTestRiskAnalyzer(t, nil)
	ctx := context.Background()

	home := trustedBaseline("u-1")
	home.Location = &Location{Country: "US", City: "NYC"}
	_, err := ra.Score(ctx, home)
	require.NoError(t, err)

	// A different country two hours later is impossible travel.
	clk.Advance(2 * time.Hour)
	abroad := trustedBaseline("u-1")
	abroad.Location = &Location{Country: "RU", City: "Moscow"}
	a, err := ra.Score(ctx, abroad)
	require.NoError(t, err)
	assert.Contains(t, a.Factors, IndicatorGeoMismatch)

	// Note: the last-location entry has a one-hour TTL, so a change
	// observed after seven hours simply looks like a fresh observation.
	clk.Advance(7 * time.Hour)
	back := trustedBaseline("u-1")
	back.Location = &Location{Country: "US", City: "NYC"}
	a, err = ra.Score(ctx, back)
	require.NoError(t, err)
	assert.NotContains(t, a.Factors, IndicatorGeoMismatch)
}

func TestRiskAnalyzer_ThreatIntel(t *testing.T) {
	ra, _, _ := newTestRiskAnalyzer(t, stubIntel{flagged: map[string]bool{"198.51.100.7": true}})

	input := trustedBaseline("u-1")
	input.IPAddress = "198.51.100.7"
	a, err := ra.Score(context.Background(), input)
	require.NoError(t, err)
	assert.Contains(t, a.Factors, IndicatorTorOrVPN)
	assert.Equal(t, 50, a.Score)

	input.IPAddress = "203.0.113.1"
	a, err = ra.Score(context.Background(), input)
	require.NoError(t, err)
	assert.NotContains(t, a.Factors, IndicatorTorOrVPN)
}

func TestRiskAnalyzer_Velocity(t *testing.T) {
	ra, _, clk := newTestRiskAnalyzer(t, nil)
	ctx := context.Background()

	var a Assessment
	var err error
	for i := 0; i < 30; i++ {
		a, err = ra.Score(ctx, trustedBaseline("u-1"))
		require.NoError(t, err)
	}
	assert.NotContains(t, a.Factors, IndicatorRapidRequests, "30 within the window is allowed")

	a, err = ra.Score(ctx, trustedBaseline("u-1"))
	require.NoError(t, err)
	assert.Contains(t, a.Factors, IndicatorRapidRequests)

	// Window expiry resets the counter.
	clk.Advance(61 * time.Second)
	a, err = ra.Score(ctx, trustedBaseline("u-1"))
	require.NoError(t, err)
	assert.NotContains(t, a.Factors, IndicatorRapidRequests)
}

func TestRiskAnalyzer_DeviceChange(t *testing.T) {
	ra, store, _ := newTestRiskAnalyzer(t, nil)
	ctx := context.Background()

	dv := NewDeviceVerifier(store, 0)
	require.NoError(t, dv.RegisterDevice(ctx, "u-1", "d-known", nil))

	input := trustedBaseline("u-1")
	input.DeviceID = "d-unseen"
	a, err := ra.Score(ctx, input)
	require.NoError(t, err)
	assert.Contains(t, a.Factors, IndicatorDeviceChange)

	input.DeviceID = "d-known"
	a, err = ra.Score(ctx, input)
	require.NoError(t, err)
	assert.NotContains(t, a.Factors, IndicatorDeviceChange)
}

func TestRiskAnalyzer_ScoreCapAndMonotonicity(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)) // unusual hour
	store := kv.NewMemoryStoreWithClock(clk)
	ra := NewRiskAnalyzerWithClock(store, nil, stubIntel{flagged: map[string]bool{"evil": true}}, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Incr(ctx, "failed_attempts/u-1")
		require.NoError(t, err)
	}

	// Everything fires at once; the score is capped.
	input := RiskInput{
		UserID:    "u-1",
		DeviceID:  "d-unseen",
		IPAddress: "evil",
		Location:  &Location{Country: "KP", City: "X"},
		Amount:    50_000,
	}
	a, err := ra.Score(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, 100, a.Score)

	// Monotonicity: removing indicators never raises the score.
	quiet := trustedBaseline("u-2")
	b, err := ra.Score(ctx, quiet)
	require.NoError(t, err)
	assert.LessOrEqual(t, b.Score, a.Score)
}

func TestRiskAnalyzer_History(t *testing.T) {
	ra, _, _ := newTestRiskAnalyzer(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := ra.Score(ctx, RiskInput{UserID: "u-1"})
		require.NoError(t, err)
	}

	hist, err := ra.History(ctx, "u-1", 3)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, 30, hist[0].Score) // unknown_device only
}

func TestRiskAnalyzer_CustomWeights(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := kv.NewMemoryStoreWithClock(clk)
	ra := NewRiskAnalyzerWithClock(store, map[string]int{IndicatorUnknownDevice: 70}, nil, clk)

	a, err := ra.Score(context.Background(), RiskInput{UserID: "u-1"})
	require.NoError(t, err)
	assert.Equal(t, 70, a.Score)
}
