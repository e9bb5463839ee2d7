package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/ztafinance/gateway/internal/audit"
	"github.com/ztafinance/gateway/internal/clock"
	"github.com/ztafinance/gateway/internal/kv"
	"github.com/ztafinance/gateway/internal/verification"
)

const pdpPolicyDoc = `
policies:
  - id: account_read
    resource: account
    action: read
    conditions:
      user_verified: true
      device_trusted: true
      risk_score:
        max: 60
      roles:
        - account_holder
        - admin
  - id: lobby_read
    resource: lobby
    action: read
    conditions: {}
risk_factors:
  unknown_device: 30
  unknown_location: 20
  tor_or_vpn: 50
`

type alwaysIntel struct{}

func (alwaysIntel) IsAnonymized(string) bool { return true }

type pdpFixture struct {
	pdp   *PDP
	pep   *PEP
	store *kv.MemoryStore
	aud   *audit.Logger
	clk   *clock.Manual
}

func newPDPFixture(t *testing.T, intel verification.ThreatIntel) *pdpFixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := kv.NewMemoryStoreWithClock(clk)

	var doc Document
	require.NoError(t, yaml.Unmarshal([]byte(pdpPolicyDoc), &doc))
	engine, err := NewEngine(&doc)
	require.NoError(t, err)

	risk := verification.NewRiskAnalyzerWithClock(store, doc.RiskFactors, intel, clk)
	auditor := audit.NewLoggerWithClock(store, nil, 365, clk)
	pdp := NewPDPWithClock(engine, risk, auditor, clk)
	return &pdpFixture{pdp: pdp, pep: NewPEP(pdp), store: store, aud: auditor, clk: clk}
}

// registerDevice keeps the device_change indicator quiet.
func (f *pdpFixture) registerDevice(t *testing.T, userID, deviceID string) {
	t.Helper()
	dv := verification.NewDeviceVerifierWithClock(f.store, 0, f.clk)
	require.NoError(t, dv.RegisterDevice(context.Background(), userID, deviceID, nil))
}

func cleanContext(deviceID string) *AccessContext {
	return &AccessContext{
		DeviceID:      deviceID,
		UserVerified:  true,
		DeviceTrusted: true,
		Roles:         []string{"account_holder"},
	}
}

func TestPDP_AllowLowRisk(t *testing.T) {
	f := newPDPFixture(t, nil)
	ctx := context.Background()
	f.registerDevice(t, "u-1", "d-1")

	d, err := f.pdp.MakeDecision(ctx, "u-1", "account", "read", cleanContext("d-1"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "account_read", d.PolicyID)
	assert.Equal(t, RiskLevelLow, d.RiskLevel)
	assert.False(t, d.RequiresStepUp)
	assert.NotEmpty(t, d.Timestamp)
}

func TestPDP_RiskScoreFeedsPolicy(t *testing.T) {
	f := newPDPFixture(t, alwaysIntel{})
	ctx := context.Background()
	f.registerDevice(t, "u-1", "d-1")

	// tor_or_vpn (50) + unknown_location (20) push the score past the
	// policy's max of 60.
	acc := cleanContext("d-1")
	acc.IPAddress = "198.51.100.7"
	acc.Location = &verification.Location{Country: "XX", City: "Relay"}

	d, err := f.pdp.MakeDecision(ctx, "u-1", "account", "read", acc)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.FailedConditions, "risk_score")
	assert.Equal(t, 70, d.RiskScore)
	assert.Equal(t, RiskLevelHigh, d.RiskLevel)
}

func TestPDP_StepUpOnCriticalRisk(t *testing.T) {
	f := newPDPFixture(t, alwaysIntel{})
	ctx := context.Background()

	// Unknown untrusted device + anonymized address + new location +
	// unregistered device: 30 + 50 + 20 + 20, capped at 100. The lobby
	// policy still allows, so the PDP demands step-up.
	acc := &AccessContext{
		DeviceID:  "d-unseen",
		IPAddress: "198.51.100.7",
		Location:  &verification.Location{Country: "XX", City: "Relay"},
	}
	d, err := f.pdp.MakeDecision(ctx, "u-1", "lobby", "read", acc)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, RiskLevelCritical, d.RiskLevel)
	assert.True(t, d.RequiresStepUp)
	assert.Equal(t, StepUpMethods, d.StepUpMethods)
}

func TestPDP_RiskLevels(t *testing.T) {
	tests := []struct {
		score int
		level string
	}{
		{0, RiskLevelLow},
		{29, RiskLevelLow},
		{30, RiskLevelMedium},
		{59, RiskLevelMedium},
		{60, RiskLevelHigh},
		{79, RiskLevelHigh},
		{80, RiskLevelCritical},
		{100, RiskLevelCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.level, riskLevel(tt.score), "score %d", tt.score)
	}
}

func TestPDP_EveryDecisionAudited(t *testing.T) {
	f := newPDPFixture(t, nil)
	ctx := context.Background()
	f.registerDevice(t, "u-1", "d-1")

	_, err := f.pdp.MakeDecision(ctx, "u-1", "account", "read", cleanContext("d-1"))
	require.NoError(t, err)

	// Denied: unverified user.
	acc := cleanContext("d-1")
	acc.UserVerified = false
	_, err = f.pdp.MakeDecision(ctx, "u-1", "account", "read", acc)
	require.NoError(t, err)

	events, err := f.aud.UserEvents(ctx, "u-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Newest first: the deny carries warning severity.
	assert.Equal(t, "authorization_denied", events[0]["action"])
	assert.Equal(t, audit.SeverityWarning, events[0]["severity"])
	assert.Equal(t, "authorization_granted", events[1]["action"])
	assert.Equal(t, audit.SeverityInfo, events[1]["severity"])
}

func TestPDP_CancelledContextFailsClosed(t *testing.T) {
	f := newPDPFixture(t, nil)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	d, err := f.pdp.MakeDecision(cancelled, "u-1", "account", "read", cleanContext("d-1"))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "timeout", d.Reason)

	// The deny was still audited, on a detached context.
	events, err := f.aud.UserEvents(context.Background(), "u-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "authorization_denied", events[0]["action"])
}

func TestPDP_BatchEvaluate(t *testing.T) {
	f := newPDPFixture(t, nil)
	ctx := context.Background()
	f.registerDevice(t, "u-1", "d-1")

	decisions, err := f.pdp.BatchEvaluate(ctx, "u-1", []AccessRequest{
		{Resource: "account", Action: "read", Context: cleanContext("d-1")},
		{Resource: "account", Action: "delete", Context: cleanContext("d-1")},
		{Resource: "lobby", Action: "read", Context: cleanContext("d-1")},
	})
	require.NoError(t, err)
	require.Len(t, decisions, 3)
	assert.True(t, decisions[0].Allowed)
	assert.False(t, decisions[1].Allowed)
	assert.Equal(t, "no matching policy", decisions[1].Reason)
	assert.True(t, decisions[2].Allowed)
}
