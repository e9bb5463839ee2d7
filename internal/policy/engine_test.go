package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

const testPolicyDoc = `
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
  - id: account_write
    resource: account
    action: write
    conditions:
      user_verified: true
      mfa_verified: true
      risk_score:
        max: 40
      roles:
        - account_holder
  - id: admin_all
    resource: "*"
    action: "*"
    conditions:
      roles:
        - admin
      risk_score:
        max: 30
  - id: high_value_transfer
    resource: payment
    action: create
    conditions:
      mfa_verified: true
      transaction_amount:
        min: 0
        max: 10000
risk_factors:
  unknown_device: 30
  tor_or_vpn: 50
device_trust_requirements:
  minimum_score: 70
`

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	var doc Document
	require.NoError(t, yaml.Unmarshal([]byte(testPolicyDoc), &doc))
	engine, err := NewEngine(&doc)
	require.NoError(t, err)
	return engine
}

func verifiedContext() *AccessContext {
	return &AccessContext{
		UserVerified:  true,
		DeviceTrusted: true,
		Roles:         []string{"account_holder"},
		RiskScore:     20,
	}
}

func TestLoadDocument_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPolicyDoc), 0o600))

	doc, err := LoadDocument(path)
	require.NoError(t, err)
	assert.Len(t, doc.Policies, 4)
	assert.Equal(t, 30, doc.RiskFactors["unknown_device"])

	_, err = LoadDocument(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewEngine_RejectsInvalidPolicies(t *testing.T) {
	_, err := NewEngine(&Document{Policies: []Policy{{Resource: "account", Action: "read"}}})
	assert.Error(t, err)

	_, err = NewEngine(&Document{Policies: []Policy{{ID: "p", Resource: "account"}}})
	assert.Error(t, err)
}

func TestEngine_AllowWhenAllConditionsPass(t *testing.T) {
	engine := newTestEngine(t)

	d := engine.Evaluate("account", "read", verifiedContext())
	assert.True(t, d.Allowed)
	assert.Equal(t, "account_read", d.PolicyID)
	assert.Equal(t, "all conditions satisfied", d.Reason)
}

func TestEngine_NoMatchingPolicy(t *testing.T) {
	var doc Document
	require.NoError(t, yaml.Unmarshal([]byte(`
policies:
  - id: account_read
    resource: account
    action: read
    conditions:
      user_verified: true
`), &doc))
	engine, err := NewEngine(&doc)
	require.NoError(t, err)

	d := engine.Evaluate("ledger", "export", verifiedContext())
	assert.False(t, d.Allowed)
	assert.Empty(t, d.PolicyID)
	assert.Equal(t, "no matching policy", d.Reason)
}

func TestEngine_FailedConditionsReported(t *testing.T) {
	engine := newTestEngine(t)

	ctx := verifiedContext()
	ctx.DeviceTrusted = false
	ctx.RiskScore = 75

	d := engine.Evaluate("account", "read", ctx)
	assert.False(t, d.Allowed)
	assert.Equal(t, "account_read", d.PolicyID)
	assert.Equal(t, "policy conditions not met", d.Reason)
	assert.Equal(t, []string{"device_trusted", "risk_score"}, d.FailedConditions)
}

func TestEngine_WildcardFallthrough(t *testing.T) {
	engine := newTestEngine(t)

	// admin on an unnamed resource falls through to admin_all.
	ctx := &AccessContext{Roles: []string{"admin"}, RiskScore: 10, UserVerified: true}
	d := engine.Evaluate("ledger", "export", ctx)
	assert.True(t, d.Allowed)
	assert.Equal(t, "admin_all", d.PolicyID)
}

func TestEngine_DeclarationOrderWins(t *testing.T) {
	engine := newTestEngine(t)

	// An admin reading an account matches both account_read and
	// admin_all; the first declared allow is reported.
	ctx := &AccessContext{
		UserVerified:  true,
		DeviceTrusted: true,
		Roles:         []string{"admin"},
		RiskScore:     10,
	}
	d := engine.Evaluate("account", "read", ctx)
	assert.True(t, d.Allowed)
	assert.Equal(t, "account_read", d.PolicyID)
}

func TestEngine_LaterPolicyCanAllow(t *testing.T) {
	engine := newTestEngine(t)

	// account_read fails (device untrusted) but admin_all allows.
	ctx := &AccessContext{
		UserVerified: true,
		Roles:        []string{"admin"},
		RiskScore:    10,
	}
	d := engine.Evaluate("account", "read", ctx)
	assert.True(t, d.Allowed)
	assert.Equal(t, "admin_all", d.PolicyID)
}

func TestEngine_RangeConditions(t *testing.T) {
	engine := newTestEngine(t)

	ctx := &AccessContext{MFAVerified: true, Amount: 5000, Roles: []string{"account_holder"}, RiskScore: 50}
	d := engine.Evaluate("payment", "create", ctx)
	assert.True(t, d.Allowed)

	// Above max fails; the report carries the first matching policy,
	// which for (payment, create) is the wildcard admin_all.
	ctx.Amount = 10001
	d = engine.Evaluate("payment", "create", ctx)
	assert.False(t, d.Allowed)
	assert.Equal(t, "admin_all", d.PolicyID)
	assert.Contains(t, d.FailedConditions, "roles")
}

func TestEngine_ListConditionAgainstScalar(t *testing.T) {
	var doc Document
	require.NoError(t, yaml.Unmarshal([]byte(`
policies:
  - id: branch_only
    resource: teller
    action: read
    conditions:
      channel:
        - branch
        - kiosk
`), &doc))
	engine, err := NewEngine(&doc)
	require.NoError(t, err)

	ctx := &AccessContext{Extensions: map[string]any{"channel": "branch"}}
	assert.True(t, engine.Evaluate("teller", "read", ctx).Allowed)

	ctx.Extensions["channel"] = "web"
	assert.False(t, engine.Evaluate("teller", "read", ctx).Allowed)

	// Missing attribute fails closed.
	assert.False(t, engine.Evaluate("teller", "read", &AccessContext{}).Allowed)
}

func TestEngine_MissingNumericAttributeFails(t *testing.T) {
	var doc Document
	require.NoError(t, yaml.Unmarshal([]byte(`
policies:
  - id: scored
    resource: r
    action: a
    conditions:
      clearance:
        min: 3
`), &doc))
	engine, err := NewEngine(&doc)
	require.NoError(t, err)

	assert.False(t, engine.Evaluate("r", "a", &AccessContext{}).Allowed)

	ctx := &AccessContext{Extensions: map[string]any{"clearance": 4}}
	assert.True(t, engine.Evaluate("r", "a", ctx).Allowed)
}
