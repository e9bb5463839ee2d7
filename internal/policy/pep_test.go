package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztafinance/gateway/internal/verification"
)

func TestPEP_EnforceAllow(t *testing.T) {
	f := newPDPFixture(t, nil)
	ctx := context.Background()
	f.registerDevice(t, "u-1", "d-1")

	d, err := f.pep.Enforce(ctx, "u-1", "account", "read", cleanContext("d-1"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestPEP_EnforceForbidden(t *testing.T) {
	f := newPDPFixture(t, nil)
	ctx := context.Background()
	f.registerDevice(t, "u-1", "d-1")

	acc := cleanContext("d-1")
	acc.UserVerified = false

	_, err := f.pep.Enforce(ctx, "u-1", "account", "read", acc)
	require.Error(t, err)

	var forbidden *ForbiddenError
	require.True(t, errors.As(err, &forbidden))
	assert.Equal(t, "account_read", forbidden.PolicyID)
	assert.Contains(t, forbidden.FailedConditions, "user_verified")
	assert.NotEmpty(t, forbidden.RiskLevel)
}

func TestPEP_EnforceStepUp(t *testing.T) {
	f := newPDPFixture(t, alwaysIntel{})
	ctx := context.Background()

	acc := &AccessContext{
		DeviceID:  "d-unseen",
		IPAddress: "198.51.100.7",
		Location:  &verification.Location{Country: "XX", City: "Relay"},
	}
	_, err := f.pep.Enforce(ctx, "u-1", "lobby", "read", acc)
	require.Error(t, err)

	var stepUp *StepUpError
	require.True(t, errors.As(err, &stepUp))
	assert.Equal(t, StepUpMethods, stepUp.Methods)
	assert.Greater(t, stepUp.RiskScore, 80)
}

func TestPEP_CheckPermission(t *testing.T) {
	f := newPDPFixture(t, nil)
	ctx := context.Background()
	f.registerDevice(t, "u-1", "d-1")

	assert.True(t, f.pep.CheckPermission(ctx, "u-1", "account", "read", cleanContext("d-1")))
	assert.False(t, f.pep.CheckPermission(ctx, "u-1", "account", "delete", cleanContext("d-1")))
}

func TestPEP_UserPermissions(t *testing.T) {
	f := newPDPFixture(t, nil)
	ctx := context.Background()
	f.registerDevice(t, "u-1", "d-1")

	table := f.pep.UserPermissions(ctx, "u-1", []string{"account", "lobby"}, cleanContext("d-1"))

	require.Contains(t, table, "account")
	require.Contains(t, table, "lobby")
	assert.True(t, table["account"]["read"])
	assert.False(t, table["account"]["write"])
	assert.False(t, table["account"]["delete"])
	assert.True(t, table["lobby"]["read"])
	assert.False(t, table["lobby"]["execute"])

	for _, resource := range []string{"account", "lobby"} {
		assert.Len(t, table[resource], len(Actions))
	}
}
