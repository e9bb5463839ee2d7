// Package policy implements the attribute-based access control plane:
// the declarative policy engine, the decision point (PDP) that combines
// policy with risk scoring, and the enforcement point (PEP).
package policy

import (
	"github.com/ztafinance/gateway/internal/verification"
)

// AccessContext is the typed request context policies evaluate against.
// Fixed attributes are addressed by the stable schema keys below;
// Extensions is the escape hatch for policy-specific attributes.
type AccessContext struct {
	UserID        string
	DeviceID      string
	IPAddress     string
	UserVerified  bool
	DeviceTrusted bool
	MFAVerified   bool
	Roles         []string
	RiskScore     int
	Amount        float64
	Location      *verification.Location
	DecisionTime  string
	Extensions    map[string]any
}

// Attribute resolves a condition key against the fixed schema, falling
// back to Extensions. The second return reports whether the attribute
// is present.
func (c *AccessContext) Attribute(key string) (any, bool) {
	switch key {
	case "user_id":
		return c.UserID, c.UserID != ""
	case "device_id":
		return c.DeviceID, c.DeviceID != ""
	case "ip_address":
		return c.IPAddress, c.IPAddress != ""
	case "user_verified":
		return c.UserVerified, true
	case "device_trusted":
		return c.DeviceTrusted, true
	case "mfa_verified":
		return c.MFAVerified, true
	case "roles":
		return c.Roles, true
	case "risk_score":
		return c.RiskScore, true
	case "transaction_amount":
		return c.Amount, true
	case "location":
		if c.Location == nil {
			return nil, false
		}
		return c.Location.Country + ":" + c.Location.City, true
	case "decision_timestamp":
		return c.DecisionTime, c.DecisionTime != ""
	}
	v, ok := c.Extensions[key]
	return v, ok
}

// RiskInput projects the context onto the risk analyzer's signal set.
func (c *AccessContext) RiskInput() verification.RiskInput {
	return verification.RiskInput{
		UserID:        c.UserID,
		DeviceID:      c.DeviceID,
		DeviceTrusted: c.DeviceTrusted,
		IPAddress:     c.IPAddress,
		Location:      c.Location,
		Amount:        c.Amount,
	}
}
