package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Actions is the fixed action set used for permission tables.
var Actions = []string{"read", "write", "create", "delete", "execute"}

// StepUpError rejects an otherwise-allowed request pending additional
// verification.
type StepUpError struct {
	Methods   []string
	RiskScore int
}

func (e *StepUpError) Error() string {
	return fmt.Sprintf("step-up verification required (risk score %d): %s", e.RiskScore, strings.Join(e.Methods, ", "))
}

// ForbiddenError rejects a denied request with the decision detail.
type ForbiddenError struct {
	Reason           string
	PolicyID         string
	FailedConditions []string
	RiskLevel        string
}

func (e *ForbiddenError) Error() string {
	if e.PolicyID == "" {
		return "access denied: " + e.Reason
	}
	return fmt.Sprintf("access denied by policy %s: %s", e.PolicyID, e.Reason)
}

// PEP surfaces PDP verdicts at the request boundary.
type PEP struct {
	pdp *PDP
}

// NewPEP wires the enforcement point.
func NewPEP(pdp *PDP) *PEP {
	return &PEP{pdp: pdp}
}

// Enforce returns the decision when access is cleanly allowed. A denied
// decision yields *ForbiddenError; an allow that demands step-up yields
// *StepUpError. Infra failures surface as errors and thus deny.
func (e *PEP) Enforce(ctx context.Context, userID, resource, action string, acc *AccessContext) (*PDPDecision, error) {
	decision, err := e.pdp.MakeDecision(ctx, userID, resource, action, acc)
	if err != nil {
		return nil, err
	}

	if !decision.Allowed {
		slog.Warn("Access denied",
			"user_id", userID, "resource", resource, "action", action, "reason", decision.Reason)
		return nil, &ForbiddenError{
			Reason:           decision.Reason,
			PolicyID:         decision.PolicyID,
			FailedConditions: decision.FailedConditions,
			RiskLevel:        decision.RiskLevel,
		}
	}

	if decision.RequiresStepUp {
		return nil, &StepUpError{
			Methods:   decision.StepUpMethods,
			RiskScore: decision.RiskScore,
		}
	}

	return decision, nil
}

// CheckPermission is Enforce without the error surface: true only for a
// clean allow.
func (e *PEP) CheckPermission(ctx context.Context, userID, resource, action string, acc *AccessContext) bool {
	_, err := e.Enforce(ctx, userID, resource, action, acc)
	return err == nil
}

// UserPermissions returns the resource × action truth table for the
// fixed action set, for UIs deciding what to show.
func (e *PEP) UserPermissions(ctx context.Context, userID string, resources []string, acc *AccessContext) map[string]map[string]bool {
	if acc == nil {
		acc = &AccessContext{}
	}
	permissions := make(map[string]map[string]bool, len(resources))
	for _, resource := range resources {
		permissions[resource] = make(map[string]bool, len(Actions))
		for _, action := range Actions {
			// Each probe gets its own context copy so enrichment from
			// one probe does not leak into the next.
			probe := *acc
			permissions[resource][action] = e.CheckPermission(ctx, userID, resource, action, &probe)
		}
	}
	return permissions
}
