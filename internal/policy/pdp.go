package policy

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ztafinance/gateway/internal/audit"
	"github.com/ztafinance/gateway/internal/clock"
	"github.com/ztafinance/gateway/internal/verification"
)

// Risk levels derived from the score.
const (
	RiskLevelLow      = "low"
	RiskLevelMedium   = "medium"
	RiskLevelHigh     = "high"
	RiskLevelCritical = "critical"
)

// stepUpThreshold is the risk score above which an allow additionally
// requires step-up verification.
const stepUpThreshold = 80

// StepUpMethods are the accepted additional verification methods.
var StepUpMethods = []string{"mfa", "security_question"}

// PDPDecision is the full authorization verdict: the engine decision
// enriched with risk classification and step-up requirements.
type PDPDecision struct {
	Decision
	UserID         string   `json:"user_id"`
	Resource       string   `json:"resource"`
	Action         string   `json:"action"`
	RiskScore      int      `json:"risk_score"`
	RiskLevel      string   `json:"risk_level"`
	RiskFactors    []string `json:"risk_factors,omitempty"`
	RequiresStepUp bool     `json:"requires_additional_verification,omitempty"`
	StepUpMethods  []string `json:"additional_verification_methods,omitempty"`
	Timestamp      string   `json:"timestamp"`
}

// AccessRequest is one (resource, action, context) tuple for batch
// evaluation.
type AccessRequest struct {
	Resource string
	Action   string
	Context  *AccessContext
}

// PDP orchestrates risk scoring and policy evaluation into a single
// decision, and guarantees every outcome is audited before it returns.
type PDP struct {
	engine  *Engine
	risk    *verification.RiskAnalyzer
	auditor *audit.Logger
	clk     clock.Clock
}

// NewPDP wires the decision point.
func NewPDP(engine *Engine, risk *verification.RiskAnalyzer, auditor *audit.Logger) *PDP {
	return NewPDPWithClock(engine, risk, auditor, clock.System{})
}

// NewPDPWithClock is NewPDP with an injected clock.
func NewPDPWithClock(engine *Engine, risk *verification.RiskAnalyzer, auditor *audit.Logger, clk clock.Clock) *PDP {
	return &PDP{engine: engine, risk: risk, auditor: auditor, clk: clk}
}

// MakeDecision scores the request, evaluates policy on the enriched
// context, classifies the risk level, and flags step-up for high-risk
// allows. Infra failure or cancellation mid-decision never produces an
// allow: the verdict degrades to a deny that is still audited.
func (p *PDP) MakeDecision(ctx context.Context, userID, resource, action string, acc *AccessContext) (*PDPDecision, error) {
	if acc == nil {
		acc = &AccessContext{}
	}
	if acc.UserID == "" {
		acc.UserID = userID
	}

	assessment, err := p.risk.Score(ctx, acc.RiskInput())
	if err != nil {
		return p.failClosed(ctx, userID, resource, action, err)
	}

	acc.RiskScore = assessment.Score
	acc.DecisionTime = p.clk.Now().Format("2006-01-02T15:04:05Z")

	if err := ctx.Err(); err != nil {
		return p.failClosed(ctx, userID, resource, action, err)
	}

	decision := &PDPDecision{
		Decision:    p.engine.Evaluate(resource, action, acc),
		UserID:      userID,
		Resource:    resource,
		Action:      action,
		RiskScore:   assessment.Score,
		RiskLevel:   riskLevel(assessment.Score),
		RiskFactors: assessment.Factors,
		Timestamp:   acc.DecisionTime,
	}

	if decision.Allowed && assessment.Score > stepUpThreshold {
		decision.RequiresStepUp = true
		decision.StepUpMethods = StepUpMethods
	}

	if err := p.auditDecision(ctx, decision); err != nil {
		// Unaudited allow must not escape.
		return nil, err
	}
	return decision, nil
}

// BatchEvaluate applies MakeDecision to each request independently;
// there is no atomicity across the batch.
func (p *PDP) BatchEvaluate(ctx context.Context, userID string, requests []AccessRequest) ([]*PDPDecision, error) {
	decisions := make([]*PDPDecision, 0, len(requests))
	for _, req := range requests {
		d, err := p.MakeDecision(ctx, userID, req.Resource, req.Action, req.Context)
		if err != nil {
			return decisions, err
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

// failClosed converts an infra failure or cancellation into an audited
// deny. The audit write runs detached from the (possibly dead) request
// context so the trail survives cancellation.
func (p *PDP) failClosed(ctx context.Context, userID, resource, action string, cause error) (*PDPDecision, error) {
	reason := "service_unavailable"
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		reason = "timeout"
	}
	slog.Error("Decision degraded to deny", "user_id", userID, "resource", resource, "reason", reason, "error", cause)

	decision := &PDPDecision{
		Decision:  Decision{Allowed: false, Reason: reason},
		UserID:    userID,
		Resource:  resource,
		Action:    action,
		RiskLevel: RiskLevelCritical,
		Timestamp: p.clk.Now().Format("2006-01-02T15:04:05Z"),
	}
	if err := p.auditDecision(context.WithoutCancel(ctx), decision); err != nil {
		return nil, errors.Join(cause, err)
	}
	return decision, nil
}

func (p *PDP) auditDecision(ctx context.Context, d *PDPDecision) error {
	return p.auditor.LogAuthorization(ctx, d.UserID, d.Resource, d.Action, d.Allowed, d.Reason, d.RiskScore)
}

func riskLevel(score int) string {
	switch {
	case score < 30:
		return RiskLevelLow
	case score < 60:
		return RiskLevelMedium
	case score < 80:
		return RiskLevelHigh
	default:
		return RiskLevelCritical
	}
}
