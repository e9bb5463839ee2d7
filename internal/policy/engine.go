package policy

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v2"
)

// Wildcard matches any resource or action in a policy pattern.
const Wildcard = "*"

// Document is the declarative policy input. Policies are evaluated in
// declaration order; condition order within a policy is preserved.
type Document struct {
	Policies                []Policy       `yaml:"policies"`
	RiskFactors             map[string]int `yaml:"risk_factors"`
	DeviceTrustRequirements map[string]any `yaml:"device_trust_requirements"`
}

// Policy is one ABAC rule. A request matches when both patterns match
// (exact or wildcard); it is allowed when every condition passes.
type Policy struct {
	ID         string        `yaml:"id"`
	Resource   string        `yaml:"resource"`
	Action     string        `yaml:"action"`
	Conditions yaml.MapSlice `yaml:"conditions"`
}

// Decision is the engine's verdict for one (resource, action, context)
// tuple.
type Decision struct {
	Allowed          bool     `json:"allowed"`
	PolicyID         string   `json:"policy_id,omitempty"`
	Reason           string   `json:"reason"`
	FailedConditions []string `json:"failed_conditions,omitempty"`
}

// Engine evaluates loaded policies. Immutable after construction;
// reloading means building a new Engine.
type Engine struct {
	policies    []Policy
	riskFactors map[string]int
	trustReqs   map[string]any
}

// LoadDocument reads and parses a policy document. YAML is a superset
// of JSON, so documents in either format load.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy document: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy document %s: %w", path, err)
	}
	return &doc, nil
}

// NewEngine builds an engine from a parsed document.
func NewEngine(doc *Document) (*Engine, error) {
	for i, p := range doc.Policies {
		if p.ID == "" {
			return nil, fmt.Errorf("policy %d has no id", i)
		}
		if p.Resource == "" || p.Action == "" {
			return nil, fmt.Errorf("policy %s needs both resource and action patterns", p.ID)
		}
	}
	slog.Info("Policies loaded", "count", len(doc.Policies))
	return &Engine{
		policies:    doc.Policies,
		riskFactors: doc.RiskFactors,
		trustReqs:   doc.DeviceTrustRequirements,
	}, nil
}

// RiskFactors returns the document's indicator weight table.
func (e *Engine) RiskFactors() map[string]int { return e.riskFactors }

// Evaluate collects matching policies in declaration order and returns
// the first that allows. With matches but no allow, the first match's
// failed conditions are reported; with no match at all, a bare deny.
func (e *Engine) Evaluate(resource, action string, ctx *AccessContext) Decision {
	var matching []Policy
	for _, p := range e.policies {
		if patternMatch(p.Resource, resource) && patternMatch(p.Action, action) {
			matching = append(matching, p)
		}
	}

	if len(matching) == 0 {
		slog.Warn("No policy found", "resource", resource, "action", action)
		return Decision{Allowed: false, Reason: "no matching policy"}
	}

	for _, p := range matching {
		if failed := failedConditions(p, ctx); len(failed) == 0 {
			slog.Info("Access granted", "policy_id", p.ID, "resource", resource, "action", action)
			return Decision{Allowed: true, PolicyID: p.ID, Reason: "all conditions satisfied"}
		}
	}

	first := matching[0]
	failed := failedConditions(first, ctx)
	slog.Warn("Access denied", "resource", resource, "action", action, "policy_id", first.ID)
	return Decision{
		Allowed:          false,
		PolicyID:         first.ID,
		Reason:           "policy conditions not met",
		FailedConditions: failed,
	}
}

func patternMatch(pattern, value string) bool {
	return pattern == Wildcard || pattern == value
}

// failedConditions evaluates every condition of a policy against the
// context and returns the keys that did not pass, in condition order.
func failedConditions(p Policy, ctx *AccessContext) []string {
	var failed []string
	for _, item := range p.Conditions {
		key, ok := item.Key.(string)
		if !ok {
			failed = append(failed, fmt.Sprintf("%v", item.Key))
			continue
		}
		if !conditionPasses(key, item.Value, ctx) {
			failed = append(failed, key)
		}
	}
	return failed
}

func conditionPasses(key string, condition any, ctx *AccessContext) bool {
	value, present := ctx.Attribute(key)

	switch cond := condition.(type) {
	case bool:
		b, ok := value.(bool)
		return present && ok && b == cond

	case yaml.MapSlice: // nested maps under a MapSlice decode as MapSlice
		converted := make(map[any]any, len(cond))
		for _, item := range cond {
			converted[item.Key] = item.Value
		}
		return rangePasses(converted, value, present)

	case map[any]any: // yaml.v2 decodes nested maps with interface keys
		return rangePasses(cond, value, present)

	case map[string]any:
		converted := make(map[any]any, len(cond))
		for k, v := range cond {
			converted[k] = v
		}
		return rangePasses(converted, value, present)

	case []any:
		if !present {
			return false
		}
		have := toStringSet(value)
		for _, want := range cond {
			if _, ok := have[fmt.Sprintf("%v", want)]; ok {
				return true
			}
		}
		return false

	default:
		// Unknown condition shape: fail closed.
		return false
	}
}

// rangePasses checks {min?, max?} bounds. A missing or non-numeric
// attribute fails.
func rangePasses(cond map[any]any, value any, present bool) bool {
	if !present {
		return false
	}
	n, ok := toFloat(value)
	if !ok {
		return false
	}
	if raw, has := cond["min"]; has {
		if min, ok := toFloat(raw); !ok || n < min {
			return false
		}
	}
	if raw, has := cond["max"]; has {
		if max, ok := toFloat(raw); !ok || n > max {
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

// toStringSet treats the attribute value as a set of strings.
func toStringSet(v any) map[string]struct{} {
	set := make(map[string]struct{})
	switch vals := v.(type) {
	case []string:
		for _, s := range vals {
			set[s] = struct{}{}
		}
	case []any:
		for _, s := range vals {
			set[fmt.Sprintf("%v", s)] = struct{}{}
		}
	case string:
		set[vals] = struct{}{}
	}
	return set
}
