// Package policy implements the policy store, versioned hash-chained
// bundles, and the local enforcer that evaluates actions at the edge.
package policy

import (
	"fmt"
)

// RuleType is the closed set of rule semantics the enforcer understands.
type RuleType string

const (
	RuleAmountLimit    RuleType = "amount_limit"
	RuleTrustMinimum   RuleType = "trust_minimum"
	RuleTierRequired   RuleType = "tier_required"
	RuleTierMinimum    RuleType = "tier_minimum"
	RuleActionAllowed  RuleType = "action_allowed"
	RuleAuthorityLimit RuleType = "authority_limit"
	RuleStatusCheck    RuleType = "status_check"
	RuleSplitDetection RuleType = "split_detection"
)

// knownRuleTypes drives publish-time validation at the cloud. The edge
// treats anything outside this set as pass-through.
var knownRuleTypes = map[RuleType]bool{
	RuleAmountLimit:    true,
	RuleTrustMinimum:   true,
	RuleTierRequired:   true,
	RuleTierMinimum:    true,
	RuleActionAllowed:  true,
	RuleAuthorityLimit: true,
	RuleStatusCheck:    true,
	RuleSplitDetection: true,
}

// Verdicts a rule failure can select.
const (
	OnFailDeny     = "deny"
	OnFailEscalate = "escalate"
)

// Parameters is the tagged parameter block for a rule. Which fields are
// meaningful depends on the rule type; Validate enforces the pairing at
// publish time.
type Parameters struct {
	MaxAmount      float64  `json:"max_amount,omitempty"`
	MinTrust       float64  `json:"min_trust,omitempty"`
	AllowedTiers   []string `json:"allowed_tiers,omitempty"`
	MinTier        string   `json:"min_tier,omitempty"`
	AllowedActions []string `json:"allowed_actions,omitempty"`
	MaxRequests    int      `json:"max_requests,omitempty"`
	WindowMinutes  int      `json:"window_minutes,omitempty"`
}

// Rule is a single policy rule inside a bundle.
type Rule struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Type             RuleType   `json:"type"`
	Parameters       Parameters `json:"parameters"`
	OnFail           string     `json:"on_fail"`
	EnvironmentScope []string   `json:"environment_scope"`
	Active           bool       `json:"active"`
}

// AppliesTo reports whether the rule is in scope for an environment.
func (r Rule) AppliesTo(env string) bool {
	for _, e := range r.EnvironmentScope {
		if e == env {
			return true
		}
	}
	return false
}

// Validate checks the rule for publication. Unknown rule types and
// parameter shapes that do not match the type fail bundle creation at the
// cloud; edge gateways never run this path.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule %q: missing id", r.Name)
	}
	if r.OnFail != OnFailDeny && r.OnFail != OnFailEscalate {
		return fmt.Errorf("rule %s: on_fail must be deny or escalate, got %q", r.ID, r.OnFail)
	}
	if !knownRuleTypes[r.Type] {
		return fmt.Errorf("rule %s: unknown rule type %q", r.ID, r.Type)
	}
	switch r.Type {
	case RuleAmountLimit:
		if r.Parameters.MaxAmount <= 0 {
			return fmt.Errorf("rule %s: amount_limit requires max_amount > 0", r.ID)
		}
	case RuleTrustMinimum:
		if r.Parameters.MinTrust < 0 || r.Parameters.MinTrust > 1 {
			return fmt.Errorf("rule %s: trust_minimum requires min_trust in [0,1]", r.ID)
		}
	case RuleTierRequired:
		if len(r.Parameters.AllowedTiers) == 0 {
			return fmt.Errorf("rule %s: tier_required requires allowed_tiers", r.ID)
		}
	case RuleTierMinimum:
		if r.Parameters.MinTier == "" {
			return fmt.Errorf("rule %s: tier_minimum requires min_tier", r.ID)
		}
	case RuleActionAllowed:
		if len(r.Parameters.AllowedActions) == 0 {
			return fmt.Errorf("rule %s: action_allowed requires allowed_actions", r.ID)
		}
	case RuleSplitDetection:
		if r.Parameters.MaxRequests <= 0 || r.Parameters.WindowMinutes <= 0 {
			return fmt.Errorf("rule %s: split_detection requires max_requests and window_minutes", r.ID)
		}
	}
	return nil
}

// canonicalMap is the rule's hash payload: the parameter fields are
// flattened to the top level so the canonical form is stable regardless of
// how a producer groups them.
func (r Rule) canonicalMap() map[string]interface{} {
	m := map[string]interface{}{
		"id":                r.ID,
		"name":              r.Name,
		"type":              string(r.Type),
		"on_fail":           r.OnFail,
		"environment_scope": r.EnvironmentScope,
		"active":            r.Active,
	}
	p := r.Parameters
	if p.MaxAmount != 0 {
		m["max_amount"] = p.MaxAmount
	}
	if p.MinTrust != 0 {
		m["min_trust"] = p.MinTrust
	}
	if len(p.AllowedTiers) > 0 {
		m["allowed_tiers"] = p.AllowedTiers
	}
	if p.MinTier != "" {
		m["min_tier"] = p.MinTier
	}
	if len(p.AllowedActions) > 0 {
		m["allowed_actions"] = p.AllowedActions
	}
	if p.MaxRequests != 0 {
		m["max_requests"] = p.MaxRequests
	}
	if p.WindowMinutes != 0 {
		m["window_minutes"] = p.WindowMinutes
	}
	return m
}
