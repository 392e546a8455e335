// Package prophecy implements the deterministic three-path outcome
// simulator used for boundary-case authorizations. No LLM, no I/O: every
// number falls out of the agent's trust facts and the action's size, so two
// gateways given the same inputs produce identical paths.
//
// Prophecy is advisory metadata on the decision record; the enforcer's
// verdict is always authoritative.
package prophecy

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"
)

// Trigger thresholds.
const (
	AuthorityRatioThreshold = 0.70 // action is >=70% of authority limit
	UnstableTrustThreshold  = 0.60 // agent trust below 0.6
	FirstActionThreshold    = 5    // fewer than 5 similar past actions
)

// Path is one of the three simulated outcomes.
type Path struct {
	PathType             string   `json:"path_type"` // approve | deny | escalate
	PredictedTrustDelta  float64  `json:"predicted_trust_delta"`
	RiskScore            float64  `json:"risk_score"`
	FinancialExposure    float64  `json:"financial_exposure"`
	ComplianceRisk       string   `json:"compliance_risk"` // none | low | medium | high
	CascadeEffects       []string `json:"cascade_effects"`
	RecommendationWeight float64  `json:"recommendation_weight"`
	Reasoning            string   `json:"reasoning"`
}

// Result is the full three-path analysis.
type Result struct {
	AgentID         string    `json:"agent_id"`
	ActionType      string    `json:"action_type"`
	Amount          float64   `json:"amount"`
	Paths           []Path    `json:"paths"`
	RecommendedPath string    `json:"recommended_path"`
	Confidence      float64   `json:"confidence"`
	TriggerReason   string    `json:"trigger_reason"`
	ComputedAt      time.Time `json:"computed_at"`
}

// Input carries everything a simulation needs.
type Input struct {
	AgentID               string
	ActionType            string
	Amount                float64
	TrustScore            float64
	Tier                  string
	AuthorityLimit        float64
	HistoricalSuccessRate float64 // defaults to 0.80 when zero
	TriggerReason         string
}

// Engine runs simulations. It is stateless; the struct exists so callers
// can swap the clock in tests.
type Engine struct {
	now func() time.Time
}

// NewEngine returns a simulator using the wall clock.
func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// ShouldTrigger decides whether an action warrants a simulation and
// explains why.
func ShouldTrigger(trustScore, amount, authorityLimit float64, historyCount int) (bool, string) {
	if authorityLimit > 0 && amount/authorityLimit >= AuthorityRatioThreshold {
		return true, fmt.Sprintf("action amount (%.0f) is >=70%% of authority limit (%.0f)", amount, authorityLimit)
	}
	if trustScore < UnstableTrustThreshold {
		return true, fmt.Sprintf("agent trust score (%.2f) is below stability threshold (%.2f)", trustScore, UnstableTrustThreshold)
	}
	if historyCount < FirstActionThreshold {
		return true, fmt.Sprintf("agent has limited history (%d past similar actions)", historyCount)
	}
	return false, ""
}

// Simulate produces the three paths, the argmax-weight recommendation, and
// a confidence in [0.5, 1.0] based on the weight spread.
func (e *Engine) Simulate(in Input) Result {
	success := in.HistoricalSuccessRate
	if success == 0 {
		success = 0.80
	}
	authRatio := 1.0
	if in.AuthorityLimit > 0 {
		authRatio = in.Amount / in.AuthorityLimit
	}

	paths := []Path{
		simulateApprove(success, authRatio, in.Amount),
		simulateDeny(authRatio, in.Tier),
		simulateEscalate(in.TrustScore, authRatio, in.Amount),
	}

	best := paths[0]
	for _, p := range paths[1:] {
		if p.RecommendationWeight > best.RecommendationWeight {
			best = p
		}
	}

	weights := make([]float64, len(paths))
	for i, p := range paths {
		weights[i] = p.RecommendationWeight
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(weights)))
	confidence := math.Min(0.5+(weights[0]-weights[1]), 1.0)

	result := Result{
		AgentID:         in.AgentID,
		ActionType:      in.ActionType,
		Amount:          in.Amount,
		Paths:           paths,
		RecommendedPath: best.PathType,
		Confidence:      round3(confidence),
		TriggerReason:   in.TriggerReason,
		ComputedAt:      e.now().UTC(),
	}

	slog.Info("prophecy simulated",
		"agent_id", in.AgentID,
		"action", in.ActionType,
		"amount", in.Amount,
		"recommended", result.RecommendedPath,
		"confidence", result.Confidence)
	return result
}

func simulateApprove(success, authRatio, amount float64) Path {
	var delta, risk float64
	var reasoning string
	switch {
	case success >= 0.85:
		delta, risk = 0.03, 0.1+authRatio*0.2
		reasoning = "High historical success rate — approve is low-risk"
	case success >= 0.65:
		delta, risk = 0.01, 0.3+authRatio*0.3
		reasoning = "Moderate success rate — approve with monitoring"
	default:
		delta, risk = -0.05, 0.5+authRatio*0.4
		reasoning = "Low success rate — approval carries significant risk"
	}
	if authRatio >= 0.90 {
		risk = math.Min(risk+0.2, 1.0)
		reasoning += " (near authority limit — elevated risk)"
	}

	var cascades []string
	if authRatio > 0.80 {
		cascades = append(cascades, fmt.Sprintf("Action uses %.0f%% of authority limit", authRatio*100))
	}
	if risk > 0.6 {
		cascades = append(cascades, "May trigger downstream compliance review")
	}

	compliance := "low"
	if risk > 0.7 {
		compliance = "high"
	} else if risk > 0.4 {
		compliance = "medium"
	}

	return Path{
		PathType:             "approve",
		PredictedTrustDelta:  delta,
		RiskScore:            round3(risk),
		FinancialExposure:    round2(amount * risk),
		ComplianceRisk:       compliance,
		CascadeEffects:       cascades,
		RecommendationWeight: round3(success * (1 - risk) * 0.8),
		Reasoning:            reasoning,
	}
}

func simulateDeny(authRatio float64, tier string) Path {
	delta := 0.0
	cascades := []string{"Agent action blocked — task may stall"}
	if tier == "T1" || tier == "T2" {
		cascades = append(cascades, "Senior agent blocked — may indicate overly restrictive policy")
		delta = -0.01
	}
	return Path{
		PathType:             "deny",
		PredictedTrustDelta:  delta,
		RiskScore:            0.05,
		FinancialExposure:    0,
		ComplianceRisk:       "none",
		CascadeEffects:       cascades,
		RecommendationWeight: round3(0.3 * (1 - authRatio)),
		Reasoning:            "Deny is safest but may cause operational delays",
	}
}

func simulateEscalate(trust, authRatio, amount float64) Path {
	risk := 0.15
	cascades := []string{"Action delayed pending human review (avg 4-24 hours)"}
	if amount > 50_000 {
		cascades = append(cascades, fmt.Sprintf("High-value action (%.0f) — senior reviewer required", amount))
		risk = 0.10
	}

	reasoning := "Escalation provides human oversight — moderate delay cost"
	weight := 0.5*authRatio + 0.3*(1-trust)
	if trust < 0.5 {
		weight += 0.2
		reasoning += " (recommended for low-trust agents)"
	}

	return Path{
		PathType:             "escalate",
		PredictedTrustDelta:  0.02,
		RiskScore:            round3(risk),
		FinancialExposure:    round2(amount * 0.05),
		ComplianceRisk:       "low",
		CascadeEffects:       cascades,
		RecommendationWeight: round3(math.Min(weight, 1.0)),
		Reasoning:            reasoning,
	}
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
