package prophecy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldTrigger(t *testing.T) {
	// Authority ratio at 70% of limit.
	ok, reason := ShouldTrigger(0.9, 7_000, 10_000, 100)
	assert.True(t, ok)
	assert.Contains(t, reason, "authority limit")

	// Unstable trust.
	ok, reason = ShouldTrigger(0.55, 100, 10_000, 100)
	assert.True(t, ok)
	assert.Contains(t, reason, "trust score")

	// Limited history.
	ok, reason = ShouldTrigger(0.9, 100, 10_000, 4)
	assert.True(t, ok)
	assert.Contains(t, reason, "limited history")

	// Routine action: no trigger.
	ok, _ = ShouldTrigger(0.9, 100, 10_000, 100)
	assert.False(t, ok)
}

// Boundary-case simulation with trust 0.55, authority limit 10000, amount
// 9000 (ratio 0.9) and the default historical success rate 0.8.
func TestSimulateBoundaryCase(t *testing.T) {
	e := NewEngine()
	result := e.Simulate(Input{
		AgentID:        "agent-7",
		ActionType:     "transfer",
		Amount:         9_000,
		TrustScore:     0.55,
		Tier:           "T3",
		AuthorityLimit: 10_000,
		TriggerReason:  "test",
	})

	require.Len(t, result.Paths, 3)
	byType := map[string]Path{}
	for _, p := range result.Paths {
		byType[p.PathType] = p
	}

	approve := byType["approve"]
	// risk = 0.3 + 0.3*0.9 = 0.57, +0.2 near the authority limit = 0.77
	assert.InDelta(t, 0.77, approve.RiskScore, 1e-3)
	assert.InDelta(t, 0.01, approve.PredictedTrustDelta, 1e-9)
	// weight = 0.8 * (1-0.77) * 0.8
	assert.InDelta(t, 0.147, approve.RecommendationWeight, 1e-3)
	assert.InDelta(t, 9_000*0.77, approve.FinancialExposure, 0.01)
	assert.Equal(t, "high", approve.ComplianceRisk)

	deny := byType["deny"]
	// weight = 0.3 * (1-0.9)
	assert.InDelta(t, 0.03, deny.RecommendationWeight, 1e-3)
	assert.Zero(t, deny.FinancialExposure)

	escalate := byType["escalate"]
	// weight = 0.5*0.9 + 0.3*(1-0.55)
	assert.InDelta(t, 0.585, escalate.RecommendationWeight, 1e-3)
	assert.InDelta(t, 9_000*0.05, escalate.FinancialExposure, 0.01)

	assert.Equal(t, "escalate", result.RecommendedPath)
	assert.GreaterOrEqual(t, result.Confidence, 0.5)
	assert.LessOrEqual(t, result.Confidence, 1.0)
	// confidence = 0.5 + (0.585 - 0.147)
	assert.InDelta(t, 0.938, result.Confidence, 1e-3)
}

func TestSimulateHighTrust(t *testing.T) {
	e := NewEngine()
	result := e.Simulate(Input{
		AgentID:               "agent-9",
		ActionType:            "write",
		Amount:                1_000,
		TrustScore:            0.95,
		Tier:                  "T1",
		AuthorityLimit:        100_000,
		HistoricalSuccessRate: 0.95,
	})

	byType := map[string]Path{}
	for _, p := range result.Paths {
		byType[p.PathType] = p
	}
	// success >= 0.85 branch: risk = 0.1 + 0.01*0.2 = 0.102
	assert.InDelta(t, 0.102, byType["approve"].RiskScore, 1e-3)
	assert.Equal(t, "approve", result.RecommendedPath)
}

func TestSimulateDeterministic(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := &Engine{now: func() time.Time { return fixed }}
	in := Input{AgentID: "a", ActionType: "transfer", Amount: 9_000, TrustScore: 0.55, AuthorityLimit: 10_000}

	assert.Equal(t, e.Simulate(in), e.Simulate(in))
}

func TestRecommendationIsArgmax(t *testing.T) {
	e := NewEngine()
	result := e.Simulate(Input{AgentID: "a", ActionType: "x", Amount: 60_000, TrustScore: 0.45, AuthorityLimit: 65_000})

	var max float64
	for _, p := range result.Paths {
		if p.RecommendationWeight > max {
			max = p.RecommendationWeight
		}
	}
	for _, p := range result.Paths {
		if p.PathType == result.RecommendedPath {
			assert.Equal(t, max, p.RecommendationWeight)
		}
	}
}

func TestEscalateLowTrustBonus(t *testing.T) {
	e := NewEngine()
	result := e.Simulate(Input{AgentID: "a", ActionType: "x", Amount: 1_000, TrustScore: 0.40, AuthorityLimit: 10_000})

	for _, p := range result.Paths {
		if p.PathType == "escalate" {
			// 0.5*0.1 + 0.3*0.6 + 0.2 low-trust bonus
			assert.InDelta(t, 0.43, p.RecommendationWeight, 1e-3)
		}
	}
}
