package policy

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/agentgovern/sentinel/internal/passport"
)

// AgentFacts is what the enforcer knows about the requesting agent, taken
// from verified passport claims.
type AgentFacts struct {
	AgentID        string
	Tier           string
	TrustScore     float64
	AuthorityLimit float64
	Status         string // "active" unless a lookup says otherwise
}

// Action is the normalized action under evaluation.
type Action struct {
	Type    string
	Amount  float64
	Context map[string]interface{}
}

// Verdict is the enforcer's output.
type Verdict struct {
	Verdict      string `json:"verdict"` // allow | deny | escalate
	Reason       string `json:"reason"`
	RulesChecked int    `json:"rules_checked"`
}

// Enforcer evaluates actions against the currently loaded edge bundle.
// The bundle is behind an atomic pointer: the sync engine swaps whole
// bundles copy-on-write, and any in-flight evaluation sees exactly one
// consistent bundle. Evaluation never touches the network.
type Enforcer struct {
	bundle  atomic.Pointer[EdgeBundle]
	windows *SplitWindows
}

// NewEnforcer creates an enforcer with an empty bundle (every action allows
// until the first sync lands — startup in degraded mode is intentionally
// loud on the status endpoint, not silently blocking).
func NewEnforcer(windows *SplitWindows) *Enforcer {
	e := &Enforcer{windows: windows}
	e.bundle.Store(&EdgeBundle{Version: "0"})
	return e
}

// Load swaps in a new bundle atomically.
func (e *Enforcer) Load(b *EdgeBundle) {
	e.bundle.Store(b)
	slog.Info("policy bundle loaded", "version", b.Version, "rules", len(b.Rules))
}

// Bundle returns the bundle evaluations currently run against.
func (e *Enforcer) Bundle() *EdgeBundle {
	return e.bundle.Load()
}

// PolicyCount returns the number of rules in the loaded bundle.
func (e *Enforcer) PolicyCount() int {
	return len(e.bundle.Load().Rules)
}

// Version returns the loaded bundle's version.
func (e *Enforcer) Version() string {
	return e.bundle.Load().Version
}

// MaxSplitWindow returns the largest split_detection window currently
// configured, for counter expiry.
func (e *Enforcer) MaxSplitWindow() time.Duration {
	max := 0
	for _, r := range e.bundle.Load().Rules {
		if r.Type == RuleSplitDetection && r.Parameters.WindowMinutes > max {
			max = r.Parameters.WindowMinutes
		}
	}
	return time.Duration(max) * time.Minute
}

// Evaluate runs the loaded bundle against an action. First failing rule
// decides; its on_fail selects deny versus escalate. Unknown rule types
// pass at the edge.
func (e *Enforcer) Evaluate(agent AgentFacts, action Action) Verdict {
	v, _ := EvaluateBundle(e.bundle.Load(), agent, action, e.windows, false)
	return v
}

// EvaluateBundle is the pure evaluation core shared by the edge enforcer
// and the cloud's strict server-side evaluation. Rules run in bundle order.
// With strict set, an unknown rule type is an error instead of a pass.
func EvaluateBundle(b *EdgeBundle, agent AgentFacts, action Action, windows *SplitWindows, strict bool) (Verdict, error) {
	checked := 0
	for _, rule := range b.Rules {
		checked++
		passed, err := evaluateRule(rule, agent, action, windows, strict)
		if err != nil {
			return Verdict{}, err
		}
		if !passed {
			return Verdict{
				Verdict:      rule.OnFail,
				Reason:       fmt.Sprintf("Rule '%s' failed", ruleLabel(rule)),
				RulesChecked: checked,
			}, nil
		}
	}
	return Verdict{
		Verdict:      "allow",
		Reason:       "All local policies passed",
		RulesChecked: checked,
	}, nil
}

func ruleLabel(r Rule) string {
	if r.Name != "" {
		return r.Name
	}
	return string(r.Type)
}

func evaluateRule(r Rule, agent AgentFacts, action Action, windows *SplitWindows, strict bool) (bool, error) {
	switch r.Type {
	case RuleAmountLimit:
		return action.Amount <= r.Parameters.MaxAmount, nil
	case RuleAuthorityLimit:
		return action.Amount <= agent.AuthorityLimit, nil
	case RuleTrustMinimum:
		return agent.TrustScore >= r.Parameters.MinTrust, nil
	case RuleTierRequired:
		for _, t := range r.Parameters.AllowedTiers {
			if agent.Tier == t {
				return true, nil
			}
		}
		return false, nil
	case RuleTierMinimum:
		return passport.TierRank[agent.Tier] >= passport.TierRank[r.Parameters.MinTier], nil
	case RuleActionAllowed:
		for _, a := range r.Parameters.AllowedActions {
			if action.Type == a {
				return true, nil
			}
		}
		return false, nil
	case RuleStatusCheck:
		status := agent.Status
		if status == "" {
			status = "active"
		}
		return status == "active", nil
	case RuleSplitDetection:
		if windows == nil {
			return true, nil
		}
		window := time.Duration(r.Parameters.WindowMinutes) * time.Minute
		prior := windows.CountAndRecord(agent.AgentID, action.Type, window)
		return prior < r.Parameters.MaxRequests, nil
	default:
		if strict {
			return false, fmt.Errorf("unknown rule type %q", r.Type)
		}
		// Fail-open for unknown rule types only; the cloud evaluates them.
		slog.Debug("unknown rule type at edge, passing", "type", r.Type, "rule", r.ID)
		return true, nil
	}
}
