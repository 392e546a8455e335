// Package pipeline is the edge gateway's per-request orchestrator: verify
// passport, check environment, evaluate policy, optionally simulate
// prophecy, append to the local ledger, respond.
//
// The verify/enforce/prophecy triad runs entirely in memory; the only
// suspension point on the hot path is the ledger append.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentgovern/sentinel/internal/ledger"
	"github.com/agentgovern/sentinel/internal/monitoring"
	"github.com/agentgovern/sentinel/internal/passport"
	"github.com/agentgovern/sentinel/internal/policy"
	"github.com/agentgovern/sentinel/internal/prophecy"
)

// Request is a normalized authorization request.
type Request struct {
	PassportToken string                 `json:"passport_token"`
	ActionType    string                 `json:"action_type"`
	Resource      string                 `json:"resource"`
	Amount        float64                `json:"amount"`
	Environment   string                 `json:"environment"`
	Context       map[string]interface{} `json:"context,omitempty"`
}

// Response is the verdict surface returned to agents.
type Response struct {
	Authorized bool    `json:"authorized"`
	Verdict    string  `json:"verdict"`
	Reason     string  `json:"reason"`
	AgentID    string  `json:"agent_id"`
	AgentTier  string  `json:"agent_tier"`
	GatewayID  string  `json:"gateway_id"`
	LatencyMS  float64 `json:"latency_ms"`
	Mode       string  `json:"mode"`
	DecisionID string  `json:"decision_id"`
}

// AuthError wraps a passport verification failure; handlers map it to 401.
// No ledger record is written for an AuthError.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// ErrAppendFailed means the decision could not be persisted; the caller
// gets an error, never an unrecorded verdict.
var ErrAppendFailed = errors.New("decision ledger append failed")

// ErrDeadlineExceeded means the caller's deadline passed before the ledger
// append; nothing was committed.
var ErrDeadlineExceeded = errors.New("authorize deadline exceeded")

// ModeProvider reports the gateway's sync mode ("online" or "degraded").
// The sync engine satisfies it.
type ModeProvider interface {
	Mode() string
}

// staticMode is used before a sync engine is attached (tests, startup).
type staticMode string

func (s staticMode) Mode() string { return string(s) }

// Pipeline wires the hot path together for one gateway process.
type Pipeline struct {
	verifier  *passport.Verifier
	enforcer  *policy.Enforcer
	ledger    *ledger.LocalLedger
	simulator *prophecy.Engine
	mode      ModeProvider
	metrics   *monitoring.Metrics

	gatewayID string

	softCap int
	hardCap int

	histMu  sync.Mutex
	history map[string]int
}

// Config assembles a Pipeline.
type Config struct {
	Verifier  *passport.Verifier
	Enforcer  *policy.Enforcer
	Ledger    *ledger.LocalLedger
	Simulator *prophecy.Engine
	Mode      ModeProvider
	Metrics   *monitoring.Metrics
	GatewayID string
	SoftCap   int // unsynced records before the sync engine speeds up
	HardCap   int // unsynced records before authorize fail-safes to escalate
}

// New builds the pipeline and seeds the in-memory history table from the
// persisted ledger.
func New(cfg Config) (*Pipeline, error) {
	if cfg.SoftCap <= 0 {
		cfg.SoftCap = 10_000
	}
	if cfg.HardCap <= 0 {
		cfg.HardCap = 100_000
	}
	if cfg.Mode == nil {
		cfg.Mode = staticMode("online")
	}
	history, err := cfg.Ledger.HistoryCounts()
	if err != nil {
		return nil, fmt.Errorf("pipeline: seed history: %w", err)
	}
	return &Pipeline{
		verifier:  cfg.Verifier,
		enforcer:  cfg.Enforcer,
		ledger:    cfg.Ledger,
		simulator: cfg.Simulator,
		mode:      cfg.Mode,
		metrics:   cfg.Metrics,
		gatewayID: cfg.GatewayID,
		softCap:   cfg.SoftCap,
		hardCap:   cfg.HardCap,
		history:   history,
	}, nil
}

// SetMode swaps the mode provider once the sync engine exists.
func (p *Pipeline) SetMode(m ModeProvider) {
	p.mode = m
}

// Authorize runs the full decision path. Every return either carries a
// verdict backed by a ledger record or is an explicit error.
func (p *Pipeline) Authorize(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	claims, err := p.verifier.Verify(req.PassportToken)
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	ag := claims.AG
	agentID := claims.Subject

	facts := policy.AgentFacts{
		AgentID:        agentID,
		Tier:           ag.Tier,
		TrustScore:     ag.TrustScore,
		AuthorityLimit: ag.AuthorityLimit,
		Status:         "active",
	}
	action := policy.Action{Type: req.ActionType, Amount: req.Amount, Context: req.Context}

	if !ag.AllowsEnvironment(req.Environment) {
		reason := fmt.Sprintf("environment not permitted: passport does not allow %q", req.Environment)
		return p.record(ctx, start, req, claims, policy.Verdict{Verdict: "deny", Reason: reason}, nil)
	}

	var prophecyJSON json.RawMessage
	var trace string
	historyCount := p.historyCount(agentID, req.ActionType)
	if trigger, why := prophecy.ShouldTrigger(ag.TrustScore, req.Amount, ag.AuthorityLimit, historyCount); trigger {
		result := p.simulator.Simulate(prophecy.Input{
			AgentID:        agentID,
			ActionType:     req.ActionType,
			Amount:         req.Amount,
			TrustScore:     ag.TrustScore,
			Tier:           ag.Tier,
			AuthorityLimit: ag.AuthorityLimit,
			TriggerReason:  why,
		})
		prophecyJSON, _ = json.Marshal(result)
		trace = fmt.Sprintf("prophecy recommended %s (confidence %.3f)", result.RecommendedPath, result.Confidence)
		if p.metrics != nil {
			p.metrics.ProphecyTotal.Inc()
		}
	}

	verdict := p.enforcer.Evaluate(facts, action)

	// Fail-safe above the hard cap: a human handles what the master chain
	// cannot currently absorb.
	if unsynced, err := p.ledger.UnsyncedCount(); err == nil && unsynced >= p.hardCap {
		verdict = policy.Verdict{
			Verdict:      "escalate",
			Reason:       "ledger backpressure",
			RulesChecked: verdict.RulesChecked,
		}
	}

	resp, err := p.recordWithProphecy(ctx, start, req, claims, verdict, prophecyJSON, trace)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (p *Pipeline) record(ctx context.Context, start time.Time, req Request, claims *passport.Claims, v policy.Verdict, prophecyJSON json.RawMessage) (*Response, error) {
	return p.recordWithProphecy(ctx, start, req, claims, v, prophecyJSON, "")
}

func (p *Pipeline) recordWithProphecy(ctx context.Context, start time.Time, req Request, claims *passport.Claims, v policy.Verdict, prophecyJSON json.RawMessage, trace string) (*Response, error) {
	// No half-commit: if the caller's deadline already passed, return
	// without touching the chain.
	if err := ctx.Err(); err != nil {
		return nil, ErrDeadlineExceeded
	}

	rec, err := p.ledger.Append(ledger.Fields{
		AgentID:        claims.Subject,
		ActionType:     req.ActionType,
		Resource:       req.Resource,
		Amount:         req.Amount,
		Environment:    req.Environment,
		Verdict:        v.Verdict,
		Reason:         v.Reason,
		PassportJTI:    claims.ID,
		InputContext:   req.Context,
		ReasoningTrace: trace,
		ProphecyPaths:  prophecyJSON,
	})
	if err != nil {
		slog.Error("ledger append failed", "agent_id", claims.Subject, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}

	p.bumpHistory(claims.Subject, req.ActionType)

	mode := p.mode.Mode()
	latency := float64(time.Since(start).Microseconds()) / 1000.0

	if p.metrics != nil {
		p.metrics.AuthorizeTotal.WithLabelValues(v.Verdict, mode).Inc()
		p.metrics.AuthorizeDuration.Observe(time.Since(start).Seconds())
		p.metrics.LedgerSize.Set(float64(p.ledger.Size()))
	}

	slog.Info("authorize",
		"agent_id", claims.Subject,
		"action", req.ActionType,
		"verdict", v.Verdict,
		"latency_ms", latency,
		"mode", mode)

	return &Response{
		Authorized: v.Verdict == "allow",
		Verdict:    v.Verdict,
		Reason:     v.Reason,
		AgentID:    claims.Subject,
		AgentTier:  claims.AG.Tier,
		GatewayID:  p.gatewayID,
		LatencyMS:  latency,
		Mode:       mode,
		DecisionID: rec.ID,
	}, nil
}

func (p *Pipeline) historyCount(agentID, actionType string) int {
	p.histMu.Lock()
	defer p.histMu.Unlock()
	return p.history[agentID+":"+actionType]
}

func (p *Pipeline) bumpHistory(agentID, actionType string) {
	p.histMu.Lock()
	p.history[agentID+":"+actionType]++
	p.histMu.Unlock()
}
