package syncengine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentgovern/sentinel/internal/ledger"
	"github.com/agentgovern/sentinel/internal/monitoring"
	"github.com/agentgovern/sentinel/internal/policy"
	"github.com/agentgovern/sentinel/internal/revocation"
)

// Gateway modes.
const (
	ModeOnline   = "online"
	ModeDegraded = "degraded"
)

// DefaultInterval between sync ticks.
const DefaultInterval = 30 * time.Second

// maxBackoff caps the retry delay while the control plane is unreachable.
const maxBackoff = 5 * time.Minute

// defaultBatchSize caps records per flush.
const defaultBatchSize = 500

// StepResult describes one step of a tick, surfaced by POST /sync.
type StepResult struct {
	Step    string `json:"step"`
	Outcome string `json:"outcome"` // synced | failed | skipped
	Detail  string `json:"detail,omitempty"`
}

// Engine is the edge's cooperative background sync task. Each tick pulls
// policies, pulls revocations, and flushes the ledger, in that order. A
// failure at either pull flips the gateway to degraded mode; the enforcer
// and verifier keep running on last-known state.
type Engine struct {
	client   *Client
	enforcer *policy.Enforcer
	revSet   *revocation.Set
	local    *ledger.LocalLedger
	metrics  *monitoring.Metrics

	environment string
	interval    time.Duration
	batchSize   int
	softCap     int

	mode     atomic.Value // string
	lastSync atomic.Value // time.Time
	mu       sync.Mutex   // serializes ticks; guards failures
	failures int
	wake     chan struct{}
}

// EngineConfig assembles an Engine.
type EngineConfig struct {
	Client      *Client
	Enforcer    *policy.Enforcer
	RevSet      *revocation.Set
	Ledger      *ledger.LocalLedger
	Metrics     *monitoring.Metrics
	Environment string
	Interval    time.Duration
	BatchSize   int
	SoftCap     int
}

// NewEngine creates a sync engine. The gateway starts degraded until the
// first successful pull.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.SoftCap <= 0 {
		cfg.SoftCap = 10_000
	}
	e := &Engine{
		client:      cfg.Client,
		enforcer:    cfg.Enforcer,
		revSet:      cfg.RevSet,
		local:       cfg.Ledger,
		metrics:     cfg.Metrics,
		environment: cfg.Environment,
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		softCap:     cfg.SoftCap,
		wake:        make(chan struct{}, 1),
	}
	e.mode.Store(ModeDegraded)
	e.lastSync.Store(time.Time{})
	return e
}

// Mode returns "online" or "degraded".
func (e *Engine) Mode() string {
	return e.mode.Load().(string)
}

// LastSyncAt returns the wall time of the last fully successful tick, or a
// zero time before any.
func (e *Engine) LastSyncAt() time.Time {
	return e.lastSync.Load().(time.Time)
}

// InitialSync performs the synchronous boot-time pull of policies and
// revocations. If both fail the gateway still starts, degraded, with an
// empty bundle and revocation set: everything allows subject only to the
// environment check, and the status endpoint reports the condition.
func (e *Engine) InitialSync(ctx context.Context) {
	okPolicies := e.pullPolicies(ctx) == nil
	okRevocations := e.pullRevocations(ctx) == nil
	if okPolicies && okRevocations {
		e.mode.Store(ModeOnline)
		e.lastSync.Store(time.Now().UTC())
		slog.Info("initial sync complete", "policy_version", e.enforcer.Version())
		return
	}
	slog.Warn("initial sync incomplete; starting degraded",
		"policies_ok", okPolicies, "revocations_ok", okRevocations)
}

// Run executes the sync loop until ctx is canceled, then performs a final
// flush so the unsynced set survives shutdown as small as possible.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			e.flushLedger(flushCtx)
			cancel()
			slog.Info("sync engine stopped")
			return
		case <-time.After(e.nextDelay()):
		case <-e.wake:
		}
		e.Tick(ctx)
	}
}

// TriggerNow schedules an immediate tick (admin /sync support).
func (e *Engine) TriggerNow() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Tick runs one full sync pass and returns per-step outcomes. Ticks are
// serialized: the admin /sync handler and the run loop may call this
// concurrently, and an interleaved pass could flush the same batch twice.
func (e *Engine) Tick(ctx context.Context) []StepResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	var results []StepResult

	polErr := e.pullPolicies(ctx)
	results = append(results, stepResult("policies", polErr))

	revErr := e.pullRevocations(ctx)
	results = append(results, stepResult("revocations", revErr))

	if polErr != nil || revErr != nil {
		e.failures++
		if e.Mode() != ModeDegraded {
			slog.Warn("control plane unreachable; entering degraded mode")
		}
		e.mode.Store(ModeDegraded)
	} else {
		if e.Mode() != ModeOnline {
			slog.Info("control plane reachable; back online")
		}
		e.failures = 0
		e.mode.Store(ModeOnline)
		e.lastSync.Store(time.Now().UTC())
	}

	// Records keep flushing even when the pulls fail; the unsynced buffer
	// has no drop policy.
	flushErr := e.flushLedger(ctx)
	results = append(results, stepResult("flush", flushErr))

	if e.metrics != nil {
		if n, err := e.local.UnsyncedCount(); err == nil {
			e.metrics.LedgerUnsynced.Set(float64(n))
		}
		e.metrics.PolicyRules.Set(float64(e.enforcer.PolicyCount()))
	}
	return results
}

func stepResult(step string, err error) StepResult {
	if err != nil {
		return StepResult{Step: step, Outcome: "failed", Detail: err.Error()}
	}
	return StepResult{Step: step, Outcome: "synced"}
}

// nextDelay applies exponential backoff while degraded and speeds up when
// the unsynced buffer passes the soft cap.
func (e *Engine) nextDelay() time.Duration {
	e.mu.Lock()
	failures := e.failures
	e.mu.Unlock()

	delay := e.interval
	if failures > 0 {
		for i := 0; i < failures && delay < maxBackoff; i++ {
			delay *= 2
		}
		if delay > maxBackoff {
			delay = maxBackoff
		}
		return delay
	}
	if n, err := e.local.UnsyncedCount(); err == nil && n > e.softCap {
		return delay / 4
	}
	return delay
}

func (e *Engine) pullPolicies(ctx context.Context) error {
	bundle, err := e.client.FetchBundle(ctx, e.environment)
	if err != nil {
		e.count("policies", "failed")
		return err
	}
	if !bundle.VerifyIntegrity() {
		e.count("policies", "hash_mismatch")
		slog.Error("bundle hash mismatch; rejecting", "version", bundle.Version)
		return errBundleHashMismatch
	}
	// Swap whenever the control plane's current bundle differs from the
	// loaded one. Hash comparison (not version ordering) makes a rollback
	// to an older version authoritative on the next sync.
	if bundle.Hash != e.enforcer.Bundle().Hash {
		edge := bundle.ForEnvironment(e.environment)
		e.enforcer.Load(&edge)
	}
	e.count("policies", "synced")
	return nil
}

func (e *Engine) pullRevocations(ctx context.Context) error {
	snap, err := e.client.FetchRevocations(ctx, e.revSet.SnapshotID())
	if err != nil {
		e.count("revocations", "failed")
		return err
	}
	e.revSet.Apply(*snap)
	e.count("revocations", "synced")
	return nil
}

func (e *Engine) flushLedger(ctx context.Context) error {
	records, err := e.local.Unsynced(e.batchSize)
	if err != nil {
		e.count("flush", "failed")
		return err
	}
	if len(records) == 0 {
		return nil
	}
	result, err := e.client.PushDecisions(ctx, records)
	if err != nil {
		e.count("flush", "failed")
		return err
	}
	if len(result.AcceptedIDs) > 0 {
		if _, err := e.local.MarkSynced(result.AcceptedIDs); err != nil {
			return err
		}
	}
	for _, rej := range result.Rejected {
		slog.Error("master rejected decision record", "id", rej.ID, "reason", rej.Reason)
	}
	e.count("flush", "synced")
	slog.Info("ledger flushed", "accepted", len(result.AcceptedIDs), "rejected", len(result.Rejected))
	return nil
}

func (e *Engine) count(step, outcome string) {
	if e.metrics != nil {
		e.metrics.SyncTicks.WithLabelValues(step, outcome).Inc()
	}
}

var errBundleHashMismatch = errors.New("bundle hash mismatch")
