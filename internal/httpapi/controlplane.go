package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentgovern/sentinel/internal/ledger"
	"github.com/agentgovern/sentinel/internal/passport"
	"github.com/agentgovern/sentinel/internal/policy"
	"github.com/agentgovern/sentinel/internal/prophecy"
	"github.com/agentgovern/sentinel/internal/revocation"
)

// ControlPlaneServer is the cloud side's HTTP surface: passport lifecycle,
// revocation export, policy distribution, master ledger ingest, and strict
// server-side evaluation.
type ControlPlaneServer struct {
	passports   *passport.Service
	revocations *revocation.Registry
	store       *policy.Store
	master      *ledger.MasterLedger
	simulator   *prophecy.Engine
	windows     *policy.SplitWindows
}

// NewControlPlaneServer wires the control-plane routes.
func NewControlPlaneServer(
	passports *passport.Service,
	revocations *revocation.Registry,
	store *policy.Store,
	master *ledger.MasterLedger,
	simulator *prophecy.Engine,
) *ControlPlaneServer {
	return &ControlPlaneServer{
		passports:   passports,
		revocations: revocations,
		store:       store,
		master:      master,
		simulator:   simulator,
		windows:     policy.NewSplitWindows(),
	}
}

// Router builds the control plane's mux router.
func (s *ControlPlaneServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/identity/passports", s.handleIssue).Methods(http.MethodPost)
	r.HandleFunc("/identity/passports/verify", s.handleVerify).Methods(http.MethodPost)
	r.HandleFunc("/identity/passports/rotate", s.handleRotate).Methods(http.MethodPost)
	r.HandleFunc("/identity/passports/revoke", s.handleRevoke).Methods(http.MethodPost)
	r.HandleFunc("/identity/revocation-list", s.handleRevocationList).Methods(http.MethodGet)

	r.HandleFunc("/sentinel/policies", s.handleCreateBundle).Methods(http.MethodPost)
	r.HandleFunc("/sentinel/policies/bundle", s.handlePullBundle).Methods(http.MethodGet)
	r.HandleFunc("/sentinel/policies/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/sentinel/policies/diff", s.handleDiff).Methods(http.MethodGet)
	r.HandleFunc("/sentinel/policies/rollback", s.handleRollback).Methods(http.MethodPost)
	r.HandleFunc("/sentinel/policies/gateways", s.handleGateways).Methods(http.MethodGet)

	r.HandleFunc("/ancestor/bulk-record", s.handleBulkRecord).Methods(http.MethodPost)
	r.HandleFunc("/ancestor/verify-chain", s.handleVerifyMaster).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/sentinel/evaluate", s.handleEvaluate).Methods(http.MethodPost)

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	return r
}

type issueRequest struct {
	AgentID             string          `json:"agent_id"`
	AgentName           string          `json:"agent_name"`
	Role                string          `json:"role"`
	Tier                string          `json:"tier"`
	TrustScore          float64         `json:"trust_score"`
	AuthorityLimit      float64         `json:"authority_limit"`
	AllowedEnvironments []string        `json:"allowed_environments"`
	Genes               []passport.Gene `json:"genes"`
	TTLHours            int             `json:"ttl_hours"`
	OldToken            string          `json:"old_token"` // rotate only
}

func (s *ControlPlaneServer) passportData(req issueRequest) passport.Data {
	tier := req.Tier
	if tier == "" {
		tier = passport.TierForTrust(req.TrustScore)
	}
	return passport.Data{
		AgentID:             req.AgentID,
		AgentName:           req.AgentName,
		Role:                req.Role,
		Tier:                tier,
		TrustScore:          req.TrustScore,
		AuthorityLimit:      req.AuthorityLimit,
		AllowedEnvironments: req.AllowedEnvironments,
		DNAFingerprint:      passport.ComputeDNAFingerprint(req.Genes),
		TTL:                 time.Duration(req.TTLHours) * time.Hour,
	}
}

func (s *ControlPlaneServer) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "agent_id is required")
		return
	}
	data := s.passportData(req)
	token, err := s.passports.Issue(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "issue_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"passport_token":  token,
		"agent_id":        data.AgentID,
		"tier":            data.Tier,
		"dna_fingerprint": data.DNAFingerprint,
	})
}

func (s *ControlPlaneServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PassportToken string `json:"passport_token"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	claims, err := s.passports.Verify(req.PassportToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, authErrorCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":    true,
		"agent_id": claims.Subject,
		"jti":      claims.ID,
		"ag":       claims.AG,
		"expires":  claims.ExpiresAt,
	})
}

func (s *ControlPlaneServer) handleRotate(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OldToken == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "old_token is required")
		return
	}
	data := s.passportData(req)
	token, err := s.passports.Rotate(req.OldToken, data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "rotate_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"passport_token": token,
		"agent_id":       data.AgentID,
	})
}

func (s *ControlPlaneServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JTI           string `json:"jti"`
		PassportToken string `json:"passport_token"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	jti := req.JTI
	if jti == "" && req.PassportToken != "" {
		if claims, err := passport.ExtractClaims(req.PassportToken); err == nil {
			jti = claims.ID
		}
	}
	if jti == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "jti or passport_token is required")
		return
	}
	s.passports.Revoke(jti)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"revoked":     jti,
		"snapshot_id": s.revocations.Snapshot().SnapshotID,
	})
}

func (s *ControlPlaneServer) handleRevocationList(w http.ResponseWriter, r *http.Request) {
	sinceStr := r.URL.Query().Get("since")
	if sinceStr == "" {
		writeJSON(w, http.StatusOK, s.revocations.Snapshot())
		return
	}
	since, err := strconv.ParseInt(sinceStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "since must be an integer")
		return
	}
	if diff, ok := s.revocations.DiffSince(since); ok {
		writeJSON(w, http.StatusOK, diff)
		return
	}
	// Sequence gap: the edge resyncs from the full set.
	writeJSON(w, http.StatusOK, s.revocations.Snapshot())
}

func (s *ControlPlaneServer) handleCreateBundle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rules    []policy.Rule     `json:"rules"`
		Metadata map[string]string `json:"metadata"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	b, err := s.store.CreateBundle(req.Rules, req.Metadata)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_rules", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *ControlPlaneServer) handlePullBundle(w http.ResponseWriter, r *http.Request) {
	current := s.store.Current()
	if current == nil {
		writeError(w, http.StatusNotFound, "no_bundle", "no policy bundle published yet")
		return
	}
	if gatewayID := r.URL.Query().Get("gateway_id"); gatewayID != "" {
		s.store.RegisterGatewaySync(gatewayID, current.Version)
	}
	// The full bundle ships so the edge can verify the hash before filtering
	// to its environment.
	writeJSON(w, http.StatusOK, current)
}

func (s *ControlPlaneServer) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"versions":    s.store.History(),
		"chain_error": errString(s.store.VerifyChain()),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *ControlPlaneServer) handleDiff(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	diff, err := s.store.Diff(from, to)
	if err != nil {
		writeError(w, http.StatusNotFound, "bundle_not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (s *ControlPlaneServer) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version string `json:"version"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	b, err := s.store.Rollback(req.Version)
	if err != nil {
		writeError(w, http.StatusNotFound, "rollback_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"current_version": b.Version,
		"hash":            b.Hash,
	})
}

func (s *ControlPlaneServer) handleGateways(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"gateways": s.store.GatewayStatus(),
		"stale":    s.store.StaleGateways(),
	})
}

func (s *ControlPlaneServer) handleBulkRecord(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GatewayID string          `json:"gateway_id"`
		Decisions []ledger.Record `json:"decisions"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.master.BulkIngest(req.GatewayID, req.Decisions)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ingest_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *ControlPlaneServer) handleVerifyMaster(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	report, err := s.master.VerifyChain(limit, r.URL.Query().Get("agent_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "verify_failed", err.Error())
		return
	}
	size, _ := s.master.Size()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"report": report,
		"size":   size,
	})
}

type evaluateRequest struct {
	AgentID        string                 `json:"agent_id"`
	Tier           string                 `json:"tier"`
	TrustScore     float64                `json:"trust_score"`
	AuthorityLimit float64                `json:"authority_limit"`
	Status         string                 `json:"status"`
	ActionType     string                 `json:"action_type"`
	Amount         float64                `json:"amount"`
	Environment    string                 `json:"environment"`
	Context        map[string]interface{} `json:"context"`
	HistoryCount   *int                   `json:"history_count"`
}

type policyResult struct {
	Rule   string `json:"rule"`
	Type   string `json:"type"`
	Passed bool   `json:"passed"`
	OnFail string `json:"on_fail,omitempty"`
}

// handleEvaluate is the strict server-side evaluation: every rule in the
// current bundle runs (unknown rule types are an error here, unlike at the
// edge), all per-rule outcomes are reported, and prophecy attaches on
// boundary cases.
func (s *ControlPlaneServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	current := s.store.Current()
	if current == nil {
		writeError(w, http.StatusNotFound, "no_bundle", "no policy bundle published yet")
		return
	}

	env := req.Environment
	if env == "" {
		env = passport.EnvCloud
	}
	edge := current.ForEnvironment(env)

	agent := policy.AgentFacts{
		AgentID:        req.AgentID,
		Tier:           req.Tier,
		TrustScore:     req.TrustScore,
		AuthorityLimit: req.AuthorityLimit,
		Status:         req.Status,
	}
	action := policy.Action{Type: req.ActionType, Amount: req.Amount, Context: req.Context}

	verdict := "allow"
	reasoning := "All policies passed"
	var failedRule *policy.Rule
	results := make([]policyResult, 0, len(edge.Rules))
	for i := range edge.Rules {
		rule := edge.Rules[i]
		single := policy.EdgeBundle{Version: edge.Version, Rules: []policy.Rule{rule}}
		v, err := policy.EvaluateBundle(&single, agent, action, s.windows, true)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown_rule_type", err.Error())
			return
		}
		passed := v.Verdict == "allow"
		pr := policyResult{Rule: rule.Name, Type: string(rule.Type), Passed: passed}
		if !passed {
			pr.OnFail = rule.OnFail
			if failedRule == nil {
				failedRule = &edge.Rules[i]
				verdict = v.Verdict
				reasoning = v.Reason
			}
		}
		results = append(results, pr)
	}

	confidence := 0.92
	if failedRule != nil {
		switch {
		case verdict == "deny":
			confidence = 0.99
		case failedRule.Type == policy.RuleAuthorityLimit:
			confidence = 0.95
		default:
			confidence = 0.85
		}
	}

	resp := map[string]interface{}{
		"verdict":        verdict,
		"reasoning":      reasoning,
		"policy_results": results,
		"confidence":     confidence,
	}

	historyCount := 1000
	if req.HistoryCount != nil {
		historyCount = *req.HistoryCount
	}
	if trigger, why := prophecy.ShouldTrigger(req.TrustScore, req.Amount, req.AuthorityLimit, historyCount); trigger {
		resp["prophecy"] = s.simulator.Simulate(prophecy.Input{
			AgentID:        req.AgentID,
			ActionType:     req.ActionType,
			Amount:         req.Amount,
			TrustScore:     req.TrustScore,
			Tier:           req.Tier,
			AuthorityLimit: req.AuthorityLimit,
			TriggerReason:  why,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
