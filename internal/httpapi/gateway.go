package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentgovern/sentinel/internal/ledger"
	"github.com/agentgovern/sentinel/internal/monitoring"
	"github.com/agentgovern/sentinel/internal/passport"
	"github.com/agentgovern/sentinel/internal/pipeline"
	"github.com/agentgovern/sentinel/internal/policy"
	"github.com/agentgovern/sentinel/internal/registry"
	"github.com/agentgovern/sentinel/internal/syncengine"
)

// GatewayServer is the edge gateway's HTTP surface: the authorize hot path,
// heartbeats, admin sync, status, fleet views, and metrics.
type GatewayServer struct {
	pipeline *pipeline.Pipeline
	verifier *passport.Verifier
	enforcer *policy.Enforcer
	registry *registry.Registry
	engine   *syncengine.Engine
	local    *ledger.LocalLedger
	metrics  *monitoring.Metrics

	gatewayID       string
	environment     string
	controlPlaneURL string
	deadline        time.Duration
}

// GatewayConfig assembles a GatewayServer.
type GatewayConfig struct {
	Pipeline        *pipeline.Pipeline
	Verifier        *passport.Verifier
	Enforcer        *policy.Enforcer
	Registry        *registry.Registry
	Engine          *syncengine.Engine
	Ledger          *ledger.LocalLedger
	Metrics         *monitoring.Metrics
	GatewayID       string
	Environment     string
	ControlPlaneURL string
	Deadline        time.Duration
}

// NewGatewayServer wires the gateway routes.
func NewGatewayServer(cfg GatewayConfig) *GatewayServer {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 5 * time.Second
	}
	return &GatewayServer{
		pipeline:        cfg.Pipeline,
		verifier:        cfg.Verifier,
		enforcer:        cfg.Enforcer,
		registry:        cfg.Registry,
		engine:          cfg.Engine,
		local:           cfg.Ledger,
		metrics:         cfg.Metrics,
		gatewayID:       cfg.GatewayID,
		environment:     cfg.Environment,
		controlPlaneURL: cfg.ControlPlaneURL,
		deadline:        cfg.Deadline,
	}
}

// Router builds the gateway's mux router.
func (s *GatewayServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/authorize", s.handleAuthorize).Methods(http.MethodPost)
	r.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ledger/verify", s.handleVerifyChain).Methods(http.MethodGet)
	r.HandleFunc("/fleet/status", s.handleFleetStatus).Methods(http.MethodGet)
	r.HandleFunc("/fleet/agents/{id}/history", s.handleAgentHistory).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// authErrorCode maps passport verification failures onto stable reason codes.
func authErrorCode(err error) string {
	switch {
	case errors.Is(err, passport.ErrExpired):
		return "PassportExpired"
	case errors.Is(err, passport.ErrBadSignature):
		return "PassportBadSignature"
	case errors.Is(err, passport.ErrRevoked):
		return "PassportRevoked"
	default:
		return "PassportMalformed"
	}
}

func (s *GatewayServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Environment == "" {
		req.Environment = s.environment
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.deadline)
	defer cancel()

	resp, err := s.pipeline.Authorize(ctx, req)
	if err != nil {
		var authErr *pipeline.AuthError
		switch {
		case errors.As(err, &authErr):
			writeError(w, http.StatusUnauthorized, authErrorCode(authErr.Err), authErr.Error())
		case errors.Is(err, pipeline.ErrDeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "DeadlineExceeded", err.Error())
		case errors.Is(err, pipeline.ErrAppendFailed):
			writeError(w, http.StatusServiceUnavailable, "LedgerAppendFailed", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type heartbeatRequest struct {
	AgentID       string                 `json:"agent_id"`
	PassportToken string                 `json:"passport_token"`
	Environment   string                 `json:"environment"`
	HostID        string                 `json:"host_id"`
	Region        string                 `json:"region"`
	IPAddress     string                 `json:"ip_address"`
	AgentVersion  string                 `json:"agent_version"`
	Metadata      map[string]interface{} `json:"metadata"`
}

func (s *GatewayServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}

	claims, err := s.verifier.Verify(req.PassportToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, authErrorCode(err), err.Error())
		return
	}

	env := req.Environment
	if env == "" {
		env = s.environment
	}
	result := s.registry.Heartbeat(registry.Location{
		AgentID:      claims.Subject,
		Environment:  env,
		HostID:       req.HostID,
		Region:       req.Region,
		IPAddress:    req.IPAddress,
		AgentVersion: req.AgentVersion,
		PassportJTI:  claims.ID,
		Metadata:     req.Metadata,
	})
	if s.metrics != nil {
		s.metrics.HeartbeatTotal.WithLabelValues(result.Status).Inc()
	}
	if result.Status == "error" {
		writeError(w, http.StatusBadRequest, "unknown_environment", result.Message)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *GatewayServer) handleSync(w http.ResponseWriter, r *http.Request) {
	results := s.engine.Tick(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"steps":        results,
		"mode":         s.engine.Mode(),
		"last_sync_at": s.engine.LastSyncAt(),
	})
}

func (s *GatewayServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	unsynced, _ := s.local.UnsyncedCount()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"gateway_id":        s.gatewayID,
		"environment":       s.environment,
		"mode":              s.engine.Mode(),
		"control_plane_url": s.controlPlaneURL,
		"local_ledger_size": s.local.Size(),
		"unsynced_records":  unsynced,
		"policy_count":      s.enforcer.PolicyCount(),
		"policy_version":    s.enforcer.Version(),
		"last_sync_at":      s.engine.LastSyncAt(),
		"timestamp":         time.Now().UTC(),
	})
}

func (s *GatewayServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *GatewayServer) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	report, err := s.local.VerifyChain(limit, r.URL.Query().Get("agent_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "verify_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *GatewayServer) handleFleetStatus(w http.ResponseWriter, r *http.Request) {
	if env := r.URL.Query().Get("environment"); env != "" {
		aliveOnly := r.URL.Query().Get("alive_only") == "true"
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"environment": env,
			"agents":      s.registry.AgentsInEnvironment(env, aliveOnly),
		})
		return
	}
	writeJSON(w, http.StatusOK, s.registry.FleetStatus())
}

func (s *GatewayServer) handleAgentHistory(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]
	hist := s.registry.EnvironmentHistory(agentID)
	resp := map[string]interface{}{
		"agent_id":     agentID,
		"environments": hist,
	}
	if loc, ok := s.registry.GetLocation(agentID); ok {
		resp["location"] = loc
		resp["liveness"] = s.registry.Liveness(loc)
	}
	writeJSON(w, http.StatusOK, resp)
}
