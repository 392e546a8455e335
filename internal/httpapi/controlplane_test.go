package httpapi

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/agentgovern/sentinel/internal/ledger"
	"github.com/agentgovern/sentinel/internal/passport"
	"github.com/agentgovern/sentinel/internal/policy"
	"github.com/agentgovern/sentinel/internal/prophecy"
	"github.com/agentgovern/sentinel/internal/revocation"
)

type cpFixture struct {
	server *ControlPlaneServer
	router http.Handler
	store  *policy.Store
}

func newCPFixture(t *testing.T) *cpFixture {
	t.Helper()

	rev := revocation.NewRegistry()
	svc, err := passport.NewHS256Service("cp-test-secret", rev)
	require.NoError(t, err)

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "master.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	master, err := ledger.NewMaster(db, "sqlite")
	require.NoError(t, err)

	store := policy.NewStore()
	server := NewControlPlaneServer(svc, rev, store, master, prophecy.NewEngine())
	return &cpFixture{server: server, router: server.Router(), store: store}
}

func (f *cpFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *cpFixture) publishBundle(t *testing.T) *policy.Bundle {
	t.Helper()
	w := f.do(t, http.MethodPost, "/sentinel/policies", map[string]interface{}{
		"rules": []policy.Rule{
			{
				ID: "POL-1", Name: "cap", Type: policy.RuleAmountLimit,
				Parameters:       policy.Parameters{MaxAmount: 100_000},
				OnFail:           policy.OnFailDeny,
				EnvironmentScope: []string{"edge", "cloud"},
				Active:           true,
			},
			{
				ID: "POL-2", Name: "authority", Type: policy.RuleAuthorityLimit,
				OnFail:           policy.OnFailEscalate,
				EnvironmentScope: []string{"edge", "cloud"},
				Active:           true,
			},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var b policy.Bundle
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	return &b
}

func TestPassportLifecycleEndpoints(t *testing.T) {
	f := newCPFixture(t)

	w := f.do(t, http.MethodPost, "/identity/passports", map[string]interface{}{
		"agent_id":             "agent-7",
		"trust_score":          0.80,
		"allowed_environments": []string{"edge"},
		"genes": []map[string]interface{}{
			{"gene_name": "planning", "gene_type": "cognitive", "strength": 0.92},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var issued map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issued))
	token := issued["passport_token"].(string)
	assert.Equal(t, "T2", issued["tier"]) // derived from trust 0.80
	assert.NotEmpty(t, issued["dna_fingerprint"])

	w = f.do(t, http.MethodPost, "/identity/passports/verify", map[string]string{"passport_token": token})
	require.Equal(t, http.StatusOK, w.Code)
	var verified map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verified))
	assert.Equal(t, "agent-7", verified["agent_id"])
	jti := verified["jti"].(string)

	w = f.do(t, http.MethodPost, "/identity/passports/revoke", map[string]string{"jti": jti})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/identity/passports/verify", map[string]string{"passport_token": token})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	var errBody map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errBody))
	assert.Equal(t, "PassportRevoked", errBody["error"])
}

func TestRotateEndpoint(t *testing.T) {
	f := newCPFixture(t)

	w := f.do(t, http.MethodPost, "/identity/passports", map[string]interface{}{
		"agent_id":             "agent-7",
		"trust_score":          0.80,
		"allowed_environments": []string{"edge"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var issued map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issued))
	oldToken := issued["passport_token"].(string)

	w = f.do(t, http.MethodPost, "/identity/passports/rotate", map[string]interface{}{
		"old_token":            oldToken,
		"agent_id":             "agent-7",
		"trust_score":          0.92,
		"allowed_environments": []string{"edge"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/identity/passports/verify", map[string]string{"passport_token": oldToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRevocationListEndpoint(t *testing.T) {
	f := newCPFixture(t)
	f.server.revocations.Add("jti-a")
	f.server.revocations.Add("jti-b")

	w := f.do(t, http.MethodGet, "/identity/revocation-list", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap revocation.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.True(t, snap.Full)
	assert.Equal(t, int64(2), snap.SnapshotID)

	w = f.do(t, http.MethodGet, "/identity/revocation-list?since=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.False(t, snap.Full)
	assert.Equal(t, []string{"jti-b"}, snap.RevokedJTIs)

	// A gapped since falls back to the full snapshot.
	w = f.do(t, http.MethodGet, "/identity/revocation-list?since=99", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.True(t, snap.Full)
}

func TestPolicyEndpoints(t *testing.T) {
	f := newCPFixture(t)

	// No bundle yet.
	w := f.do(t, http.MethodGet, "/sentinel/policies/bundle?env=edge", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	b1 := f.publishBundle(t)

	w = f.do(t, http.MethodGet, "/sentinel/policies/bundle?env=edge&gateway_id=gw-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pulled policy.Bundle
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pulled))
	assert.Equal(t, b1.Version, pulled.Version)
	assert.True(t, pulled.VerifyIntegrity()) // full bundle survives the wire

	w = f.do(t, http.MethodGet, "/sentinel/policies/gateways", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var gws map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &gws))
	assert.Contains(t, gws["gateways"], "gw-1")

	b2 := f.publishBundle(t)
	w = f.do(t, http.MethodGet, fmt.Sprintf("/sentinel/policies/diff?from=%s&to=%s", b1.Version, b2.Version), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/sentinel/policies/rollback", map[string]string{"version": ""})
	require.Equal(t, http.StatusOK, w.Code)
	var rb map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rb))
	assert.Equal(t, b1.Version, rb["current_version"])

	w = f.do(t, http.MethodGet, "/sentinel/policies/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hist map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	assert.Len(t, hist["versions"], 2)
	assert.Empty(t, hist["chain_error"])
}

func TestBulkRecordEndpoint(t *testing.T) {
	f := newCPFixture(t)

	local, err := ledger.OpenLocal(filepath.Join(t.TempDir(), "gw.db"), "gw-1")
	require.NoError(t, err)
	defer local.Close()
	for i := 0; i < 2; i++ {
		_, err := local.Append(ledger.Fields{
			AgentID: "a", ActionType: "write", Environment: "edge", Verdict: "allow",
		})
		require.NoError(t, err)
	}
	batch, err := local.Unsynced(0)
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/ancestor/bulk-record", map[string]interface{}{
		"gateway_id": "gw-1",
		"decisions":  batch,
	})
	require.Equal(t, http.StatusOK, w.Code)
	var result ledger.IngestResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Len(t, result.AcceptedIDs, 2)

	w = f.do(t, http.MethodGet, "/ancestor/verify-chain", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var verify struct {
		Report ledger.ChainReport `json:"report"`
		Size   int64              `json:"size"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verify))
	assert.True(t, verify.Report.Valid)
	assert.Equal(t, int64(2), verify.Size)
}

func TestEvaluateEndpoint(t *testing.T) {
	f := newCPFixture(t)
	f.publishBundle(t)

	// Allow: both rules pass.
	w := f.do(t, http.MethodPost, "/api/v1/sentinel/evaluate", map[string]interface{}{
		"agent_id":        "agent-7",
		"tier":            "T2",
		"trust_score":     0.80,
		"authority_limit": 50_000,
		"action_type":     "write",
		"amount":          45_000,
		"environment":     "cloud",
		"history_count":   100,
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "allow", resp["verdict"])
	assert.Equal(t, 0.92, resp["confidence"])
	assert.Len(t, resp["policy_results"], 2)

	// Authority overrun: escalate at 0.95.
	w = f.do(t, http.MethodPost, "/api/v1/sentinel/evaluate", map[string]interface{}{
		"agent_id":        "agent-7",
		"tier":            "T2",
		"trust_score":     0.80,
		"authority_limit": 50_000,
		"action_type":     "write",
		"amount":          80_000,
		"environment":     "cloud",
		"history_count":   100,
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "escalate", resp["verdict"])
	assert.Equal(t, 0.95, resp["confidence"])

	// Deny rule failure: 0.99.
	w = f.do(t, http.MethodPost, "/api/v1/sentinel/evaluate", map[string]interface{}{
		"agent_id":        "agent-7",
		"tier":            "T2",
		"trust_score":     0.80,
		"authority_limit": 500_000,
		"action_type":     "write",
		"amount":          200_000,
		"environment":     "cloud",
		"history_count":   100,
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "deny", resp["verdict"])
	assert.Equal(t, 0.99, resp["confidence"])

	// Boundary case attaches prophecy.
	w = f.do(t, http.MethodPost, "/api/v1/sentinel/evaluate", map[string]interface{}{
		"agent_id":        "agent-7",
		"tier":            "T3",
		"trust_score":     0.55,
		"authority_limit": 10_000,
		"action_type":     "transfer",
		"amount":          9_000,
		"environment":     "cloud",
		"history_count":   100,
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp, "prophecy")
}
