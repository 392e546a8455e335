package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Rejected describes a record the master refused to ingest.
type Rejected struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// IngestResult is the master's answer to a gateway batch.
type IngestResult struct {
	AcceptedIDs []string   `json:"accepted_ids"`
	Rejected    []Rejected `json:"rejected"`
}

// MasterLedger is the control plane's single-writer master chain. Gateway
// batches are validated against their local hashes, then re-chained onto
// the master tip; the local hash is kept as a provenance column. Duplicate
// submissions of the same record id are no-ops.
//
// Runs on PostgreSQL in production (lib/pq) and on embedded SQLite in dev
// and tests; the driver name selects placeholder style and DDL.
type MasterLedger struct {
	mu      sync.Mutex
	db      *sql.DB
	driver  string
	tipHash string
}

const masterSchemaPostgres = `
CREATE TABLE IF NOT EXISTS master_decisions (
	seq             BIGSERIAL PRIMARY KEY,
	id              TEXT NOT NULL UNIQUE,
	gateway_id      TEXT NOT NULL,
	agent_id        TEXT NOT NULL,
	action_type     TEXT NOT NULL,
	resource        TEXT NOT NULL DEFAULT '',
	amount          DOUBLE PRECISION NOT NULL DEFAULT 0,
	currency        TEXT NOT NULL DEFAULT '',
	environment     TEXT NOT NULL,
	verdict         TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	passport_jti    TEXT NOT NULL DEFAULT '',
	input_context   TEXT,
	reasoning_trace TEXT NOT NULL DEFAULT '',
	prophecy_paths  TEXT,
	local_hash      TEXT NOT NULL,
	local_prev_hash TEXT NOT NULL,
	prev_hash       TEXT NOT NULL,
	hash            TEXT NOT NULL,
	timestamp       TEXT NOT NULL,
	ingested_at     TEXT NOT NULL
)`

const masterSchemaSQLite = `
CREATE TABLE IF NOT EXISTS master_decisions (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	gateway_id      TEXT NOT NULL,
	agent_id        TEXT NOT NULL,
	action_type     TEXT NOT NULL,
	resource        TEXT NOT NULL DEFAULT '',
	amount          REAL NOT NULL DEFAULT 0,
	currency        TEXT NOT NULL DEFAULT '',
	environment     TEXT NOT NULL,
	verdict         TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	passport_jti    TEXT NOT NULL DEFAULT '',
	input_context   TEXT,
	reasoning_trace TEXT NOT NULL DEFAULT '',
	prophecy_paths  TEXT,
	local_hash      TEXT NOT NULL,
	local_prev_hash TEXT NOT NULL,
	prev_hash       TEXT NOT NULL,
	hash            TEXT NOT NULL,
	timestamp       TEXT NOT NULL,
	ingested_at     TEXT NOT NULL
)`

// NewMaster initializes the master chain on an open database. driver must
// be "postgres" or "sqlite".
func NewMaster(db *sql.DB, driver string) (*MasterLedger, error) {
	schema := masterSchemaSQLite
	if driver == "postgres" {
		schema = masterSchemaPostgres
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("master ledger: init schema: %w", err)
	}

	m := &MasterLedger{db: db, driver: driver}
	row := db.QueryRow(`SELECT hash FROM master_decisions ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&m.tipHash); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("master ledger: restore tip: %w", err)
	}
	return m, nil
}

func (m *MasterLedger) ph(i int) string {
	if m.driver == "postgres" {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// BulkIngest validates and re-chains a gateway batch. Records arrive in
// their local order; intra-batch order is preserved on the master chain.
// A record whose submitted hash does not recompute is rejected and reported
// so the gateway can surface the tamper. Known ids are acknowledged without
// a second insert.
func (m *MasterLedger) BulkIngest(gatewayID string, records []Record) (IngestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := IngestResult{}
	for i := range records {
		rec := records[i]

		expected, err := rec.ComputeHash()
		if err != nil || expected != rec.Hash {
			result.Rejected = append(result.Rejected, Rejected{ID: rec.ID, Reason: "hash mismatch"})
			continue
		}

		var exists int
		q := `SELECT COUNT(*) FROM master_decisions WHERE id = ` + m.ph(1)
		if err := m.db.QueryRow(q, rec.ID).Scan(&exists); err != nil {
			return result, fmt.Errorf("master ledger: dedupe lookup: %w", err)
		}
		if exists > 0 {
			result.AcceptedIDs = append(result.AcceptedIDs, rec.ID)
			continue
		}

		localPrev := rec.PrevHash
		localHash := rec.Hash

		master := rec
		master.PrevHash = m.tipHash
		masterHash, err := master.ComputeHash()
		if err != nil {
			result.Rejected = append(result.Rejected, Rejected{ID: rec.ID, Reason: "rehash failed"})
			continue
		}

		var ctxJSON []byte
		if rec.InputContext != nil {
			ctxJSON, _ = json.Marshal(rec.InputContext)
		}

		cols := []string{
			"id", "gateway_id", "agent_id", "action_type", "resource", "amount",
			"currency", "environment", "verdict", "reason", "passport_jti",
			"input_context", "reasoning_trace", "prophecy_paths",
			"local_hash", "local_prev_hash", "prev_hash", "hash",
			"timestamp", "ingested_at",
		}
		phs := make([]string, len(cols))
		for j := range cols {
			phs[j] = m.ph(j + 1)
		}
		insert := `INSERT INTO master_decisions (` + strings.Join(cols, ", ") +
			`) VALUES (` + strings.Join(phs, ", ") + `)`

		_, err = m.db.Exec(insert,
			rec.ID, gatewayID, rec.AgentID, rec.ActionType, rec.Resource, rec.Amount,
			rec.Currency, rec.Environment, rec.Verdict, rec.Reason, rec.PassportJTI,
			nullable(ctxJSON), rec.ReasoningTrace, nullable(rec.ProphecyPaths),
			localHash, localPrev, master.PrevHash, masterHash,
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return result, fmt.Errorf("master ledger: insert: %w", err)
		}

		m.tipHash = masterHash
		result.AcceptedIDs = append(result.AcceptedIDs, rec.ID)
	}

	slog.Info("ledger batch ingested",
		"gateway_id", gatewayID,
		"accepted", len(result.AcceptedIDs),
		"rejected", len(result.Rejected))
	return result, nil
}

// VerifyChain walks the master chain in ingest order. Same semantics as the
// local verification; the hash checked is the master hash.
func (m *MasterLedger) VerifyChain(limit int, agentID string) (ChainReport, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT id, agent_id, action_type, resource, amount, currency, environment,
		       verdict, reason, passport_jti, gateway_id, input_context,
		       reasoning_trace, prophecy_paths, prev_hash, hash, timestamp
		FROM master_decisions`
	var args []interface{}
	n := 0
	if agentID != "" {
		n++
		query += ` WHERE agent_id = ` + m.ph(n)
		args = append(args, agentID)
	}
	n++
	query += ` ORDER BY seq ASC LIMIT ` + m.ph(n)
	args = append(args, limit)

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return ChainReport{}, err
	}
	defer rows.Close()
	records, err := scanRecords(rows)
	if err != nil {
		return ChainReport{}, err
	}
	return verifySequence(records, agentID == ""), nil
}

// Size returns the number of records on the master chain.
func (m *MasterLedger) Size() (int64, error) {
	var n int64
	err := m.db.QueryRow(`SELECT COUNT(*) FROM master_decisions`).Scan(&n)
	return n, err
}
