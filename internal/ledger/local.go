package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // embedded local persistence
)

// LocalLedger is a gateway's append-only decision buffer, persisted in an
// embedded SQLite database so decisions survive a gateway restart.
//
// Appends are serialized through a single mutex so prev_hash is never stale,
// and the row is committed before Append returns: a persistence failure is
// fatal for the authorization call that caused it.
type LocalLedger struct {
	mu             sync.Mutex
	db             *sql.DB
	gatewayID      string
	tipHash        string
	size           int64
	lastDecisionID string
	now            func() time.Time
}

const localSchema = `
CREATE TABLE IF NOT EXISTS decisions (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	agent_id        TEXT NOT NULL,
	action_type     TEXT NOT NULL,
	resource        TEXT NOT NULL DEFAULT '',
	amount          REAL NOT NULL DEFAULT 0,
	currency        TEXT NOT NULL DEFAULT '',
	environment     TEXT NOT NULL,
	verdict         TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	passport_jti    TEXT NOT NULL DEFAULT '',
	gateway_id      TEXT NOT NULL,
	input_context   TEXT,
	reasoning_trace TEXT NOT NULL DEFAULT '',
	prophecy_paths  TEXT,
	prev_hash       TEXT NOT NULL,
	hash            TEXT NOT NULL,
	timestamp       TEXT NOT NULL,
	synced          INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_decisions_synced ON decisions(synced, seq);
CREATE INDEX IF NOT EXISTS idx_decisions_agent ON decisions(agent_id);
`

// OpenLocal opens (or creates) the gateway's ledger database and restores
// the chain tip from the last persisted record.
func OpenLocal(path, gatewayID string) (*LocalLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(localSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: init schema: %w", err)
	}

	l := &LocalLedger{db: db, gatewayID: gatewayID, now: time.Now}

	row := db.QueryRow(`SELECT hash, id FROM decisions ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&l.tipHash, &l.lastDecisionID); err != nil && err != sql.ErrNoRows {
		db.Close()
		return nil, fmt.Errorf("ledger: restore tip: %w", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM decisions`).Scan(&l.size); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: count: %w", err)
	}

	slog.Info("local ledger opened", "path", path, "records", l.size)
	return l, nil
}

// Close releases the underlying database.
func (l *LocalLedger) Close() error {
	return l.db.Close()
}

// Fields is everything Append needs beyond what the ledger supplies itself
// (id, gateway id, timestamp, chain linkage).
type Fields struct {
	AgentID        string
	ActionType     string
	Resource       string
	Amount         float64
	Currency       string
	Environment    string
	Verdict        string
	Reason         string
	PassportJTI    string
	InputContext   map[string]interface{}
	ReasoningTrace string
	ProphecyPaths  json.RawMessage
}

// Append chains a new record onto the tip and persists it. The record is
// durable before Append returns; on error no verdict may be reported to the
// caller.
func (l *LocalLedger) Append(f Fields) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := &Record{
		ID:             uuid.NewString(),
		AgentID:        f.AgentID,
		ActionType:     f.ActionType,
		Resource:       f.Resource,
		Amount:         f.Amount,
		Currency:       f.Currency,
		Environment:    f.Environment,
		Verdict:        f.Verdict,
		Reason:         f.Reason,
		PassportJTI:    f.PassportJTI,
		GatewayID:      l.gatewayID,
		Timestamp:      l.now().UTC(),
		InputContext:   f.InputContext,
		ReasoningTrace: f.ReasoningTrace,
		ProphecyPaths:  f.ProphecyPaths,
		PrevHash:       l.tipHash,
	}
	hash, err := rec.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("ledger: hash: %w", err)
	}
	rec.Hash = hash

	var ctxJSON []byte
	if rec.InputContext != nil {
		ctxJSON, _ = json.Marshal(rec.InputContext)
	}

	_, err = l.db.Exec(`
		INSERT INTO decisions (
			id, agent_id, action_type, resource, amount, currency, environment,
			verdict, reason, passport_jti, gateway_id, input_context,
			reasoning_trace, prophecy_paths, prev_hash, hash, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentID, rec.ActionType, rec.Resource, rec.Amount, rec.Currency,
		rec.Environment, rec.Verdict, rec.Reason, rec.PassportJTI, rec.GatewayID,
		nullable(ctxJSON), rec.ReasoningTrace, nullable(rec.ProphecyPaths),
		rec.PrevHash, rec.Hash, rec.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("ledger: append failed: %w", err)
	}

	l.tipHash = rec.Hash
	l.lastDecisionID = rec.ID
	l.size++
	return rec, nil
}

func nullable(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// Unsynced returns up to limit records not yet acknowledged by the master,
// in insertion order.
func (l *LocalLedger) Unsynced(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := l.db.Query(`
		SELECT id, agent_id, action_type, resource, amount, currency, environment,
		       verdict, reason, passport_jti, gateway_id, input_context,
		       reasoning_trace, prophecy_paths, prev_hash, hash, timestamp
		FROM decisions WHERE synced = 0 ORDER BY seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// MarkSynced flags records as acknowledged. Returns how many rows changed.
func (l *LocalLedger) MarkSynced(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := l.db.Exec(
		`UPDATE decisions SET synced = 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// UnsyncedCount returns the size of the unsynced backlog, which drives the
// sync engine's backpressure behavior.
func (l *LocalLedger) UnsyncedCount() (int, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM decisions WHERE synced = 0`).Scan(&n)
	return n, err
}

// Size returns the total number of records ever appended.
func (l *LocalLedger) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// LastDecisionID returns the id of the most recent append.
func (l *LocalLedger) LastDecisionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastDecisionID
}

// HistoryCounts returns per agent_id:action_type decision counts, used to
// seed the pipeline's in-memory history table at boot so prophecy's
// limited-history trigger survives restarts.
func (l *LocalLedger) HistoryCounts() (map[string]int, error) {
	rows, err := l.db.Query(
		`SELECT agent_id || ':' || action_type, COUNT(*) FROM decisions GROUP BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}

// VerifyChain walks records in insertion order checking hash recomputation
// and prev-hash linkage. With agentID set only hash recomputation is
// checked, since one agent's records interleave with others on the chain.
func (l *LocalLedger) VerifyChain(limit int, agentID string) (ChainReport, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT id, agent_id, action_type, resource, amount, currency, environment,
		       verdict, reason, passport_jti, gateway_id, input_context,
		       reasoning_trace, prophecy_paths, prev_hash, hash, timestamp
		FROM decisions`
	var args []interface{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
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

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		var ctxJSON, prophecy sql.NullString
		var ts string
		if err := rows.Scan(
			&rec.ID, &rec.AgentID, &rec.ActionType, &rec.Resource, &rec.Amount,
			&rec.Currency, &rec.Environment, &rec.Verdict, &rec.Reason,
			&rec.PassportJTI, &rec.GatewayID, &ctxJSON, &rec.ReasoningTrace,
			&prophecy, &rec.PrevHash, &rec.Hash, &ts,
		); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Timestamp = t
		}
		if ctxJSON.Valid && ctxJSON.String != "" {
			_ = json.Unmarshal([]byte(ctxJSON.String), &rec.InputContext)
		}
		if prophecy.Valid && prophecy.String != "" {
			rec.ProphecyPaths = json.RawMessage(prophecy.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
