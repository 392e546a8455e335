// Package ledger implements the hash-chained decision ledger: a local
// append-only chain at each gateway and the master chain at the control
// plane that re-chains gateway batches on ingest.
package ledger

import (
	"encoding/json"
	"time"

	"github.com/agentgovern/sentinel/internal/canonical"
)

// Record is one immutable decision. PrevHash links it to the chain tip at
// append time; Hash covers the canonical payload below.
type Record struct {
	ID             string                 `json:"id"`
	AgentID        string                 `json:"agent_id"`
	ActionType     string                 `json:"action_type"`
	Resource       string                 `json:"resource"`
	Amount         float64                `json:"amount"`
	Currency       string                 `json:"currency,omitempty"`
	Environment    string                 `json:"environment"`
	Verdict        string                 `json:"verdict"`
	Reason         string                 `json:"reason"`
	PassportJTI    string                 `json:"passport_jti"`
	GatewayID      string                 `json:"gateway_id"`
	Timestamp      time.Time              `json:"timestamp"`
	InputContext   map[string]interface{} `json:"input_context,omitempty"`
	ReasoningTrace string                 `json:"reasoning_trace,omitempty"`
	ProphecyPaths  json.RawMessage        `json:"prophecy_paths,omitempty"`
	PrevHash       string                 `json:"prev_hash"`
	Hash           string                 `json:"hash"`
}

// ComputeHash returns the record's canonical hash. The payload is the
// tamper-evident core of the record; every field in it, including the
// reason, is covered by chain verification.
func (r *Record) ComputeHash() (string, error) {
	return canonical.Hash(map[string]interface{}{
		"id":          r.ID,
		"agent_id":    r.AgentID,
		"action_type": r.ActionType,
		"verdict":     r.Verdict,
		"reason":      r.Reason,
		"amount":      r.Amount,
		"environment": r.Environment,
		"timestamp":   canonical.Timestamp(r.Timestamp),
		"prev_hash":   r.PrevHash,
	})
}

// ChainReport is the result of walking a chain. Breaks are reported but
// verification continues so the integrity percentage stays meaningful.
type ChainReport struct {
	Valid        bool    `json:"valid"`
	Checked      int     `json:"checked"`
	BrokenAt     string  `json:"broken_at,omitempty"`
	BrokenCount  int     `json:"broken_count"`
	IntegrityPct float64 `json:"integrity_pct"`
}

// verifySequence walks records in insertion order. Each record's hash must
// recompute, and unless agent-filtered (which interleaves with other
// agents' records) each prev_hash must equal the previous record's stored
// hash.
func verifySequence(records []Record, checkLinks bool) ChainReport {
	report := ChainReport{Valid: true, Checked: len(records)}
	if len(records) == 0 {
		report.IntegrityPct = 100
		return report
	}

	prev := ""
	for i := range records {
		rec := &records[i]
		broken := false

		h, err := rec.ComputeHash()
		if err != nil || h != rec.Hash {
			broken = true
		}
		if checkLinks && rec.PrevHash != prev {
			broken = true
		}
		prev = rec.Hash

		if broken {
			report.BrokenCount++
			if report.BrokenAt == "" {
				report.BrokenAt = rec.ID
			}
		}
	}

	report.Valid = report.BrokenCount == 0
	report.IntegrityPct = float64(report.Checked-report.BrokenCount) / float64(report.Checked) * 100
	return report
}
