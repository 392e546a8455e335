package policy

import (
	"sort"
	"time"

	"github.com/agentgovern/sentinel/internal/canonical"
)

// Bundle is an immutable, hash-chained snapshot of the rule set. Genesis
// bundles carry an empty parent hash.
type Bundle struct {
	ID         string            `json:"id"`
	Version    string            `json:"version"`
	Rules      []Rule            `json:"rules"`
	Hash       string            `json:"hash"`
	ParentHash string            `json:"parent_hash"`
	ValidFrom  time.Time         `json:"valid_from"`
	ValidUntil *time.Time        `json:"valid_until,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// EdgeBundle is the trimmed wire form a gateway pulls: active rules scoped
// to one environment, carrying the full bundle's version and hash so the
// gateway can verify what it loaded.
type EdgeBundle struct {
	Version     string `json:"version"`
	Hash        string `json:"hash"`
	Rules       []Rule `json:"rules"`
	Environment string `json:"environment,omitempty"`
}

// ComputeHash returns the bundle's canonical hash: SHA-256 over the JCS form
// of {version, rules sorted by id, parent_hash}.
func (b *Bundle) ComputeHash() (string, error) {
	rules := make([]Rule, len(b.Rules))
	copy(rules, b.Rules)
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	maps := make([]map[string]interface{}, len(rules))
	for i, r := range rules {
		maps[i] = r.canonicalMap()
	}
	return canonical.Hash(map[string]interface{}{
		"version":     b.Version,
		"rules":       maps,
		"parent_hash": b.ParentHash,
	})
}

// VerifyIntegrity recomputes the hash and reports whether the bundle has
// been mutated since publication.
func (b *Bundle) VerifyIntegrity() bool {
	h, err := b.ComputeHash()
	return err == nil && h == b.Hash
}

// ForEnvironment filters to active rules scoped to env. The result keeps
// the parent bundle's version and hash.
func (b *Bundle) ForEnvironment(env string) EdgeBundle {
	scoped := make([]Rule, 0, len(b.Rules))
	for _, r := range b.Rules {
		if r.Active && r.AppliesTo(env) {
			scoped = append(scoped, r)
		}
	}
	return EdgeBundle{
		Version:     b.Version,
		Hash:        b.Hash,
		Rules:       scoped,
		Environment: env,
	}
}
