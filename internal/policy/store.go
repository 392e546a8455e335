package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBundleNotFound is returned when a version lookup misses.
var ErrBundleNotFound = errors.New("policy bundle not found")

// RuleDiff is the outcome of comparing two bundle versions by rule name.
type RuleDiff struct {
	FromVersion string         `json:"from_version"`
	ToVersion   string         `json:"to_version"`
	Added       []Rule         `json:"added"`
	Removed     []Rule         `json:"removed"`
	Modified    []ModifiedRule `json:"modified"`
}

// ModifiedRule pairs the before/after of a rule whose name survived but
// whose definition changed.
type ModifiedRule struct {
	Name   string `json:"name"`
	Before Rule   `json:"before"`
	After  Rule   `json:"after"`
}

// GatewaySync records which bundle version a gateway last pulled.
type GatewaySync struct {
	Version  string    `json:"version"`
	SyncedAt time.Time `json:"synced_at"`
}

// Store owns the canonical rule set and the chain of published bundles.
// Publication is linearizable: bundle creation holds the store lock, and
// each new bundle chains off the most recently published bundle regardless
// of where the current pointer sits after a rollback, so the chain stays
// linear and no two bundles share a parent hash.
type Store struct {
	mu       sync.RWMutex
	bundles  []*Bundle
	current  *Bundle
	rollback []string // version stack for one-step rollback
	gateways map[string]GatewaySync
	now      func() time.Time
}

// NewStore creates an empty bundle store.
func NewStore() *Store {
	return &Store{
		gateways: make(map[string]GatewaySync),
		now:      time.Now,
	}
}

// CreateBundle validates rules, assigns a version, chains to the last
// published bundle, computes the canonical hash, and publishes. The new
// bundle becomes current.
func (s *Store) CreateBundle(rules []Rule, metadata map[string]string) (*Bundle, error) {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if seen[r.Name] {
			slog.Warn("bundle contains duplicate rule name; first occurrence wins at evaluation",
				"name", r.Name)
		}
		seen[r.Name] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	version := fmt.Sprintf("v%s-%03d", now.Format("2006.01.02"), len(s.bundles)+1)

	parentHash := ""
	if len(s.bundles) > 0 {
		parentHash = s.bundles[len(s.bundles)-1].Hash
	}

	b := &Bundle{
		ID:         uuid.NewString(),
		Version:    version,
		Rules:      rules,
		ParentHash: parentHash,
		ValidFrom:  now,
		Metadata:   metadata,
	}
	hash, err := b.ComputeHash()
	if err != nil {
		return nil, err
	}
	b.Hash = hash

	s.bundles = append(s.bundles, b)
	if s.current != nil {
		s.rollback = append(s.rollback, s.current.Version)
	}
	s.current = b

	slog.Info("policy bundle published",
		"version", version, "rules", len(rules), "hash", hash[:12])
	return b, nil
}

// Current returns the bundle gateways should be enforcing, or nil before
// the first publish.
func (s *Store) Current() *Bundle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// ByVersion returns a published bundle by version string.
func (s *Store) ByVersion(version string) (*Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bundles {
		if b.Version == version {
			return b, nil
		}
	}
	return nil, ErrBundleNotFound
}

// History returns all published versions in publication order.
func (s *Store) History() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := make([]string, len(s.bundles))
	for i, b := range s.bundles {
		versions[i] = b.Version
	}
	return versions
}

// Rollback repoints current to a prior bundle without creating a new one.
// An empty version rolls back one step. Gateways observing the repoint
// treat the older hash as authoritative on their next sync.
func (s *Store) Rollback(version string) (*Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if version == "" {
		if len(s.rollback) == 0 {
			return nil, fmt.Errorf("%w: no prior version to roll back to", ErrBundleNotFound)
		}
		version = s.rollback[len(s.rollback)-1]
		s.rollback = s.rollback[:len(s.rollback)-1]
	}
	for _, b := range s.bundles {
		if b.Version == version {
			s.current = b
			slog.Warn("policy rolled back", "version", version)
			return b, nil
		}
	}
	return nil, ErrBundleNotFound
}

// Diff compares two published bundles by rule name.
func (s *Store) Diff(v1, v2 string) (*RuleDiff, error) {
	b1, err := s.ByVersion(v1)
	if err != nil {
		return nil, err
	}
	b2, err := s.ByVersion(v2)
	if err != nil {
		return nil, err
	}

	byName := func(rules []Rule) map[string]Rule {
		m := make(map[string]Rule, len(rules))
		for _, r := range rules {
			if _, ok := m[r.Name]; !ok {
				m[r.Name] = r
			}
		}
		return m
	}
	m1, m2 := byName(b1.Rules), byName(b2.Rules)

	diff := &RuleDiff{FromVersion: v1, ToVersion: v2}
	for name, r := range m2 {
		if _, ok := m1[name]; !ok {
			diff.Added = append(diff.Added, r)
		}
	}
	for name, r := range m1 {
		if _, ok := m2[name]; !ok {
			diff.Removed = append(diff.Removed, r)
		}
	}
	for name, before := range m1 {
		after, ok := m2[name]
		if !ok {
			continue
		}
		hb, _ := (&Bundle{Rules: []Rule{before}}).ComputeHash()
		ha, _ := (&Bundle{Rules: []Rule{after}}).ComputeHash()
		if hb != ha {
			diff.Modified = append(diff.Modified, ModifiedRule{Name: name, Before: before, After: after})
		}
	}
	return diff, nil
}

// VerifyChain walks the published bundles and checks that every non-genesis
// parent hash points at the hash of a prior published bundle.
func (s *Store) VerifyChain() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	published := make(map[string]bool, len(s.bundles))
	for _, b := range s.bundles {
		if b.ParentHash != "" && !published[b.ParentHash] {
			return fmt.Errorf("bundle %s: parent hash %s is not a published bundle", b.Version, b.ParentHash[:12])
		}
		if !b.VerifyIntegrity() {
			return fmt.Errorf("bundle %s: hash does not recompute", b.Version)
		}
		published[b.Hash] = true
	}
	return nil
}

// RegisterGatewaySync records that a gateway pulled a bundle version.
func (s *Store) RegisterGatewaySync(gatewayID, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gateways[gatewayID] = GatewaySync{Version: version, SyncedAt: s.now().UTC()}
}

// StaleGateways lists gateways not running the current version.
func (s *Store) StaleGateways() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	var stale []string
	for id, gs := range s.gateways {
		if gs.Version != s.current.Version {
			stale = append(stale, id)
		}
	}
	return stale
}

// GatewayStatus returns the per-gateway sync view.
func (s *Store) GatewayStatus() map[string]GatewaySync {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]GatewaySync, len(s.gateways))
	for id, gs := range s.gateways {
		out[id] = gs
	}
	return out
}
