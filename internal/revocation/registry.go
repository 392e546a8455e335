// Package revocation tracks revoked passport JTIs.
//
// The control plane owns the authoritative Registry; edge gateways hold a
// Set that is refreshed from snapshot/diff pulls. Entries are permanent —
// expired-entry compaction is an offline concern, never part of the
// authorize path.
package revocation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Snapshot is the wire form consumed by edge gateways.
type Snapshot struct {
	SnapshotID  int64    `json:"snapshot_id"`
	RevokedJTIs []string `json:"revoked_jtis"`
	Full        bool     `json:"full"`
}

// Registry is the control plane's authoritative revocation set.
//
// The snapshot id is the count of additions ever applied, so a diff from
// snapshot n is exactly the tail of the addition log past n. Applying diffs
// in snapshot order reproduces the full set.
type Registry struct {
	mu    sync.RWMutex
	set   map[string]struct{}
	log   []string // addition order; len(log) == current snapshot id
	redis *redis.Client
}

// NewRegistry creates an empty in-memory registry.
func NewRegistry() *Registry {
	return &Registry{set: make(map[string]struct{})}
}

// NewRegistryWithRedis creates a registry that mirrors additions into a
// Redis set so revocations survive a control-plane restart. Existing members
// are loaded eagerly; Redis being unreachable afterwards only costs
// durability, never correctness of the in-memory set.
func NewRegistryWithRedis(ctx context.Context, rdb *redis.Client, key string) (*Registry, error) {
	r := NewRegistry()
	r.redis = rdb
	if key == "" {
		key = redisKey
	}
	members, err := rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	for _, jti := range members {
		r.set[jti] = struct{}{}
		r.log = append(r.log, jti)
	}
	slog.Info("revocation registry restored from redis", "entries", len(members))
	return r, nil
}

const redisKey = "sentinel:revoked_jtis"

// Add revokes a JTI. Idempotent: adding a known JTI does not advance the
// snapshot id.
func (r *Registry) Add(jti string) {
	r.mu.Lock()
	if _, ok := r.set[jti]; ok {
		r.mu.Unlock()
		return
	}
	r.set[jti] = struct{}{}
	r.log = append(r.log, jti)
	r.mu.Unlock()

	if r.redis != nil {
		if err := r.redis.SAdd(context.Background(), redisKey, jti).Err(); err != nil {
			slog.Warn("revocation redis mirror failed", "error", err)
		}
	}
}

// Contains reports whether jti has been revoked.
func (r *Registry) Contains(jti string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.set[jti]
	return ok
}

// Snapshot returns the full set and its snapshot id.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	jtis := make([]string, len(r.log))
	copy(jtis, r.log)
	return Snapshot{SnapshotID: int64(len(r.log)), RevokedJTIs: jtis, Full: true}
}

// DiffSince returns the JTIs added after snapshot id since. The second
// return is false when since is outside the addition log (sequence gap) and
// the caller must fall back to a full snapshot.
func (r *Registry) DiffSince(since int64) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if since < 0 || since > int64(len(r.log)) {
		return Snapshot{}, false
	}
	added := make([]string, int64(len(r.log))-since)
	copy(added, r.log[since:])
	return Snapshot{SnapshotID: int64(len(r.log)), RevokedJTIs: added, Full: false}, true
}

// Size returns the number of revoked JTIs.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.set)
}
