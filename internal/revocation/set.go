package revocation

import (
	"sync"
)

// Set is the edge-side revocation snapshot. A single authorize reads a
// consistent view; the sync engine replaces or extends it between requests.
type Set struct {
	mu         sync.RWMutex
	jtis       map[string]struct{}
	snapshotID int64
}

// NewSet returns an empty edge revocation set (snapshot id 0).
func NewSet() *Set {
	return &Set{jtis: make(map[string]struct{})}
}

// Contains reports whether jti is revoked in the current snapshot.
func (s *Set) Contains(jti string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.jtis[jti]
	return ok
}

// Apply merges a snapshot from the control plane. Full snapshots replace the
// set; diffs extend it. The snapshot id always advances to the server's.
func (s *Set) Apply(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Full {
		s.jtis = make(map[string]struct{}, len(snap.RevokedJTIs))
	}
	for _, jti := range snap.RevokedJTIs {
		s.jtis[jti] = struct{}{}
	}
	s.snapshotID = snap.SnapshotID
}

// SnapshotID returns the id of the last applied snapshot, used as the
// `since` parameter on the next pull.
func (s *Set) SnapshotID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotID
}

// Size returns the number of revoked JTIs currently known at the edge.
func (s *Set) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jtis)
}
