package policy

import (
	"hash/fnv"
	"sync"
	"time"
)

const splitShards = 16

// SplitWindows tracks recent similar requests per agent so split_detection
// rules can spot one large action being sliced into many small ones.
// Sharded by agent id hash; each shard is independently locked. Entries
// expire after the largest configured window plus one minute of grace.
type SplitWindows struct {
	shards [splitShards]*splitShard
	now    func() time.Time
}

type splitShard struct {
	mu      sync.Mutex
	entries map[string][]time.Time // agent_id:action_type -> request times
}

// NewSplitWindows creates the shard set.
func NewSplitWindows() *SplitWindows {
	sw := &SplitWindows{now: time.Now}
	for i := range sw.shards {
		sw.shards[i] = &splitShard{entries: make(map[string][]time.Time)}
	}
	return sw
}

func (sw *SplitWindows) shard(key string) *splitShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return sw.shards[h.Sum32()%splitShards]
}

// CountAndRecord returns how many similar requests the agent made inside
// the window before this one, then records this request. The returned count
// therefore excludes the current request, matching "fewer than max_requests
// similar requests in the last window_minutes".
func (sw *SplitWindows) CountAndRecord(agentID, actionType string, window time.Duration) int {
	key := agentID + ":" + actionType
	now := sw.now()
	cutoff := now.Add(-window)

	s := sw.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	times := s.entries[key]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	count := len(kept)
	s.entries[key] = append(kept, now)
	return count
}

// Expire drops entries older than maxWindow plus one minute of grace.
// Called periodically by the gateway's background supervisor.
func (sw *SplitWindows) Expire(maxWindow time.Duration) {
	cutoff := sw.now().Add(-(maxWindow + time.Minute))
	for _, s := range sw.shards {
		s.mu.Lock()
		for key, times := range s.entries {
			kept := times[:0]
			for _, t := range times {
				if t.After(cutoff) {
					kept = append(kept, t)
				}
			}
			if len(kept) == 0 {
				delete(s.entries, key)
			} else {
				s.entries[key] = kept
			}
		}
		s.mu.Unlock()
	}
}
