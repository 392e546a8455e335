// Package registry tracks where agents are running via heartbeats and
// flags unauthorized cross-environment transitions.
//
// The registry is ephemeral by design: a restart forgets every last_seen
// and the next heartbeat re-establishes state.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentgovern/sentinel/internal/passport"
)

// Liveness thresholds.
const (
	AliveWithin = 90 * time.Second
	StaleWithin = 300 * time.Second
)

// Liveness buckets.
const (
	StatusAlive = "alive"
	StatusStale = "stale"
	StatusDead  = "dead"
)

const (
	maxHistoryPerAgent = 100
	maxRecentAlerts    = 50
)

// Location is the last observed placement of an agent.
type Location struct {
	AgentID      string                 `json:"agent_id"`
	Environment  string                 `json:"environment"`
	HostID       string                 `json:"host_id"`
	Region       string                 `json:"region,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	AgentVersion string                 `json:"agent_version,omitempty"`
	PassportJTI  string                 `json:"passport_jti,omitempty"`
	LastSeen     time.Time              `json:"last_seen"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Alert records a forbidden environment transition.
type Alert struct {
	Type      string    `json:"type"`
	AgentID   string    `json:"agent_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	HostID    string    `json:"host_id"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatResult is the registry's answer to one heartbeat.
type HeartbeatResult struct {
	Status   string    `json:"status"` // ok | alert | error
	Message  string    `json:"message,omitempty"`
	Alert    *Alert    `json:"alert,omitempty"`
	Location *Location `json:"location,omitempty"`
}

// FleetStatus is the full fleet view.
type FleetStatus struct {
	TotalAgents   int                 `json:"total_agents"`
	ByEnvironment map[string]int      `json:"by_environment"`
	StatusCounts  map[string]int      `json:"status_counts"`
	Agents        map[string]Location `json:"agents"`
	RecentAlerts  []Alert             `json:"recent_alerts"`
	SnapshotAt    time.Time           `json:"snapshot_at"`
}

// Transition is an ordered environment pair.
type Transition struct {
	From string
	To   string
}

// DefaultForbiddenTransitions flags client -> cloud: an agent that skips the
// edge gateway on its way to the cloud looks like exfiltration.
var DefaultForbiddenTransitions = map[Transition]bool{
	{From: passport.EnvClient, To: passport.EnvCloud}: true,
}

// Registry is the in-memory heartbeat table. Per-agent updates are
// last-writer-wins; readers get a consistent snapshot of one agent's
// location.
type Registry struct {
	mu        sync.RWMutex
	locations map[string]*Location
	history   map[string][]string
	alerts    []Alert
	forbidden map[Transition]bool
	now       func() time.Time
}

// New creates a registry with the default forbidden-transition set.
func New() *Registry {
	return NewWithForbidden(DefaultForbiddenTransitions)
}

// NewWithForbidden creates a registry with a custom forbidden set.
func NewWithForbidden(forbidden map[Transition]bool) *Registry {
	f := make(map[Transition]bool, len(forbidden))
	for k, v := range forbidden {
		f[k] = v
	}
	return &Registry{
		locations: make(map[string]*Location),
		history:   make(map[string][]string),
		forbidden: f,
		now:       time.Now,
	}
}

// Heartbeat processes an agent check-in, recording its location and
// checking the previous environment against the forbidden-transition set.
func (r *Registry) Heartbeat(loc Location) HeartbeatResult {
	if !passport.ValidEnvironments[loc.Environment] {
		return HeartbeatResult{
			Status:  "error",
			Message: fmt.Sprintf("unknown environment: %s", loc.Environment),
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.locations[loc.AgentID]
	loc.LastSeen = r.now().UTC()
	stored := loc
	r.locations[loc.AgentID] = &stored

	hist := append(r.history[loc.AgentID], loc.Environment)
	if len(hist) > maxHistoryPerAgent {
		hist = hist[len(hist)-maxHistoryPerAgent:]
	}
	r.history[loc.AgentID] = hist

	if prev != nil && prev.Environment != loc.Environment {
		if r.forbidden[Transition{From: prev.Environment, To: loc.Environment}] {
			alert := Alert{
				Type:      "unauthorized_environment_crossing",
				AgentID:   loc.AgentID,
				From:      prev.Environment,
				To:        loc.Environment,
				HostID:    loc.HostID,
				Severity:  "high",
				Timestamp: loc.LastSeen,
			}
			r.alerts = append(r.alerts, alert)
			if len(r.alerts) > maxRecentAlerts {
				r.alerts = r.alerts[len(r.alerts)-maxRecentAlerts:]
			}
			slog.Warn("forbidden environment crossing",
				"agent_id", loc.AgentID, "from", prev.Environment, "to", loc.Environment)
			return HeartbeatResult{Status: "alert", Alert: &alert, Location: &stored}
		}
	}

	return HeartbeatResult{Status: "ok", Location: &stored}
}

// GetLocation returns the last observed location of an agent.
func (r *Registry) GetLocation(agentID string) (Location, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	loc, ok := r.locations[agentID]
	if !ok {
		return Location{}, false
	}
	return *loc, true
}

// Liveness classifies a location by heartbeat age.
func (r *Registry) Liveness(loc Location) string {
	age := r.now().UTC().Sub(loc.LastSeen)
	switch {
	case age < AliveWithin:
		return StatusAlive
	case age < StaleWithin:
		return StatusStale
	default:
		return StatusDead
	}
}

// FleetStatus returns counts per environment and liveness bucket plus the
// recent alerts ring.
func (r *Registry) FleetStatus() FleetStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fs := FleetStatus{
		TotalAgents:   len(r.locations),
		ByEnvironment: make(map[string]int),
		StatusCounts:  map[string]int{StatusAlive: 0, StatusStale: 0, StatusDead: 0},
		Agents:        make(map[string]Location, len(r.locations)),
		SnapshotAt:    r.now().UTC(),
	}
	for id, loc := range r.locations {
		fs.ByEnvironment[loc.Environment]++
		fs.StatusCounts[r.Liveness(*loc)]++
		fs.Agents[id] = *loc
	}

	n := len(r.alerts)
	start := 0
	if n > 10 {
		start = n - 10
	}
	fs.RecentAlerts = append(fs.RecentAlerts, r.alerts[start:]...)
	return fs
}

// EnvironmentHistory returns the sequence of environments an agent has
// reported from, oldest first.
func (r *Registry) EnvironmentHistory(agentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hist := r.history[agentID]
	out := make([]string, len(hist))
	copy(out, hist)
	return out
}

// AgentsInEnvironment lists agents last seen in env, optionally restricted
// to live ones.
func (r *Registry) AgentsInEnvironment(env string, aliveOnly bool) []Location {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Location
	for _, loc := range r.locations {
		if loc.Environment != env {
			continue
		}
		if aliveOnly && r.Liveness(*loc) != StatusAlive {
			continue
		}
		out = append(out, *loc)
	}
	return out
}
