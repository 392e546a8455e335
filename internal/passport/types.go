// Package passport implements the agent passport identity subsystem:
// issuance, verification, rotation, revocation, and DNA fingerprints.
//
// A passport is a signed JWT. The governance claims ride under the "ag" key
// so the standard claims (sub, jti, iss, iat, exp) stay spec-shaped for any
// off-the-shelf JWT tooling.
package passport

import (
	"time"
)

// Deployment environments an agent may be allowed to act in.
const (
	EnvCloud     = "cloud"
	EnvEdge      = "edge"
	EnvClient    = "client"
	EnvOnPremise = "on-premise"
)

// ValidEnvironments is the closed set of recognized environment names.
var ValidEnvironments = map[string]bool{
	EnvCloud:     true,
	EnvEdge:      true,
	EnvClient:    true,
	EnvOnPremise: true,
}

// Trust tiers, ordered T4 < T3 < T2 < T1.
const (
	TierT1 = "T1"
	TierT2 = "T2"
	TierT3 = "T3"
	TierT4 = "T4"
)

// TierRank maps a tier to its ordinal rank (T4 lowest).
var TierRank = map[string]int{
	TierT4: 1,
	TierT3: 2,
	TierT2: 3,
	TierT1: 4,
}

// DefaultAuthorityLimits is the per-tier monetary cap used when the caller
// does not supply an explicit authority limit.
var DefaultAuthorityLimits = map[string]float64{
	TierT1: 100_000,
	TierT2: 50_000,
	TierT3: 10_000,
	TierT4: 0,
}

// TierForTrust derives the tier from a trust score.
func TierForTrust(score float64) string {
	switch {
	case score >= 0.90:
		return TierT1
	case score >= 0.75:
		return TierT2
	case score >= 0.60:
		return TierT3
	default:
		return TierT4
	}
}

// GovernanceClaims is the "ag" claims block embedded in every passport.
type GovernanceClaims struct {
	Name                string   `json:"name,omitempty"`
	Role                string   `json:"role"`
	Tier                string   `json:"tier"`
	TrustScore          float64  `json:"trust_score"`
	AuthorityLimit      float64  `json:"authority_limit"`
	AllowedEnvironments []string `json:"allowed_environments"`
	DNAFingerprint      string   `json:"dna_fingerprint"`
}

// AllowsEnvironment reports whether the passport permits execution in env.
func (g GovernanceClaims) AllowsEnvironment(env string) bool {
	for _, e := range g.AllowedEnvironments {
		if e == env {
			return true
		}
	}
	return false
}

// Data is everything needed to mint a passport for an agent.
type Data struct {
	AgentID             string
	AgentName           string
	Role                string
	Tier                string
	TrustScore          float64
	AuthorityLimit      float64
	AllowedEnvironments []string
	DNAFingerprint      string
	TTL                 time.Duration // zero means the service default (24h)
}
