package passport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentgovern/sentinel/internal/canonical"
)

func TestFingerprintFiltersWeakGenes(t *testing.T) {
	dominant := []Gene{
		{Name: "planning", Type: "cognitive", Strength: 0.92},
		{Name: "negotiation", Type: "social", Strength: 0.88},
	}
	withWeak := append([]Gene{{Name: "humor", Type: "social", Strength: 0.40}}, dominant...)

	assert.Equal(t, ComputeDNAFingerprint(dominant), ComputeDNAFingerprint(withWeak))
}

func TestFingerprintOrderIndependent(t *testing.T) {
	a := []Gene{
		{Name: "planning", Type: "cognitive", Strength: 0.92},
		{Name: "negotiation", Type: "social", Strength: 0.88},
	}
	b := []Gene{a[1], a[0]}
	assert.Equal(t, ComputeDNAFingerprint(a), ComputeDNAFingerprint(b))
}

func TestFingerprintRoundsStrength(t *testing.T) {
	a := []Gene{{Name: "planning", Type: "cognitive", Strength: 0.9199}}
	b := []Gene{{Name: "planning", Type: "cognitive", Strength: 0.92}}
	assert.Equal(t, ComputeDNAFingerprint(a), ComputeDNAFingerprint(b))

	c := []Gene{{Name: "planning", Type: "cognitive", Strength: 0.93}}
	assert.NotEqual(t, ComputeDNAFingerprint(a), ComputeDNAFingerprint(c))
}

func TestFingerprintNoGenes(t *testing.T) {
	want := canonical.HashBytes([]byte("no-genes"))
	assert.Equal(t, want, ComputeDNAFingerprint(nil))
	assert.Equal(t, want, ComputeDNAFingerprint([]Gene{{Name: "weak", Type: "x", Strength: 0.1}}))
}
