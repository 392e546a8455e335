package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func amountRule(id, name string, max float64) Rule {
	return Rule{
		ID:               id,
		Name:             name,
		Type:             RuleAmountLimit,
		Parameters:       Parameters{MaxAmount: max},
		OnFail:           OnFailDeny,
		EnvironmentScope: []string{"edge"},
		Active:           true,
	}
}

func trustRule(id, name string, min float64) Rule {
	return Rule{
		ID:               id,
		Name:             name,
		Type:             RuleTrustMinimum,
		Parameters:       Parameters{MinTrust: min},
		OnFail:           OnFailEscalate,
		EnvironmentScope: []string{"edge", "cloud"},
		Active:           true,
	}
}

func TestBundleHashRecomputes(t *testing.T) {
	s := NewStore()
	b, err := s.CreateBundle([]Rule{amountRule("POL-1", "cap", 100_000)}, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, b.Hash)
	assert.Empty(t, b.ParentHash) // genesis
	assert.True(t, b.VerifyIntegrity())
}

func TestBundleHashIgnoresRuleOrder(t *testing.T) {
	r1 := amountRule("POL-1", "cap", 100_000)
	r2 := trustRule("POL-2", "floor", 0.5)

	a := Bundle{Version: "v1", Rules: []Rule{r1, r2}}
	b := Bundle{Version: "v1", Rules: []Rule{r2, r1}}

	ha, err := a.ComputeHash()
	require.NoError(t, err)
	hb, err := b.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestBundleTamperDetected(t *testing.T) {
	s := NewStore()
	b, err := s.CreateBundle([]Rule{amountRule("POL-1", "cap", 100_000)}, nil)
	require.NoError(t, err)

	tampered := *b
	tampered.Rules = []Rule{amountRule("POL-1", "cap", 999_999)}
	assert.False(t, tampered.VerifyIntegrity())
}

func TestBundleChainParents(t *testing.T) {
	s := NewStore()
	b1, err := s.CreateBundle([]Rule{amountRule("POL-1", "cap", 100_000)}, nil)
	require.NoError(t, err)
	b2, err := s.CreateBundle([]Rule{amountRule("POL-1", "cap", 50_000)}, nil)
	require.NoError(t, err)

	assert.Equal(t, b1.Hash, b2.ParentHash)
	assert.NotEqual(t, b1.Version, b2.Version)
	require.NoError(t, s.VerifyChain())
}

func TestRollbackRepointsWithoutNewBundle(t *testing.T) {
	s := NewStore()
	b1, err := s.CreateBundle([]Rule{amountRule("POL-1", "cap", 100_000)}, nil)
	require.NoError(t, err)
	b2, err := s.CreateBundle([]Rule{amountRule("POL-1", "cap", 50_000)}, nil)
	require.NoError(t, err)

	rolled, err := s.Rollback("")
	require.NoError(t, err)
	assert.Equal(t, b1.Version, rolled.Version)
	assert.Equal(t, b1.Version, s.Current().Version)
	assert.Len(t, s.History(), 2) // no new bundle published

	// The next publish still chains off the last published bundle, keeping
	// the chain linear even after the repoint.
	b3, err := s.CreateBundle([]Rule{amountRule("POL-1", "cap", 75_000)}, nil)
	require.NoError(t, err)
	assert.Equal(t, b2.Hash, b3.ParentHash)
	require.NoError(t, s.VerifyChain())
}

func TestRollbackToNamedVersion(t *testing.T) {
	s := NewStore()
	b1, err := s.CreateBundle([]Rule{amountRule("POL-1", "cap", 100_000)}, nil)
	require.NoError(t, err)
	_, err = s.CreateBundle([]Rule{amountRule("POL-1", "cap", 50_000)}, nil)
	require.NoError(t, err)

	rolled, err := s.Rollback(b1.Version)
	require.NoError(t, err)
	assert.Equal(t, b1.Version, rolled.Version)

	_, err = s.Rollback("v1999.01.01-001")
	assert.ErrorIs(t, err, ErrBundleNotFound)
}

func TestForEnvironmentKeepsHash(t *testing.T) {
	s := NewStore()
	edgeOnly := amountRule("POL-1", "cap", 100_000)
	cloudOnly := trustRule("POL-2", "floor", 0.5)
	cloudOnly.EnvironmentScope = []string{"cloud"}
	inactive := amountRule("POL-3", "old-cap", 10)
	inactive.Active = false

	b, err := s.CreateBundle([]Rule{edgeOnly, cloudOnly, inactive}, nil)
	require.NoError(t, err)

	edge := b.ForEnvironment("edge")
	assert.Equal(t, b.Version, edge.Version)
	assert.Equal(t, b.Hash, edge.Hash)
	require.Len(t, edge.Rules, 1)
	assert.Equal(t, "POL-1", edge.Rules[0].ID)
}

func TestDiff(t *testing.T) {
	s := NewStore()
	b1, err := s.CreateBundle([]Rule{
		amountRule("POL-1", "cap", 100_000),
		trustRule("POL-2", "floor", 0.5),
	}, nil)
	require.NoError(t, err)
	b2, err := s.CreateBundle([]Rule{
		amountRule("POL-1", "cap", 50_000), // modified
		trustRule("POL-3", "split-guard", 0.6),
	}, nil)
	require.NoError(t, err)

	diff, err := s.Diff(b1.Version, b2.Version)
	require.NoError(t, err)
	require.Len(t, diff.Added, 1)
	assert.Equal(t, "split-guard", diff.Added[0].Name)
	require.Len(t, diff.Removed, 1)
	assert.Equal(t, "floor", diff.Removed[0].Name)
	require.Len(t, diff.Modified, 1)
	assert.Equal(t, "cap", diff.Modified[0].Name)
	assert.Equal(t, 100_000.0, diff.Modified[0].Before.Parameters.MaxAmount)
	assert.Equal(t, 50_000.0, diff.Modified[0].After.Parameters.MaxAmount)
}

func TestCreateBundleValidation(t *testing.T) {
	s := NewStore()

	bad := amountRule("POL-1", "cap", 0) // max_amount missing
	_, err := s.CreateBundle([]Rule{bad}, nil)
	assert.Error(t, err)

	unknown := amountRule("POL-1", "cap", 100)
	unknown.Type = "quantum_check"
	_, err = s.CreateBundle([]Rule{unknown}, nil)
	assert.Error(t, err)

	badFail := amountRule("POL-1", "cap", 100)
	badFail.OnFail = "explode"
	_, err = s.CreateBundle([]Rule{badFail}, nil)
	assert.Error(t, err)

	noID := amountRule("", "cap", 100)
	_, err = s.CreateBundle([]Rule{noID}, nil)
	assert.Error(t, err)
}

func TestGatewaySyncTracking(t *testing.T) {
	s := NewStore()
	b1, err := s.CreateBundle([]Rule{amountRule("POL-1", "cap", 100_000)}, nil)
	require.NoError(t, err)

	s.RegisterGatewaySync("gw-1", b1.Version)
	s.RegisterGatewaySync("gw-2", b1.Version)
	assert.Empty(t, s.StaleGateways())

	_, err = s.CreateBundle([]Rule{amountRule("POL-1", "cap", 50_000)}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"gw-1", "gw-2"}, s.StaleGateways())

	s.RegisterGatewaySync("gw-1", s.Current().Version)
	assert.Equal(t, []string{"gw-2"}, s.StaleGateways())
}
