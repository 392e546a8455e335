package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGatewayDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")

	cfg, err := LoadGateway()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", cfg.ControlPlaneURL)
	assert.Equal(t, "edge", cfg.Environment)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval())
	assert.Equal(t, 5*time.Second, cfg.Deadline())
	assert.Equal(t, 10_000, cfg.LedgerSoftCap)
	assert.Equal(t, 100_000, cfg.LedgerHardCap)
}

func TestLoadGatewayEnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("CONTROL_PLANE_URL", "http://cp.internal:9000")
	t.Setenv("GATEWAY_ID", "gw-eu-1")
	t.Setenv("SYNC_INTERVAL_SECONDS", "10")
	t.Setenv("DEADLINE_MS", "250")

	cfg, err := LoadGateway()
	require.NoError(t, err)
	assert.Equal(t, "http://cp.internal:9000", cfg.ControlPlaneURL)
	assert.Equal(t, "gw-eu-1", cfg.GatewayID)
	assert.Equal(t, 10*time.Second, cfg.SyncInterval())
	assert.Equal(t, 250*time.Millisecond, cfg.Deadline())
}

func TestLoadGatewayValidation(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("JWT_ALGORITHM", "HS256")
	_, err := LoadGateway()
	assert.Error(t, err)

	t.Setenv("JWT_SECRET", "s")
	t.Setenv("JWT_ALGORITHM", "ES999")
	_, err = LoadGateway()
	assert.Error(t, err)

	t.Setenv("JWT_ALGORITHM", "HS256")
	t.Setenv("LEDGER_SOFT_CAP", "100")
	t.Setenv("LEDGER_HARD_CAP", "100")
	_, err = LoadGateway()
	assert.Error(t, err)
}

func TestLoadGatewayYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"gateway_id: gw-from-yaml\nledger_soft_cap: 500\n"), 0o600))

	t.Setenv("JWT_SECRET", "s")
	t.Setenv("CONFIG_FILE", path)

	cfg, err := LoadGateway()
	require.NoError(t, err)
	assert.Equal(t, "gw-from-yaml", cfg.GatewayID)
	assert.Equal(t, 500, cfg.LedgerSoftCap)

	// Environment still wins over the file.
	t.Setenv("GATEWAY_ID", "gw-from-env")
	cfg, err = LoadGateway()
	require.NoError(t, err)
	assert.Equal(t, "gw-from-env", cfg.GatewayID)
}

func TestLoadControlPlaneDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")

	cfg, err := LoadControlPlane()
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "sentinel-master.db", cfg.SQLitePath)
	assert.Equal(t, 24, cfg.TokenTTLHours)
}
