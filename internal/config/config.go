// Package config loads gateway and control-plane configuration from the
// environment (with optional .env and YAML file support).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Gateway is the edge gateway's configuration.
type Gateway struct {
	ControlPlaneURL string `yaml:"control_plane_url"`
	GatewayID       string `yaml:"gateway_id"`
	Environment     string `yaml:"environment"`
	Port            int    `yaml:"port"`

	JWTSecret     string `yaml:"jwt_secret"`
	JWTAlgorithm  string `yaml:"jwt_algorithm"` // HS256 | RS256
	PublicKeyPath string `yaml:"public_key_path"`

	LedgerPath          string `yaml:"ledger_path"`
	SyncIntervalSeconds int    `yaml:"sync_interval_seconds"`
	LedgerSoftCap       int    `yaml:"ledger_soft_cap"`
	LedgerHardCap       int    `yaml:"ledger_hard_cap"`
	DeadlineMS          int    `yaml:"deadline_ms"`
}

// ControlPlane is the cloud side's configuration.
type ControlPlane struct {
	Port        int    `yaml:"port"`
	DatabaseURL string `yaml:"database_url"` // postgres DSN; empty = embedded sqlite
	SQLitePath  string `yaml:"sqlite_path"`

	JWTSecret      string `yaml:"jwt_secret"`
	JWTAlgorithm   string `yaml:"jwt_algorithm"`
	PrivateKeyPath string `yaml:"private_key_path"`
	PublicKeyPath  string `yaml:"public_key_path"`
	TokenTTLHours  int    `yaml:"token_ttl_hours"`

	RedisAddr     string `yaml:"redis_addr"` // optional revocation mirror
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// LoadGateway reads gateway configuration: .env first (if present), then an
// optional YAML file named by CONFIG_FILE, then environment variables on
// top. Environment always wins.
func LoadGateway() (*Gateway, error) {
	_ = godotenv.Load()

	cfg := &Gateway{
		ControlPlaneURL:     "http://localhost:8000",
		GatewayID:           "edge-gateway-001",
		Environment:         "edge",
		Port:                8001,
		JWTAlgorithm:        "HS256",
		LedgerPath:          "sentinel-ledger.db",
		SyncIntervalSeconds: 30,
		LedgerSoftCap:       10_000,
		LedgerHardCap:       100_000,
		DeadlineMS:          5_000,
	}
	if err := loadYAML(cfg); err != nil {
		return nil, err
	}

	envString(&cfg.ControlPlaneURL, "CONTROL_PLANE_URL")
	envString(&cfg.GatewayID, "GATEWAY_ID")
	envString(&cfg.Environment, "GATEWAY_ENVIRONMENT")
	envInt(&cfg.Port, "GATEWAY_PORT")
	envString(&cfg.JWTSecret, "JWT_SECRET")
	envString(&cfg.JWTAlgorithm, "JWT_ALGORITHM")
	envString(&cfg.PublicKeyPath, "JWT_PUBLIC_KEY_PATH")
	envString(&cfg.LedgerPath, "LEDGER_PATH")
	envInt(&cfg.SyncIntervalSeconds, "SYNC_INTERVAL_SECONDS")
	envInt(&cfg.LedgerSoftCap, "LEDGER_SOFT_CAP")
	envInt(&cfg.LedgerHardCap, "LEDGER_HARD_CAP")
	envInt(&cfg.DeadlineMS, "DEADLINE_MS")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Gateway) validate() error {
	switch c.JWTAlgorithm {
	case "HS256":
		if c.JWTSecret == "" {
			return fmt.Errorf("config: JWT_SECRET is required for HS256")
		}
	case "RS256":
		if c.PublicKeyPath == "" {
			return fmt.Errorf("config: JWT_PUBLIC_KEY_PATH is required for RS256")
		}
	default:
		return fmt.Errorf("config: unsupported JWT_ALGORITHM %q", c.JWTAlgorithm)
	}
	if c.LedgerHardCap <= c.LedgerSoftCap {
		return fmt.Errorf("config: LEDGER_HARD_CAP must exceed LEDGER_SOFT_CAP")
	}
	return nil
}

// SyncInterval returns the sync period as a duration.
func (c *Gateway) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// Deadline returns the per-request authorize deadline.
func (c *Gateway) Deadline() time.Duration {
	return time.Duration(c.DeadlineMS) * time.Millisecond
}

// LoadControlPlane reads control-plane configuration with the same
// precedence as LoadGateway.
func LoadControlPlane() (*ControlPlane, error) {
	_ = godotenv.Load()

	cfg := &ControlPlane{
		Port:          8000,
		SQLitePath:    "sentinel-master.db",
		JWTAlgorithm:  "HS256",
		TokenTTLHours: 24,
	}
	if err := loadYAML(cfg); err != nil {
		return nil, err
	}

	envInt(&cfg.Port, "CONTROL_PLANE_PORT")
	envString(&cfg.DatabaseURL, "DATABASE_URL")
	envString(&cfg.SQLitePath, "SQLITE_PATH")
	envString(&cfg.JWTSecret, "JWT_SECRET")
	envString(&cfg.JWTAlgorithm, "JWT_ALGORITHM")
	envString(&cfg.PrivateKeyPath, "JWT_PRIVATE_KEY_PATH")
	envString(&cfg.PublicKeyPath, "JWT_PUBLIC_KEY_PATH")
	envInt(&cfg.TokenTTLHours, "TOKEN_TTL_HOURS")
	envString(&cfg.RedisAddr, "REDIS_ADDR")
	envString(&cfg.RedisPassword, "REDIS_PASSWORD")
	envInt(&cfg.RedisDB, "REDIS_DB")

	switch cfg.JWTAlgorithm {
	case "HS256":
		if cfg.JWTSecret == "" {
			return nil, fmt.Errorf("config: JWT_SECRET is required for HS256")
		}
	case "RS256":
		if cfg.PrivateKeyPath == "" || cfg.PublicKeyPath == "" {
			return nil, fmt.Errorf("config: RS256 requires both key paths")
		}
	default:
		return nil, fmt.Errorf("config: unsupported JWT_ALGORITHM %q", cfg.JWTAlgorithm)
	}
	return cfg, nil
}

func loadYAML(out interface{}) error {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
