// The controlplane binary runs the cloud side: passport issuance, the policy
// store, the revocation registry, the master decision chain, and strict
// server-side evaluation.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 persistence fault.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	_ "github.com/lib/pq" // master chain on PostgreSQL
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite" // embedded fallback for dev

	"github.com/agentgovern/sentinel/internal/config"
	"github.com/agentgovern/sentinel/internal/httpapi"
	"github.com/agentgovern/sentinel/internal/ledger"
	"github.com/agentgovern/sentinel/internal/passport"
	"github.com/agentgovern/sentinel/internal/policy"
	"github.com/agentgovern/sentinel/internal/prophecy"
	"github.com/agentgovern/sentinel/internal/revocation"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadControlPlane()
	if err != nil {
		slog.Error("configuration error", "error", err)
		return 1
	}

	db, driver, err := openDatabase(cfg)
	if err != nil {
		slog.Error("master database unavailable", "error", err)
		return 2
	}
	defer db.Close()

	master, err := ledger.NewMaster(db, driver)
	if err != nil {
		slog.Error("master ledger init failed", "error", err)
		return 2
	}

	revocations, err := buildRevocations(cfg)
	if err != nil {
		slog.Error("revocation registry init failed", "error", err)
		return 2
	}

	passports, err := buildPassportService(cfg, revocations)
	if err != nil {
		slog.Error("passport service setup failed", "error", err)
		return 1
	}

	server := httpapi.NewControlPlaneServer(
		passports, revocations, policy.NewStore(), master, prophecy.NewEngine())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("control plane listening", "port", cfg.Port, "driver", driver)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		return 2
	}
	slog.Info("control plane stopped")
	return 0
}

func openDatabase(cfg *config.ControlPlane) (*sql.DB, string, error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, "", err
		}
		if err := db.Ping(); err != nil {
			return nil, "", err
		}
		return db, "postgres", nil
	}
	slog.Warn("DATABASE_URL not set; using embedded sqlite", "path", cfg.SQLitePath)
	db, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		return nil, "", err
	}
	db.SetMaxOpenConns(1)
	return db, "sqlite", nil
}

func buildRevocations(cfg *config.ControlPlane) (*revocation.Registry, error) {
	if cfg.RedisAddr == "" {
		return revocation.NewRegistry(), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return revocation.NewRegistryWithRedis(ctx, rdb, "")
}

func buildPassportService(cfg *config.ControlPlane, rev passport.Revoker) (*passport.Service, error) {
	if cfg.JWTAlgorithm == "RS256" {
		privPEM, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		priv, err := jwt.ParseRSAPrivateKeyFromPEM(privPEM)
		if err != nil {
			return nil, err
		}
		pubPEM, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
		if err != nil {
			return nil, err
		}
		return passport.NewRS256Service(priv, pub, rev)
	}
	return passport.NewHS256Service(cfg.JWTSecret, rev)
}
