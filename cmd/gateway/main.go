// The gateway binary runs one edge governance gateway: local authorization,
// heartbeats, and background sync against the control plane.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 local persistence
// fault.
package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentgovern/sentinel/internal/config"
	"github.com/agentgovern/sentinel/internal/httpapi"
	"github.com/agentgovern/sentinel/internal/ledger"
	"github.com/agentgovern/sentinel/internal/monitoring"
	"github.com/agentgovern/sentinel/internal/passport"
	"github.com/agentgovern/sentinel/internal/pipeline"
	"github.com/agentgovern/sentinel/internal/policy"
	"github.com/agentgovern/sentinel/internal/prophecy"
	"github.com/agentgovern/sentinel/internal/registry"
	"github.com/agentgovern/sentinel/internal/revocation"
	"github.com/agentgovern/sentinel/internal/syncengine"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadGateway()
	if err != nil {
		slog.Error("configuration error", "error", err)
		return 1
	}

	local, err := ledger.OpenLocal(cfg.LedgerPath, cfg.GatewayID)
	if err != nil {
		slog.Error("local ledger unavailable", "error", err)
		return 2
	}
	defer local.Close()

	revSet := revocation.NewSet()
	verifier, err := buildVerifier(cfg, revSet)
	if err != nil {
		slog.Error("verifier setup failed", "error", err)
		return 1
	}

	windows := policy.NewSplitWindows()
	enforcer := policy.NewEnforcer(windows)
	metrics := monitoring.NewMetrics()
	reg := registry.New()

	engine := syncengine.NewEngine(syncengine.EngineConfig{
		Client:      syncengine.NewClient(cfg.ControlPlaneURL, cfg.GatewayID),
		Enforcer:    enforcer,
		RevSet:      revSet,
		Ledger:      local,
		Metrics:     metrics,
		Environment: cfg.Environment,
		Interval:    cfg.SyncInterval(),
		SoftCap:     cfg.LedgerSoftCap,
	})

	pipe, err := pipeline.New(pipeline.Config{
		Verifier:  verifier,
		Enforcer:  enforcer,
		Ledger:    local,
		Simulator: prophecy.NewEngine(),
		Mode:      engine,
		Metrics:   metrics,
		GatewayID: cfg.GatewayID,
		SoftCap:   cfg.LedgerSoftCap,
		HardCap:   cfg.LedgerHardCap,
	})
	if err != nil {
		slog.Error("pipeline setup failed", "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine.InitialSync(ctx)
	go supervise(ctx, "sync-engine", func() { engine.Run(ctx) })
	go supervise(ctx, "split-window-expiry", func() { expireLoop(ctx, windows, enforcer) })

	server := httpapi.NewGatewayServer(httpapi.GatewayConfig{
		Pipeline:        pipe,
		Verifier:        verifier,
		Enforcer:        enforcer,
		Registry:        reg,
		Engine:          engine,
		Ledger:          local,
		Metrics:         metrics,
		GatewayID:       cfg.GatewayID,
		Environment:     cfg.Environment,
		ControlPlaneURL: cfg.ControlPlaneURL,
		Deadline:        cfg.Deadline(),
	})

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

	slog.Info("gateway listening",
		"gateway_id", cfg.GatewayID,
		"environment", cfg.Environment,
		"port", cfg.Port,
		"mode", engine.Mode())

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		return 2
	}
	slog.Info("gateway stopped")
	return 0
}

func buildVerifier(cfg *config.Gateway, revSet *revocation.Set) (*passport.Verifier, error) {
	if cfg.JWTAlgorithm == "RS256" {
		pem, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		var pub *rsa.PublicKey
		pub, err = jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, err
		}
		return passport.NewRS256Verifier(pub, revSet)
	}
	return passport.NewHS256Verifier(cfg.JWTSecret, revSet)
}

// supervise restarts a background task when it panics and stops with ctx.
func supervise(ctx context.Context, name string, fn func()) {
	for ctx.Err() == nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("background task panicked; restarting", "task", name, "panic", r)
					time.Sleep(time.Second)
				}
			}()
			fn()
		}()
	}
}

func expireLoop(ctx context.Context, windows *policy.SplitWindows, enforcer *policy.Enforcer) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w := enforcer.MaxSplitWindow(); w > 0 {
				windows.Expire(w)
			}
		}
	}
}
