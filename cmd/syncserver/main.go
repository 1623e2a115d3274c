// Command syncserver runs the row-level sync server: it accepts client
// WebSocket connections, drives each through its Session Actor, and applies
// inbound changes against Postgres. Wiring mirrors cmd/tarsy/main.go's
// flag-then-env-then-connect sequence, adapted from gin to the echo/v5 +
// slog stack the rest of this module uses.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/rowsync/internal/actorhub"
	"github.com/codeready-toolchain/rowsync/internal/config"
	"github.com/codeready-toolchain/rowsync/internal/storepg"
	"github.com/codeready-toolchain/rowsync/internal/syncsession"
	transporthttp "github.com/codeready-toolchain/rowsync/transport/http"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	} else {
		log.Info("loaded environment file", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8088")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := storepg.NewPool(ctx, storepg.DefaultPoolConfig(cfg.DatabaseURL))
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	log.Info("connected to PostgreSQL and applied migrations")

	progressStore := &storepg.ProgressStore{Pool: pool}
	clientRegistry := &storepg.ClientRegistry{Pool: pool}
	domainTables := &storepg.DomainTables{Pool: pool}
	changeFeed := &storepg.ChangeFeed{Pool: pool}
	applyEngine := &storepg.ApplyEngine{Pool: pool, Log: log}

	deps := syncsession.Deps{
		Registry: clientRegistry,
		Store:    progressStore,
		Tables:   domainTables,
		Feed:     changeFeed,
		Apply:    applyEngine,

		InitialSyncDBPageSize:    cfg.InitialSyncDBPageSize,
		InitialSyncWireChunkSize: cfg.InitialSyncWireChunkSize,
		ChunkAckTimeout:          cfg.ChunkAckTimeout,

		FeederChunkSize:  cfg.FeederChunkSize,
		FeederAckTimeout: cfg.FeederAckTimeout,
		LiveIdleTick:     cfg.LiveIdleTick,

		ApplyConfig: syncsession.ApplyConfig{
			StatementTimeout:   cfg.StatementTimeout,
			RowTimeout:         cfg.RowTimeout,
			BatchInsertTimeout: cfg.BatchInsertTimeout,
		},
	}

	factory := func(clientID string, transport syncsession.Transport, actorLog *slog.Logger) *syncsession.Actor {
		return syncsession.NewActor(clientID, transport, actorLog, deps)
	}
	hub := actorhub.New(factory, log)

	notifyListener := storepg.NewNotifyListener(cfg.DatabaseURL, log)
	notifyListener.OnNotify = hub.PushServerNotification
	if err := notifyListener.Start(ctx); err != nil {
		log.Error("failed to start notify listener", "error", err)
		os.Exit(1)
	}
	defer notifyListener.Stop()

	server := transporthttp.NewServer(hub, changeFeed, progressStore)

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "port", httpPort)
		if err := server.Start(":" + httpPort); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("error during HTTP shutdown", "error", err)
	}
}
