// Package e2e drives the full server stack — real Postgres, real Hub,
// real HTTP/WebSocket surface — for end-to-end protocol tests. Modeled on
// test/e2e/harness.go's TestApp, trimmed to this module's single server
// process instead of TARSy's worker-pool/LLM stack.
package e2e

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/rowsync/internal/actorhub"
	"github.com/codeready-toolchain/rowsync/internal/config"
	"github.com/codeready-toolchain/rowsync/internal/storepg"
	"github.com/codeready-toolchain/rowsync/internal/syncsession"
	testdb "github.com/codeready-toolchain/rowsync/test/database"
	transporthttp "github.com/codeready-toolchain/rowsync/transport/http"
)

// TestApp boots one complete sync server instance against a freshly
// migrated, per-test Postgres schema.
type TestApp struct {
	DB *testdb.TestDB

	Hub            *actorhub.Hub
	Feed           *storepg.ChangeFeed
	Store          *storepg.ProgressStore
	Tables         *storepg.DomainTables
	NotifyListener *storepg.NotifyListener
	Server         *transporthttp.Server

	BaseURL string
	WSURL   string
}

// TestAppOption configures the app before it starts.
type TestAppOption func(*config.Config)

// WithConfig mutates the default config before the server starts — tests
// use this to shrink timeouts and chunk sizes for fast, deterministic runs.
func WithConfig(fn func(*config.Config)) TestAppOption {
	return fn
}

// NewTestApp wires storage, the actor hub and the HTTP/WS surface against a
// fresh schema, then starts listening on an OS-assigned port. Shutdown is
// registered via t.Cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	db := testdb.NewTestDB(t)
	pool := db.Pool(t)

	cfg := config.Defaults()
	cfg.ChunkAckTimeout = 5 * time.Second
	cfg.FeederAckTimeout = 5 * time.Second
	cfg.LiveIdleTick = 200 * time.Millisecond
	cfg.InitialSyncDBPageSize = 500
	cfg.InitialSyncWireChunkSize = 500
	cfg.FeederChunkSize = 500
	for _, opt := range opts {
		opt(&cfg)
	}

	progressStore := &storepg.ProgressStore{Pool: pool}
	clientRegistry := &storepg.ClientRegistry{Pool: pool}
	domainTables := &storepg.DomainTables{Pool: pool}
	changeFeed := &storepg.ChangeFeed{Pool: pool}
	applyEngine := &storepg.ApplyEngine{Pool: pool}

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

	hub := actorhub.New(func(clientID string, transport syncsession.Transport, log *slog.Logger) *syncsession.Actor {
		return syncsession.NewActor(clientID, transport, log, deps)
	}, slog.Default())

	notifyListener := storepg.NewNotifyListener(db.ConnString(), slog.Default())
	notifyListener.OnNotify = hub.PushServerNotification
	require.NoError(t, notifyListener.Start(context.Background()))

	server := transporthttp.NewServer(hub, changeFeed, progressStore)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = server.StartWithListener(ln) }()

	addr := ln.Addr().String()
	app := &TestApp{
		DB:             db,
		Hub:            hub,
		Feed:           changeFeed,
		Store:          progressStore,
		Tables:         domainTables,
		NotifyListener: notifyListener,
		Server:         server,
		BaseURL:        fmt.Sprintf("http://%s", addr),
		WSURL:          fmt.Sprintf("ws://%s/sync/connect", addr),
	}

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		notifyListener.Stop()
	})

	return app
}
