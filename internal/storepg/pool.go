// Package storepg is the Postgres-backed implementation of every external
// interface internal/syncsession declares: ProgressStore, ClientRegistry,
// DomainTables, ChangeFeed, and ApplyEngine, plus the LISTEN/NOTIFY push
// hook that wakes a LIVE session. It owns the embedded schema migrations.
package storepg

import (
	"context"
	stdsql "database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver for migrate
)

//go:embed migrations
var migrationsFS embed.FS

// PoolConfig holds connection pool sizing, mirroring the teacher's
// database.Config (pkg/database/client.go) but expressed as a single DSN
// since the core never needs host/user/password split out individually.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Schema overrides the schema golang-migrate tracks its applied-version
	// table in. Empty means "public" — production's default. Tests set this
	// to a per-test schema name (DSN's own search_path already routes normal
	// queries there; this only affects migrate's bookkeeping table).
	Schema string
}

// DefaultPoolConfig fills in the pool sizing the spec doesn't name
// explicitly (§5: "Database connections are acquired per operation, not
// pooled across the session" describes usage, not pool capacity).
func DefaultPoolConfig(dsn string) PoolConfig {
	return PoolConfig{
		DSN:             dsn,
		MaxConns:        20,
		MinConns:        2,
		MaxConnLifetime: 30 * time.Minute,
		MaxConnIdleTime: 5 * time.Minute,
	}
}

// NewPool opens a pgxpool.Pool and runs embedded migrations against it
// before returning, matching pkg/database/client.go's "connect, then
// auto-migrate on startup" sequencing.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("storepg: parse DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storepg: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storepg: ping: %w", err)
	}

	if err := RunMigrationsWithSchema(cfg.DSN, cfg.Schema); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// RunMigrations applies every pending embedded migration against the
// default ("public") schema, using the pgx stdlib driver, the same
// iofs+golang-migrate wiring as pkg/database/client.go's runMigrations,
// minus the Ent-specific GIN index step this repo has no use for.
func RunMigrations(dsn string) error {
	return RunMigrationsWithSchema(dsn, "")
}

// RunMigrationsWithSchema applies migrations against the given schema
// (empty = "public"), used by test/database.NewTestDB to give every test
// its own schema and its own golang-migrate version-tracking table so
// concurrent test schemas never race on migration state.
func RunMigrationsWithSchema(dsn, schema string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("storepg: open migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	driver, err := postgres.WithInstance(db, &postgres.Config{SchemaName: schema})
	if err != nil {
		return fmt.Errorf("storepg: create postgres migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("storepg: create migration source: %w", err)
	}
	defer func() { _ = sourceDriver.Close() }()

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("storepg: create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("storepg: apply migrations: %w", err)
	}
	return nil
}
