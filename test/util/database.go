// Package util provides test utilities for database-backed tests: a shared
// testcontainers Postgres instance, per-test schema naming, and connection
// string helpers. Modeled on test/util/database.go, trimmed of the Ent
// schema-creation steps this module doesn't use (internal/storepg drives
// schema creation itself via golang-migrate).
package util

import (
	"context"
	stdsql "database/sql"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// GetBaseConnectionString returns a connection string to the shared test
// database (no search_path set). In CI it comes from CI_DATABASE_URL;
// locally it starts (once per test binary) a postgres:17-alpine
// testcontainer and reuses it across every test in the package.
func GetBaseConnectionString(t *testing.T) string {
	t.Helper()
	if ciURL := os.Getenv("CI_DATABASE_URL"); ciURL != "" {
		return ciURL
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("starting shared PostgreSQL testcontainer")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("get connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	require.NoError(t, containerErr, "failed to start shared test container")
	return sharedConnStr
}

// GenerateSchemaName derives a unique, Postgres-safe schema name from the
// test's name plus a random suffix.
func GenerateSchemaName(t *testing.T) string {
	t.Helper()
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}
	suffix := make([]byte, 4)
	_, err := rand.Read(suffix)
	require.NoError(t, err)
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(suffix))
}

// AddSearchPathToConnString appends a search_path parameter so every
// connection opened from the returned string defaults to schema.
func AddSearchPathToConnString(connStr, schema string) string {
	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s", connStr, sep, schema)
}

// OpenAndCreateSchema opens a throwaway connection to baseConnStr and issues
// CREATE SCHEMA for name.
func OpenAndCreateSchema(t *testing.T, baseConnStr, name string) {
	t.Helper()
	db, err := stdsql.Open("pgx", baseConnStr)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	_, err = db.ExecContext(context.Background(), fmt.Sprintf("CREATE SCHEMA %s", name))
	require.NoError(t, err)
}

// DropSchema drops name (and everything in it) via a throwaway connection to
// baseConnStr. Logs rather than fails on error since it only runs during
// cleanup.
func DropSchema(t *testing.T, baseConnStr, name string) {
	t.Helper()
	db, err := stdsql.Open("pgx", baseConnStr)
	if err != nil {
		t.Logf("DropSchema: could not connect to drop %s: %v", name, err)
		return
	}
	defer func() { _ = db.Close() }()
	if _, err := db.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", name)); err != nil {
		t.Logf("DropSchema: failed to drop %s: %v", name, err)
	}
}
