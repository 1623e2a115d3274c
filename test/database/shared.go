// Package database provides per-test Postgres schema isolation for
// integration tests, modeled on test/database/shared.go's SharedTestDB:
// one schema per test (or, for multi-replica tests, one schema shared by
// several pools), migrated once via internal/storepg, dropped on cleanup.
package database

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/rowsync/internal/storepg"
	"github.com/codeready-toolchain/rowsync/test/util"
)

// TestDB owns one migrated schema. Multiple independent pools can be
// created against it via Pool, letting multi-replica tests share a schema
// the way SharedTestDB lets multiple *database.Client instances share one.
type TestDB struct {
	baseConnStr string
	schema      string
	connStr     string
}

// NewTestDB creates a fresh schema, migrates it via internal/storepg, and
// registers cleanup to drop the schema at the end of the test.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	baseConnStr := util.GetBaseConnectionString(t)
	schema := util.GenerateSchemaName(t)
	util.OpenAndCreateSchema(t, baseConnStr, schema)
	t.Cleanup(func() { util.DropSchema(t, baseConnStr, schema) })

	connStr := util.AddSearchPathToConnString(baseConnStr, schema)
	require.NoError(t, storepg.RunMigrationsWithSchema(connStr, schema))

	return &TestDB{baseConnStr: baseConnStr, schema: schema, connStr: connStr}
}

// Pool opens a fresh connection pool against the already-migrated schema,
// closed automatically via t.Cleanup.
func (d *TestDB) Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool, err := pgxpool.New(context.Background(), d.connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, pool.Ping(context.Background()))
	return pool
}

// ConnString returns the schema-scoped DSN, for components (like
// NotifyListener) that open their own dedicated connection.
func (d *TestDB) ConnString() string { return d.connStr }

// Schema returns the generated schema name, for assertions or diagnostics.
func (d *TestDB) Schema() string { return d.schema }
