package storepg_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

func insertUser(t *testing.T, pool *pgxpool.Pool, id, data string) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO users (id, data, updated_at) VALUES ($1, $2::jsonb, now())`, id, data)
	require.NoError(t, err)
}

func insertTask(t *testing.T, pool *pgxpool.Pool, id, data string, updatedAt time.Time) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO tasks (id, data, updated_at) VALUES ($1, $2::jsonb, $3)`, id, data, updatedAt)
	require.NoError(t, err)
}

func queryTaskTitle(t *testing.T, pool *pgxpool.Pool, id string) string {
	t.Helper()
	var title string
	err := pool.QueryRow(context.Background(),
		`SELECT data->>'title' FROM tasks WHERE id = $1`, id).Scan(&title)
	require.NoError(t, err)
	return title
}

func taskExists(t *testing.T, pool *pgxpool.Pool, id string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(context.Background(),
		`SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists)
	require.NoError(t, err)
	return exists
}

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}
