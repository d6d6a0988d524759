package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Robertgreenwood27/messagingapp/internal/models"
	"github.com/Robertgreenwood27/messagingapp/internal/services"
)

// setupTestDB connects a single-connection pool so the temp tables created
// here shadow the real ones for every query of the test.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Skipping test: TEST_DATABASE_URL is not set")
	}
	ctx := context.Background()
	cfg, err := pgxpool.ParseConfig(url)
	require.NoError(t, err)
	cfg.MaxConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Skipf("Skipping test: database not available: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("Skipping test: database ping failed: %v", err)
	}

	for _, stmt := range []string{
		`CREATE TEMP TABLE messages (
			id text PRIMARY KEY,
			content text NOT NULL,
			deleted_at timestamptz
		)`,
		`CREATE TEMP TABLE cleanup_logs (
			id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			messages_deleted integer NOT NULL,
			duration_ms bigint NOT NULL,
			error text,
			executed_at timestamptz NOT NULL DEFAULT now()
		)`,
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			t.Fatalf("failed to create test tables: %v", err)
		}
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestCleanupStore_WithService(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	day := 24 * time.Hour

	_, err := pool.Exec(ctx, `INSERT INTO messages (id, content, deleted_at) VALUES
		('m1', 'old', $1), ('m2', 'recent', $2), ('m3', 'live', NULL)`,
		now.Add(-45*day), now.Add(-5*day))
	require.NoError(t, err)

	svc := services.NewCleanupService(NewCleanupStore(pool), 30*day)
	res, err := svc.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.MessagesDeleted)

	var left int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM messages`).Scan(&left))
	assert.Equal(t, 2, left)

	logs, err := svc.Logs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 1, logs[0].MessagesDeleted)
	assert.Nil(t, logs[0].Error)
	assert.NotEmpty(t, logs[0].ID)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Runs)
	assert.Equal(t, 1, stats.TotalMessagesDeleted)
}

func TestCleanupStore_RecordsErrors(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	store := NewCleanupStore(pool)

	msg := "statement timeout"
	require.NoError(t, store.RecordRun(ctx, models.CleanupLogEntry{DurationMS: 12, Error: &msg}))
	logs, err := store.RecentRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].Error)
	assert.Equal(t, msg, *logs[0].Error)
	assert.EqualValues(t, 12, logs[0].DurationMS)
}
