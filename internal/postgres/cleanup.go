// Package postgres runs the cleanup job straight against the database when a
// connection string is configured, bypassing the REST API.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Robertgreenwood27/messagingapp/internal/models"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Open connects a pool and verifies it with a ping.
func Open(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

const (
	countExpiredSQL = `SELECT count(*) FROM messages WHERE deleted_at IS NOT NULL AND deleted_at < $1`
	purgeExpiredSQL = `DELETE FROM messages WHERE deleted_at IS NOT NULL AND deleted_at < $1`
	recordRunSQL    = `INSERT INTO cleanup_logs (messages_deleted, duration_ms, error) VALUES ($1, $2, $3)`
	recentRunsSQL   = `SELECT id::text, messages_deleted, duration_ms, error, executed_at
		FROM cleanup_logs ORDER BY executed_at DESC LIMIT $1`
)

// CleanupStore implements services.CleanupStore with SQL.
type CleanupStore struct {
	db DBTX
}

// NewCleanupStore creates a store over db.
func NewCleanupStore(db DBTX) *CleanupStore {
	return &CleanupStore{db: db}
}

// CountExpired counts soft-deleted messages deleted before cutoff.
func (s *CleanupStore) CountExpired(ctx context.Context, cutoff time.Time) (int, error) {
	var n int64
	if err := s.db.QueryRow(ctx, countExpiredSQL, cutoff.UTC()).Scan(&n); err != nil {
		return 0, err
	}
	return int(n), nil
}

// PurgeExpired deletes soft-deleted messages deleted before cutoff.
func (s *CleanupStore) PurgeExpired(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.Exec(ctx, purgeExpiredSQL, cutoff.UTC())
	return err
}

// RecordRun inserts an audit entry; executed_at is the column default.
func (s *CleanupStore) RecordRun(ctx context.Context, entry models.CleanupLogEntry) error {
	_, err := s.db.Exec(ctx, recordRunSQL, entry.MessagesDeleted, entry.DurationMS, entry.Error)
	return err
}

// RecentRuns returns up to limit audit entries, newest first.
func (s *CleanupStore) RecentRuns(ctx context.Context, limit int) ([]models.CleanupLog, error) {
	rows, err := s.db.Query(ctx, recentRunsSQL, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.CleanupLog, error) {
		var l models.CleanupLog
		err := row.Scan(&l.ID, &l.MessagesDeleted, &l.DurationMS, &l.Error, &l.ExecutedAt)
		return l, err
	})
}
