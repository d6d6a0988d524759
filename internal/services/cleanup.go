package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Robertgreenwood27/messagingapp/internal/metrics"
	"github.com/Robertgreenwood27/messagingapp/internal/models"
	"github.com/Robertgreenwood27/messagingapp/internal/supabase"
)

const (
	messagesTable    = "messages"
	cleanupLogsTable = "cleanup_logs"
	hardDeleteFunc   = "hard_delete_old_messages"

	// StatsWindow is how many recent runs Stats aggregates.
	StatsWindow = 100

	// DefaultLogsLimit is the page size of Logs when none is given.
	DefaultLogsLimit = 10

	// MaintenanceTopic carries a broadcast after each run that deleted messages.
	MaintenanceTopic = "maintenance"
)

// CleanupStore is where the cleanup job counts, purges and audits.
type CleanupStore interface {
	// CountExpired counts soft-deleted messages deleted before cutoff.
	CountExpired(ctx context.Context, cutoff time.Time) (int, error)
	// PurgeExpired permanently removes soft-deleted messages older than the
	// retention window.
	PurgeExpired(ctx context.Context, cutoff time.Time) error
	// RecordRun appends an audit entry.
	RecordRun(ctx context.Context, entry models.CleanupLogEntry) error
	// RecentRuns returns up to limit audit entries, newest first.
	RecentRuns(ctx context.Context, limit int) ([]models.CleanupLog, error)
}

// Broadcaster publishes a realtime event without a websocket connection.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic, event string, payload any) error
}

// CleanupService hard-deletes messages that have been soft-deleted for longer
// than the retention window and keeps an audit log of every run.
type CleanupService struct {
	store       CleanupStore
	retention   time.Duration
	log         zerolog.Logger
	now         func() time.Time
	broadcaster Broadcaster
}

// CleanupOption configures a CleanupService.
type CleanupOption func(*CleanupService)

// WithCleanupLogger sets the logger.
func WithCleanupLogger(log zerolog.Logger) CleanupOption {
	return func(s *CleanupService) { s.log = log }
}

// WithCleanupClock replaces time.Now.
func WithCleanupClock(now func() time.Time) CleanupOption {
	return func(s *CleanupService) { s.now = now }
}

// WithBroadcaster announces finished runs on MaintenanceTopic.
func WithBroadcaster(b Broadcaster) CleanupOption {
	return func(s *CleanupService) { s.broadcaster = b }
}

// NewCleanupService creates a new cleanup service.
// retention is how long a soft-deleted message is kept (e.g. 30 days).
func NewCleanupService(store CleanupStore, retention time.Duration, opts ...CleanupOption) *CleanupService {
	s := &CleanupService{
		store:     store,
		retention: retention,
		log:       zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run performs one cleanup. Every run, failed or not, is recorded in the
// audit log; a failed run records zero deleted messages and the error text.
func (s *CleanupService) Run(ctx context.Context) (models.CleanupResult, error) {
	runID := uuid.NewString()
	log := s.log.With().Str("run_id", runID).Logger()
	start := s.now()
	cutoff := start.Add(-s.retention).UTC()
	log.Info().Time("cutoff", cutoff).Msg("cleanup started")

	count, err := s.purge(ctx, cutoff)
	elapsed := s.now().Sub(start)
	durationMS := elapsed.Milliseconds()

	metrics.CleanupRuns.WithLabelValues(metrics.Result(err)).Inc()
	metrics.CleanupDuration.Observe(elapsed.Seconds())

	if err != nil {
		msg := err.Error()
		log.Error().Err(err).Int64("duration_ms", durationMS).Msg("cleanup failed")
		if rerr := s.store.RecordRun(ctx, models.CleanupLogEntry{DurationMS: durationMS, Error: &msg}); rerr != nil {
			log.Warn().Err(rerr).Msg("failed to record cleanup failure")
		}
		return models.CleanupResult{}, err
	}

	metrics.MessagesHardDeleted.Add(float64(count))
	if rerr := s.store.RecordRun(ctx, models.CleanupLogEntry{MessagesDeleted: count, DurationMS: durationMS}); rerr != nil {
		log.Warn().Err(rerr).Msg("failed to record cleanup run")
	}
	log.Info().Int("messages_deleted", count).Int64("duration_ms", durationMS).Msg("cleanup finished")

	result := models.CleanupResult{Success: true, MessagesDeleted: count, Duration: durationMS}
	s.announce(ctx, result)
	return result, nil
}

func (s *CleanupService) purge(ctx context.Context, cutoff time.Time) (int, error) {
	count, err := s.store.CountExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to count expired messages: %w", err)
	}
	if err := s.store.PurgeExpired(ctx, cutoff); err != nil {
		return 0, fmt.Errorf("failed to delete expired messages: %w", err)
	}
	return count, nil
}

func (s *CleanupService) announce(ctx context.Context, result models.CleanupResult) {
	if s.broadcaster == nil || result.MessagesDeleted == 0 {
		return
	}
	if err := s.broadcaster.Broadcast(ctx, MaintenanceTopic, "cleanup", result); err != nil {
		s.log.Warn().Err(err).Msg("failed to broadcast cleanup result")
	}
}

// Stats aggregates the most recent runs.
func (s *CleanupService) Stats(ctx context.Context) (models.CleanupStats, error) {
	logs, err := s.store.RecentRuns(ctx, StatsWindow)
	if err != nil {
		return models.CleanupStats{}, fmt.Errorf("failed to load cleanup stats: %w", err)
	}
	return models.SummarizeCleanupLogs(logs), nil
}

// Logs returns the most recent runs, newest first.
func (s *CleanupService) Logs(ctx context.Context, limit int) ([]models.CleanupLog, error) {
	if limit <= 0 {
		limit = DefaultLogsLimit
	}
	logs, err := s.store.RecentRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load cleanup logs: %w", err)
	}
	if logs == nil {
		logs = []models.CleanupLog{}
	}
	return logs, nil
}

// SupabaseCleanupStore runs the cleanup through the REST API. It needs the
// service key: soft-deleted rows and the audit log are hidden from users.
type SupabaseCleanupStore struct {
	db DB
}

// NewSupabaseCleanupStore creates a cleanup store over db.
func NewSupabaseCleanupStore(db DB) *SupabaseCleanupStore {
	return &SupabaseCleanupStore{db: db}
}

// CountExpired counts soft-deleted messages deleted before cutoff.
func (s *SupabaseCleanupStore) CountExpired(ctx context.Context, cutoff time.Time) (int, error) {
	return s.db.Count(ctx, messagesTable, []supabase.Filter{
		supabase.NotNull("deleted_at"),
		supabase.Lt("deleted_at", cutoff.UTC().Format(time.RFC3339)),
	})
}

// PurgeExpired calls the database function, which applies its own retention
// window; cutoff is not sent.
func (s *SupabaseCleanupStore) PurgeExpired(ctx context.Context, cutoff time.Time) error {
	return s.db.RPC(ctx, hardDeleteFunc, nil, nil)
}

// RecordRun inserts an audit entry.
func (s *SupabaseCleanupStore) RecordRun(ctx context.Context, entry models.CleanupLogEntry) error {
	return s.db.Insert(ctx, cleanupLogsTable, entry, "", nil)
}

// RecentRuns returns up to limit audit entries, newest first.
func (s *SupabaseCleanupStore) RecentRuns(ctx context.Context, limit int) ([]models.CleanupLog, error) {
	var logs []models.CleanupLog
	q := supabase.From(cleanupLogsTable).OrderBy(supabase.Desc("executed_at")).Take(limit)
	if err := s.db.Select(ctx, q, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}
