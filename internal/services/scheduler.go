package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"github.com/Robertgreenwood27/messagingapp/internal/models"
)

// DefaultCleanupCron runs the cleanup daily at 03:00 UTC.
const DefaultCleanupCron = "0 3 * * *"

// ErrCleanupRunning is returned when a run is requested while one is in progress.
var ErrCleanupRunning = errors.New("cleanup already running")

// CleanupRunner performs one cleanup run.
type CleanupRunner interface {
	Run(ctx context.Context) (models.CleanupResult, error)
}

// CleanupScheduler triggers cleanup runs on a cron schedule. At most one run
// is in progress at a time, whether scheduled or requested with RunNow.
type CleanupScheduler struct {
	runner CleanupRunner
	cron   string
	log    zerolog.Logger
	now    func() time.Time
	after  func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	runs    sync.WaitGroup
}

// SchedulerOption configures a CleanupScheduler.
type SchedulerOption func(*CleanupScheduler)

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(log zerolog.Logger) SchedulerOption {
	return func(s *CleanupScheduler) { s.log = log }
}

// WithSchedulerClock replaces time.Now and time.After.
func WithSchedulerClock(now func() time.Time, after func(time.Duration) <-chan time.Time) SchedulerOption {
	return func(s *CleanupScheduler) {
		s.now = now
		s.after = after
	}
}

// NewCleanupScheduler validates cronExpr; an empty expression means
// DefaultCleanupCron.
func NewCleanupScheduler(runner CleanupRunner, cronExpr string, opts ...SchedulerOption) (*CleanupScheduler, error) {
	if cronExpr == "" {
		cronExpr = DefaultCleanupCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid cleanup cron expression: %s", cronExpr)
	}
	s := &CleanupScheduler{
		runner: runner,
		cron:   cronExpr,
		log:    zerolog.Nop(),
		now:    time.Now,
		after:  time.After,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start runs the schedule loop until ctx is cancelled or Stop is called.
// Calling Start on a running scheduler does nothing.
func (s *CleanupScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.log.Info().Str("cron", s.cron).Msg("cleanup scheduler started")
	go s.loop(ctx, s.done)
}

// Stop ends the loop and waits for a run in progress to finish.
func (s *CleanupScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.runs.Wait()
}

// RunNow performs a run immediately unless one is already in progress.
func (s *CleanupScheduler) RunNow(ctx context.Context) (models.CleanupResult, error) {
	if !s.acquire() {
		return models.CleanupResult{}, ErrCleanupRunning
	}
	defer s.release()
	return s.runner.Run(ctx)
}

// Next returns the first scheduled time after t.
func (s *CleanupScheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cron, t.UTC(), false)
}

func (s *CleanupScheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		next, err := s.Next(s.now())
		if err != nil {
			s.log.Error().Err(err).Str("cron", s.cron).Msg("failed to compute next cleanup")
			select {
			case <-s.after(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		wait := next.Sub(s.now())
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-s.after(wait):
			s.trigger(ctx)
		case <-ctx.Done():
			s.log.Info().Msg("cleanup scheduler stopping")
			return
		}
	}
}

// trigger starts a scheduled run in the background; a tick that lands while
// a run is in progress is skipped.
func (s *CleanupScheduler) trigger(ctx context.Context) {
	if !s.acquire() {
		s.log.Warn().Msg("previous cleanup still running, skipping tick")
		return
	}
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.release()
		// a run that has started is allowed to finish after Stop
		if _, err := s.runner.Run(context.WithoutCancel(ctx)); err != nil {
			s.log.Error().Err(err).Msg("scheduled cleanup failed")
		}
	}()
}

func (s *CleanupScheduler) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *CleanupScheduler) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
