package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Robertgreenwood27/messagingapp/internal/metrics"
	"github.com/Robertgreenwood27/messagingapp/internal/models"
	"github.com/Robertgreenwood27/messagingapp/internal/supabase"
	"github.com/Robertgreenwood27/messagingapp/internal/supabase/supabasetest"
)

const retention = 30 * 24 * time.Hour

// ticking returns a clock that advances step on every call.
func ticking(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	t := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur := t
		t = t.Add(step)
		return cur
	}
}

func trash() *supabasetest.Store {
	s := supabasetest.New()
	day := 24 * time.Hour
	s.Seed(messagesTable,
		row{"id": "m1", "content": "old", "deleted_at": now.Add(-40 * day).Format(time.RFC3339)},
		row{"id": "m2", "content": "older", "deleted_at": now.Add(-31 * day).Format(time.RFC3339)},
		row{"id": "m3", "content": "recent", "deleted_at": now.Add(-10 * day).Format(time.RFC3339)},
		row{"id": "m4", "content": "live"},
	)
	s.HandleRPC(hardDeleteFunc, func(s *supabasetest.Store, args supabasetest.Row) (any, error) {
		s.RemoveRows(messagesTable,
			supabase.NotNull("deleted_at"),
			supabase.Lt("deleted_at", now.Add(-retention).Format(time.RFC3339)))
		return nil, nil
	})
	return s
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBroadcaster) Broadcast(ctx context.Context, topic, event string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, topic+"/"+event)
	return nil
}

func TestCleanupService_Run(t *testing.T) {
	s := trash()
	b := &recordingBroadcaster{}
	svc := NewCleanupService(NewSupabaseCleanupStore(s), retention,
		WithCleanupClock(ticking(now, 250*time.Millisecond)), WithBroadcaster(b))

	okBefore := testutil.ToFloat64(metrics.CleanupRuns.WithLabelValues(metrics.ResultOK))
	deletedBefore := testutil.ToFloat64(metrics.MessagesHardDeleted)

	res, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.CleanupResult{Success: true, MessagesDeleted: 2, Duration: 250}, res)

	var left []string
	for _, r := range s.Rows(messagesTable) {
		left = append(left, r["id"].(string))
	}
	assert.Equal(t, []string{"m3", "m4"}, left)

	logs := s.Rows(cleanupLogsTable)
	require.Len(t, logs, 1)
	assert.EqualValues(t, 2, logs[0]["messages_deleted"])
	assert.EqualValues(t, 250, logs[0]["duration_ms"])
	assert.NotContains(t, logs[0], "error")

	assert.Equal(t, []string{MaintenanceTopic + "/cleanup"}, b.events)
	assert.Equal(t, okBefore+1, testutil.ToFloat64(metrics.CleanupRuns.WithLabelValues(metrics.ResultOK)))
	assert.Equal(t, deletedBefore+2, testutil.ToFloat64(metrics.MessagesHardDeleted))

	// nothing left to delete: recorded, not announced
	res, err = svc.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.MessagesDeleted)
	assert.Len(t, s.Rows(cleanupLogsTable), 2)
	assert.Len(t, b.events, 1)
}

func TestCleanupService_RunFailureIsRecorded(t *testing.T) {
	for _, op := range []supabasetest.Op{supabasetest.OpCount, supabasetest.OpRPC} {
		t.Run(string(op), func(t *testing.T) {
			s := trash()
			s.Fail(op, "", errors.New("statement timeout"))
			svc := NewCleanupService(NewSupabaseCleanupStore(s), retention, WithCleanupClock(ticking(now, time.Second)))

			errBefore := testutil.ToFloat64(metrics.CleanupRuns.WithLabelValues(metrics.ResultError))
			_, err := svc.Run(context.Background())
			require.ErrorContains(t, err, "statement timeout")

			logs := s.Rows(cleanupLogsTable)
			require.Len(t, logs, 1)
			assert.EqualValues(t, 0, logs[0]["messages_deleted"])
			assert.EqualValues(t, 1000, logs[0]["duration_ms"])
			assert.Contains(t, logs[0]["error"], "statement timeout")
			assert.Len(t, s.Rows(messagesTable), 4)
			assert.Equal(t, errBefore+1, testutil.ToFloat64(metrics.CleanupRuns.WithLabelValues(metrics.ResultError)))
		})
	}
}

func TestCleanupService_AuditFailureDoesNotFailRun(t *testing.T) {
	s := trash()
	s.Fail(supabasetest.OpInsert, cleanupLogsTable, errors.New("disk full"))
	svc := NewCleanupService(NewSupabaseCleanupStore(s), retention, WithCleanupClock(ticking(now, 0)))

	res, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.MessagesDeleted)
}

func seedLogs(s *supabasetest.Store, n int) {
	for i := 0; i < n; i++ {
		r := row{
			"id":               fmt.Sprintf("l%03d", i),
			"messages_deleted": i % 3,
			"duration_ms":      100,
			"executed_at":      now.Add(-time.Duration(i) * time.Hour).Format(time.RFC3339),
		}
		if i%10 == 0 {
			r["error"] = "boom"
		}
		s.Seed(cleanupLogsTable, r)
	}
}

func TestCleanupService_Stats(t *testing.T) {
	s := supabasetest.New()
	seedLogs(s, 120)
	svc := NewCleanupService(NewSupabaseCleanupStore(s), retention)

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatsWindow, stats.Runs)
	// 0,1,2 repeating over the first 100 runs
	assert.Equal(t, 99, stats.TotalMessagesDeleted)
	assert.InDelta(t, 100, stats.AverageDurationMS, 0.001)
	assert.InDelta(t, 10, stats.ErrorRate, 0.001)
	require.NotNil(t, stats.LastCleanup)
	assert.True(t, now.Equal(*stats.LastCleanup))

	empty, err := NewCleanupService(NewSupabaseCleanupStore(supabasetest.New()), retention).Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, empty.Runs)
	assert.Nil(t, empty.LastCleanup)
}

func TestCleanupService_Logs(t *testing.T) {
	s := supabasetest.New()
	seedLogs(s, 15)
	svc := NewCleanupService(NewSupabaseCleanupStore(s), retention)

	logs, err := svc.Logs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, logs, DefaultLogsLimit)
	assert.Equal(t, "l000", logs[0].ID)
	assert.Equal(t, "l009", logs[9].ID)
	require.NotNil(t, logs[0].Error)

	logs, err = svc.Logs(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, logs, 3)

	s.Fail(supabasetest.OpSelect, cleanupLogsTable, errors.New("down"))
	_, err = svc.Logs(context.Background(), 3)
	assert.ErrorContains(t, err, "down")
	_, err = svc.Stats(context.Background())
	assert.ErrorContains(t, err, "down")

	none, err := NewCleanupService(NewSupabaseCleanupStore(supabasetest.New()), retention).Logs(context.Background(), 5)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}
