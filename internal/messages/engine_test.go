package messages

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Robertgreenwood27/messagingapp/internal/models"
	"github.com/Robertgreenwood27/messagingapp/internal/realtime"
	"github.com/Robertgreenwood27/messagingapp/internal/supabase"
	"github.com/Robertgreenwood27/messagingapp/internal/supabase/supabasetest"
)

const (
	me   = "u1"
	them = "u2"
	conv = "c1"
)

type row = supabasetest.Row

func message(id, content, sender, at string) row {
	return row{
		"id":              id,
		"content":         content,
		"sender_id":       sender,
		"conversation_id": conv,
		"created_at":      at,
		"deleted_at":      nil,
	}
}

func newStore() *supabasetest.Store {
	s := supabasetest.New()
	s.SetUser(&models.Principal{ID: me})
	s.Seed("profiles",
		row{"id": me, "username": "ada"},
		row{"id": them, "username": "grace"},
	)
	// stored out of order on purpose
	s.Seed("messages",
		message("m2", "two", them, "2024-05-01T10:00:02Z"),
		message("m1", "one", me, "2024-05-01T10:00:01Z"),
	)
	return s
}

func startEngine(t *testing.T, s *supabasetest.Store, userID string) *Engine {
	t.Helper()
	e := NewEngine(s, s, conv, userID)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Close)
	return e
}

// addRemote stores a message from the other participant and pushes its insert
// event with only the bare columns, the way the change feed does.
func addRemote(e *Engine, s *supabasetest.Store, id, content string) {
	s.Seed("messages", message(id, content, them, time.Now().UTC().Format(time.RFC3339Nano)))
	s.Emit("messages", realtime.Insert, row{"id": id, "sender_id": them, "conversation_id": conv}, nil)
	e.inflight.Wait()
}

func contents(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func assertConsistent(t *testing.T, msgs []models.Message) {
	t.Helper()
	seen := map[string]bool{}
	for _, m := range msgs {
		assert.NoError(t, m.Validate(), "entry %+v", m)
		assert.Nil(t, m.DeletedAt, "deleted entry %s in list", m.ID)
		if !m.Pending() {
			assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
			seen[m.ID] = true
		}
	}
}

func TestEngine_LoadOrdersByCreatedAt(t *testing.T) {
	s := newStore()
	s.Seed("messages",
		row{"id": "m0", "content": "deleted", "sender_id": me, "conversation_id": conv,
			"created_at": "2024-05-01T09:00:00Z", "deleted_at": "2024-05-02T00:00:00Z"},
		row{"id": "x1", "content": "elsewhere", "sender_id": me, "conversation_id": "c9",
			"created_at": "2024-05-01T09:00:00Z"},
	)
	s.RelationsAsArray = true

	e := startEngine(t, s, me)

	state := e.Snapshot()
	assert.False(t, state.Loading)
	assert.NoError(t, state.Err)
	require.Equal(t, []string{"one", "two"}, contents(state.Messages))
	require.NotNil(t, state.Messages[1].Sender)
	assert.Equal(t, "grace", state.Messages[1].Sender.Username)
	assert.True(t, s.Subscribed(Topic(conv)))
}

func TestEngine_LoadFailure(t *testing.T) {
	s := newStore()
	s.Fail(supabasetest.OpSelect, "messages", errors.New("connection refused"))

	e := NewEngine(s, s, conv, me)
	t.Cleanup(e.Close)

	err := e.Start(context.Background())
	require.ErrorIs(t, err, ErrFetchFailed)

	state := e.Snapshot()
	assert.Empty(t, state.Messages)
	assert.False(t, state.Loading)
	assert.ErrorIs(t, state.Err, ErrFetchFailed)
}

// loadRace runs during once, right after the load query has taken its snapshot.
type loadRace struct {
	*supabasetest.Store
	during func()
}

func (s *loadRace) Select(ctx context.Context, q supabase.Query, dest any) error {
	err := s.Store.Select(ctx, q, dest)
	if f := s.during; f != nil {
		s.during = nil
		f()
	}
	return err
}

func TestEngine_DeleteDuringLoadStaysDeleted(t *testing.T) {
	s := &loadRace{Store: newStore()}
	e := NewEngine(s, s.Store, conv, me)
	t.Cleanup(e.Close)

	s.during = func() {
		s.Emit("messages", realtime.Update, row{"id": "m2", "sender_id": them, "conversation_id": conv,
			"deleted_at": "2024-05-01T10:05:00Z"}, nil)
	}
	require.NoError(t, e.Start(context.Background()))

	msgs := e.Messages()
	assert.Equal(t, []string{"one"}, contents(msgs))
	assertConsistent(t, msgs)
}

func TestEngine_InsertDuringLoadIsKept(t *testing.T) {
	s := &loadRace{Store: newStore()}
	e := NewEngine(s, s.Store, conv, me)
	t.Cleanup(e.Close)

	s.during = func() {
		addRemote(e, s.Store, "m3", "three")
		assert.Equal(t, []string{"three"}, contents(e.Messages()))
	}
	require.NoError(t, e.Start(context.Background()))

	msgs := e.Messages()
	assert.Equal(t, []string{"one", "two", "three"}, contents(msgs))
	assertConsistent(t, msgs)
}

func TestEngine_ReloadDropsRowsGoneFromBackend(t *testing.T) {
	s := newStore()
	e := startEngine(t, s, me)
	require.Len(t, e.Messages(), 2)

	s.RemoveRows("messages", supabase.Eq("id", "m1"))
	require.NoError(t, e.Load(context.Background()))
	assert.Equal(t, []string{"two"}, contents(e.Messages()))
}

func TestEngine_SendConfirmsInPlace(t *testing.T) {
	s := newStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s.OnCall = func(op supabasetest.Op, table string) {
		if op == supabasetest.OpInsert {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	}
	e := startEngine(t, s, me)

	type result struct {
		msg models.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := e.Send(context.Background(), "", "hello")
		done <- result{m, err}
	}()
	<-entered

	pending := e.Messages()
	require.Len(t, pending, 3)
	assert.Equal(t, models.StatusSending, pending[2].Status)
	assert.Equal(t, pending[2].TempID, pending[2].ID)
	assert.Equal(t, me, pending[2].SenderID)

	addRemote(e, s, "m3", "from grace")
	require.Equal(t, []string{"one", "two", "hello", "from grace"}, contents(e.Messages()))

	close(release)
	r := <-done
	require.NoError(t, r.err)

	msgs := e.Messages()
	assert.Equal(t, []string{"one", "two", "hello", "from grace"}, contents(msgs))
	assert.Equal(t, r.msg.ID, msgs[2].ID)
	assert.Equal(t, models.StatusConfirmed, msgs[2].Status)
	assert.Empty(t, msgs[2].TempID)
	require.NotNil(t, msgs[2].Sender)
	assert.Equal(t, "ada", msgs[2].Sender.Username)
	assertConsistent(t, msgs)
}

func TestEngine_SendOfflineThenRetry(t *testing.T) {
	s := newStore()
	e := startEngine(t, s, me)
	ctx := context.Background()

	s.Fail(supabasetest.OpInsert, "messages", errors.New("network down"))
	failed, err := e.Send(ctx, conv, "hi")
	require.ErrorIs(t, err, ErrSendFailed)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.ErrorIs(t, e.LastError(), ErrSendFailed)

	msgs := e.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "hi", msgs[2].Content)
	assert.Equal(t, models.StatusFailed, msgs[2].Status)
	assert.Equal(t, failed.TempID, msgs[2].TempID)
	assert.Empty(t, s.Rows("messages")[2:], "nothing persisted")

	s.Fail(supabasetest.OpInsert, "messages", nil)
	confirmed, err := e.RetryMessage(ctx, failed.TempID)
	require.NoError(t, err)

	msgs = e.Messages()
	var his []models.Message
	for _, m := range msgs {
		if m.Content == "hi" {
			his = append(his, m)
		}
	}
	require.Len(t, his, 1)
	assert.Equal(t, confirmed.ID, his[0].ID)
	assert.Equal(t, models.StatusConfirmed, his[0].Status)
	assertConsistent(t, msgs)

	_, err = e.RetryMessage(ctx, failed.TempID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, e.Messages(), 3)
}

func TestEngine_RetryOnlyFailedEntries(t *testing.T) {
	s := newStore()
	e := startEngine(t, s, me)

	_, err := e.RetryMessage(context.Background(), "tmp_nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, e.LastError(), ErrNotFound)

	_, err = e.RetryMessage(context.Background(), "m1")
	assert.ErrorIs(t, err, ErrNotFound, "confirmed messages cannot be retried")
	assert.Equal(t, []string{"one", "two"}, contents(e.Messages()))
	assert.Empty(t, s.Calls(supabasetest.OpInsert))
}

func TestEngine_SelfEchoSuppressed(t *testing.T) {
	s := newStore()
	s.AutoEmit = true
	e := startEngine(t, s, me)
	ctx := context.Background()

	a, err := e.Send(ctx, "", "a")
	require.NoError(t, err)
	_, err = e.Send(ctx, "", "b")
	require.NoError(t, err)

	// a late duplicate delivery of the echo
	s.Emit("messages", realtime.Insert, row{"id": a.ID, "sender_id": me, "conversation_id": conv, "content": "a"}, nil)
	e.inflight.Wait()

	msgs := e.Messages()
	assert.Equal(t, []string{"one", "two", "a", "b"}, contents(msgs))
	assertConsistent(t, msgs)
}

func TestEngine_RemoteInsertRefetchesAndUpserts(t *testing.T) {
	s := newStore()
	e := startEngine(t, s, me)

	addRemote(e, s, "m3", "hey")
	msgs := e.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "hey", msgs[2].Content)
	require.NotNil(t, msgs[2].Sender, "sender comes from the refetch")
	assert.Equal(t, "grace", msgs[2].Sender.Username)

	// redelivery of the same insert
	s.Emit("messages", realtime.Insert, row{"id": "m3", "sender_id": them, "conversation_id": conv}, nil)
	e.inflight.Wait()
	assert.Equal(t, []string{"one", "two", "hey"}, contents(e.Messages()))

	// an event for a row the backend no longer returns
	s.Emit("messages", realtime.Insert, row{"id": "ghost", "sender_id": them, "conversation_id": conv}, nil)
	e.inflight.Wait()
	assert.Len(t, e.Messages(), 3)
}

func TestEngine_RemoteUpdateReplacesInPlace(t *testing.T) {
	s := newStore()
	e := startEngine(t, s, me)

	require.NoError(t, s.Update(context.Background(), "messages",
		[]supabase.Filter{supabase.Eq("id", "m1")}, row{"content": "one (edited)"}))
	s.Emit("messages", realtime.Update, row{"id": "m1", "sender_id": me, "conversation_id": conv}, row{"id": "m1"})
	e.inflight.Wait()

	assert.Equal(t, []string{"one (edited)", "two"}, contents(e.Messages()))
}

func TestEngine_DeleteEventsAreIdempotent(t *testing.T) {
	s := newStore()
	e := startEngine(t, s, me)
	deleted := row{"id": "m1", "sender_id": me, "conversation_id": conv, "deleted_at": "2024-05-03T00:00:00Z"}

	s.Emit("messages", realtime.Update, deleted, row{"id": "m1"})
	assert.Equal(t, []string{"two"}, contents(e.Messages()))

	s.Emit("messages", realtime.Update, deleted, row{"id": "m1"})
	assert.Equal(t, []string{"two"}, contents(e.Messages()))

	s.Emit("messages", realtime.Delete, nil, row{"id": "absent", "conversation_id": conv})
	assert.Equal(t, []string{"two"}, contents(e.Messages()))

	s.Emit("messages", realtime.Delete, nil, row{"id": "m2", "conversation_id": conv})
	assert.Empty(t, e.Messages())

	// a stale refetch of a removed row must not bring it back
	s.Emit("messages", realtime.Update, row{"id": "m1", "sender_id": me, "conversation_id": conv}, row{"id": "m1"})
	e.inflight.Wait()
	assert.Empty(t, e.Messages())
}

func TestEngine_DeleteMessage(t *testing.T) {
	s := newStore()
	e := startEngine(t, s, me)
	ctx := context.Background()

	require.NoError(t, e.DeleteMessage(ctx, "m1"))
	assert.Equal(t, []string{"two"}, contents(e.Messages()))

	calls := s.Calls(supabasetest.OpUpdate)
	require.Len(t, calls, 1)
	assert.Equal(t, []supabase.Filter{supabase.Eq("id", "m1"), supabase.Eq("sender_id", me)}, calls[0].Filters)
	assert.Contains(t, calls[0].Record, "deleted_at")

	for _, r := range s.Rows("messages") {
		if r["id"] == "m1" {
			assert.NotNil(t, r["deleted_at"])
		}
	}

	err := e.DeleteMessage(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_DeleteForeignMessageIsNoop(t *testing.T) {
	s := newStore()
	e := startEngine(t, s, me)

	require.NoError(t, e.DeleteMessage(context.Background(), "m2"))
	assert.Equal(t, []string{"one", "two"}, contents(e.Messages()))
	assert.Empty(t, s.Calls(supabasetest.OpUpdate))
	assert.NoError(t, e.LastError())
}

func TestEngine_DeleteMessageRollsBack(t *testing.T) {
	s := newStore()
	e := startEngine(t, s, me)
	before := e.Messages()

	s.Fail(supabasetest.OpUpdate, "messages", errors.New("permission denied"))
	err := e.DeleteMessage(context.Background(), "m1")
	require.ErrorIs(t, err, ErrDeleteFailed)

	after := e.Messages()
	assert.ElementsMatch(t, before, after)
	assert.Equal(t, "one", after[0].Content)
	assert.ErrorIs(t, e.LastError(), ErrDeleteFailed)
}

func TestEngine_DeleteFailedMessageIsLocal(t *testing.T) {
	s := newStore()
	e := startEngine(t, s, me)

	s.Fail(supabasetest.OpInsert, "messages", errors.New("offline"))
	failed, err := e.Send(context.Background(), "", "oops")
	require.Error(t, err)
	require.Len(t, e.Messages(), 3)

	e.DeleteFailedMessage(failed.TempID)
	e.DeleteFailedMessage(failed.TempID)
	e.DeleteFailedMessage("tmp_unknown")

	assert.Equal(t, []string{"one", "two"}, contents(e.Messages()))
	assert.Empty(t, s.Calls(supabasetest.OpUpdate))
}

func TestEngine_RejectsWithoutUserOrContent(t *testing.T) {
	s := newStore()
	anon := startEngine(t, s, "")

	_, err := anon.Send(context.Background(), "", "hi")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.ErrorIs(t, anon.LastError(), ErrUnauthenticated)
	assert.ErrorIs(t, anon.DeleteMessage(context.Background(), "m1"), ErrUnauthenticated)
	assert.Len(t, anon.Messages(), 2)

	s2 := newStore()
	e := startEngine(t, s2, me)
	_, err = e.Send(context.Background(), "", "   \n")
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.Len(t, e.Messages(), 2)
	assert.Empty(t, s2.Calls(supabasetest.OpInsert))

	_, err = e.Send(context.Background(), "c2", "wrong room")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, e.Messages(), 2)
}

func TestEngine_CloseStopsAllMutation(t *testing.T) {
	s := newStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s.OnCall = func(op supabasetest.Op, table string) {
		if op == supabasetest.OpInsert {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	}
	e := NewEngine(s, s, conv, me)
	require.NoError(t, e.Start(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := e.Send(context.Background(), "", "late")
		done <- err
	}()
	<-entered
	before := e.Snapshot()

	e.Close()
	e.Close()
	assert.False(t, s.Subscribed(Topic(conv)))

	close(release)
	assert.Error(t, <-done)

	// events delivered after teardown, directly or through the store
	e.handleChange(realtime.Change{Type: realtime.Update, New: []byte(`{"id":"m1","conversation_id":"c1","deleted_at":"2024-05-03T00:00:00Z"}`)})
	s.Emit("messages", realtime.Delete, nil, row{"id": "m2", "conversation_id": conv})
	e.DeleteFailedMessage(before.Messages[2].TempID)

	assert.Equal(t, before, e.Snapshot())

	_, err := e.Send(context.Background(), "", "after")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.DeleteMessage(context.Background(), "m1"), ErrClosed)

	for range e.Updates() {
	}
}

func TestEngine_NoDuplicateIDsUnderInterleaving(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprint(seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			s := newStore()
			s.AutoEmit = true
			e := startEngine(t, s, me)
			ctx := context.Background()

			for i := 0; i < 40; i++ {
				switch rng.Intn(5) {
				case 0:
					if rng.Intn(3) == 0 {
						s.Fail(supabasetest.OpInsert, "messages", errors.New("flaky"))
					} else {
						s.Fail(supabasetest.OpInsert, "messages", nil)
					}
					e.Send(ctx, "", fmt.Sprintf("local %d", i))
				case 1:
					id := fmt.Sprintf("r%d", i)
					addRemote(e, s, id, "remote")
					if rng.Intn(2) == 0 {
						s.Emit("messages", realtime.Insert, row{"id": id, "sender_id": them, "conversation_id": conv}, nil)
					}
				case 2:
					for _, m := range e.Messages() {
						if m.Status == models.StatusFailed {
							s.Fail(supabasetest.OpInsert, "messages", nil)
							e.RetryMessage(ctx, m.TempID)
							break
						}
					}
				case 3:
					msgs := e.Messages()
					if len(msgs) > 0 {
						m := msgs[rng.Intn(len(msgs))]
						if !m.Pending() {
							e.DeleteMessage(ctx, m.ID)
						}
					}
				case 4:
					msgs := e.Messages()
					if len(msgs) > 0 {
						m := msgs[rng.Intn(len(msgs))]
						s.Emit("messages", realtime.Update, row{"id": m.ID, "conversation_id": conv, "deleted_at": "2024-05-03T00:00:00Z"}, nil)
					}
				}
				e.inflight.Wait()
				assertConsistent(t, e.Messages())
			}
		})
	}
}

func TestSortedByCreatedAt(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	msgs := []models.Message{
		{ID: "c", CreatedAt: base.Add(2 * time.Second)},
		{ID: "a", CreatedAt: base},
		{ID: "b1", CreatedAt: base.Add(time.Second)},
		{ID: "b2", CreatedAt: base.Add(time.Second)},
	}

	sorted := SortedByCreatedAt(msgs)
	var got []string
	for _, m := range sorted {
		got = append(got, m.ID)
	}
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, got)
	assert.Equal(t, "c", msgs[0].ID, "input is not modified")
}

func TestTempIDsAreUniqueAndNotServerShaped(t *testing.T) {
	frozen := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	e := NewEngine(supabasetest.New(), supabasetest.New(), conv, me, WithClock(func() time.Time { return frozen }))
	defer e.Close()

	a, b := e.newTempID(), e.newTempID()
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^tmp_u1_\d+_\d+$`, a)
}
