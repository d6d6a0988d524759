// Package messages keeps the message list of an open conversation in sync with
// the backend: optimistic sends, push events from the change subscription and
// soft deletes are reconciled into one ordered list.
package messages

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Robertgreenwood27/messagingapp/internal/metrics"
	"github.com/Robertgreenwood27/messagingapp/internal/models"
	"github.com/Robertgreenwood27/messagingapp/internal/realtime"
	"github.com/Robertgreenwood27/messagingapp/internal/supabase"
)

const table = "messages"

// Store is the part of the backend collection API the engine needs.
type Store interface {
	Select(ctx context.Context, q supabase.Query, dest any) error
	SelectOne(ctx context.Context, q supabase.Query, dest any) (bool, error)
	Insert(ctx context.Context, table string, record any, columns string, dest any) error
	Update(ctx context.Context, table string, filters []supabase.Filter, patch any) error
}

// State is a point-in-time copy of the engine's observable state.
type State struct {
	Messages []models.Message
	Loading  bool
	Err      error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClock replaces time.Now for optimistic timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// tempSeq makes temp ids unique within the process.
var tempSeq atomic.Uint64

// Engine owns the in-memory message list of one conversation.
//
// All list mutations happen under mu as whole read-modify-write steps. Work that
// waits on the network never holds mu, and every continuation checks closed
// before touching state, so nothing changes once Close has returned.
type Engine struct {
	store          Store
	subscriber     realtime.Subscriber
	conversationID string
	userID         string
	log            zerolog.Logger
	now            func() time.Time

	mu      sync.Mutex
	list    []models.Message
	loading bool
	lastErr error
	closed  bool
	sub     realtime.Subscription
	updates chan struct{}

	// ids removed by delete events; ids are never reused
	tombstones map[string]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	refetch  singleflight.Group
	inflight sync.WaitGroup
}

// NewEngine creates an engine for conversationID acting as userID. An empty
// userID means nobody is signed in: reads work, writes fail with ErrUnauthenticated.
func NewEngine(store Store, subscriber realtime.Subscriber, conversationID, userID string, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:          store,
		subscriber:     subscriber,
		conversationID: conversationID,
		userID:         userID,
		log:            zerolog.Nop(),
		now:            time.Now,
		updates:        make(chan struct{}, 1),
		tombstones:     make(map[string]struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("conversation", conversationID).Logger()
	return e
}

// ConversationID returns the conversation the engine serves.
func (e *Engine) ConversationID() string { return e.conversationID }

// UserID returns the current user, or "" when signed out.
func (e *Engine) UserID() string { return e.userID }

// Start subscribes to changes and then loads the conversation.
func (e *Engine) Start(ctx context.Context) error {
	subErr := e.Subscribe(ctx)
	if subErr != nil {
		e.log.Error().Err(subErr).Msg("subscription failed, continuing without push updates")
	}
	return errors.Join(subErr, e.Load(ctx))
}

// Load replaces the list with every live message of the conversation, oldest
// first. Changes applied by push events while the query runs are merged into
// the result: deleted ids stay out and newer entries are kept.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.loading = true
	prior := make(map[string]bool, len(e.list))
	for _, m := range e.list {
		if !m.Pending() {
			prior[m.ID] = true
		}
	}
	e.notifyLocked()
	e.mu.Unlock()

	ctx, cancel := e.scope(ctx)
	defer cancel()

	var rows []models.MessageRow
	err := e.store.Select(ctx, supabase.From(table).
		Select(models.MessageColumns).
		Where(supabase.Eq("conversation_id", e.conversationID), supabase.IsNull("deleted_at")).
		OrderBy(supabase.Asc("created_at")), &rows)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.loading = false
	defer e.notifyLocked()

	if err != nil {
		e.lastErr = fmt.Errorf("%w: %v", ErrFetchFailed, err)
		e.log.Error().Err(err).Msg("failed to load messages")
		return e.lastErr
	}

	e.list = e.mergeLocked(models.ProjectRows(rows), prior)
	e.log.Debug().Int("count", len(e.list)).Msg("messages loaded")
	return nil
}

// mergeLocked combines a loaded snapshot with the current list. Tombstoned
// rows are dropped, rows the list already holds take the list's copy, and
// entries that appeared after prior was taken are appended in list order.
func (e *Engine) mergeLocked(loaded []models.Message, prior map[string]bool) []models.Message {
	current := make(map[string]models.Message, len(e.list))
	for _, m := range e.list {
		if !m.Pending() {
			current[m.ID] = m
		}
	}

	out := make([]models.Message, 0, len(loaded)+len(e.list))
	inSnapshot := make(map[string]bool, len(loaded))
	for _, m := range loaded {
		if m.DeletedAt != nil || inSnapshot[m.ID] {
			continue
		}
		if _, gone := e.tombstones[m.ID]; gone {
			continue
		}
		inSnapshot[m.ID] = true
		if cur, ok := current[m.ID]; ok {
			m = cur
		}
		out = append(out, m)
	}
	for _, m := range e.list {
		if m.Pending() || (!inSnapshot[m.ID] && !prior[m.ID]) {
			out = append(out, m)
		}
	}
	return out
}

// Send appends an optimistic entry and inserts the message. On success the entry
// is replaced in place by the confirmed row; on failure it stays in the list
// marked failed so it can be retried or discarded. An empty conversationID means
// the engine's own conversation.
func (e *Engine) Send(ctx context.Context, conversationID, content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, ErrEmptyContent
	}
	if conversationID == "" {
		conversationID = e.conversationID
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return models.Message{}, ErrClosed
	}
	if e.userID == "" {
		e.lastErr = ErrUnauthenticated
		e.notifyLocked()
		e.mu.Unlock()
		return models.Message{}, ErrUnauthenticated
	}
	if conversationID != e.conversationID {
		e.mu.Unlock()
		return models.Message{}, fmt.Errorf("%w: conversation %s is not open", ErrNotFound, conversationID)
	}

	temp := e.newTempID()
	entry := models.Message{
		ID:             temp,
		TempID:         temp,
		Content:        content,
		CreatedAt:      e.now().UTC(),
		SenderID:       e.userID,
		ConversationID: conversationID,
		Status:         models.StatusSending,
	}
	e.list = append(e.list, entry)
	e.notifyLocked()
	e.mu.Unlock()

	ctx, cancel := e.scope(ctx)
	defer cancel()

	var row models.MessageRow
	err := e.store.Insert(ctx, table, models.SendMessageRequest{
		Content:        content,
		ConversationID: conversationID,
		SenderID:       e.userID,
	}, models.MessageColumns, &row)
	metrics.MessageSends.WithLabelValues(metrics.Result(err)).Inc()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		sendErr := fmt.Errorf("%w: %v", ErrSendFailed, err)
		entry.Status = models.StatusFailed
		if e.closed {
			return entry, sendErr
		}
		if i := e.indexTemp(temp); i >= 0 {
			e.list[i].Status = models.StatusFailed
			entry = e.list[i]
		}
		e.lastErr = sendErr
		e.notifyLocked()
		e.log.Warn().Err(err).Str("temp_id", temp).Msg("send failed")
		return entry, sendErr
	}

	msg := row.Project()
	if e.closed {
		return msg, nil
	}
	e.confirmLocked(temp, msg)
	e.notifyLocked()
	return msg, nil
}

// RetryMessage discards the failed entry tempID and sends its content again as
// a new entry at the end of the list.
func (e *Engine) RetryMessage(ctx context.Context, tempID string) (models.Message, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return models.Message{}, ErrClosed
	}
	i := e.indexTemp(tempID)
	if i < 0 || !e.list[i].Status.CanTransition(models.StatusSending) {
		err := fmt.Errorf("%w: no failed message %s", ErrNotFound, tempID)
		e.lastErr = err
		e.notifyLocked()
		e.mu.Unlock()
		return models.Message{}, err
	}
	failed := e.list[i]
	e.list = slices.Delete(e.list, i, i+1)
	e.notifyLocked()
	e.mu.Unlock()

	return e.Send(ctx, failed.ConversationID, failed.Content)
}

// DeleteFailedMessage drops the unconfirmed entry tempID locally. Absent ids are ignored.
func (e *Engine) DeleteFailedMessage(tempID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if i := e.indexTemp(tempID); i >= 0 {
		e.list = slices.Delete(e.list, i, i+1)
		e.notifyLocked()
	}
}

// DeleteMessage soft-deletes one of the current user's confirmed messages. The
// entry disappears immediately and comes back if the update fails. Messages of
// other senders are left alone without error.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.userID == "" {
		e.lastErr = ErrUnauthenticated
		e.notifyLocked()
		e.mu.Unlock()
		return ErrUnauthenticated
	}
	i := e.indexID(messageID)
	if i < 0 {
		err := fmt.Errorf("%w: %s", ErrNotFound, messageID)
		e.lastErr = err
		e.notifyLocked()
		e.mu.Unlock()
		return err
	}
	removed := e.list[i]
	if removed.SenderID != e.userID {
		e.mu.Unlock()
		e.log.Debug().Str("id", messageID).Msg("refusing to delete another user's message")
		return nil
	}
	e.list = slices.Delete(e.list, i, i+1)
	e.notifyLocked()
	e.mu.Unlock()

	ctx, cancel := e.scope(ctx)
	defer cancel()

	err := e.store.Update(ctx, table,
		[]supabase.Filter{supabase.Eq("id", messageID), supabase.Eq("sender_id", e.userID)},
		map[string]any{"deleted_at": e.now().UTC()})
	metrics.MessageDeletes.WithLabelValues(metrics.Result(err)).Inc()
	if err == nil {
		return nil
	}

	delErr := fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return delErr
	}
	_, gone := e.tombstones[messageID]
	if !gone && e.indexID(messageID) < 0 {
		e.list = slices.Insert(e.list, min(i, len(e.list)), removed)
	}
	e.lastErr = delErr
	e.notifyLocked()
	e.log.Warn().Err(err).Str("id", messageID).Msg("delete failed, restored message")
	return delErr
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Messages: slices.Clone(e.list),
		Loading:  e.loading,
		Err:      e.lastErr,
	}
}

// Messages returns a copy of the list in display order.
func (e *Engine) Messages() []models.Message {
	return e.Snapshot().Messages
}

// LastError returns the most recent failure, or nil.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Loading reports whether the initial load is in progress.
func (e *Engine) Loading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

// Updates is signalled after state changes. Signals coalesce; read Snapshot
// after each one. The channel is closed by Close.
func (e *Engine) Updates() <-chan struct{} {
	return e.updates
}

// Close unsubscribes and stops all pending work. It is safe to call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	sub := e.sub
	e.sub = nil
	close(e.updates)
	e.mu.Unlock()

	e.cancel()
	if sub != nil {
		sub.Unsubscribe()
	}
	e.inflight.Wait()
	e.log.Debug().Msg("conversation closed")
}

// SortedByCreatedAt returns a copy of msgs in chronological order. Ties keep
// their relative order.
func SortedByCreatedAt(msgs []models.Message) []models.Message {
	out := slices.Clone(msgs)
	slices.SortStableFunc(out, func(a, b models.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// scope derives a context that is also cancelled when the engine closes.
func (e *Engine) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (e *Engine) newTempID() string {
	return fmt.Sprintf("tmp_%s_%d_%d", e.userID, e.now().UnixNano(), tempSeq.Add(1))
}

func (e *Engine) notifyLocked() {
	if e.closed {
		return
	}
	select {
	case e.updates <- struct{}{}:
	default:
	}
}

func (e *Engine) indexTemp(tempID string) int {
	if tempID == "" {
		return -1
	}
	return slices.IndexFunc(e.list, func(m models.Message) bool {
		return m.Pending() && m.TempID == tempID
	})
}

func (e *Engine) indexID(id string) int {
	return slices.IndexFunc(e.list, func(m models.Message) bool {
		return !m.Pending() && m.ID == id
	})
}

// confirmLocked swaps the optimistic entry for its confirmed row, keeping its
// position. Any other entry already holding the server id is dropped.
func (e *Engine) confirmLocked(tempID string, msg models.Message) {
	e.list = slices.DeleteFunc(e.list, func(m models.Message) bool {
		return !m.Pending() && m.ID == msg.ID
	})
	if i := e.indexTemp(tempID); i >= 0 {
		e.list[i] = msg
		return
	}
	e.list = append(e.list, msg)
}

// upsertLocked replaces the entry with msg.ID in place or appends msg.
func (e *Engine) upsertLocked(msg models.Message) string {
	if i := e.indexID(msg.ID); i >= 0 {
		e.list[i] = msg
		return "replaced"
	}
	e.list = append(e.list, msg)
	return "appended"
}

// removeLocked drops the confirmed entry id and remembers it as deleted.
func (e *Engine) removeLocked(id string) bool {
	e.tombstones[id] = struct{}{}
	i := e.indexID(id)
	if i < 0 {
		return false
	}
	e.list = slices.Delete(e.list, i, i+1)
	return true
}
