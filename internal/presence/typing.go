package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Robertgreenwood27/messagingapp/internal/models"
	"github.com/Robertgreenwood27/messagingapp/internal/realtime"
	"github.com/Robertgreenwood27/messagingapp/internal/supabase"
)

// TypingNotifier publishes the local user's typing state in one conversation.
// Each keystroke marks the user typing and re-arms a delayed stop; sending or
// closing cancels the stop and clears the flag. No write happens after Close
// returns.
type TypingNotifier struct {
	store          Store
	userID         string
	conversationID string
	opts           options
	limiter        *rate.Limiter

	writeMu sync.Mutex

	mu     sync.Mutex
	typing bool
	gen    uint64
	timer  *time.Timer
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTypingNotifier creates a notifier for userID in conversationID.
func NewTypingNotifier(store Store, userID, conversationID string, opts ...Option) *TypingNotifier {
	o := newOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &TypingNotifier{
		store:          store,
		userID:         userID,
		conversationID: conversationID,
		opts:           o,
		limiter:        rate.NewLimiter(o.refresh, 1),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Keystroke reports activity. The row is written when the user starts typing
// and refreshed at a bounded rate while typing continues.
func (n *TypingNotifier) Keystroke(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.gen++
	gen := n.gen
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.opts.stopDelay, func() { n.expire(gen) })
	// the limiter is consulted on every keystroke so a burst drains it
	allowed := n.limiter.Allow()
	needWrite := !n.typing || allowed
	n.mu.Unlock()

	if !needWrite {
		return nil
	}
	return n.write(ctx, true, func() bool { return !n.closed && n.gen == gen })
}

// Sent clears the typing flag after a message is sent.
func (n *TypingNotifier) Sent(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.cancelStopLocked()
	gen := n.gen
	n.mu.Unlock()

	return n.write(ctx, false, func() bool { return !n.closed && n.gen == gen })
}

// Close cancels any pending stop and clears the flag. It is safe to call more than once.
func (n *TypingNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.cancelStopLocked()
	n.mu.Unlock()
	n.cancel()

	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return n.upsert(ctx, false)
}

// Typing reports the last state written.
func (n *TypingNotifier) Typing() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.typing
}

func (n *TypingNotifier) cancelStopLocked() {
	n.gen++
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

func (n *TypingNotifier) expire(gen uint64) {
	err := n.write(n.ctx, false, func() bool { return !n.closed && n.gen == gen })
	if err != nil && n.ctx.Err() == nil {
		n.opts.log.Warn().Err(err).Msg("failed to clear typing status")
	}
}

// write upserts the flag if valid, evaluated under mu, still holds once this
// write's turn comes.
func (n *TypingNotifier) write(ctx context.Context, typing bool, valid func() bool) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	n.mu.Lock()
	ok := valid()
	n.mu.Unlock()
	if !ok {
		return nil
	}
	return n.upsert(ctx, typing)
}

// upsert writes the row. Caller holds writeMu.
func (n *TypingNotifier) upsert(ctx context.Context, typing bool) error {
	err := n.store.Upsert(ctx, typingTable, models.TypingStatusUpdate{
		UserID:         n.userID,
		ConversationID: n.conversationID,
		IsTyping:       typing,
		UpdatedAt:      n.opts.now().UTC(),
	}, "user_id,conversation_id")
	if err != nil {
		return fmt.Errorf("failed to update typing status: %w", err)
	}
	n.mu.Lock()
	n.typing = typing
	n.mu.Unlock()
	return nil
}

// TypingTracker follows whether the other participant of a conversation is typing.
type TypingTracker struct {
	store          Store
	subscriber     realtime.Subscriber
	conversationID string
	otherUserID    string
	opts           options

	mu      sync.RWMutex
	status  *models.TypingStatus
	sub     realtime.Subscription
	closed  bool
	updates signal
}

// NewTypingTracker creates a tracker for otherUserID in conversationID.
func NewTypingTracker(store Store, subscriber realtime.Subscriber, conversationID, otherUserID string, opts ...Option) *TypingTracker {
	return &TypingTracker{
		store:          store,
		subscriber:     subscriber,
		conversationID: conversationID,
		otherUserID:    otherUserID,
		opts:           newOptions(opts),
		updates:        make(signal, 1),
	}
}

// Start subscribes to the conversation's typing channel and loads the current row.
func (t *TypingTracker) Start(ctx context.Context) error {
	sub, err := t.subscriber.Subscribe(ctx, TypingTopic(t.conversationID), realtime.ChangeSpec{
		Table:  typingTable,
		Filter: supabase.Eq("conversation_id", t.conversationID).String(),
	}, t.handleChange)
	if err != nil {
		return fmt.Errorf("failed to subscribe to typing status: %w", err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	t.sub = sub
	t.mu.Unlock()

	var row models.TypingStatus
	found, err := t.store.SelectOne(ctx, supabase.From(typingTable).Where(
		supabase.Eq("conversation_id", t.conversationID),
		supabase.Eq("user_id", t.otherUserID),
	), &row)
	if err != nil {
		return fmt.Errorf("failed to load typing status: %w", err)
	}
	if found {
		t.set(&row)
	}
	return nil
}

func (t *TypingTracker) handleChange(ch realtime.Change) {
	if ch.Type == realtime.Delete {
		var old models.TypingStatus
		if json.Unmarshal(ch.Old, &old) == nil && old.UserID == t.otherUserID {
			t.set(nil)
		}
		return
	}
	var row models.TypingStatus
	if err := json.Unmarshal(ch.New, &row); err != nil {
		t.opts.log.Debug().Err(err).Msg("malformed typing status")
		return
	}
	if row.UserID != t.otherUserID {
		return
	}
	t.set(&row)
}

func (t *TypingTracker) set(row *models.TypingStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.status = row
	t.updates.notify()
}

// IsTyping reports whether the other participant is typing now.
func (t *TypingTracker) IsTyping() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status != nil && t.status.TypingAt(t.opts.now())
}

// Updates is signalled after the cached row changes.
func (t *TypingTracker) Updates() <-chan struct{} {
	return t.updates
}

// Close unsubscribes. Further changes are ignored.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}
