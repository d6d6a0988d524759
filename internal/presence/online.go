package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Robertgreenwood27/messagingapp/internal/models"
	"github.com/Robertgreenwood27/messagingapp/internal/realtime"
	"github.com/Robertgreenwood27/messagingapp/internal/supabase"
)

// OnlineTracker caches the online status row of every user.
type OnlineTracker struct {
	store      Store
	subscriber realtime.Subscriber
	opts       options

	mu       sync.RWMutex
	statuses map[string]models.OnlineStatus
	sub      realtime.Subscription
	closed   bool
	updates  signal
}

// NewOnlineTracker creates a tracker; call Start to fill it.
func NewOnlineTracker(store Store, subscriber realtime.Subscriber, opts ...Option) *OnlineTracker {
	return &OnlineTracker{
		store:      store,
		subscriber: subscriber,
		opts:       newOptions(opts),
		statuses:   make(map[string]models.OnlineStatus),
		updates:    make(signal, 1),
	}
}

// Start subscribes to status changes and loads the current rows.
func (t *OnlineTracker) Start(ctx context.Context) error {
	sub, err := t.subscriber.Subscribe(ctx, OnlineTopic, realtime.ChangeSpec{Table: onlineTable}, t.handleChange)
	if err != nil {
		return fmt.Errorf("failed to subscribe to online status: %w", err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	t.sub = sub
	t.mu.Unlock()

	return t.Load(ctx)
}

// Load reads every status row, most recently seen first.
func (t *OnlineTracker) Load(ctx context.Context) error {
	var rows []models.OnlineStatus
	err := t.store.Select(ctx, supabase.From(onlineTable).OrderBy(supabase.Desc("last_seen")), &rows)
	if err != nil {
		return fmt.Errorf("failed to load online status: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		// rows are newest first
		if seen[r.UserID] {
			continue
		}
		seen[r.UserID] = true
		if cur, ok := t.statuses[r.UserID]; ok && cur.LastSeen.After(r.LastSeen) {
			continue
		}
		t.statuses[r.UserID] = r
	}
	t.updates.notify()
	return nil
}

func (t *OnlineTracker) handleChange(ch realtime.Change) {
	raw := ch.New
	if ch.Type == realtime.Delete {
		raw = ch.Old
	}
	var s models.OnlineStatus
	if err := json.Unmarshal(raw, &s); err != nil || s.UserID == "" {
		t.opts.log.Debug().Str("type", string(ch.Type)).Msg("online status change without user")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if ch.Type == realtime.Delete {
		delete(t.statuses, s.UserID)
	} else {
		t.statuses[s.UserID] = s
	}
	t.updates.notify()
}

// IsOnline reports whether userID is flagged online and was seen within the
// freshness window.
func (t *OnlineTracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.statuses[userID]
	return ok && s.FreshAt(t.opts.now())
}

// Status returns the cached row of userID.
func (t *OnlineTracker) Status(userID string) (models.OnlineStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.statuses[userID]
	return s, ok
}

// Online returns the ids of every user currently online, sorted.
func (t *OnlineTracker) Online() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.opts.now()
	var ids []string
	for id, s := range t.statuses {
		if s.FreshAt(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Updates is signalled after the cache changes.
func (t *OnlineTracker) Updates() <-chan struct{} {
	return t.updates
}

// Close unsubscribes. Further changes are ignored.
func (t *OnlineTracker) Close() {
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
