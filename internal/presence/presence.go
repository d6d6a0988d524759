// Package presence tracks who is online and who is typing. Both are single
// mutable rows per key, replaced wholesale on every change; freshness is
// computed when read.
package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Robertgreenwood27/messagingapp/internal/supabase"
)

const (
	onlineTable = "online_status"
	typingTable = "typing_status"

	// OnlineTopic is the channel carrying every user's online status.
	OnlineTopic = "online-users"

	// HeartbeatInterval is how often a visible client refreshes its status.
	HeartbeatInterval = 15 * time.Second

	// TypingStopDelay is the idle time after the last keystroke before the
	// user is reported as no longer typing.
	TypingStopDelay = time.Second

	// typingRefresh bounds how often keystrokes rewrite an already-typing row.
	typingRefresh = 2 * time.Second
)

// Store is the part of the backend API presence needs.
type Store interface {
	Select(ctx context.Context, q supabase.Query, dest any) error
	SelectOne(ctx context.Context, q supabase.Query, dest any) (bool, error)
	Upsert(ctx context.Context, table string, record any, onConflict string) error
}

// TypingTopic names the typing channel of a conversation.
func TypingTopic(conversationID string) string {
	return "typing:" + conversationID
}

type options struct {
	log       zerolog.Logger
	now       func() time.Time
	interval  time.Duration
	stopDelay time.Duration
	refresh   rate.Limit
}

// Option configures trackers, heartbeats and notifiers.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithInterval sets the heartbeat period.
func WithInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// WithStopDelay sets the idle time before typing is cleared.
func WithStopDelay(d time.Duration) Option {
	return func(o *options) { o.stopDelay = d }
}

// WithRefreshEvery sets the minimum gap between rewrites of a typing row.
func WithRefreshEvery(d time.Duration) Option {
	return func(o *options) { o.refresh = rate.Every(d) }
}

func newOptions(opts []Option) options {
	o := options{
		log:       zerolog.Nop(),
		now:       time.Now,
		interval:  HeartbeatInterval,
		stopDelay: TypingStopDelay,
		refresh:   rate.Every(typingRefresh),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// signal is a coalescing change notification.
type signal chan struct{}

func (s signal) notify() {
	select {
	case s <- struct{}{}:
	default:
	}
}
