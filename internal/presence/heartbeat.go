package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Robertgreenwood27/messagingapp/internal/models"
)

// Heartbeat keeps the current user's online status fresh while the client is
// visible. Writes are best effort: a client that dies without Stop simply
// goes stale after the freshness window.
type Heartbeat struct {
	store  Store
	userID string
	opts   options

	// writeMu serializes upserts so a tick cannot land after an offline write
	writeMu sync.Mutex

	mu      sync.Mutex
	visible bool
	started bool
	stopped bool
	timer   *time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewHeartbeat creates a heartbeat for userID. It does nothing until Start.
func NewHeartbeat(store Store, userID string, opts ...Option) *Heartbeat {
	ctx, cancel := context.WithCancel(context.Background())
	return &Heartbeat{
		store:  store,
		userID: userID,
		opts:   newOptions(opts),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start marks the user online immediately and begins periodic refreshes.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started || h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.visible = true
	h.mu.Unlock()

	err := h.write(ctx, true)
	h.schedule()
	return err
}

// SetVisible follows the client's visibility. Hiding cancels the pending tick
// and writes offline at once; showing writes online and resumes the ticks.
func (h *Heartbeat) SetVisible(ctx context.Context, visible bool) error {
	h.mu.Lock()
	if !h.started || h.stopped || h.visible == visible {
		h.mu.Unlock()
		return nil
	}
	h.visible = visible
	if !visible && h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.mu.Unlock()

	err := h.write(ctx, visible)
	if visible {
		h.schedule()
	}
	return err
}

// Stop cancels the ticks and writes offline. It is safe to call more than once.
func (h *Heartbeat) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	started := h.started
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.mu.Unlock()
	h.cancel()

	if !started {
		return nil
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.upsert(ctx, false)
}

func (h *Heartbeat) schedule() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || !h.visible {
		return
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	h.timer = time.AfterFunc(h.opts.interval, h.tick)
}

func (h *Heartbeat) tick() {
	if err := h.write(h.ctx, true); err != nil && h.ctx.Err() == nil {
		h.opts.log.Warn().Err(err).Msg("heartbeat failed")
	}
	h.schedule()
}

// write upserts the status unless the heartbeat has stopped, or online is
// requested while hidden.
func (h *Heartbeat) write(ctx context.Context, online bool) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.mu.Lock()
	skip := h.stopped || (online && !h.visible)
	h.mu.Unlock()
	if skip {
		return nil
	}
	return h.upsert(ctx, online)
}

func (h *Heartbeat) upsert(ctx context.Context, online bool) error {
	err := h.store.Upsert(ctx, onlineTable, models.OnlineStatusUpdate{
		UserID:   h.userID,
		IsOnline: online,
		LastSeen: h.opts.now().UTC(),
	}, "user_id")
	if err != nil {
		return fmt.Errorf("failed to update online status: %w", err)
	}
	return nil
}
