package messages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Robertgreenwood27/messagingapp/internal/metrics"
	"github.com/Robertgreenwood27/messagingapp/internal/models"
	"github.com/Robertgreenwood27/messagingapp/internal/realtime"
	"github.com/Robertgreenwood27/messagingapp/internal/supabase"
)

// Topic names the change channel of a conversation.
func Topic(conversationID string) string {
	return "messages:" + conversationID
}

// ChangeSpec selects the message changes of a conversation.
func ChangeSpec(conversationID string) realtime.ChangeSpec {
	return realtime.ChangeSpec{
		Table:  table,
		Filter: supabase.Eq("conversation_id", conversationID).String(),
		Events: []realtime.EventType{realtime.Insert, realtime.Update, realtime.Delete},
	}
}

// Subscribe opens the conversation's change channel. Calling it again while
// subscribed does nothing.
func (e *Engine) Subscribe(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.sub != nil {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	sub, err := e.subscriber.Subscribe(ctx, Topic(e.conversationID), ChangeSpec(e.conversationID), e.handleChange)
	if err != nil {
		return fmt.Errorf("failed to subscribe to conversation %s: %w", e.conversationID, err)
	}

	e.mu.Lock()
	if e.closed || e.sub != nil {
		closed := e.closed
		e.mu.Unlock()
		sub.Unsubscribe()
		if closed {
			return ErrClosed
		}
		return nil
	}
	e.sub = sub
	e.mu.Unlock()
	return nil
}

// handleChange applies one push event.
//
//   - an insert by the current user is its own echo; the send path owns it
//   - an update setting deleted_at, or a delete, removes the row
//   - anything else is refetched by id and upserted
func (e *Engine) handleChange(ch realtime.Change) {
	if ch.Type == realtime.Delete {
		var old struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(ch.Old, &old); err != nil || old.ID == "" {
			e.ignore(ch, "delete without id")
			return
		}
		e.remove(old.ID)
		return
	}
	if ch.Type != realtime.Insert && ch.Type != realtime.Update {
		e.ignore(ch, "unexpected event type")
		return
	}

	var row models.MessageRow
	if err := json.Unmarshal(ch.New, &row); err != nil || row.ID == "" {
		e.ignore(ch, "row without id")
		return
	}
	if row.ConversationID != "" && row.ConversationID != e.conversationID {
		e.ignore(ch, "foreign conversation")
		return
	}

	switch {
	case ch.Type == realtime.Insert && row.SenderID == e.userID:
		metrics.RealtimeEvents.WithLabelValues("self_echo").Inc()
	case ch.Type == realtime.Update && row.DeletedAt != nil:
		e.remove(row.ID)
	default:
		e.refresh(row.ID, ch.CommitTimestamp)
	}
}

func (e *Engine) ignore(ch realtime.Change, reason string) {
	metrics.RealtimeEvents.WithLabelValues("ignored").Inc()
	e.log.Debug().Str("type", string(ch.Type)).Str("reason", reason).Msg("change ignored")
}

// remove drops id from the list. Removing an absent id is a no-op.
func (e *Engine) remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.removeLocked(id) {
		metrics.RealtimeEvents.WithLabelValues("removed").Inc()
		e.notifyLocked()
	}
}

// refresh refetches the full row in the background and upserts it. Redelivered
// copies of the same change share one fetch.
func (e *Engine) refresh(id, commit string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.inflight.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.inflight.Done()

		v, err, _ := e.refetch.Do(id+"@"+commit, func() (any, error) {
			var row models.MessageRow
			found, err := e.store.SelectOne(e.ctx, supabase.From(table).
				Select(models.MessageColumns).
				Where(supabase.Eq("id", id)), &row)
			if err != nil || !found {
				return nil, err
			}
			msg := row.Project()
			return &msg, nil
		})
		if err != nil {
			if e.ctx.Err() == nil {
				e.log.Warn().Err(err).Str("id", id).Msg("failed to refetch message")
			}
			return
		}

		msg, _ := v.(*models.Message)
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return
		}
		switch {
		case msg == nil:
			metrics.RealtimeEvents.WithLabelValues("missing").Inc()
			return
		case msg.DeletedAt != nil:
			e.removeLocked(id)
			metrics.RealtimeEvents.WithLabelValues("removed").Inc()
		case msg.ConversationID != e.conversationID:
			return
		default:
			if _, gone := e.tombstones[id]; gone {
				return
			}
			metrics.RealtimeEvents.WithLabelValues(e.upsertLocked(*msg)).Inc()
		}
		e.notifyLocked()
	}()
}
