package supabasetest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Robertgreenwood27/messagingapp/internal/realtime"
	"github.com/Robertgreenwood27/messagingapp/internal/supabase"
)

type subscription struct {
	store   *Store
	topic   string
	spec    realtime.ChangeSpec
	filter  *supabase.Filter
	handler func(realtime.Change)

	once   sync.Once
	active bool
}

// Unsubscribe stops delivery; calling it again is a no-op.
func (sub *subscription) Unsubscribe() {
	sub.once.Do(func() {
		s := sub.store
		s.mu.Lock()
		defer s.mu.Unlock()
		sub.active = false
		for i, x := range s.subs {
			if x == sub {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
	})
}

// Subscribe implements realtime.Subscriber. Handlers run synchronously on the
// goroutine that emits the change.
func (s *Store) Subscribe(ctx context.Context, topic string, spec realtime.ChangeSpec, handler func(realtime.Change)) (realtime.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var filter *supabase.Filter
	if spec.Filter != "" {
		f, err := parseFilter(spec.Filter)
		if err != nil {
			return nil, err
		}
		filter = &f
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.topic == topic {
			return nil, fmt.Errorf("%w: %s", realtime.ErrAlreadySubscribed, topic)
		}
	}
	sub := &subscription{store: s, topic: topic, spec: spec, filter: filter, handler: handler, active: true}
	s.subs = append(s.subs, sub)
	return sub, nil
}

// Subscribed reports whether topic has an open subscription.
func (s *Store) Subscribed(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.topic == topic {
			return true
		}
	}
	return false
}

// Subscriptions returns the number of open subscriptions.
func (s *Store) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Emit delivers a change to every matching subscription, whether or not the
// rows exist in the store. newRow and oldRow may be nil.
func (s *Store) Emit(table string, typ realtime.EventType, newRow, oldRow any) {
	var n, o Row
	if newRow != nil {
		n = toRow(newRow)
	}
	if oldRow != nil {
		o = toRow(oldRow)
	}
	s.deliver(table, typ, n, o)
}

func (s *Store) publish(table string, typ realtime.EventType, newRow, oldRow Row) {
	if !s.AutoEmit {
		return
	}
	s.deliver(table, typ, newRow, oldRow)
}

func (s *Store) deliver(table string, typ realtime.EventType, newRow, oldRow Row) {
	match := newRow
	if typ == realtime.Delete {
		match = oldRow
	}

	s.mu.Lock()
	var targets []*subscription
	for _, sub := range s.subs {
		if sub.spec.Table != table || !wants(sub.spec.Events, typ) {
			continue
		}
		if sub.filter != nil && !matchAll(match, []supabase.Filter{*sub.filter}) {
			continue
		}
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	change := realtime.Change{
		Type:            typ,
		Schema:          "public",
		Table:           table,
		CommitTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
		New:             rawRow(newRow),
		Old:             rawRow(oldRow),
	}
	for _, sub := range targets {
		s.mu.Lock()
		active := sub.active
		s.mu.Unlock()
		if active {
			sub.handler(change)
		}
	}
}

func wants(events []realtime.EventType, ev realtime.EventType) bool {
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if e == realtime.All || e == ev {
			return true
		}
	}
	return false
}

func rawRow(r Row) json.RawMessage {
	if r == nil {
		return json.RawMessage(`{}`)
	}
	data, _ := json.Marshal(r)
	return data
}

// parseFilter reads a realtime filter of the form column=op.value.
func parseFilter(s string) (supabase.Filter, error) {
	col, rest, ok := strings.Cut(s, "=")
	if !ok {
		return supabase.Filter{}, fmt.Errorf("invalid realtime filter %q", s)
	}
	op, val, ok := strings.Cut(rest, ".")
	if !ok {
		return supabase.Filter{}, fmt.Errorf("invalid realtime filter %q", s)
	}
	return supabase.Filter{Column: col, Op: supabase.Op(op), Value: val}, nil
}
