package realtime

import (
	"context"
	"encoding/json"
	"errors"
)

// EventType is the kind of database change a subscription receives.
type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
	All    EventType = "*"
)

// ChangeSpec selects the row changes a channel listens to.
// An empty Events list means every event type.
type ChangeSpec struct {
	Schema string
	Table  string
	Filter string // column=eq.value
	Events []EventType
}

// Change is one row change pushed by the server. New and Old hold the raw rows;
// Old only carries the primary key unless the table has REPLICA IDENTITY FULL.
type Change struct {
	Type            EventType
	Schema          string
	Table           string
	CommitTimestamp string
	New             json.RawMessage
	Old             json.RawMessage
}

// Subscription is an open change channel. Unsubscribe is idempotent; no handler
// call starts after it returns.
type Subscription interface {
	Unsubscribe()
}

// Subscriber opens change channels.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, spec ChangeSpec, handler func(Change)) (Subscription, error)
}

var (
	ErrClosed            = errors.New("realtime: connection closed")
	ErrAlreadySubscribed = errors.New("realtime: topic already subscribed")
	ErrJoinRejected      = errors.New("realtime: join rejected")
)

// Phoenix channel protocol events.
const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
	eventSystem    = "system"

	phoenixTopic = "phoenix"
	topicPrefix  = "realtime:"
)

// frame is a Phoenix channel message (protocol vsn 1.0.0).
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type changeFilter struct {
	Event  EventType `json:"event"`
	Schema string    `json:"schema"`
	Table  string    `json:"table"`
	Filter string    `json:"filter,omitempty"`
}

type joinConfig struct {
	Broadcast struct {
		Ack  bool `json:"ack"`
		Self bool `json:"self"`
	} `json:"broadcast"`
	Presence struct {
		Key string `json:"key"`
	} `json:"presence"`
	PostgresChanges []changeFilter `json:"postgres_changes"`
	Private         bool           `json:"private"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changePayload struct {
	IDs  []int64 `json:"ids"`
	Data struct {
		Schema          string          `json:"schema"`
		Table           string          `json:"table"`
		CommitTimestamp string          `json:"commit_timestamp"`
		Type            EventType       `json:"type"`
		Record          json.RawMessage `json:"record"`
		OldRecord       json.RawMessage `json:"old_record"`
	} `json:"data"`
}

func newJoinPayload(spec ChangeSpec, accessToken string) joinPayload {
	schema := spec.Schema
	if schema == "" {
		schema = "public"
	}
	events := spec.Events
	if len(events) == 0 {
		events = []EventType{All}
	}

	var p joinPayload
	p.AccessToken = accessToken
	for _, ev := range events {
		p.Config.PostgresChanges = append(p.Config.PostgresChanges, changeFilter{
			Event:  ev,
			Schema: schema,
			Table:  spec.Table,
			Filter: spec.Filter,
		})
	}
	return p
}

func (p changePayload) change() Change {
	return Change{
		Type:            p.Data.Type,
		Schema:          p.Data.Schema,
		Table:           p.Data.Table,
		CommitTimestamp: p.Data.CommitTimestamp,
		New:             p.Data.Record,
		Old:             p.Data.OldRecord,
	}
}

// wants reports whether a channel listening to events receives ev.
func wants(events []EventType, ev EventType) bool {
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if e == All || e == ev {
			return true
		}
	}
	return false
}
