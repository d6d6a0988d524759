package realtime

import (
	"sync"
	"sync/atomic"
)

// channelBuffer bounds the changes queued for a slow handler.
const channelBuffer = 256

// channel is one joined topic. Changes are queued by the read pump and handed to
// the handler on the channel's own goroutine so a slow handler never stalls the
// connection.
type channel struct {
	client  *Client
	topic   string
	joinRef string
	events  []EventType
	handler func(Change)

	queue   chan Change
	quit    chan struct{}
	active  atomic.Bool
	once    sync.Once
	stopped sync.Once

	// mu is held while the handler runs so Unsubscribe can wait for it
	mu sync.Mutex
}

func newChannel(c *Client, topic, joinRef string, events []EventType, handler func(Change)) *channel {
	ch := &channel{
		client:  c,
		topic:   topic,
		joinRef: joinRef,
		events:  events,
		handler: handler,
		queue:   make(chan Change, channelBuffer),
		quit:    make(chan struct{}),
	}
	ch.active.Store(true)
	go ch.loop()
	return ch
}

func (ch *channel) loop() {
	for {
		select {
		case change := <-ch.queue:
			ch.mu.Lock()
			if ch.active.Load() {
				ch.handler(change)
			}
			ch.mu.Unlock()
		case <-ch.quit:
			return
		}
	}
}

// deliver queues a change; when the handler is too far behind the change is dropped.
func (ch *channel) deliver(change Change) {
	if !ch.active.Load() || !wants(ch.events, change.Type) {
		return
	}
	select {
	case ch.queue <- change:
	default:
		ch.client.log.Warn().Str("topic", ch.topic).Str("type", string(change.Type)).
			Msg("channel buffer full, dropping change")
	}
}

// Unsubscribe leaves the topic. It is idempotent and returns after any handler
// call in progress has finished; no further calls start.
func (ch *channel) Unsubscribe() {
	ch.once.Do(func() {
		ch.stop()
		ch.client.remove(ch)
		ref := ch.client.nextRef()
		if err := ch.client.push(frame{Topic: ch.topic, Event: eventLeave, Ref: ref, JoinRef: ch.joinRef}, struct{}{}); err != nil {
			ch.client.log.Debug().Err(err).Str("topic", ch.topic).Msg("leave not sent")
		}
	})
}

// stop halts dispatch without talking to the server.
func (ch *channel) stop() {
	ch.stopped.Do(func() {
		ch.active.Store(false)
		close(ch.quit)
	})
	// wait for an in-flight handler call
	ch.mu.Lock()
	ch.mu.Unlock()
}
