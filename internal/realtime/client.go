package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a frame to the server
	writeWait = 10 * time.Second

	// Phoenix heartbeat period; the server drops sockets silent for 60s
	heartbeatInterval = 25 * time.Second

	// Maximum frame size accepted from the server
	maxMessageSize = 1 << 20

	// Time allowed for the server to acknowledge a join
	joinTimeout = 10 * time.Second
)

// Client is a single websocket connection to the realtime service, multiplexing
// any number of change channels by topic.
type Client struct {
	endpoint    string
	apiKey      string
	accessToken string
	dialer      *websocket.Dialer
	log         zerolog.Logger

	conn *websocket.Conn

	// Buffered channel of outbound frames
	send chan []byte

	// done is closed when the connection is gone
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	channels map[string]*channel
	pending  map[string]chan replyPayload

	ref atomic.Uint64
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithDialer replaces the default websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// NewClient creates a client for the realtime websocket endpoint
// (https://<project>.supabase.co/realtime/v1/websocket as wss://...).
func NewClient(endpoint, apiKey, accessToken string, opts ...Option) *Client {
	c := &Client{
		endpoint:    endpoint,
		apiKey:      apiKey,
		accessToken: accessToken,
		dialer:      websocket.DefaultDialer,
		log:         zerolog.Nop(),
		send:        make(chan []byte, 256),
		done:        make(chan struct{}),
		channels:    make(map[string]*channel),
		pending:     make(map[string]chan replyPayload),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the server and starts the read and write pumps.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("invalid realtime endpoint: %w", err)
	}
	q := u.Query()
	q.Set("apikey", c.apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("realtime dial failed: %w", err)
	}
	c.conn = conn
	c.log.Info().Str("endpoint", c.endpoint).Msg("realtime connected")

	go c.writePump()
	go c.readPump()
	return nil
}

// Done is closed once the connection has been lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close leaves every channel and closes the connection.
func (c *Client) Close() error {
	c.mu.RLock()
	chans := make([]*channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	c.mu.RUnlock()

	for _, ch := range chans {
		ch.Unsubscribe()
	}
	c.shutdown()
	return nil
}

// Subscribe joins topic with a postgres_changes listener and blocks until the
// server acknowledges the join. handler runs on a per-channel goroutine, one
// change at a time, in arrival order.
func (c *Client) Subscribe(ctx context.Context, topic string, spec ChangeSpec, handler func(Change)) (Subscription, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	fullTopic := topicPrefix + topic
	ref := c.nextRef()

	c.mu.Lock()
	if _, exists := c.channels[fullTopic]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, topic)
	}
	ch := newChannel(c, fullTopic, ref, spec.Events, handler)
	c.channels[fullTopic] = ch
	c.mu.Unlock()

	reply, err := c.request(ctx, frame{Topic: fullTopic, Event: eventJoin, Ref: ref, JoinRef: ref},
		newJoinPayload(spec, c.accessToken))
	if err != nil {
		c.remove(ch)
		ch.stop()
		return nil, err
	}
	if reply.Status != "ok" {
		c.remove(ch)
		ch.stop()
		return nil, fmt.Errorf("%w: %s: %s", ErrJoinRejected, topic, string(reply.Response))
	}

	c.log.Debug().Str("topic", fullTopic).Msg("channel joined")
	return ch, nil
}

// request pushes f and waits for the matching phx_reply.
func (c *Client) request(ctx context.Context, f frame, payload any) (replyPayload, error) {
	wait := make(chan replyPayload, 1)
	c.mu.Lock()
	c.pending[f.Ref] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.Ref)
		c.mu.Unlock()
	}()

	if err := c.push(f, payload); err != nil {
		return replyPayload{}, err
	}

	timer := time.NewTimer(joinTimeout)
	defer timer.Stop()

	select {
	case reply := <-wait:
		return reply, nil
	case <-timer.C:
		return replyPayload{}, fmt.Errorf("realtime: no reply to %s on %s", f.Event, f.Topic)
	case <-ctx.Done():
		return replyPayload{}, ctx.Err()
	case <-c.done:
		return replyPayload{}, ErrClosed
	}
}

// push queues a frame for the write pump.
func (c *Client) push(f frame, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", f.Event, err)
	}
	f.Payload = raw
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) nextRef() string {
	return strconv.FormatUint(c.ref.Add(1), 10)
}

func (c *Client) remove(ch *channel) {
	c.mu.Lock()
	if cur, ok := c.channels[ch.topic]; ok && cur == ch {
		delete(c.channels, ch.topic)
	}
	c.mu.Unlock()
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			c.conn.Close()
		}

		c.mu.Lock()
		chans := c.channels
		c.channels = make(map[string]*channel)
		c.mu.Unlock()
		for _, ch := range chans {
			ch.stop()
		}
	})
}

// readPump pumps frames from the connection to the channels.
func (c *Client) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.log.Warn().Err(err).Msg("realtime read failed")
				}
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("realtime frame is not valid JSON")
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f frame) {
	switch f.Event {
	case eventReply:
		var reply replyPayload
		if err := json.Unmarshal(f.Payload, &reply); err != nil {
			c.log.Warn().Err(err).Str("topic", f.Topic).Msg("malformed reply")
			return
		}
		c.mu.RLock()
		wait, ok := c.pending[f.Ref]
		c.mu.RUnlock()
		if ok {
			select {
			case wait <- reply:
			default:
			}
		}

	case eventChanges:
		c.mu.RLock()
		ch, ok := c.channels[f.Topic]
		c.mu.RUnlock()
		if !ok {
			return
		}
		var p changePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			c.log.Warn().Err(err).Str("topic", f.Topic).Msg("malformed postgres_changes payload")
			return
		}
		ch.deliver(p.change())

	case eventError, eventClose:
		c.log.Warn().Str("topic", f.Topic).Str("event", f.Event).RawJSON("payload", f.Payload).Msg("channel closed by server")

	case eventSystem:
		c.log.Debug().Str("topic", f.Topic).RawJSON("payload", f.Payload).Msg("realtime system event")
	}
}

// writePump pumps queued frames to the connection and keeps the socket alive
// with Phoenix heartbeats.
func (c *Client) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn().Err(err).Msg("realtime write failed")
				return
			}

		case <-ticker.C:
			hb, _ := json.Marshal(frame{
				Topic:   phoenixTopic,
				Event:   eventHeartbeat,
				Payload: json.RawMessage(`{}`),
				Ref:     c.nextRef(),
			})
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, hb); err != nil {
				c.log.Warn().Err(err).Msg("realtime heartbeat failed")
				return
			}

		case <-c.done:
			return
		}
	}
}
