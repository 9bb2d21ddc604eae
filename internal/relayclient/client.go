// Package relayclient speaks the relay hub's frame protocol over a single
// websocket: channel subscriptions, acknowledged broadcasts and presence.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/webrtc-pairing/internal/models"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
)

var (
	// ErrClosed is returned for requests on a closed or lost connection.
	ErrClosed = errors.New("relay connection closed")
	// ErrRejected wraps an error frame sent by the relay.
	ErrRejected = errors.New("relay rejected request")
)

// Message is a broadcast delivered on a subscribed channel
type Message struct {
	Channel string
	Event   string
	From    string
	Payload json.RawMessage
}

// Handler receives broadcasts. Handlers run on the read goroutine in
// arrival order and must not block.
type Handler func(Message)

// PresenceHandler receives the full presence state of a channel
type PresenceHandler func(states map[string]json.RawMessage)

// Subscription is a registered channel handler
type Subscription interface {
	Unsubscribe(ctx context.Context) error
}

// Client is a relay connection
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	nextRef atomic.Uint64
	nextSub atomic.Uint64

	mu       sync.Mutex
	pending  map[string]chan models.Frame
	handlers map[string]map[uint64]Handler
	presence map[string][]PresenceHandler

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// Dial connects to the relay at wsURL (ws:// or wss://) authenticating with token
func Dial(ctx context.Context, wsURL, token string, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn:     conn,
		logger:   logger.With("component", "relayclient"),
		pending:  make(map[string]chan models.Frame),
		handlers: make(map[string]map[uint64]Handler),
		presence: make(map[string][]PresenceHandler),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed once the connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down. Pending requests fail with ErrClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		c.closeOnce.Do(func() {
			close(c.closed)
			_ = c.conn.Close()
		})
		c.failPending()
		close(c.done)
	}()

	for {
		var frame models.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warn("relay read failed", "err", err)
			}
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame models.Frame) {
	switch frame.Type {
	case models.FrameTypeBroadcast:
		msg := Message{Channel: frame.Channel, Event: frame.Event, From: frame.From, Payload: frame.Payload}
		for _, h := range c.handlersFor(frame.Channel) {
			h(msg)
		}

	case models.FrameTypePresenceSync:
		var states map[string]json.RawMessage
		if err := json.Unmarshal(frame.Payload, &states); err != nil {
			c.logger.Debug("malformed presence sync", "channel", frame.Channel, "err", err)
			return
		}
		c.mu.Lock()
		fns := append([]PresenceHandler(nil), c.presence[frame.Channel]...)
		c.mu.Unlock()
		for _, fn := range fns {
			fn(states)
		}

	default:
		if frame.Ref == "" {
			if frame.Type == models.FrameTypeError {
				c.logger.Warn("relay error", "error", frame.Error)
			}
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[frame.Ref]
		delete(c.pending, frame.Ref)
		c.mu.Unlock()
		if ok {
			ch <- frame
		}
	}
}

func (c *Client) handlersFor(channel string) []Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Handler, 0, len(c.handlers[channel]))
	for _, h := range c.handlers[channel] {
		out = append(out, h)
	}
	return out
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ref, ch := range c.pending {
		close(ch)
		delete(c.pending, ref)
	}
}

// request writes frame and waits for the reply carrying the same ref
func (c *Client) request(ctx context.Context, frame models.Frame) (models.Frame, error) {
	frame.Ref = strconv.FormatUint(c.nextRef.Add(1), 10)
	reply := make(chan models.Frame, 1)

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return models.Frame{}, ErrClosed
	default:
	}
	c.pending[frame.Ref] = reply
	c.mu.Unlock()

	if err := c.write(frame); err != nil {
		c.forget(frame.Ref)
		return models.Frame{}, err
	}

	select {
	case got, ok := <-reply:
		if !ok {
			return models.Frame{}, ErrClosed
		}
		if got.Type == models.FrameTypeError {
			return got, fmt.Errorf("%w: %s", ErrRejected, got.Error)
		}
		return got, nil
	case <-ctx.Done():
		c.forget(frame.Ref)
		return models.Frame{}, ctx.Err()
	}
}

func (c *Client) forget(ref string) {
	c.mu.Lock()
	delete(c.pending, ref)
	c.mu.Unlock()
}

func (c *Client) write(frame models.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Type, err)
	}
	return nil
}

type subscription struct {
	client  *Client
	channel string
	id      uint64
	once    sync.Once
}

// Subscribe registers handler for channel and waits until the relay confirms
// the subscription. Several handlers may share a channel; the relay
// subscription is dropped with the last one.
func (c *Client) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	id := c.nextSub.Add(1)

	c.mu.Lock()
	first := len(c.handlers[channel]) == 0
	if first {
		c.handlers[channel] = make(map[uint64]Handler)
	}
	c.handlers[channel][id] = handler
	c.mu.Unlock()

	sub := &subscription{client: c, channel: channel, id: id}
	if !first {
		return sub, nil
	}
	if _, err := c.request(ctx, models.Frame{Type: models.FrameTypeSubscribe, Channel: channel}); err != nil {
		c.removeHandler(channel, id)
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return sub, nil
}

// removeHandler reports whether the channel has no handlers left
func (c *Client) removeHandler(channel string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs, ok := c.handlers[channel]
	if !ok {
		return false
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(c.handlers, channel)
		return true
	}
	return false
}

func (s *subscription) Unsubscribe(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		if !s.client.removeHandler(s.channel, s.id) {
			return
		}
		_, err = s.client.request(ctx, models.Frame{Type: models.FrameTypeUnsubscribe, Channel: s.channel})
		if errors.Is(err, ErrClosed) {
			err = nil
		}
	})
	return err
}

// Publish broadcasts event on channel and waits for the relay's ack
func (c *Client) Publish(ctx context.Context, channel, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	_, err = c.request(ctx, models.Frame{
		Type:    models.FrameTypeBroadcast,
		Channel: channel,
		Event:   event,
		Payload: raw,
		Ack:     true,
	})
	if err != nil {
		return fmt.Errorf("publish %s on %s: %w", event, channel, err)
	}
	return nil
}

// Track sets this connection's presence state under key on channel
func (c *Client) Track(ctx context.Context, channel, key string, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	_, err = c.request(ctx, models.Frame{Type: models.FrameTypeTrack, Channel: channel, Key: key, Payload: raw})
	return err
}

// Untrack removes the presence state under key on channel
func (c *Client) Untrack(ctx context.Context, channel, key string) error {
	_, err := c.request(ctx, models.Frame{Type: models.FrameTypeUntrack, Channel: channel, Key: key})
	return err
}

// OnPresence registers fn for presence syncs on channel. Syncs only arrive
// for subscribed channels.
func (c *Client) OnPresence(channel string, fn PresenceHandler) {
	c.mu.Lock()
	c.presence[channel] = append(c.presence[channel], fn)
	c.mu.Unlock()
}
