package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/webrtc-pairing/internal/chat"
	"github.com/mossy-p/webrtc-pairing/internal/media"
	"github.com/mossy-p/webrtc-pairing/internal/models"
	"github.com/mossy-p/webrtc-pairing/internal/relayclient"
)

const (
	DefaultPairingTimeout  = 5 * time.Second
	DefaultReconnectDelay  = 250 * time.Millisecond
	DefaultRequeueInterval = 20 * time.Second

	effectTimeout = 10 * time.Second
	closeTimeout  = 2 * time.Second
)

var (
	ErrClosed          = errors.New("controller closed")
	ErrBusy            = errors.New("controller busy")
	ErrChatUnavailable = errors.New("no open chat channel")
)

// Hooks are the presentation callbacks. They run on the controller
// goroutine in event order and must not call blocking controller methods.
type Hooks struct {
	OnStateChange func(State)
	OnLocalStream func(*media.Stream)
	// OnRemoteTrack receives nil when the remote side goes away
	OnRemoteTrack   func(*webrtc.TrackRemote)
	OnMessage       func(chat.Message)
	OnNewConnection func()
	OnError         func(error)
	OnPresence      func(models.PresenceCounts)
}

// Options wires a Controller
type Options struct {
	ClientID string
	Bus      Bus
	Matcher  Matcher
	Media    MediaSource
	Peers    PeerFactory
	Uploader Uploader // optional
	Hooks    Hooks
	Logger   *slog.Logger
	Clock    clockwork.Clock

	PairingTimeout  time.Duration
	ReconnectDelay  time.Duration
	RequeueInterval time.Duration
}

// Controller is the pairing state machine of one client. All state is
// owned by a single loop goroutine; I/O runs on a serial effect worker and
// reports back to the loop.
type Controller struct {
	clientID string
	bus      Bus
	matcher  Matcher
	media    MediaSource
	peers    PeerFactory
	uploader Uploader
	hooks    Hooks
	logger   *slog.Logger
	clock    clockwork.Clock

	pairingTimeout  time.Duration
	reconnectDelay  time.Duration
	requeueInterval time.Duration

	loop   *queue
	worker *queue
	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	closed    atomic.Bool
	state     atomic.Int32
	genSnap   atomic.Uint64

	// Owned by the loop goroutine
	cur         State
	stream      *media.Stream
	gen         uint64
	searching   bool
	room        *room
	notifySub   relayclient.Subscription
	presenceSub relayclient.Subscription
	pairing     namedTimer
	reconnect   namedTimer
	requeue     namedTimer
}

// room is the state of one pairing attempt. It is discarded as a whole on
// teardown.
type room struct {
	id         string
	peerID     string
	offerer    bool
	sub        relayclient.Subscription
	peer       Peer
	candidates []webrtc.ICECandidateInit

	offerSent    bool // offerer created its offer
	readyReplied bool // answerer answered the offerer's peer_ready
	offerApplied bool // answerer applied the remote offer
}

func New(opts Options) (*Controller, error) {
	switch {
	case opts.ClientID == "":
		return nil, errors.New("pairing: client id is required")
	case opts.Bus == nil, opts.Matcher == nil, opts.Media == nil, opts.Peers == nil:
		return nil, errors.New("pairing: bus, matcher, media and peers are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.PairingTimeout <= 0 {
		opts.PairingTimeout = DefaultPairingTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.RequeueInterval <= 0 {
		opts.RequeueInterval = DefaultRequeueInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		clientID:        opts.ClientID,
		bus:             opts.Bus,
		matcher:         opts.Matcher,
		media:           opts.Media,
		peers:           opts.Peers,
		uploader:        opts.Uploader,
		hooks:           opts.Hooks,
		logger:          opts.Logger.With("client_id", opts.ClientID),
		clock:           opts.Clock,
		pairingTimeout:  opts.PairingTimeout,
		reconnectDelay:  opts.ReconnectDelay,
		requeueInterval: opts.RequeueInterval,
		loop:            newQueue(),
		worker:          newQueue(),
		ctx:             ctx,
		cancel:          cancel,
		stop:            make(chan struct{}),
		cur:             StateIdle,
		pairing:         namedTimer{name: "pairing"},
		reconnect:       namedTimer{name: "reconnect"},
		requeue:         namedTimer{name: "requeue"},
	}

	if c.hooks.OnPresence != nil {
		c.bus.OnPresence(models.PresenceChannel, func(states map[string]json.RawMessage) {
			counts := countPresence(states)
			c.loop.push(func() { c.hooks.OnPresence(counts) })
		})
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.loop.run(c.stop)
	}()
	go func() {
		defer c.wg.Done()
		c.worker.run(c.stop)
	}()
	return c, nil
}

func countPresence(raw map[string]json.RawMessage) models.PresenceCounts {
	states := make(map[string]models.PresenceState, len(raw))
	for key, payload := range raw {
		var s models.PresenceState
		if err := json.Unmarshal(payload, &s); err == nil {
			states[key] = s
		}
	}
	return models.CountPresence(states)
}

// ClientID is the identity this controller pairs as
func (c *Controller) ClientID() string { return c.clientID }

// State is safe to call from any goroutine
func (c *Controller) State() State { return State(c.state.Load()) }

// Room returns the active room, if any
func (c *Controller) Room() (roomID string, offerer bool) {
	c.call(func() {
		if c.room != nil {
			roomID, offerer = c.room.id, c.room.offerer
		}
	})
	return roomID, offerer
}

// Initialize acquires local media. It returns a *MediaAcquisitionError when
// the devices are denied; the controller is then in ERROR and may be
// initialized again.
func (c *Controller) Initialize(ctx context.Context) error {
	result := make(chan error, 1)
	if !c.call(func() { c.initialize(ctx, result) }) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return ErrClosed
	}
}

func (c *Controller) initialize(ctx context.Context, result chan<- error) {
	if c.cur == StateIdle && c.stream != nil {
		result <- nil
		return
	}
	if !c.fire(EventInitialize) {
		result <- fmt.Errorf("%w: initialize in %s", ErrBusy, c.cur)
		return
	}
	c.worker.push(func() {
		st, err := c.media.Acquire(ctx)
		if c.closed.Load() {
			if st != nil {
				_ = st.Close()
			}
			return
		}
		c.loop.push(func() { c.onMedia(st, err, result) })
	})
}

func (c *Controller) onMedia(st *media.Stream, err error, result chan<- error) {
	if err != nil {
		merr := &MediaAcquisitionError{Err: err}
		c.logger.Error("media acquisition failed", "err", err)
		c.fire(EventMediaFailed)
		c.reportError(merr)
		result <- merr
		return
	}

	c.stream = st
	if c.hooks.OnLocalStream != nil {
		c.hooks.OnLocalStream(st)
	}
	c.fire(EventMediaReady)

	if c.hooks.OnPresence != nil && c.presenceSub == nil {
		c.effect(func(ctx context.Context) {
			sub, err := c.bus.Subscribe(ctx, models.PresenceChannel, func(relayclient.Message) {})
			c.loop.push(func() {
				if err != nil {
					c.logger.Warn("presence subscribe failed", "err", err)
					return
				}
				c.presenceSub = sub
			})
		})
	}
	result <- nil
}

// StartChat begins searching for a partner. It is ignored while a search or
// a room is active.
func (c *Controller) StartChat() {
	c.loop.push(c.startChat)
}

// HangUp tears down the current attempt. With reconnect a new search starts
// after a short debounce.
func (c *Controller) HangUp(reconnect bool) {
	c.loop.push(func() { c.hangUp(reconnect) })
}

// Skip is HangUp(true)
func (c *Controller) Skip() { c.HangUp(true) }

// SendMessage sends text over the chat channel and returns the message as
// it should appear in the local log
func (c *Controller) SendMessage(text string) (chat.Message, error) {
	var (
		msg chat.Message
		err error
	)
	if !c.call(func() { msg, err = c.sendMessage(text) }) {
		return chat.Message{}, ErrClosed
	}
	return msg, err
}

func (c *Controller) sendMessage(text string) (chat.Message, error) {
	if c.room == nil || c.room.peer == nil || !c.room.peer.ChatOpen() {
		return chat.Message{}, ErrChatUnavailable
	}
	msg, err := chat.NewMessage(c.clientID, text)
	if err != nil {
		return chat.Message{}, err
	}
	data, err := msg.Marshal()
	if err != nil {
		return chat.Message{}, err
	}
	if err := c.room.peer.SendChat(data); err != nil {
		return chat.Message{}, fmt.Errorf("send chat: %w", err)
	}
	return msg, nil
}

// SendAttachment uploads body and sends it as an attachment message. When
// the upload fails an error marker is sent in its place and the
// *UploadError is returned alongside it.
func (c *Controller) SendAttachment(ctx context.Context, name, contentType string, body io.Reader) (chat.Message, error) {
	var url string
	err := chat.ErrUploadsDisabled
	if c.uploader != nil {
		url, err = c.uploader.Upload(ctx, c.clientID, name, contentType, body)
	}
	if err != nil {
		uerr := &UploadError{Name: name, Err: err}
		c.logger.Warn("attachment upload failed", "name", name, "err", err)
		c.loop.push(func() { c.reportError(uerr) })
		msg, sendErr := c.SendMessage(chat.ErrorMarker(name))
		if sendErr != nil {
			return msg, errors.Join(uerr, sendErr)
		}
		return msg, uerr
	}

	text, err := chat.EncodeAttachment(chat.NewAttachment(name, contentType, url))
	if err != nil {
		return chat.Message{}, err
	}
	return c.SendMessage(text)
}

// ToggleMute flips the local audio and reports whether audio is now enabled
func (c *Controller) ToggleMute() (enabled bool) {
	c.call(func() {
		if c.stream != nil {
			enabled = c.stream.ToggleAudio()
		}
	})
	return enabled
}

// ToggleVideo flips the local video and reports whether video is now enabled
func (c *Controller) ToggleVideo() (enabled bool) {
	c.call(func() {
		if c.stream != nil {
			enabled = c.stream.ToggleVideo()
		}
	})
	return enabled
}

// Close is the unload path: a best-effort synchronous hangup, presence
// removal, then the loop stops and local media is released.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		flushed := make(chan struct{})
		ok := c.call(func() {
			c.teardown()
			c.effect(func(ctx context.Context) { _ = c.matcher.Leave(ctx) })
			c.fire(EventHangUp)
			presence := c.presenceSub
			c.presenceSub = nil
			c.effect(func(ctx context.Context) {
				if presence != nil {
					_ = presence.Unsubscribe(ctx)
				}
				_ = c.bus.Untrack(ctx, models.PresenceChannel, c.clientID)
			})
			c.worker.push(func() { close(flushed) })
		})
		if ok {
			t := time.NewTimer(closeTimeout)
			select {
			case <-flushed:
			case <-t.C:
				c.logger.Warn("close timed out waiting for teardown")
			}
			t.Stop()
		}

		c.closed.Store(true)
		c.cancel()
		close(c.stop)
		c.wg.Wait()
		if c.stream != nil {
			_ = c.stream.Close()
		}
	})
	return nil
}

// call runs fn on the loop and waits for it. It reports false once the
// controller is closed.
func (c *Controller) call(fn func()) bool {
	done := make(chan struct{})
	c.loop.push(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return true
	case <-c.stop:
		return false
	}
}

// effect queues I/O on the worker. Effects run one at a time in order.
func (c *Controller) effect(fn func(ctx context.Context)) {
	c.worker.push(func() {
		ctx, cancel := context.WithTimeout(c.ctx, effectTimeout)
		defer cancel()
		fn(ctx)
	})
}

// stale reports, from any goroutine, whether generation g was torn down
func (c *Controller) stale(g uint64) bool {
	return c.genSnap.Load() != g
}

// fire applies e to the current state
func (c *Controller) fire(e Event) bool {
	next, ok := Next(c.cur, e)
	if !ok {
		c.logger.Debug("event ignored", "state", c.cur.String(), "event", e.String())
		return false
	}
	if next == c.cur {
		return true
	}
	prev := c.cur
	c.cur = next
	c.state.Store(int32(next))
	c.logger.Info("state changed", "from", prev.String(), "to", next.String(), "event", e.String())

	status := next.Presence()
	c.effect(func(ctx context.Context) {
		if err := c.bus.Track(ctx, models.PresenceChannel, c.clientID, models.PresenceState{Status: status}); err != nil {
			c.logger.Debug("presence update failed", "status", status, "err", err)
		}
	})
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(next)
	}
	return true
}

func (c *Controller) reportError(err error) {
	if c.hooks.OnError != nil {
		c.hooks.OnError(err)
	}
}

// namedTimer is a cancellable timer whose expiry runs on the loop. Every
// arm and disarm bumps seq so that an expiry already queued for an older
// arming is dropped.
type namedTimer struct {
	name  string
	timer clockwork.Timer
	seq   uint64
}

func (c *Controller) arm(t *namedTimer, d time.Duration, fn func()) {
	c.disarm(t)
	seq := t.seq
	t.timer = c.clock.AfterFunc(d, func() {
		c.loop.push(func() {
			if t.seq != seq {
				return
			}
			t.timer = nil
			c.logger.Debug("timer fired", "timer", t.name)
			fn()
		})
	})
}

func (c *Controller) disarm(t *namedTimer) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.seq++
}
