package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/webrtc-pairing/internal/chat"
	"github.com/mossy-p/webrtc-pairing/internal/media"
	"github.com/mossy-p/webrtc-pairing/internal/models"
	"github.com/mossy-p/webrtc-pairing/internal/peer"
	"github.com/mossy-p/webrtc-pairing/internal/relayclient"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// relay is an in-memory pub/sub bus shared by every fake client
type relay struct {
	mu        sync.Mutex
	subs      map[string][]*fakeSub
	published []sent
	presence  map[string]map[string]json.RawMessage
	watchers  map[string][]relayclient.PresenceHandler
	untracked []string
}

type sent struct {
	Channel string
	Event   string
	From    string
	Payload json.RawMessage
}

func newRelay() *relay {
	return &relay{
		subs:     make(map[string][]*fakeSub),
		presence: make(map[string]map[string]json.RawMessage),
		watchers: make(map[string][]relayclient.PresenceHandler),
	}
}

func (r *relay) bus(id string) *fakeBus { return &fakeBus{relay: r, id: id} }

func (r *relay) deliver(channel, event, from string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.published = append(r.published, sent{Channel: channel, Event: event, From: from, Payload: data})
	var targets []relayclient.Handler
	for _, s := range r.subs[channel] {
		if s.owner != from {
			targets = append(targets, s.handler)
		}
	}
	r.mu.Unlock()

	for _, h := range targets {
		h(relayclient.Message{Channel: channel, Event: event, From: from, Payload: data})
	}
	return nil
}

func (r *relay) subscribed(channel, owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs[channel] {
		if s.owner == owner {
			return true
		}
	}
	return false
}

func (r *relay) sentBy(from, event string) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sent
	for _, s := range r.published {
		if s.From == from && s.Event == event {
			out = append(out, s)
		}
	}
	return out
}

func (r *relay) status(key string) models.PresenceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s models.PresenceState
	_ = json.Unmarshal(r.presence[models.PresenceChannel][key], &s)
	return s.Status
}

func (r *relay) syncPresence(channel string) {
	r.mu.Lock()
	snapshot := make(map[string]json.RawMessage, len(r.presence[channel]))
	for k, v := range r.presence[channel] {
		snapshot[k] = v
	}
	watchers := slices.Clone(r.watchers[channel])
	r.mu.Unlock()

	for _, fn := range watchers {
		fn(snapshot)
	}
}

type fakeSub struct {
	relay   *relay
	channel string
	owner   string
	handler relayclient.Handler
}

func (s *fakeSub) Unsubscribe(context.Context) error {
	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()
	s.relay.subs[s.channel] = slices.DeleteFunc(s.relay.subs[s.channel], func(o *fakeSub) bool { return o == s })
	return nil
}

type fakeBus struct {
	relay *relay
	id    string

	mu          sync.Mutex
	failPublish map[string]error
}

func (b *fakeBus) Subscribe(_ context.Context, channel string, handler relayclient.Handler) (relayclient.Subscription, error) {
	s := &fakeSub{relay: b.relay, channel: channel, owner: b.id, handler: handler}
	b.relay.mu.Lock()
	b.relay.subs[channel] = append(b.relay.subs[channel], s)
	b.relay.mu.Unlock()
	return s, nil
}

func (b *fakeBus) Publish(_ context.Context, channel, event string, payload any) error {
	b.mu.Lock()
	err := b.failPublish[event]
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.relay.deliver(channel, event, b.id, payload)
}

func (b *fakeBus) Track(_ context.Context, channel, key string, state any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.relay.mu.Lock()
	if b.relay.presence[channel] == nil {
		b.relay.presence[channel] = make(map[string]json.RawMessage)
	}
	b.relay.presence[channel][key] = data
	b.relay.mu.Unlock()
	b.relay.syncPresence(channel)
	return nil
}

func (b *fakeBus) Untrack(_ context.Context, channel, key string) error {
	b.relay.mu.Lock()
	delete(b.relay.presence[channel], key)
	b.relay.untracked = append(b.relay.untracked, key)
	b.relay.mu.Unlock()
	b.relay.syncPresence(channel)
	return nil
}

func (b *fakeBus) OnPresence(channel string, fn relayclient.PresenceHandler) {
	b.relay.mu.Lock()
	b.relay.watchers[channel] = append(b.relay.watchers[channel], fn)
	b.relay.mu.Unlock()
}

// matchServer mimics the atomic match RPC: the caller is matched with the
// oldest waiter and becomes the offerer; the waiter learns its room from a
// room_assigned notification, or from its next renewal.
type matchServer struct {
	relay *relay

	mu       sync.Mutex
	waiting  []string
	assigned map[string]models.RoomAssignment
	rooms    int
	released []string
	leaves   int
	calls    map[string]int
	renewals map[string]int
	failNext error

	// holdNotices queues room_assigned notifications until flushNotices
	holdNotices bool
	held        []heldNotice
}

type heldNotice struct {
	waiter     string
	assignment models.RoomAssignment
}

func newMatchServer(r *relay) *matchServer {
	return &matchServer{
		relay:    r,
		assigned: make(map[string]models.RoomAssignment),
		calls:    make(map[string]int),
		renewals: make(map[string]int),
	}
}

func (s *matchServer) renewCalls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renewals[id]
}

// expire drops the waiting registration of id as a lapsed TTL would
func (s *matchServer) expire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting = slices.DeleteFunc(s.waiting, func(w string) bool { return w == id })
}

func (s *matchServer) flushNotices() {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()
	for _, n := range held {
		_ = s.relay.deliver(models.NotificationChannel(n.waiter), models.EventRoomAssigned, "", n.assignment)
	}
}

func (s *matchServer) client(id string) *fakeMatcher { return &fakeMatcher{server: s, id: id} }

func (s *matchServer) isWaiting(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.waiting, id)
}

func (s *matchServer) matchCalls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func (s *matchServer) wasReleased(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.released, roomID)
}

type fakeMatcher struct {
	server *matchServer
	id     string
}

func (m *fakeMatcher) Match(context.Context) (models.MatchResponse, error) {
	s := m.server
	s.mu.Lock()
	s.calls[m.id]++
	if err := s.failNext; err != nil {
		s.failNext = nil
		s.mu.Unlock()
		return models.MatchResponse{}, err
	}
	s.waiting = slices.DeleteFunc(s.waiting, func(w string) bool { return w == m.id })
	delete(s.assigned, m.id)
	if len(s.waiting) == 0 {
		s.waiting = append(s.waiting, m.id)
		s.mu.Unlock()
		return models.MatchResponse{}, nil
	}
	waiter := s.waiting[0]
	s.waiting = s.waiting[1:]
	s.rooms++
	roomID := fmt.Sprintf("room-%d", s.rooms)
	assignment := models.RoomAssignment{RoomID: roomID, PeerID: m.id, Offerer: false}
	s.assigned[waiter] = assignment
	hold := s.holdNotices
	if hold {
		s.held = append(s.held, heldNotice{waiter: waiter, assignment: assignment})
	}
	s.mu.Unlock()

	if !hold {
		_ = s.relay.deliver(models.NotificationChannel(waiter), models.EventRoomAssigned, "", assignment)
	}
	return models.MatchResponse{Matched: true, RoomID: roomID, PeerID: waiter, Offerer: true}, nil
}

func (m *fakeMatcher) Renew(context.Context) (models.RenewResponse, error) {
	s := m.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewals[m.id]++
	if slices.Contains(s.waiting, m.id) {
		return models.RenewResponse{Status: models.RenewWaiting}, nil
	}
	if a, ok := s.assigned[m.id]; ok {
		return models.RenewResponse{Status: models.RenewAssigned, Assignment: &a}, nil
	}
	return models.RenewResponse{Status: models.RenewExpired}, nil
}

func (m *fakeMatcher) Leave(context.Context) error {
	s := m.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves++
	delete(s.assigned, m.id)
	s.waiting = slices.DeleteFunc(s.waiting, func(w string) bool { return w == m.id })
	return nil
}

func (m *fakeMatcher) ReleaseRoom(_ context.Context, roomID string) error {
	s := m.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, roomID)
	return nil
}

// peerNet links fake peers through the SDP they exchange. The session
// description carries the token of the peer that created it.
type peerNet struct {
	mu          sync.Mutex
	byToken     map[string]*fakePeer
	byOwner     map[string][]*fakePeer
	autoConnect bool
}

func newPeerNet(autoConnect bool) *peerNet {
	return &peerNet{
		byToken:     make(map[string]*fakePeer),
		byOwner:     make(map[string][]*fakePeer),
		autoConnect: autoConnect,
	}
}

func (n *peerNet) factory(owner string) *fakeFactory { return &fakeFactory{net: n, owner: owner} }

// last returns the newest peer created for owner
func (n *peerNet) last(owner string) *fakePeer {
	n.mu.Lock()
	defer n.mu.Unlock()
	ps := n.byOwner[owner]
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

func (n *peerNet) count(owner string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.byOwner[owner])
}

type fakeFactory struct {
	net   *peerNet
	owner string
}

func (f *fakeFactory) NewPeer(tracks []webrtc.TrackLocal, cb peer.Callbacks) (Peer, error) {
	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	p := &fakePeer{
		net:    f.net,
		token:  fmt.Sprintf("%s-%d", f.owner, len(f.net.byOwner[f.owner])+1),
		cb:     cb,
		tracks: len(tracks),
		state:  webrtc.SignalingStateStable,
	}
	f.net.byToken[p.token] = p
	f.net.byOwner[f.owner] = append(f.net.byOwner[f.owner], p)
	return p, nil
}

type fakePeer struct {
	net    *peerNet
	token  string
	cb     peer.Callbacks
	tracks int

	mu         sync.Mutex
	state      webrtc.SignalingState
	remote     bool
	remoteSets int
	applied    []string
	chatOpen   bool
	closed     bool
	other      *fakePeer
}

func (p *fakePeer) lookup(token string) *fakePeer {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	return p.net.byToken[token]
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	if p.state != webrtc.SignalingStateStable {
		p.mu.Unlock()
		return webrtc.SessionDescription{}, errors.New("offer in " + p.state.String())
	}
	p.state = webrtc.SignalingStateHaveLocalOffer
	p.mu.Unlock()

	p.cb.OnICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:" + p.token})
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.token}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	if p.state != webrtc.SignalingStateHaveRemoteOffer {
		p.mu.Unlock()
		return webrtc.SessionDescription{}, errors.New("answer in " + p.state.String())
	}
	p.state = webrtc.SignalingStateStable
	p.mu.Unlock()

	p.cb.OnICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:" + p.token})
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.token}, nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	other := p.lookup(d.SDP)

	p.mu.Lock()
	switch {
	case d.Type == webrtc.SDPTypeOffer && p.state == webrtc.SignalingStateStable:
		p.state = webrtc.SignalingStateHaveRemoteOffer
	case d.Type == webrtc.SDPTypeAnswer && p.state == webrtc.SignalingStateHaveLocalOffer:
		p.state = webrtc.SignalingStateStable
	default:
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("remote %s in %s", d.Type, state)
	}
	p.remote = true
	p.remoteSets++
	p.other = other
	p.mu.Unlock()

	if d.Type == webrtc.SDPTypeAnswer && other != nil && p.net.autoConnect {
		p.connect()
		other.connect()
	}
	return nil
}

func (p *fakePeer) connect() {
	p.mu.Lock()
	p.chatOpen = true
	p.mu.Unlock()
	p.cb.OnConnectionState(webrtc.PeerConnectionStateConnected)
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.remote {
		return errors.New("candidate before remote description")
	}
	p.applied = append(p.applied, c.Candidate)
	return nil
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.applied)
}

func (p *fakePeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePeer) ChatOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chatOpen && !p.closed
}

func (p *fakePeer) SendChat(data []byte) error {
	p.mu.Lock()
	closed, open, other := p.closed, p.chatOpen, p.other
	p.mu.Unlock()
	switch {
	case closed:
		return peer.ErrClosed
	case !open || other == nil:
		return peer.ErrChatNotOpen
	}
	other.cb.OnChat(data)
	return nil
}

// Close tells the other side the connection dropped
func (p *fakePeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	other := p.other
	p.mu.Unlock()

	if other == nil {
		return nil
	}
	other.mu.Lock()
	gone := other.closed
	other.mu.Unlock()
	if !gone {
		other.cb.OnConnectionState(webrtc.PeerConnectionStateDisconnected)
	}
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// recorder collects hook invocations
type recorder struct {
	mu          sync.Mutex
	states      []State
	errs        []error
	connections int
	remote      []*webrtc.TrackRemote
	local       *media.Stream
	presence    []models.PresenceCounts
	messages    chan chat.Message
}

func newRecorder() *recorder {
	return &recorder{messages: make(chan chat.Message, 16)}
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnStateChange: func(s State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
		OnLocalStream: func(st *media.Stream) {
			r.mu.Lock()
			r.local = st
			r.mu.Unlock()
		},
		OnRemoteTrack: func(t *webrtc.TrackRemote) {
			r.mu.Lock()
			r.remote = append(r.remote, t)
			r.mu.Unlock()
		},
		OnMessage: func(m chat.Message) { r.messages <- m },
		OnNewConnection: func() {
			r.mu.Lock()
			r.connections++
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnPresence: func(c models.PresenceCounts) {
			r.mu.Lock()
			r.presence = append(r.presence, c)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) stateLog() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.states)
}

func (r *recorder) errList() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.errs)
}

func (r *recorder) connectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connections
}

func (r *recorder) lastPresence() (models.PresenceCounts, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.presence) == 0 {
		return models.PresenceCounts{}, false
	}
	return r.presence[len(r.presence)-1], true
}

// harness wires controllers to one relay, match server and peer network
type harness struct {
	t      *testing.T
	relay  *relay
	server *matchServer
	peers  *peerNet
	clock  *clockwork.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	r := newRelay()
	return &harness{
		t:      t,
		relay:  r,
		server: newMatchServer(r),
		peers:  newPeerNet(true),
		clock:  clockwork.NewFakeClock(),
	}
}

type testClient struct {
	*Controller
	id  string
	rec *recorder
	bus *fakeBus
}

func (h *harness) client(id string, tune ...func(*Options)) *testClient {
	h.t.Helper()
	rec := newRecorder()
	bus := h.relay.bus(id)
	opts := Options{
		ClientID: id,
		Bus:      bus,
		Matcher:  h.server.client(id),
		Media:    media.NewSource(media.NoCapture{}, quietLogger(), nil),
		Peers:    h.peers.factory(id),
		Hooks:    rec.hooks(),
		Logger:   quietLogger(),
		Clock:    h.clock,
	}
	for _, fn := range tune {
		fn(&opts)
	}
	c, err := New(opts)
	if err != nil {
		h.t.Fatalf("New(%s) error = %v", id, err)
	}
	h.t.Cleanup(func() { _ = c.Close() })
	return &testClient{Controller: c, id: id, rec: rec, bus: bus}
}

// ready returns an initialized client
func (h *harness) ready(id string, tune ...func(*Options)) *testClient {
	h.t.Helper()
	c := h.client(id, tune...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Initialize(ctx); err != nil {
		h.t.Fatalf("Initialize(%s) error = %v", id, err)
	}
	if got := c.State(); got != StateIdle {
		h.t.Fatalf("%s state after Initialize = %s, want IDLE", id, got)
	}
	return c
}

// settle waits until everything already queued on the loop has run
func (c *testClient) settle() {
	c.call(func() {})
}

// advance moves the fake clock once the clients' loops are idle
func (h *harness) advance(d time.Duration, clients ...*testClient) {
	for _, c := range clients {
		c.settle()
	}
	h.clock.Advance(d)
}

// timers blocks until exactly n timers are armed on the fake clock
func (h *harness) timers(n int) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.clock.BlockUntilContext(ctx, n); err != nil {
		h.t.Fatalf("waiting for %d armed timers: %v", n, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitState(t *testing.T, c *testClient, want State) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%s to reach %s (now %s)", c.id, want, c.State()), func() bool {
		return c.State() == want
	})
}
