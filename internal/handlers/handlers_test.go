package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mossy-p/webrtc-pairing/config"
	"github.com/mossy-p/webrtc-pairing/internal/models"
	"github.com/mossy-p/webrtc-pairing/internal/redis"
	"github.com/mossy-p/webrtc-pairing/internal/turncreds"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	hub *Hub
}

func newTestServer(t *testing.T, origins ...string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ice, err := turncreds.NewProvider(config.TURNConfig{
		STUNURLs:       []string{"stun:stun.l.google.com:19302"},
		TURNURLs:       []string{"turn:relay.example:3478"},
		Secret:         "turn-secret",
		TTL:            24 * time.Hour,
		UsernamePrefix: "pairing",
	}, nil)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	hub := NewHub(nil, logger)
	router := gin.New()
	Register(router, Deps{
		JWTSecret:      testSecret,
		AllowedOrigins: origins,
		Store:          redis.NewMatchStore(rdb, time.Minute, time.Hour, nil),
		Hub:            hub,
		ICE:            ice,
		Logger:         logger,
		DemoLogin:      true,
	})

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, hub: hub}
}

func (ts *testServer) anonymous(t *testing.T) LoginResponse {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/auth/anonymous", "application/json", nil)
	if err != nil {
		t.Fatalf("anonymous: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("anonymous: status %d", resp.StatusCode)
	}
	var login LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(login.UserID, "user_") {
		t.Fatalf("unexpected anonymous id %q", login.UserID)
	}
	return login
}

func (ts *testServer) login(t *testing.T, username string) (int, LoginResponse) {
	t.Helper()
	body := strings.NewReader(`{"username":"` + username + `","password":"pw"}`)
	resp, err := http.Post(ts.URL+"/api/auth/login", "application/json", body)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	var login LoginResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode, login
}

func (ts *testServer) do(t *testing.T, method, path, token string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (ts *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/relay?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame models.Frame) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

// readUntil reads frames until match returns true
func readUntil(t *testing.T, conn *websocket.Conn, match func(models.Frame) bool) models.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var frame models.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if match(frame) {
			return frame
		}
	}
}

func subscribe(t *testing.T, conn *websocket.Conn, channel string) {
	t.Helper()
	writeFrame(t, conn, models.Frame{Type: models.FrameTypeSubscribe, Ref: "sub-" + channel, Channel: channel})
	readUntil(t, conn, func(f models.Frame) bool {
		return f.Type == models.FrameTypeSubscribed && f.Ref == "sub-"+channel
	})
}

func TestRelay_BroadcastSkipsSenderAndAcks(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.anonymous(t)
	bob := ts.anonymous(t)

	a := ts.dial(t, alice.Token)
	b := ts.dial(t, bob.Token)
	subscribe(t, a, "signaling-r1")
	subscribe(t, b, "signaling-r1")

	writeFrame(t, a, models.Frame{
		Type:    models.FrameTypeBroadcast,
		Ref:     "1",
		Channel: "signaling-r1",
		Event:   models.EventPeerReady,
		Payload: json.RawMessage(`{}`),
		Ack:     true,
	})

	ack := readUntil(t, a, func(f models.Frame) bool { return f.Ref == "1" })
	if ack.Type != models.FrameTypeAck {
		t.Fatalf("expected ack, got %+v", ack)
	}

	got := readUntil(t, b, func(f models.Frame) bool { return f.Type == models.FrameTypeBroadcast })
	if got.Event != models.EventPeerReady || got.From != alice.UserID || got.Channel != "signaling-r1" {
		t.Fatalf("unexpected broadcast %+v", got)
	}

	// Alice must not see her own broadcast: the next thing she reads is
	// the ack of a second publish.
	writeFrame(t, a, models.Frame{Type: models.FrameTypeBroadcast, Ref: "2", Channel: "signaling-r1", Event: "x", Ack: true})
	next := readUntil(t, a, func(models.Frame) bool { return true })
	if next.Type != models.FrameTypeAck || next.Ref != "2" {
		t.Fatalf("sender received %+v", next)
	}
}

func TestRelay_PublishWithoutSubscription(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.anonymous(t)
	bob := ts.anonymous(t)

	a := ts.dial(t, alice.Token)
	b := ts.dial(t, bob.Token)
	subscribe(t, b, "signaling-r2")

	writeFrame(t, a, models.Frame{
		Type:    models.FrameTypeBroadcast,
		Ref:     "1",
		Channel: "signaling-r2",
		Event:   models.EventPeerReady,
		Payload: json.RawMessage(`{"clientId":"x"}`),
		Ack:     true,
	})
	got := readUntil(t, b, func(f models.Frame) bool { return f.Type == models.FrameTypeBroadcast })
	if got.Event != models.EventPeerReady || got.From != alice.UserID {
		t.Fatalf("unexpected %+v", got)
	}
}

func TestRelay_NotificationChannelsAreServerOnly(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.anonymous(t)
	mallory := ts.anonymous(t)

	a := ts.dial(t, alice.Token)
	m := ts.dial(t, mallory.Token)
	notify := models.NotificationChannel(alice.UserID)
	subscribe(t, a, notify)

	// Another client can neither read nor write alice's channel
	writeFrame(t, m, models.Frame{Type: models.FrameTypeSubscribe, Ref: "peek", Channel: notify})
	if got := readUntil(t, m, func(f models.Frame) bool { return f.Ref == "peek" }); got.Type != models.FrameTypeError {
		t.Fatalf("foreign subscribe: %+v", got)
	}
	writeFrame(t, m, models.Frame{
		Type:    models.FrameTypeBroadcast,
		Ref:     "forge",
		Channel: notify,
		Event:   models.EventRoomAssigned,
		Payload: json.RawMessage(`{"roomId":"chosen-room","peerId":"` + mallory.UserID + `"}`),
		Ack:     true,
	})
	if got := readUntil(t, m, func(f models.Frame) bool { return f.Ref == "forge" }); got.Type != models.FrameTypeError {
		t.Fatalf("forged broadcast: %+v", got)
	}

	// Not even the owner may publish there
	writeFrame(t, a, models.Frame{Type: models.FrameTypeBroadcast, Ref: "own", Channel: notify, Event: "x", Ack: true})
	if got := readUntil(t, a, func(f models.Frame) bool { return f.Ref == "own" }); got.Type != models.FrameTypeError {
		t.Fatalf("owner broadcast: %+v", got)
	}

	// The server still can
	if err := ts.hub.Publish(context.Background(), notify, models.EventRoomAssigned, models.RoomAssignment{RoomID: "r", PeerID: "p"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got := readUntil(t, a, func(f models.Frame) bool { return f.Type == models.FrameTypeBroadcast })
	if got.Event != models.EventRoomAssigned || got.From != "" {
		t.Fatalf("server notification: %+v", got)
	}
}

func TestRelay_InvalidFrames(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.anonymous(t)
	a := ts.dial(t, alice.Token)

	writeFrame(t, a, models.Frame{Type: models.FrameTypeBroadcast, Ref: "no-channel"})
	got := readUntil(t, a, func(f models.Frame) bool { return f.Ref == "no-channel" })
	if got.Type != models.FrameTypeError {
		t.Fatalf("expected error, got %+v", got)
	}

	writeFrame(t, a, models.Frame{Type: "bogus", Ref: "bogus", Channel: "c"})
	got = readUntil(t, a, func(f models.Frame) bool { return f.Ref == "bogus" })
	if got.Type != models.FrameTypeError {
		t.Fatalf("expected error, got %+v", got)
	}
}

func TestRelay_RequiresToken(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/relay"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestRelay_PresenceSyncAndDisconnect(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.anonymous(t)
	bob := ts.anonymous(t)

	a := ts.dial(t, alice.Token)
	b := ts.dial(t, bob.Token)
	subscribe(t, a, models.PresenceChannel)
	subscribe(t, b, models.PresenceChannel)

	writeFrame(t, a, models.Frame{
		Type:    models.FrameTypeTrack,
		Ref:     "t1",
		Channel: models.PresenceChannel,
		Key:     alice.UserID,
		Payload: json.RawMessage(`{"status":"searching"}`),
	})

	sync := readUntil(t, b, func(f models.Frame) bool { return f.Type == models.FrameTypePresenceSync })
	var states map[string]models.PresenceState
	if err := json.Unmarshal(sync.Payload, &states); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if states[alice.UserID].Status != models.PresenceSearching {
		t.Fatalf("presence: %+v", states)
	}

	var counts models.PresenceCounts
	if code := ts.do(t, http.MethodGet, "/api/presence", "", &counts); code != http.StatusOK {
		t.Fatalf("presence status %d", code)
	}
	if counts.Searching != 1 || counts.Total != 1 {
		t.Fatalf("counts: %+v", counts)
	}

	_ = a.Close()
	sync = readUntil(t, b, func(f models.Frame) bool {
		if f.Type != models.FrameTypePresenceSync {
			return false
		}
		var s map[string]models.PresenceState
		_ = json.Unmarshal(f.Payload, &s)
		_, present := s[alice.UserID]
		return !present
	})
	if sync.Channel != models.PresenceChannel {
		t.Fatalf("unexpected channel %q", sync.Channel)
	}
}

func TestMatch_WaiterIsNotifiedAndCallerIsOfferer(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.anonymous(t)
	bob := ts.anonymous(t)

	a := ts.dial(t, alice.Token)
	subscribe(t, a, models.NotificationChannel(alice.UserID))

	var first models.MatchResponse
	if code := ts.do(t, http.MethodPost, "/api/match", alice.Token, &first); code != http.StatusOK {
		t.Fatalf("match alice: %d", code)
	}
	if first.Matched {
		t.Fatalf("alice should wait: %+v", first)
	}

	var queue models.QueueResponse
	ts.do(t, http.MethodGet, "/api/match/queue", "", &queue)
	if queue.Waiting != 1 {
		t.Fatalf("queue: %+v", queue)
	}

	var second models.MatchResponse
	if code := ts.do(t, http.MethodPost, "/api/match", bob.Token, &second); code != http.StatusOK {
		t.Fatalf("match bob: %d", code)
	}
	if !second.Matched || !second.Offerer || second.PeerID != alice.UserID || second.RoomID == "" {
		t.Fatalf("bob: %+v", second)
	}

	note := readUntil(t, a, func(f models.Frame) bool { return f.Event == models.EventRoomAssigned })
	var assignment models.RoomAssignment
	if err := json.Unmarshal(note.Payload, &assignment); err != nil {
		t.Fatalf("decode assignment: %v", err)
	}
	if assignment.RoomID != second.RoomID || assignment.Offerer || assignment.PeerID != bob.UserID {
		t.Fatalf("assignment: %+v", assignment)
	}

	var room models.RoomMetadata
	if code := ts.do(t, http.MethodGet, "/api/rooms/"+second.RoomID, alice.Token, &room); code != http.StatusOK {
		t.Fatalf("get room: %d", code)
	}
	if room.Offerer != bob.UserID || room.Answerer != alice.UserID {
		t.Fatalf("room: %+v", room)
	}

	carol := ts.anonymous(t)
	if code := ts.do(t, http.MethodGet, "/api/rooms/"+second.RoomID, carol.Token, nil); code != http.StatusForbidden {
		t.Fatalf("outsider got %d", code)
	}
	if code := ts.do(t, http.MethodDelete, "/api/rooms/"+second.RoomID, carol.Token, nil); code != http.StatusForbidden {
		t.Fatalf("outsider delete got %d", code)
	}
	if code := ts.do(t, http.MethodDelete, "/api/rooms/"+second.RoomID, bob.Token, nil); code != http.StatusOK {
		t.Fatalf("delete: %d", code)
	}
	// Second release by the other member is harmless
	if code := ts.do(t, http.MethodDelete, "/api/rooms/"+second.RoomID, alice.Token, nil); code != http.StatusOK {
		t.Fatalf("second delete: %d", code)
	}
}

func TestLeaveQueue(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.anonymous(t)
	bob := ts.anonymous(t)

	ts.do(t, http.MethodPost, "/api/match", alice.Token, &models.MatchResponse{})
	if code := ts.do(t, http.MethodDelete, "/api/match", alice.Token, nil); code != http.StatusNoContent {
		t.Fatalf("leave: %d", code)
	}

	var resp models.MatchResponse
	ts.do(t, http.MethodPost, "/api/match", bob.Token, &resp)
	if resp.Matched {
		t.Fatalf("bob matched a client that left: %+v", resp)
	}
}

func TestDemoLogin(t *testing.T) {
	ts := newTestServer(t)

	code, login := ts.login(t, "alice")
	if code != http.StatusOK || login.UserID != "alice" || login.Token == "" {
		t.Fatalf("login alice: %d %+v", code, login)
	}
	var servers []models.ICEServer
	if code := ts.do(t, http.MethodGet, "/api/turn", login.Token, &servers); code != http.StatusOK {
		t.Fatalf("turn for demo user: %d", code)
	}

	for _, name := range []string{"user_0123456789ab", "a:b"} {
		if code, _ := ts.login(t, name); code != http.StatusBadRequest {
			t.Fatalf("login %q: status %d, want 400", name, code)
		}
	}
}

func TestDemoLoginDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	Register(router, Deps{
		JWTSecret: testSecret,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/api/auth/login", "application/json",
		strings.NewReader(`{"username":"alice","password":"pw"}`))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("login without demo mode: status %d, want 404", resp.StatusCode)
	}
}

func TestTURNCredentials(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.anonymous(t)

	var servers []models.ICEServer
	if code := ts.do(t, http.MethodGet, "/api/turn", alice.Token, &servers); code != http.StatusOK {
		t.Fatalf("turn: %d", code)
	}
	if len(servers) != 2 {
		t.Fatalf("servers: %+v", servers)
	}
	relay := servers[1]
	if !strings.HasSuffix(relay.Username, ":pairing:"+alice.UserID) {
		t.Fatalf("relay username %q", relay.Username)
	}
	if relay.Credential != turncreds.Sign([]byte("turn-secret"), relay.Username) {
		t.Fatalf("relay credential mismatch")
	}

	if code := ts.do(t, http.MethodGet, "/api/turn", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated turn: %d", code)
	}
}

func TestOriginFilter(t *testing.T) {
	ts := newTestServer(t, "http://localhost:3000")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign origin: %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodOptions, ts.URL+"/api/match", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight: %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("allow origin: %q", got)
	}
}

func TestHubRunReportsReadyWithoutBroker(t *testing.T) {
	hub := NewHub(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx, func() { close(ready) }) }()

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("hub never became ready")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
