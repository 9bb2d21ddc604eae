// Package peer wraps a pion PeerConnection with the pieces a pairing needs:
// local tracks, one ordered chat channel, trickled candidates and connection
// state reporting.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/webrtc-pairing/internal/models"
)

// ChatLabel is the label of the chat data channel
const ChatLabel = "chat"

var (
	ErrChatNotOpen = errors.New("chat channel is not open")
	ErrClosed      = errors.New("peer connection closed")
)

// Callbacks surface connection events. They are invoked on pion goroutines.
type Callbacks struct {
	OnICECandidate    func(webrtc.ICECandidateInit)
	OnConnectionState func(webrtc.PeerConnectionState)
	OnRemoteTrack     func(*webrtc.TrackRemote)
	OnChat            func([]byte)
}

// Factory builds peer connections sharing one pion API and ICE configuration
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *slog.Logger
}

// NewFactory prepares peer construction with iceServers. tune may adjust the
// setting engine, e.g. to include loopback candidates.
func NewFactory(iceServers []models.ICEServer, logger *slog.Logger, tune ...func(*webrtc.SettingEngine)) (*Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}

	se := webrtc.SettingEngine{LoggerFactory: LoggerFactory{Logger: logger}}
	for _, fn := range tune {
		fn(&se)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return &Factory{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(m)),
		config: webrtc.Configuration{ICEServers: ToPion(iceServers)},
		logger: logger.With("component", "peer"),
	}, nil
}

// ToPion converts the server's ICE list to pion's shape
func ToPion(servers []models.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		pcServer := webrtc.ICEServer{URLs: []string(s.URLs), Username: s.Username}
		if s.Credential != "" {
			pcServer.Credential = s.Credential
		}
		out = append(out, pcServer)
	}
	return out
}

// Peer is one side of a pairing
type Peer struct {
	pc     *webrtc.PeerConnection
	cb     Callbacks
	logger *slog.Logger

	mu        sync.Mutex
	chat      *webrtc.DataChannel
	closed    bool
	closeOnce sync.Once
}

// New creates a connection with tracks attached
func (f *Factory) New(tracks []webrtc.TrackLocal, cb Callbacks) (*Peer, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	p := &Peer{pc: pc, cb: cb, logger: f.logger}

	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		go drainRTCP(sender)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cb.OnICECandidate == nil {
			return
		}
		cb.OnICECandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debug("connection state", "state", state.String())
		if cb.OnConnectionState != nil {
			cb.OnConnectionState(state)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Debug("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		if cb.OnRemoteTrack != nil {
			cb.OnRemoteTrack(track)
		}
	})
	// The answerer adopts the chat channel announced by the offerer
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChatLabel {
			p.logger.Debug("ignoring data channel", "label", dc.Label())
			return
		}
		p.adoptChat(dc)
	})
	return p, nil
}

// drainRTCP keeps the sender's interceptors flowing
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *Peer) adoptChat(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.chat = dc
	p.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if p.cb.OnChat != nil {
			p.cb.OnChat(msg.Data)
		}
	})
}

// CreateOffer opens the chat channel, then creates and applies the local offer
func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	needChat := p.chat == nil
	p.mu.Unlock()

	if needChat {
		ordered := true
		dc, err := p.pc.CreateDataChannel(ChatLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("create chat channel: %w", err)
		}
		p.adoptChat(dc)
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// AcceptOffer applies a remote offer and returns the applied answer
func (p *Peer) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	return p.CreateAnswer()
}

// CreateAnswer creates and applies the answer to an applied remote offer
func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	return nil
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (p *Peer) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *Peer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

// ChatOpen reports whether chat messages can be sent
func (p *Peer) ChatOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.chat != nil && p.chat.ReadyState() == webrtc.DataChannelStateOpen
}

// SendChat sends one chat frame
func (p *Peer) SendChat(data []byte) error {
	p.mu.Lock()
	dc := p.chat
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChatNotOpen
	}
	return dc.SendText(string(data))
}

// Close releases the connection. Safe to call more than once.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		err = p.pc.Close()
	})
	return err
}
