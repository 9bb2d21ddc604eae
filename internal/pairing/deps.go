package pairing

import (
	"context"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/webrtc-pairing/internal/media"
	"github.com/mossy-p/webrtc-pairing/internal/models"
	"github.com/mossy-p/webrtc-pairing/internal/peer"
	"github.com/mossy-p/webrtc-pairing/internal/relayclient"
)

// Bus is the signaling relay
type Bus interface {
	Subscribe(ctx context.Context, channel string, handler relayclient.Handler) (relayclient.Subscription, error)
	Publish(ctx context.Context, channel, event string, payload any) error
	Track(ctx context.Context, channel, key string, state any) error
	Untrack(ctx context.Context, channel, key string) error
	OnPresence(channel string, fn relayclient.PresenceHandler)
}

// Matcher is the atomic match service
type Matcher interface {
	Match(ctx context.Context) (models.MatchResponse, error)
	Renew(ctx context.Context) (models.RenewResponse, error)
	Leave(ctx context.Context) error
	ReleaseRoom(ctx context.Context, roomID string) error
}

// MediaSource acquires the local stream
type MediaSource interface {
	Acquire(ctx context.Context) (*media.Stream, error)
}

// Uploader stores attachment blobs and returns their URL
type Uploader interface {
	Upload(ctx context.Context, owner, name, contentType string, body io.Reader) (string, error)
}

// Peer is the negotiation surface of one peer connection
type Peer interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	HasRemoteDescription() bool
	SendChat([]byte) error
	ChatOpen() bool
	Close() error
}

// PeerFactory creates peer connections carrying tracks
type PeerFactory interface {
	NewPeer(tracks []webrtc.TrackLocal, cb peer.Callbacks) (Peer, error)
}

// PionPeers adapts a peer.Factory
type PionPeers struct {
	Factory *peer.Factory
}

func (p PionPeers) NewPeer(tracks []webrtc.TrackLocal, cb peer.Callbacks) (Peer, error) {
	pc, err := p.Factory.New(tracks, cb)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

// Room signaling payloads
type (
	peerReadyPayload struct {
		ClientID string `json:"clientId"`
	}
	offerPayload struct {
		Offer webrtc.SessionDescription `json:"offer"`
	}
	answerPayload struct {
		Answer webrtc.SessionDescription `json:"answer"`
	}
	candidatePayload struct {
		Candidate webrtc.ICECandidateInit `json:"candidate"`
	}
)
