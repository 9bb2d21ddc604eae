package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/webrtc-pairing/internal/chat"
	"github.com/mossy-p/webrtc-pairing/internal/models"
	"github.com/mossy-p/webrtc-pairing/internal/peer"
	"github.com/mossy-p/webrtc-pairing/internal/relayclient"
)

func (c *Controller) onRoomMessage(g uint64, m relayclient.Message) {
	r := c.room
	if g != c.gen || r == nil {
		return
	}
	if m.From != r.peerID {
		c.logger.Debug("room message from non-member dropped", "from", m.From, "event", m.Event)
		return
	}

	switch m.Event {
	case models.EventPeerReady:
		c.onPeerReady(g, r)
	case models.EventOffer:
		var p offerPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			c.negotiationFailed("offer", err)
			return
		}
		c.onOffer(g, r, p.Offer)
	case models.EventAnswer:
		var p answerPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			c.negotiationFailed("answer", err)
			return
		}
		c.onAnswer(r, p.Answer)
	case models.EventCandidate:
		var p candidatePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			c.negotiationFailed("candidate", err)
			return
		}
		c.onCandidate(r, p.Candidate)
	default:
		c.logger.Debug("unknown room event", "event", m.Event)
	}
}

// onPeerReady: the offerer creates its offer once; the answerer replies with
// its own peer_ready once so an announcement sent before the offerer
// subscribed is repeated.
func (c *Controller) onPeerReady(g uint64, r *room) {
	if !r.offerer {
		if r.readyReplied || r.offerApplied {
			return
		}
		r.readyReplied = true
		c.publish(g, r.id, models.EventPeerReady, peerReadyPayload{ClientID: c.clientID})
		return
	}

	if r.offerSent {
		return
	}
	pc, err := c.ensurePeer(g, r)
	if err != nil {
		c.negotiationAborted("create peer", err)
		return
	}
	offer, err := pc.CreateOffer()
	if err != nil {
		c.negotiationAborted("offer", err)
		return
	}
	r.offerSent = true
	c.arm(&c.pairing, c.pairingTimeout, c.onPairingTimeout)
	c.publish(g, r.id, models.EventOffer, offerPayload{Offer: offer})
}

func (c *Controller) onOffer(g uint64, r *room, offer webrtc.SessionDescription) {
	if r.offerer {
		c.negotiationFailed("offer", errors.New("offer received by the offerer"))
		return
	}
	if r.offerApplied {
		c.negotiationFailed("offer", errors.New("duplicate offer"))
		return
	}

	pc, err := c.ensurePeer(g, r)
	if err != nil {
		c.negotiationAborted("create peer", err)
		return
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		c.negotiationFailed("offer", err)
		return
	}
	r.offerApplied = true
	c.disarm(&c.pairing)
	c.drainCandidates(r)

	answer, err := pc.CreateAnswer()
	if err != nil {
		c.negotiationAborted("answer", err)
		return
	}
	c.publish(g, r.id, models.EventAnswer, answerPayload{Answer: answer})
}

// onAnswer applies an answer only while an offer of ours is outstanding
func (c *Controller) onAnswer(r *room, answer webrtc.SessionDescription) {
	if r.peer == nil || r.peer.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		c.logger.Debug("answer ignored", "room_id", r.id)
		return
	}
	if err := r.peer.SetRemoteDescription(answer); err != nil {
		c.negotiationFailed("answer", err)
		return
	}
	c.disarm(&c.pairing)
	c.drainCandidates(r)
}

func (c *Controller) onCandidate(r *room, cand webrtc.ICECandidateInit) {
	if r.peer == nil || !r.peer.HasRemoteDescription() {
		r.candidates = append(r.candidates, cand)
		return
	}
	if err := r.peer.AddICECandidate(cand); err != nil {
		c.negotiationFailed("candidate", err)
	}
}

// drainCandidates applies queued candidates in arrival order, each once
func (c *Controller) drainCandidates(r *room) {
	queued := r.candidates
	r.candidates = nil
	for _, cand := range queued {
		if err := r.peer.AddICECandidate(cand); err != nil {
			c.negotiationFailed("candidate", err)
		}
	}
}

// ensurePeer lazily creates the room's connection with the local tracks
func (c *Controller) ensurePeer(g uint64, r *room) (Peer, error) {
	if r.peer != nil {
		return r.peer, nil
	}
	if c.stream == nil {
		return nil, errors.New("no local media")
	}

	roomID := r.id
	pc, err := c.peers.NewPeer(c.stream.Tracks(), peer.Callbacks{
		OnICECandidate: func(cand webrtc.ICECandidateInit) {
			c.loop.push(func() {
				if g == c.gen {
					c.publish(g, roomID, models.EventCandidate, candidatePayload{Candidate: cand})
				}
			})
		},
		OnConnectionState: func(state webrtc.PeerConnectionState) {
			c.loop.push(func() { c.onConnectionState(g, state) })
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			c.loop.push(func() {
				if g == c.gen && c.hooks.OnRemoteTrack != nil {
					c.hooks.OnRemoteTrack(track)
				}
			})
		},
		OnChat: func(data []byte) {
			c.loop.push(func() { c.onChat(g, data) })
		},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer: %w", err)
	}
	r.peer = pc
	return pc, nil
}

func (c *Controller) onConnectionState(g uint64, state webrtc.PeerConnectionState) {
	if g != c.gen || c.room == nil {
		return
	}
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.disarm(&c.pairing)
		if c.fire(EventConnected) && c.hooks.OnNewConnection != nil {
			c.hooks.OnNewConnection()
		}
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		ferr := &ConnectivityFailure{State: state.String()}
		c.logger.Warn("peer connection lost", "room_id", c.room.id, "state", state.String())
		c.reportError(ferr)
		c.hangUp(true)
	}
}

func (c *Controller) onChat(g uint64, data []byte) {
	if g != c.gen {
		return
	}
	msg, err := chat.Unmarshal(data)
	if err != nil {
		c.logger.Debug("malformed chat message dropped", "err", err)
		return
	}
	if c.hooks.OnMessage != nil {
		c.hooks.OnMessage(msg)
	}
}

// publish sends a room event on the worker. A failed send abandons the
// attempt.
func (c *Controller) publish(g uint64, roomID, event string, payload any) {
	channel := models.RoomChannel(roomID)
	c.effect(func(ctx context.Context) {
		if c.stale(g) {
			return
		}
		if err := c.bus.Publish(ctx, channel, event, payload); err != nil {
			c.loop.push(func() {
				if g == c.gen {
					c.matchmakingFailed("publish "+event, err)
				}
			})
		}
	})
}

// negotiationFailed drops one signaling message; the attempt continues
func (c *Controller) negotiationFailed(kind string, err error) {
	nerr := &NegotiationError{Kind: kind, Err: err}
	c.logger.Warn("signaling message dropped", "kind", kind, "err", err)
	c.reportError(nerr)
}

// negotiationAborted is a local failure the attempt cannot recover from
func (c *Controller) negotiationAborted(kind string, err error) {
	c.negotiationFailed(kind, err)
	c.hangUp(true)
}
