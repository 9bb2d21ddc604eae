package models

import "encoding/json"

// FrameType represents the type of a relay frame exchanged over the websocket
type FrameType string

const (
	FrameTypeSubscribe    FrameType = "subscribe"
	FrameTypeSubscribed   FrameType = "subscribed"
	FrameTypeUnsubscribe  FrameType = "unsubscribe"
	FrameTypeUnsubscribed FrameType = "unsubscribed"
	FrameTypeBroadcast    FrameType = "broadcast"
	FrameTypeAck          FrameType = "ack"
	FrameTypeTrack        FrameType = "track"
	FrameTypeUntrack      FrameType = "untrack"
	FrameTypePresenceSync FrameType = "presence_sync"
	FrameTypeError        FrameType = "error"
)

// Frame is the unit of the relay wire protocol. Clients send subscribe,
// unsubscribe, broadcast, track and untrack frames; the relay answers with
// subscribed, unsubscribed, ack, error and delivers broadcast and
// presence_sync frames.
type Frame struct {
	Type    FrameType       `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event,omitempty"`
	Key     string          `json:"key,omitempty"`
	Ack     bool            `json:"ack,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Event names carried by broadcast frames.
const (
	// Broadcast-lobby matchmaking vocabulary. Reserved: the server-mediated
	// matcher does not emit these.
	EventLookingForPartner = "looking_for_partner"
	EventPairingRequest    = "pairing_request"

	// Sent by the match server on a client's notification channel.
	EventRoomAssigned = "room_assigned"

	// Per-room signaling.
	EventPeerReady = "peer_ready"
	EventOffer     = "offer"
	EventAnswer    = "answer"
	EventCandidate = "candidate"
)

// Envelope is the {event, payload} shape of a broadcast as seen by handlers
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}
