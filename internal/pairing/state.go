// Package pairing drives one client through matchmaking, room signaling and
// peer connection negotiation.
package pairing

import "github.com/mossy-p/webrtc-pairing/internal/models"

// State is the application state owned by the controller
type State int

const (
	StateIdle State = iota
	StateAwaitingMedia
	StateSearching
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingMedia:
		return "AWAITING_MEDIA"
	case StateSearching:
		return "SEARCHING"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Presence is the display status published for s
func (s State) Presence() models.PresenceStatus {
	switch s {
	case StateSearching, StateConnecting:
		return models.PresenceSearching
	case StateConnected:
		return models.PresenceConnected
	default:
		return models.PresenceOnline
	}
}

// Event is an input of the transition table
type Event int

const (
	EventInitialize Event = iota
	EventMediaReady
	EventMediaFailed
	EventStartChat
	EventRoomJoined
	EventConnected
	EventHangUp
	EventReconnect
)

func (e Event) String() string {
	switch e {
	case EventInitialize:
		return "initialize"
	case EventMediaReady:
		return "media_ready"
	case EventMediaFailed:
		return "media_failed"
	case EventStartChat:
		return "start_chat"
	case EventRoomJoined:
		return "room_joined"
	case EventConnected:
		return "connected"
	case EventHangUp:
		return "hang_up"
	case EventReconnect:
		return "reconnect"
	default:
		return "unknown"
	}
}

type transition struct {
	from  State
	event Event
}

var transitions = map[transition]State{
	{StateIdle, EventInitialize}:  StateAwaitingMedia,
	{StateError, EventInitialize}: StateAwaitingMedia,

	{StateAwaitingMedia, EventMediaReady}:  StateIdle,
	{StateAwaitingMedia, EventMediaFailed}: StateError,

	{StateIdle, EventStartChat}:      StateSearching,
	{StateSearching, EventStartChat}: StateSearching,

	{StateSearching, EventRoomJoined}: StateConnecting,
	{StateConnecting, EventConnected}: StateConnected,

	{StateIdle, EventHangUp}:       StateIdle,
	{StateSearching, EventHangUp}:  StateIdle,
	{StateConnecting, EventHangUp}: StateIdle,
	{StateConnected, EventHangUp}:  StateIdle,

	{StateIdle, EventReconnect}:       StateSearching,
	{StateSearching, EventReconnect}:  StateSearching,
	{StateConnecting, EventReconnect}: StateSearching,
	{StateConnected, EventReconnect}:  StateSearching,
}

// Next returns the state reached from s on e. ok is false when e is not
// accepted in s; the state is then unchanged.
func Next(s State, e Event) (next State, ok bool) {
	next, ok = transitions[transition{s, e}]
	if !ok {
		return s, false
	}
	return next, true
}
