package models

import (
	"encoding/json"
	"time"
)

// RoomMetadata stores information about a room created by the matcher
type RoomMetadata struct {
	ID        string    `json:"id"`
	Offerer   string    `json:"offerer"`  // client that won the match call
	Answerer  string    `json:"answerer"` // client that was waiting
	CreatedAt time.Time `json:"createdAt"`
}

// HasMember reports whether clientID is one of the two room members
func (r RoomMetadata) HasMember(clientID string) bool {
	return clientID != "" && (r.Offerer == clientID || r.Answerer == clientID)
}

// Peer returns the other member of the room
func (r RoomMetadata) Peer(clientID string) string {
	if r.Offerer == clientID {
		return r.Answerer
	}
	return r.Offerer
}

// MatchResponse is the response of the match RPC. An unmatched response means
// the caller is now waiting and will learn its room from a room_assigned
// notification.
type MatchResponse struct {
	Matched bool   `json:"matched"`
	RoomID  string `json:"roomId,omitempty"`
	PeerID  string `json:"peerId,omitempty"`
	Offerer bool   `json:"offerer"`
}

// RoomAssignment is the payload of a room_assigned notification
type RoomAssignment struct {
	RoomID  string `json:"roomId"`
	PeerID  string `json:"peerId"`
	Offerer bool   `json:"offerer"`
}

// RenewStatus is the outcome of renewing a waiting registration
type RenewStatus string

const (
	// RenewWaiting: the registration was extended
	RenewWaiting RenewStatus = "waiting"
	// RenewAssigned: another caller already claimed the registration
	RenewAssigned RenewStatus = "assigned"
	// RenewExpired: there is no registration left and no room either
	RenewExpired RenewStatus = "expired"
)

// RenewResponse is the response of the renew RPC. Assignment is set only for
// RenewAssigned, so a waiter that misses its room_assigned notification still
// learns its room.
type RenewResponse struct {
	Status     RenewStatus     `json:"status"`
	Assignment *RoomAssignment `json:"assignment,omitempty"`
}

// QueueResponse reports how many clients are waiting for a partner
type QueueResponse struct {
	Waiting int64 `json:"waiting"`
}

// ICEServer is the browser-compatible ICE server shape served by /api/turn
type ICEServer struct {
	URLs       StringList `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// StringList decodes either a single JSON string or a list of strings
type StringList []string

func (s *StringList) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}
