package models

import "strings"

// Channel names are the wire contract between independently started clients
// and the match server. Every party must derive them identically.
const (
	LobbyChannel    = "lobby"
	PresenceChannel = "global-presence"
)

const notificationPrefix = "room-notification-for-"

// NotificationChannel is the private callback channel of a client. The match
// server announces room assignments for a waiting client here.
func NotificationChannel(clientID string) string {
	return notificationPrefix + clientID
}

// IsNotificationChannel reports whether channel is some client's
// notification channel. Only the server publishes there.
func IsNotificationChannel(channel string) bool {
	return strings.HasPrefix(channel, notificationPrefix)
}

// RoomChannel is the signaling channel shared by the two members of a room
func RoomChannel(roomID string) string {
	return "signaling-" + roomID
}
