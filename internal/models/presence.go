package models

// PresenceStatus is the display status a client publishes on the presence channel
type PresenceStatus string

const (
	PresenceOnline    PresenceStatus = "online"
	PresenceSearching PresenceStatus = "searching"
	PresenceConnected PresenceStatus = "connected"
)

// PresenceState is the per-key payload tracked on a presence channel
type PresenceState struct {
	Status PresenceStatus `json:"status"`
}

// PresenceCounts aggregates the presence channel for display
type PresenceCounts struct {
	Online    int `json:"online"`
	Searching int `json:"searching"`
	Connected int `json:"connected"`
	Total     int `json:"total"`
}

// CountPresence folds a presence snapshot into display counters
func CountPresence(states map[string]PresenceState) PresenceCounts {
	var counts PresenceCounts
	for _, state := range states {
		switch state.Status {
		case PresenceSearching:
			counts.Searching++
		case PresenceConnected:
			counts.Connected++
		default:
			counts.Online++
		}
	}
	counts.Total = len(states)
	return counts
}
