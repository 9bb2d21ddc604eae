package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/webrtc-pairing/internal/models"
)

// PresenceCounts aggregates the global presence channel for display
func PresenceCounts(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := hub.PresenceSnapshot(models.PresenceChannel)
		states := make(map[string]models.PresenceState, len(raw))
		for key, payload := range raw {
			var state models.PresenceState
			if err := json.Unmarshal(payload, &state); err != nil {
				continue
			}
			states[key] = state
		}
		c.JSON(http.StatusOK, models.CountPresence(states))
	}
}
