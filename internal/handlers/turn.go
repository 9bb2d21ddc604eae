package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/webrtc-pairing/internal/models"
)

// ICEServerProvider hands out the ICE configuration for a client
type ICEServerProvider interface {
	ICEServers(session string) ([]models.ICEServer, error)
}

// TURNCredentials returns STUN and TURN servers with time-limited credentials
// bound to the caller's identity.
func TURNCredentials(provider ICEServerProvider, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		servers, err := provider.ICEServers(c.GetString("user_id"))
		if err != nil {
			logger.Error("failed to generate TURN credentials", "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate TURN credentials"})
			return
		}
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, servers)
	}
}
