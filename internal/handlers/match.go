package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/webrtc-pairing/internal/models"
)

// MatchStore is the atomic matchmaking backend
type MatchStore interface {
	Match(ctx context.Context, clientID string) (*models.RoomMetadata, error)
	Renew(ctx context.Context, clientID string) (models.RenewResponse, error)
	Leave(ctx context.Context, clientID string) error
	QueueSize(ctx context.Context) (int64, error)
	GetRoom(ctx context.Context, roomID string) (*models.RoomMetadata, error)
	DeleteRoom(ctx context.Context, roomID, clientID string) error
}

// Publisher sends server-originated broadcasts on the relay
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

// Match pairs the caller with a waiting client. The caller becomes the
// offerer; the waiting client is told about the room on its notification
// channel. Without a partner the caller is left waiting.
func Match(store MatchStore, relay Publisher, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		ctx := c.Request.Context()

		room, err := store.Match(ctx, userID)
		if err != nil {
			logger.Error("match failed", "user_id", userID, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to match"})
			return
		}
		if room == nil {
			logger.Debug("client waiting for partner", "user_id", userID)
			c.JSON(http.StatusOK, models.MatchResponse{Matched: false})
			return
		}

		assignment := models.RoomAssignment{RoomID: room.ID, PeerID: userID, Offerer: false}
		if err := relay.Publish(ctx, models.NotificationChannel(room.Answerer), models.EventRoomAssigned, assignment); err != nil {
			// The waiter would never hear about the room. Drop it; the waiter
			// registers again on its next queue renewal.
			logger.Error("failed to notify waiting client", "room_id", room.ID, "peer", room.Answerer, "err", err)
			_ = store.DeleteRoom(ctx, room.ID, userID)
			c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to notify partner"})
			return
		}

		logger.Info("room matched", "room_id", room.ID, "offerer", room.Offerer, "answerer", room.Answerer)
		c.JSON(http.StatusOK, models.MatchResponse{
			Matched: true,
			RoomID:  room.ID,
			PeerID:  room.Answerer,
			Offerer: true,
		})
	}
}

// RenewRegistration keeps the caller's waiting registration alive. It never
// enqueues the caller again, so a registration claimed by another caller
// cannot be paired a second time.
func RenewRegistration(store MatchStore, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		res, err := store.Renew(c.Request.Context(), userID)
		if err != nil {
			logger.Error("renew failed", "user_id", userID, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to renew registration"})
			return
		}
		if res.Status == models.RenewAssigned {
			logger.Info("renewal found an assigned room", "user_id", userID, "room_id", res.Assignment.RoomID)
		}
		c.JSON(http.StatusOK, res)
	}
}

// LeaveQueue removes the caller's waiting registration
func LeaveQueue(store MatchStore, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if err := store.Leave(c.Request.Context(), userID); err != nil {
			logger.Error("leave queue failed", "user_id", userID, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to leave queue"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// QueueSize reports how many clients are waiting
func QueueSize(store MatchStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := store.QueueSize(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read queue"})
			return
		}
		c.JSON(http.StatusOK, models.QueueResponse{Waiting: n})
	}
}
