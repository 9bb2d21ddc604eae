package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/webrtc-pairing/internal/redis"
)

// GetRoom returns a room record to one of its members
func GetRoom(store MatchStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")

		room, err := store.GetRoom(c.Request.Context(), c.Param("roomId"))
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
			return
		}
		if !room.HasMember(userID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Not a member of this room"})
			return
		}
		c.JSON(http.StatusOK, room)
	}
}

// DeleteRoom releases a room record (members only)
func DeleteRoom(store MatchStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")

		err := store.DeleteRoom(c.Request.Context(), c.Param("roomId"), userID)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
		case isNotFound(err):
			// Both members release the room on teardown; the second one is a no-op
			c.JSON(http.StatusOK, gin.H{"message": "Room already released"})
		case errors.Is(err, redis.ErrNotMember):
			c.JSON(http.StatusForbidden, gin.H{"error": "Only room members can delete the room"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		}
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, redis.ErrRoomNotFound)
}
