package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/webrtc-pairing/internal/middleware"
)

const tokenTTL = 24 * time.Hour

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

const anonymousPrefix = "user_"

// Login handles user login and JWT generation
// For demo purposes, accepts any username/password combination. It is only
// mounted outside production.
func Login(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}
		if err := validUsername(req.Username); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		respondWithToken(c, jwtSecret, req.Username)
	}
}

// validUsername keeps demo names out of the anonymous identity space and
// usable inside TURN usernames
func validUsername(name string) error {
	switch {
	case strings.HasPrefix(name, anonymousPrefix):
		return errors.New("usernames starting with " + anonymousPrefix + " are reserved")
	case strings.Contains(name, ":"):
		return errors.New("usernames must not contain ':'")
	}
	return nil
}

// Anonymous mints a token for a fresh random identity. This is how a client
// that has no account obtains its ClientIdentity.
func Anonymous(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := NewAnonymousID()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate identity"})
			return
		}
		respondWithToken(c, jwtSecret, userID)
	}
}

// NewAnonymousID returns an identity of the form user_<hex>
func NewAnonymousID() (string, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return anonymousPrefix + hex.EncodeToString(b[:]), nil
}

func respondWithToken(c *gin.Context, jwtSecret, userID string) {
	tokenString, err := middleware.IssueToken(jwtSecret, userID, tokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to generate token",
		})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		Token:  tokenString,
		UserID: userID,
	})
}
