package handlers

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/webrtc-pairing/internal/middleware"
)

// Deps are the collaborators the HTTP surface is built from
type Deps struct {
	JWTSecret      string
	AllowedOrigins []string
	Store          MatchStore
	Hub            *Hub
	ICE            ICEServerProvider
	Logger         *slog.Logger

	// DemoLogin mounts the username/password login that trusts any
	// credentials. Never set in production.
	DemoLogin bool
}

// Register mounts every route on router
func Register(router *gin.Engine, d Deps) {
	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(d.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(d.JWTSecret)

	apiGroup := router.Group("/api")
	{
		// Identity bootstrap (public)
		if d.DemoLogin {
			apiGroup.POST("/auth/login", Login(d.JWTSecret))
		}
		apiGroup.POST("/auth/anonymous", Anonymous(d.JWTSecret))

		// Atomic matchmaking
		apiGroup.POST("/match", auth, Match(d.Store, d.Hub, d.Logger))
		apiGroup.PUT("/match", auth, RenewRegistration(d.Store, d.Logger))
		apiGroup.DELETE("/match", auth, LeaveQueue(d.Store, d.Logger))
		apiGroup.GET("/match/queue", QueueSize(d.Store))

		// Room records created by the matcher
		apiGroup.GET("/rooms/:roomId", auth, GetRoom(d.Store))
		apiGroup.DELETE("/rooms/:roomId", auth, DeleteRoom(d.Store))

		// ICE servers with time-limited TURN credentials
		apiGroup.GET("/turn", auth, TURNCredentials(d.ICE, d.Logger))

		// Presence counters for display
		apiGroup.GET("/presence", PresenceCounts(d.Hub))
	}

	// WebSocket relay endpoint
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/relay", auth, HandleRelay(d.Hub))
	}
}
