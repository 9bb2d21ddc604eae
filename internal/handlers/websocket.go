package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/webrtc-pairing/internal/models"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 54 * time.Second
	maxFrameBytes   = 64 * 1024
	sendBufferSize  = 256
	publishDeadline = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client represents a WebSocket relay connection
type Client struct {
	ID     string // connection id, unique per socket
	UserID string // identity from the JWT
	Conn   *websocket.Conn
	Send   chan []byte

	hub       *Hub
	logger    *slog.Logger
	closeOnce sync.Once
	closed    chan struct{}
}

// HandleRelay upgrades an authenticated request to a relay connection
func HandleRelay(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.logger.Warn("failed to upgrade connection", "err", err)
			return
		}

		client := &Client{
			ID:     uuid.NewString(),
			UserID: userID,
			Conn:   conn,
			Send:   make(chan []byte, sendBufferSize),
			hub:    hub,
			closed: make(chan struct{}),
		}
		client.logger = hub.logger.With("conn_id", client.ID, "user_id", userID)
		client.logger.Info("relay connection opened")

		go client.writePump()
		go client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.close()
		c.Conn.Close()
		c.logger.Info("relay connection closed")
	}()

	c.Conn.SetReadLimit(maxFrameBytes)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket error", "err", err)
			}
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Debug("failed to parse frame", "err", err)
			c.sendFrame(models.Frame{Type: models.FrameTypeError, Error: "malformed frame"})
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame models.Frame) {
	if frame.Channel == "" {
		c.replyError(frame.Ref, "channel is required")
		return
	}

	// Notification channels are private: readable by their owner only and
	// written by the server only.
	if models.IsNotificationChannel(frame.Channel) {
		switch frame.Type {
		case models.FrameTypeSubscribe, models.FrameTypeUnsubscribe:
			if frame.Channel != models.NotificationChannel(c.UserID) {
				c.replyError(frame.Ref, "not your notification channel")
				return
			}
		default:
			c.logger.Warn("client write to notification channel rejected", "channel", frame.Channel, "type", frame.Type)
			c.replyError(frame.Ref, "notification channels are server-only")
			return
		}
	}

	switch frame.Type {
	case models.FrameTypeSubscribe:
		c.hub.subscribe(c, frame.Channel)
		c.sendFrame(models.Frame{Type: models.FrameTypeSubscribed, Ref: frame.Ref, Channel: frame.Channel})

	case models.FrameTypeUnsubscribe:
		c.hub.unsubscribe(c, frame.Channel)
		c.sendFrame(models.Frame{Type: models.FrameTypeUnsubscribed, Ref: frame.Ref, Channel: frame.Channel})

	case models.FrameTypeBroadcast:
		if frame.Event == "" {
			c.replyError(frame.Ref, "event is required")
			return
		}
		out := models.Frame{
			Type:    models.FrameTypeBroadcast,
			Channel: frame.Channel,
			Event:   frame.Event,
			From:    c.UserID,
			Payload: frame.Payload,
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishDeadline)
		err := c.hub.broadcast(ctx, c.ID, out)
		cancel()
		if err != nil {
			c.logger.Warn("broadcast failed", "channel", frame.Channel, "event", frame.Event, "err", err)
			c.replyError(frame.Ref, "broadcast failed")
			return
		}
		if frame.Ack {
			c.sendFrame(models.Frame{Type: models.FrameTypeAck, Ref: frame.Ref, Channel: frame.Channel})
		}

	case models.FrameTypeTrack:
		if frame.Key == "" {
			c.replyError(frame.Ref, "key is required")
			return
		}
		c.hub.track(c, frame.Channel, frame.Key, frame.Payload)
		c.sendFrame(models.Frame{Type: models.FrameTypeAck, Ref: frame.Ref, Channel: frame.Channel})

	case models.FrameTypeUntrack:
		c.hub.untrack(c, frame.Channel, frame.Key)
		c.sendFrame(models.Frame{Type: models.FrameTypeAck, Ref: frame.Ref, Channel: frame.Channel})

	default:
		c.logger.Debug("unknown frame type", "type", frame.Type)
		c.replyError(frame.Ref, "unknown frame type")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("failed to write message", "err", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// send queues raw frame bytes without blocking the caller
func (c *Client) send(data []byte) {
	select {
	case <-c.closed:
		return
	default:
	}

	select {
	case c.Send <- data:
	default:
		c.logger.Warn("failed to send message, buffer full")
	}
}

func (c *Client) sendFrame(frame models.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Warn("failed to marshal frame", "err", err)
		return
	}
	c.send(data)
}

func (c *Client) replyError(ref, msg string) {
	c.sendFrame(models.Frame{Type: models.FrameTypeError, Ref: ref, Error: msg})
}
