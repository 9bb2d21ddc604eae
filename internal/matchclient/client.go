// Package matchclient calls the match server's REST endpoints.
package matchclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mossy-p/webrtc-pairing/internal/models"
)

// ErrStatus wraps unexpected HTTP status codes
var ErrStatus = errors.New("unexpected status")

// Identity is an anonymous identity and the token proving it
type Identity struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Client is a match server client. Token may be empty until Anonymous has
// been called.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// WithToken returns a copy of the client authenticating as token
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// RelayURL is the websocket url of the relay hub behind this server
func (c *Client) RelayURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/relay"
	return u.String(), nil
}

// Anonymous obtains a fresh identity and token
func (c *Client) Anonymous(ctx context.Context) (Identity, error) {
	var id Identity
	err := c.do(ctx, http.MethodPost, "/api/auth/anonymous", http.StatusOK, &id)
	return id, err
}

// Match asks for a partner. An unmatched response means the caller is now
// waiting for a room_assigned notification.
func (c *Client) Match(ctx context.Context) (models.MatchResponse, error) {
	var resp models.MatchResponse
	err := c.do(ctx, http.MethodPost, "/api/match", http.StatusOK, &resp)
	return resp, err
}

// Renew extends the caller's waiting registration
func (c *Client) Renew(ctx context.Context) (models.RenewResponse, error) {
	var resp models.RenewResponse
	err := c.do(ctx, http.MethodPut, "/api/match", http.StatusOK, &resp)
	return resp, err
}

// Leave removes the caller's waiting registration
func (c *Client) Leave(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/match", http.StatusNoContent, nil)
}

// ReleaseRoom deletes a room record the caller belongs to
func (c *Client) ReleaseRoom(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodDelete, "/api/rooms/"+url.PathEscape(roomID), http.StatusOK, nil)
}

// ICEServers fetches STUN and TURN servers with fresh credentials
func (c *Client) ICEServers(ctx context.Context) ([]models.ICEServer, error) {
	var servers []models.ICEServer
	err := c.do(ctx, http.MethodGet, "/api/turn", http.StatusOK, &servers)
	return servers, err
}

// QueueSize reports how many clients are waiting
func (c *Client) QueueSize(ctx context.Context) (int64, error) {
	var resp models.QueueResponse
	err := c.do(ctx, http.MethodGet, "/api/match/queue", http.StatusOK, &resp)
	return resp.Waiting, err
}

// Presence reports the presence counters
func (c *Client) Presence(ctx context.Context) (models.PresenceCounts, error) {
	var resp models.PresenceCounts
	err := c.do(ctx, http.MethodGet, "/api/presence", http.StatusOK, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
		return fmt.Errorf("%s %s: %w %d: %s", method, path, ErrStatus, resp.StatusCode, body.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
