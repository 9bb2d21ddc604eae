// Package turncreds mints time-limited TURN credentials in the coturn
// "TURN REST API" format:
//
//	username   = <unix_expiry>:<prefix>:<session>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The TURN server recomputes the HMAC from the same secret, so no
// credentials are ever stored.
package turncreds

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mossy-p/webrtc-pairing/config"
	"github.com/mossy-p/webrtc-pairing/internal/models"
)

var (
	ErrNoSecret    = errors.New("turncreds: shared secret is required")
	ErrBadTTL      = errors.New("turncreds: ttl must be at least one second")
	ErrColonInPart = errors.New("turncreds: username parts must not contain ':'")
)

// Credentials is one minted username/credential pair
type Credentials struct {
	Username   string
	Credential string
	ExpiresAt  time.Time
}

// Minter signs usernames with the shared secret
type Minter struct {
	secret []byte
	ttl    time.Duration
	prefix string
	clock  clockwork.Clock
}

func NewMinter(secret string, ttl time.Duration, prefix string, clock clockwork.Clock) (*Minter, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl < time.Second {
		return nil, ErrBadTTL
	}
	if prefix == "" || strings.Contains(prefix, ":") {
		return nil, fmt.Errorf("prefix %q: %w", prefix, ErrColonInPart)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Minter{secret: []byte(secret), ttl: ttl, prefix: prefix, clock: clock}, nil
}

// Mint returns credentials for session. An empty session gets a random one.
func (m *Minter) Mint(session string) (Credentials, error) {
	if session == "" {
		session = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if strings.Contains(session, ":") {
		return Credentials{}, fmt.Errorf("session %q: %w", session, ErrColonInPart)
	}
	expiresAt := m.clock.Now().UTC().Add(m.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expiresAt.Unix(), m.prefix, session)
	return Credentials{
		Username:   username,
		Credential: Sign(m.secret, username),
		ExpiresAt:  expiresAt,
	}, nil
}

// Sign computes the coturn credential for username
func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Provider assembles the ICE server list handed to clients: one discovery
// entry for the STUN urls and one relay entry for the TURN urls.
type Provider struct {
	cfg    config.TURNConfig
	minter *Minter
}

func NewProvider(cfg config.TURNConfig, clock clockwork.Clock) (*Provider, error) {
	p := &Provider{cfg: cfg}
	if cfg.Secret != "" {
		minter, err := NewMinter(cfg.Secret, cfg.TTL, cfg.UsernamePrefix, clock)
		if err != nil {
			return nil, err
		}
		p.minter = minter
	}
	return p, nil
}

// ICEServers returns the servers for session, minting fresh TURN credentials
// when a shared secret is configured.
func (p *Provider) ICEServers(session string) ([]models.ICEServer, error) {
	var servers []models.ICEServer
	if len(p.cfg.STUNURLs) > 0 {
		servers = append(servers, models.ICEServer{URLs: p.cfg.STUNURLs})
	}
	if len(p.cfg.TURNURLs) == 0 {
		return servers, nil
	}

	relay := models.ICEServer{URLs: p.cfg.TURNURLs}
	if p.minter != nil {
		creds, err := p.minter.Mint(session)
		if err != nil {
			return nil, err
		}
		relay.Username = creds.Username
		relay.Credential = creds.Credential
	} else {
		relay.Username = p.cfg.Username
		relay.Credential = p.cfg.Credential
	}
	return append(servers, relay), nil
}
