package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mossy-p/webrtc-pairing/internal/models"
)

// Broker carries relay frames between hub instances. A hub without a broker
// delivers in-process only.
type Broker interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Run(ctx context.Context, deliver func(channel string, data []byte), ready func()) error
}

// relayEnvelope is what travels through the broker: the frame plus the
// connection that sent it, so that the sender does not receive its own
// broadcast on any instance.
type relayEnvelope struct {
	Sender string       `json:"sender,omitempty"`
	Frame  models.Frame `json:"frame"`
}

type presenceEntry struct {
	client *Client
	state  json.RawMessage
}

// Hub manages channel subscriptions and presence for relay connections
type Hub struct {
	logger *slog.Logger
	broker Broker

	mu       sync.RWMutex
	channels map[string]map[*Client]struct{}
	presence map[string]map[string]presenceEntry
}

func NewHub(broker Broker, logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logger,
		broker:   broker,
		channels: make(map[string]map[*Client]struct{}),
		presence: make(map[string]map[string]presenceEntry),
	}
}

// Run pumps broker deliveries into local subscribers until ctx is done.
// ready is called once broadcasts reach every instance.
func (h *Hub) Run(ctx context.Context, ready func()) error {
	if h.broker == nil {
		if ready != nil {
			ready()
		}
		<-ctx.Done()
		return nil
	}
	return h.broker.Run(ctx, h.deliver, ready)
}

// Publish broadcasts an event on channel on behalf of the server
func (h *Hub) Publish(ctx context.Context, channel, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return h.broadcast(ctx, "", models.Frame{
		Type:    models.FrameTypeBroadcast,
		Channel: channel,
		Event:   event,
		Payload: raw,
	})
}

func (h *Hub) broadcast(ctx context.Context, sender string, frame models.Frame) error {
	data, err := json.Marshal(relayEnvelope{Sender: sender, Frame: frame})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if h.broker == nil {
		h.deliver(frame.Channel, data)
		return nil
	}
	return h.broker.Publish(ctx, frame.Channel, data)
}

func (h *Hub) deliver(channel string, data []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.logger.Warn("dropping malformed relay envelope", "channel", channel, "err", err)
		return
	}
	frame, err := json.Marshal(env.Frame)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.channels[channel] {
		if client.ID == env.Sender {
			continue
		}
		client.send(frame)
	}
}

func (h *Hub) subscribe(client *Client, channel string) {
	h.mu.Lock()
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[*Client]struct{})
		h.channels[channel] = subs
	}
	subs[client] = struct{}{}
	h.mu.Unlock()

	// A new subscriber needs the current presence picture
	if h.hasPresence(channel) {
		client.sendFrame(h.presenceSync(channel))
	}
}

func (h *Hub) unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	h.removeSubscriptionLocked(client, channel)
	changed := h.untrackClientLocked(client, channel)
	h.mu.Unlock()

	if changed {
		h.syncPresence(channel)
	}
}

func (h *Hub) removeSubscriptionLocked(client *Client, channel string) {
	subs, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(subs, client)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
}

// untrackClientLocked drops every presence key client holds on channel
func (h *Hub) untrackClientLocked(client *Client, channel string) bool {
	entries, ok := h.presence[channel]
	if !ok {
		return false
	}
	changed := false
	for key, entry := range entries {
		if entry.client == client {
			delete(entries, key)
			changed = true
		}
	}
	if len(entries) == 0 {
		delete(h.presence, channel)
	}
	return changed
}

func (h *Hub) track(client *Client, channel, key string, state json.RawMessage) {
	h.mu.Lock()
	entries, ok := h.presence[channel]
	if !ok {
		entries = make(map[string]presenceEntry)
		h.presence[channel] = entries
	}
	entries[key] = presenceEntry{client: client, state: state}
	h.mu.Unlock()

	h.syncPresence(channel)
}

func (h *Hub) untrack(client *Client, channel, key string) {
	h.mu.Lock()
	changed := false
	if entries, ok := h.presence[channel]; ok {
		if entry, ok := entries[key]; ok && entry.client == client {
			delete(entries, key)
			changed = true
		}
		if len(entries) == 0 {
			delete(h.presence, channel)
		}
	}
	h.mu.Unlock()

	if changed {
		h.syncPresence(channel)
	}
}

// removeClient drops all subscriptions and presence of a closed connection
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	var changed []string
	for channel := range h.presence {
		if h.untrackClientLocked(client, channel) {
			changed = append(changed, channel)
		}
	}
	for channel := range h.channels {
		h.removeSubscriptionLocked(client, channel)
	}
	h.mu.Unlock()

	for _, channel := range changed {
		h.syncPresence(channel)
	}
}

func (h *Hub) hasPresence(channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.presence[channel]) > 0
}

// PresenceSnapshot returns the tracked state of every key on channel
func (h *Hub) PresenceSnapshot(channel string) map[string]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(h.presence[channel]))
	for key, entry := range h.presence[channel] {
		out[key] = entry.state
	}
	return out
}

func (h *Hub) presenceSync(channel string) models.Frame {
	payload, _ := json.Marshal(h.PresenceSnapshot(channel))
	return models.Frame{
		Type:    models.FrameTypePresenceSync,
		Channel: channel,
		Payload: payload,
	}
}

func (h *Hub) syncPresence(channel string) {
	frame := h.presenceSync(channel)
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.channels[channel] {
		client.send(data)
	}
}

// Subscribers lists the user ids subscribed to channel on this instance
func (h *Hub) Subscribers(channel string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.channels[channel]))
	for client := range h.channels[channel] {
		out = append(out, client.UserID)
	}
	sort.Strings(out)
	return out
}
