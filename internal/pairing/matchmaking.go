package pairing

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mossy-p/webrtc-pairing/internal/models"
	"github.com/mossy-p/webrtc-pairing/internal/relayclient"
)

// startChat registers for a partner. The notification channel is subscribed
// before the match call so a room_assigned sent right after registration is
// never missed.
func (c *Controller) startChat() {
	if c.stream == nil || c.searching || c.room != nil {
		c.logger.Debug("start chat ignored", "state", c.cur.String(), "searching", c.searching, "in_room", c.room != nil)
		return
	}
	if !c.fire(EventStartChat) {
		return
	}
	c.searching = true
	g := c.gen
	channel := models.NotificationChannel(c.clientID)

	c.effect(func(ctx context.Context) {
		if c.stale(g) {
			return
		}
		sub, err := c.bus.Subscribe(ctx, channel, func(m relayclient.Message) {
			c.loop.push(func() { c.onNotification(g, m) })
		})
		c.loop.push(func() { c.onNotifySubscribed(g, sub, err) })
		if err != nil {
			return
		}
		c.match(ctx, g)
	})
}

func (c *Controller) onNotifySubscribed(g uint64, sub relayclient.Subscription, err error) {
	if err != nil {
		if g == c.gen {
			c.matchmakingFailed("subscribe notifications", err)
		}
		return
	}
	if g != c.gen {
		c.effect(func(ctx context.Context) { _ = sub.Unsubscribe(ctx) })
		return
	}
	c.notifySub = sub
}

// match runs on the worker
func (c *Controller) match(ctx context.Context, g uint64) {
	if c.stale(g) {
		return
	}
	res, err := c.matcher.Match(ctx)
	c.loop.push(func() { c.onMatch(g, res, err) })
}

func (c *Controller) onMatch(g uint64, res models.MatchResponse, err error) {
	if g != c.gen || !c.searching {
		switch {
		case err != nil:
		case res.Matched:
			c.releaseUnused(res.RoomID)
		case !c.searching:
			c.effect(func(ctx context.Context) { _ = c.matcher.Leave(ctx) })
		}
		return
	}

	if err != nil {
		c.matchmakingFailed("match", err)
		return
	}
	if !res.Matched {
		c.logger.Debug("waiting for a partner")
		c.arm(&c.requeue, c.requeueInterval, func() { c.renewRegistration(g) })
		return
	}
	c.joinRoom(res.RoomID, res.PeerID, res.Offerer)
}

// renewRegistration keeps the waiting registration alive so a long wait
// never outlives the server's registration TTL. Renewal never re-enters the
// queue: a registration that was claimed in the meantime comes back as an
// assignment.
func (c *Controller) renewRegistration(g uint64) {
	if g != c.gen || !c.searching {
		return
	}
	c.effect(func(ctx context.Context) {
		if c.stale(g) {
			return
		}
		res, err := c.matcher.Renew(ctx)
		c.loop.push(func() { c.onRenew(g, res, err) })
	})
}

func (c *Controller) onRenew(g uint64, res models.RenewResponse, err error) {
	if g != c.gen || !c.searching {
		if err == nil && res.Status == models.RenewAssigned && res.Assignment != nil {
			c.releaseUnused(res.Assignment.RoomID)
		}
		return
	}
	if err != nil {
		c.matchmakingFailed("renew", err)
		return
	}

	switch res.Status {
	case models.RenewWaiting:
		c.arm(&c.requeue, c.requeueInterval, func() { c.renewRegistration(g) })
	case models.RenewAssigned:
		a := res.Assignment
		if a == nil || a.RoomID == "" || a.PeerID == "" {
			c.matchmakingFailed("renew", errors.New("assignment without room"))
			return
		}
		c.logger.Info("registration already claimed", "room_id", a.RoomID, "peer_id", a.PeerID)
		c.joinRoom(a.RoomID, a.PeerID, false)
	default:
		c.logger.Info("waiting registration expired, registering again")
		c.effect(func(ctx context.Context) { c.match(ctx, g) })
	}
}

func (c *Controller) onNotification(g uint64, m relayclient.Message) {
	if m.Event != models.EventRoomAssigned {
		return
	}
	if m.From != "" {
		c.logger.Warn("room assignment from a client ignored", "from", m.From)
		return
	}

	var a models.RoomAssignment
	if err := json.Unmarshal(m.Payload, &a); err != nil || a.RoomID == "" || a.PeerID == "" {
		c.logger.Warn("malformed room assignment", "err", err)
		return
	}
	if g != c.gen || !c.searching || c.room != nil {
		c.logger.Debug("room assignment ignored", "room_id", a.RoomID, "state", c.cur.String())
		c.releaseUnused(a.RoomID)
		return
	}
	c.joinRoom(a.RoomID, a.PeerID, a.Offerer)
}

// releaseUnused frees a room this client was assigned to but will not join,
// so the partner is not left waiting for it
func (c *Controller) releaseUnused(roomID string) {
	if c.room != nil && c.room.id == roomID {
		return
	}
	c.logger.Info("releasing unused room", "room_id", roomID)
	c.effect(func(ctx context.Context) { _ = c.matcher.ReleaseRoom(ctx, roomID) })
}

// joinRoom enters CONNECTING for roomID. Both sides subscribe to the room
// channel and announce themselves with peer_ready.
func (c *Controller) joinRoom(roomID, peerID string, offerer bool) {
	c.searching = false
	c.disarm(&c.requeue)
	if !c.fire(EventRoomJoined) {
		c.effect(func(ctx context.Context) { _ = c.matcher.ReleaseRoom(ctx, roomID) })
		return
	}

	r := &room{id: roomID, peerID: peerID, offerer: offerer}
	c.room = r
	g := c.gen
	if !offerer {
		// Drop any registration or assignment left on the server
		c.effect(func(ctx context.Context) { _ = c.matcher.Leave(ctx) })
	}
	c.logger.Info("joined room", "room_id", roomID, "peer_id", peerID, "offerer", offerer)
	c.arm(&c.pairing, c.pairingTimeout, c.onPairingTimeout)

	channel := models.RoomChannel(roomID)
	c.effect(func(ctx context.Context) {
		if c.stale(g) {
			return
		}
		sub, err := c.bus.Subscribe(ctx, channel, func(m relayclient.Message) {
			c.loop.push(func() { c.onRoomMessage(g, m) })
		})
		c.loop.push(func() { c.onRoomSubscribed(g, sub, err) })
		if err != nil {
			return
		}
		if err := c.bus.Publish(ctx, channel, models.EventPeerReady, peerReadyPayload{ClientID: c.clientID}); err != nil {
			c.loop.push(func() {
				if g == c.gen {
					c.matchmakingFailed("announce", err)
				}
			})
		}
	})
}

func (c *Controller) onRoomSubscribed(g uint64, sub relayclient.Subscription, err error) {
	if err != nil {
		if g == c.gen {
			c.matchmakingFailed("subscribe room", err)
		}
		return
	}
	if g != c.gen || c.room == nil {
		c.effect(func(ctx context.Context) { _ = sub.Unsubscribe(ctx) })
		return
	}
	c.room.sub = sub
}

func (c *Controller) onPairingTimeout() {
	if c.room == nil {
		return
	}
	c.logger.Info("pairing timed out", "room_id", c.room.id, "offerer", c.room.offerer)
	c.hangUp(true)
}

// matchmakingFailed abandons the attempt and searches again
func (c *Controller) matchmakingFailed(op string, err error) {
	merr := &MatchmakingError{Op: op, Err: err}
	c.logger.Warn("matchmaking failed", "op", op, "err", err)
	c.reportError(merr)
	c.hangUp(true)
}
