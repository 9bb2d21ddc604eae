package pairing

import "context"

// hangUp ends the current attempt. It is idempotent: a second call finds
// nothing to tear down and only re-applies the target state.
func (c *Controller) hangUp(reconnect bool) {
	c.teardown()
	if !reconnect {
		c.effect(func(ctx context.Context) {
			if err := c.matcher.Leave(ctx); err != nil {
				c.logger.Debug("leave failed", "err", err)
			}
		})
		c.fire(EventHangUp)
		return
	}

	if c.stream == nil || !c.fire(EventReconnect) {
		return
	}
	g := c.gen
	c.arm(&c.reconnect, c.reconnectDelay, func() {
		if g == c.gen {
			c.startChat()
		}
	})
}

// teardown invalidates every in-flight completion of the current attempt and
// releases its resources. Nothing is left that a later attempt could observe.
func (c *Controller) teardown() {
	c.gen++
	c.genSnap.Store(c.gen)
	c.disarm(&c.pairing)
	c.disarm(&c.reconnect)
	c.disarm(&c.requeue)
	c.searching = false

	r := c.room
	c.room = nil
	notify := c.notifySub
	c.notifySub = nil

	if r != nil && c.hooks.OnRemoteTrack != nil {
		c.hooks.OnRemoteTrack(nil)
	}
	if r == nil && notify == nil {
		return
	}

	if r != nil {
		c.logger.Info("leaving room", "room_id", r.id)
	}
	c.effect(func(ctx context.Context) {
		if r != nil {
			if r.peer != nil {
				_ = r.peer.Close()
			}
			if r.sub != nil {
				_ = r.sub.Unsubscribe(ctx)
			}
			if err := c.matcher.ReleaseRoom(ctx, r.id); err != nil {
				c.logger.Debug("release room failed", "room_id", r.id, "err", err)
			}
		}
		if notify != nil {
			_ = notify.Unsubscribe(ctx)
		}
	})
}
