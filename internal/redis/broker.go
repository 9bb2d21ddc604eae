package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const relayPrefix = "relay:"

// Broker fans relay frames out across every relay instance through Redis
// pub/sub. Each instance publishes to relay:<channel> and pattern-subscribes
// to relay:*, delivering what it receives to its local subscribers.
type Broker struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewBroker(rdb *redis.Client, logger *slog.Logger) *Broker {
	return &Broker{rdb: rdb, logger: logger}
}

func (b *Broker) Publish(ctx context.Context, channel string, data []byte) error {
	if err := b.rdb.Publish(ctx, relayPrefix+channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Run delivers messages until ctx is cancelled. ready is called once the
// pattern subscription is confirmed; publishes from then on are delivered.
func (b *Broker) Run(ctx context.Context, deliver func(channel string, data []byte), ready func()) error {
	sub := b.rdb.PSubscribe(ctx, relayPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}
	b.logger.Info("relay broker subscribed", "pattern", relayPrefix+"*")
	if ready != nil {
		ready()
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			deliver(strings.TrimPrefix(msg.Channel, relayPrefix), []byte(msg.Payload))
		}
	}
}
