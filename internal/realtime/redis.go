package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"bloodbank-api/internal/model"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBridge publishes events on a Redis channel and feeds every event it
// receives from that channel into the local hub, so all instances see all
// changes. Run must be started for local subscribers to receive anything.
type RedisBridge struct {
	client  *redis.Client
	channel string
	hub     *Hub
	log     *zap.Logger
}

// NewRedisBridge creates a bridge between hub and a Redis channel.
func NewRedisBridge(client *redis.Client, channel string, hub *Hub, log *zap.Logger) *RedisBridge {
	return &RedisBridge{
		client:  client,
		channel: channel,
		hub:     hub,
		log:     log.Named("realtime.redis"),
	}
}

// Publish sends ev to every instance. If Redis is unavailable the event is
// still delivered to this instance's subscribers.
func (b *RedisBridge) Publish(ctx context.Context, ev model.ChangeEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("marshal event", zap.Error(err))
		return
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.log.Warn("redis publish failed, delivering locally", zap.Error(err))
		b.hub.Publish(ctx, ev)
	}
}

// Run relays channel messages into the hub until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before reporting readiness.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	b.log.Info("subscribed", zap.String("channel", b.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			var ev model.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("discarding malformed event", zap.Error(err))
				continue
			}
			b.hub.Publish(ctx, ev)
		}
	}
}

var _ Publisher = (*RedisBridge)(nil)
