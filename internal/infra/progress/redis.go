package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"intellipost/internal/domain"
	"intellipost/internal/infra/metrics"
)

// RedisBus mirrors processing events over Redis pub/sub so API instances can
// serve subscribers for work executed on worker instances. Publish goes to
// the Redis channel only; the forwarder replays every message into the local
// hub, including this instance's own.
type RedisBus struct {
	hub     *Hub
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

var _ domain.ProgressBus = (*RedisBus)(nil)

// NewRedisBus wraps a hub with a Redis pub/sub bridge.
func NewRedisBus(hub *Hub, client *redis.Client, channel string, logger zerolog.Logger) *RedisBus {
	if channel == "" {
		channel = "product_progress"
	}
	return &RedisBus{hub: hub, client: client, channel: channel, log: logger}
}

// Publish sends the event to the Redis channel.
func (b *RedisBus) Publish(ctx context.Context, event domain.ProcessingEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	start := time.Now()
	err = b.client.Publish(ctx, b.channel, payload).Err()
	metrics.ObserveNetworkRequest("redis", "publish", b.channel, start, err)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe attaches to the local hub.
func (b *RedisBus) Subscribe(productID string) domain.ProgressSubscription {
	return b.hub.Subscribe(productID)
}

// StartForwarder subscribes to the Redis channel and replays events into the
// local hub until the context is cancelled.
func (b *RedisBus) StartForwarder(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok || msg == nil {
					_ = sub.Close()
					return
				}
				var event domain.ProcessingEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.log.Warn().Err(err).Msg("progress: bad event payload")
					continue
				}
				_ = b.hub.Publish(ctx, event)
			}
		}
	}()

	return nil
}
