package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"media-generation-pipeline/internal/models"
	"media-generation-pipeline/internal/telemetry"
)

// Publisher emits lifecycle events. Delivery is fire-and-forget; a
// publish reaches whoever is subscribed at that moment and no one else.
type Publisher interface {
	Publish(ctx context.Context, channel string, ev models.Event) error
}

// RedisPublisher broadcasts events over Redis pub/sub channels.
type RedisPublisher struct {
	client *redis.Client
}

var _ Publisher = (*RedisPublisher)(nil)

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, ev models.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	telemetry.EventsPublished.WithLabelValues(channel).Inc()
	return nil
}
