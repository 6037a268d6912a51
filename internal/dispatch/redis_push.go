package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-dispatch/internal/models"
)

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPush is the live channel: offers are published on <prefix>:<job_type>
// for app gateways subscribed to that job type.
type RedisPush struct {
	client publisher
	prefix string
}

func NewRedisPush(client *redis.Client, prefix string) *RedisPush {
	return newRedisPush(client, prefix)
}

func newRedisPush(p publisher, prefix string) *RedisPush {
	if prefix == "" {
		prefix = "offers"
	}
	return &RedisPush{client: p, prefix: prefix}
}

func (r *RedisPush) Name() string { return "live" }

func (r *RedisPush) Topic(t models.JobType) string {
	return fmt.Sprintf("%s:%s", r.prefix, t)
}

func (r *RedisPush) Send(ctx context.Context, offer models.Offer) error {
	b, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("encode offer: %w", err)
	}
	if err := r.client.Publish(ctx, r.Topic(offer.Job.Type), b).Err(); err != nil {
		return fmt.Errorf("publish offer: %w", err)
	}
	return nil
}
