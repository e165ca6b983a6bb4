package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/liverelay/logger"
)

const (
	defaultRedisChannel = "liverelay:metrics"
	defaultPublishWait  = 2 * time.Second
)

// RedisPublisher publishes snapshots as JSON to a Redis pub/sub channel and
// keeps the latest one under a key so late readers can fetch it.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	key     string
	ttl     time.Duration
	timeout time.Duration
}

// RedisOption configures a RedisPublisher.
type RedisOption func(*RedisPublisher)

// WithChannel sets the pub/sub channel. Default is "liverelay:metrics".
func WithChannel(channel string) RedisOption {
	return func(p *RedisPublisher) {
		p.channel = channel
	}
}

// WithLatestKey stores each snapshot under key with the given TTL.
// An empty key disables storing.
func WithLatestKey(key string, ttl time.Duration) RedisOption {
	return func(p *RedisPublisher) {
		p.key = key
		p.ttl = ttl
	}
}

// NewRedisPublisher creates a publisher over client.
//
// Example:
//
//	pub := metrics.NewRedisPublisher(
//	    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//	    metrics.WithLatestKey("liverelay:metrics:latest", time.Minute),
//	)
//	unsubscribe, _ := server.SubscribeMetrics(pub.Subscriber(), 0)
func NewRedisPublisher(client redis.UniversalClient, opts ...RedisOption) *RedisPublisher {
	p := &RedisPublisher{
		client:  client,
		channel: defaultRedisChannel,
		timeout: defaultPublishWait,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends snap to the channel and, when configured, stores it as the
// latest snapshot. SET and PUBLISH go out in a single pipeline.
func (p *RedisPublisher) Publish(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	pipe := p.client.Pipeline()
	if p.key != "" {
		pipe.Set(ctx, p.key, data, p.ttl)
	}
	pipe.Publish(ctx, p.channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Latest reads the most recently stored snapshot.
func (p *RedisPublisher) Latest(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if p.key == "" {
		return snap, fmt.Errorf("no latest key configured")
	}
	data, err := p.client.Get(ctx, p.key).Bytes()
	if err != nil {
		return snap, fmt.Errorf("redis get failed: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// Subscriber adapts the publisher to a Broadcaster subscription. Publish
// failures are logged and do not end the subscription.
func (p *RedisPublisher) Subscriber() SubscriberFunc {
	return func(snap Snapshot) {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.Publish(ctx, snap); err != nil {
			logger.Warn("metrics publish failed", "channel", p.channel, "error", err)
		}
	}
}
