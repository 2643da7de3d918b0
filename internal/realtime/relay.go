package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cpmentor/notification-service/internal/notifications"
)

// DefaultRelayChannel is the Redis pub/sub channel shared by all instances.
const DefaultRelayChannel = "notifications:push"

// DefaultRelayBackoff is the wait between subscribe attempts.
const DefaultRelayBackoff = 5 * time.Second

// RedisRelay spreads pushes across instances: Notify publishes created
// notifications to Redis and Run feeds everything received on the channel
// into the local hub, including this instance's own publishes.
type RedisRelay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	backoff time.Duration
	logger  *slog.Logger
}

// NewRedisRelay connects to the Redis server at url ("redis://host:6379/0").
func NewRedisRelay(url string, hub *Hub, logger *slog.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisRelayWithClient(redis.NewClient(opts), hub, logger), nil
}

func NewRedisRelayWithClient(client *redis.Client, hub *Hub, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, channel: DefaultRelayChannel, hub: hub, backoff: DefaultRelayBackoff, logger: logger}
}

// WithBackoff sets the wait between subscribe attempts.
func (r *RedisRelay) WithBackoff(d time.Duration) *RedisRelay {
	if d > 0 {
		r.backoff = d
	}
	return r
}

// Ping checks connectivity.
func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Notify implements notifications.Notifier. Publish failures are logged;
// the notifications are already stored and stay readable through the API.
func (r *RedisRelay) Notify(ctx context.Context, created []notifications.Notification) {
	for _, n := range created {
		data, err := json.Marshal(n)
		if err != nil {
			r.logger.Error("realtime: encoding relay message", "error", err)
			continue
		}
		if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
			r.logger.Warn("realtime: relay publish failed", "notification_id", n.ID, "error", err)
		}
	}
}

// Run subscribes to the relay channel and delivers every message to the
// hub until ctx is cancelled. A failed or lost subscription is retried after
// the backoff, so Redis may come up after Run starts.
func (r *RedisRelay) Run(ctx context.Context) error {
	for {
		err := r.subscribe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Error("realtime: relay subscription failed, retrying", "channel", r.channel, "error", err, "backoff", r.backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.backoff):
		}
	}
}

func (r *RedisRelay) subscribe(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("realtime: relay subscribed", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("relay subscription closed")
			}
			var n notifications.Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				r.logger.Warn("realtime: skipping malformed relay message", "error", err)
				continue
			}
			r.hub.Deliver(n)
		}
	}
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}
