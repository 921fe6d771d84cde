// Package broker is the thin adapter over the pub/sub fabric ("UPS" in the
// spec) that gateways and runner connectors use to exchange frames.
//
// The contract (spec §2 item 1) is deliberately narrow: publish(subject,
// bytes) and subscribe(subject) -> stream of bytes, best-effort, unordered
// across subjects, FIFO within one subscription. Redis Pub/Sub gives exactly
// that: no persistence, no ordering guarantee across channels, in-order
// delivery to one subscriber connection.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Client publishes and subscribes to broker subjects. Safe for concurrent
// use by multiple goroutines, per spec §5 "shared resources".
type Client interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Subscribe(ctx context.Context, subject string) (Subscription, error)
}

// Subscription is the consumer end of one subject. Frames arrive in the
// order the broker delivered them (FIFO within one subscription).
type Subscription interface {
	// Next blocks until a frame arrives or ctx is done.
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// RedisClient implements Client over Redis Pub/Sub, generalizing the
// teacher's direct-command Redis wrapper into a pub/sub fanout adapter.
type RedisClient struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// Config mirrors the teacher's RedisConfig shape for connection parameters.
type Config struct {
	Host       string
	Port       int
	Password   string
	DB         int
	TLSEnabled bool
}

// NewRedisClient dials Redis and verifies connectivity with a ping, exactly
// as the teacher's redis_client.go does before returning a usable client.
func NewRedisClient(ctx context.Context, cfg Config, logger *slog.Logger) (*RedisClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("broker: failed to ping redis: %w", err)
	}

	logger.Info("broker client connected",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
		slog.Int("db", cfg.DB),
	)

	return &RedisClient{rdb: rdb, logger: logger}, nil
}

// Publish sends payload on subject. A publish failure does not retry; the
// caller (gatewaystate's ack GC, or the runner connector) is responsible for
// the liveness timeout that covers a dropped publish (spec §4.3).
func (c *RedisClient) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := c.rdb.Publish(ctx, subject, payload).Err(); err != nil {
		return fmt.Errorf("broker: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe opens a Redis Pub/Sub subscription on subject.
func (c *RedisClient) Subscribe(ctx context.Context, subject string) (Subscription, error) {
	sub := c.rdb.Subscribe(ctx, subject)
	// Confirm the subscription was actually accepted before returning, the
	// same defensive pattern the teacher uses when dialing Redis.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("broker: subscribe %s: %w", subject, err)
	}
	return &redisSubscription{sub: sub, ch: sub.Channel()}, nil
}

// Close closes the underlying Redis connection.
func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

type redisSubscription struct {
	sub *redis.PubSub
	ch  <-chan *redis.Message
}

func (s *redisSubscription) Next(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, fmt.Errorf("broker: subscription closed")
		}
		return []byte(msg.Payload), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *redisSubscription) Close() error {
	return s.sub.Close()
}
