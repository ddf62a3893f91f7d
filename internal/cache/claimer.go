package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const reminderKeyPrefix = "reminder:"

// NewRedisClient parses url (redis://...) or treats it as a bare host:port
// and checks the connection before returning.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	opts.PoolSize = 20
	opts.MinIdleConns = 2
	opts.MaxRetries = 3

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisClaimer holds one short-lived key per booking so reminder runs that
// overlap never send twice.
type RedisClaimer struct {
	client redis.Cmdable
}

func NewRedisClaimer(client redis.Cmdable) *RedisClaimer {
	return &RedisClaimer{client: client}
}

func (c *RedisClaimer) Claim(ctx context.Context, bookingID string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, reminderKeyPrefix+bookingID, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim reminder %s: %w", bookingID, err)
	}
	return ok, nil
}

func (c *RedisClaimer) Release(ctx context.Context, bookingID string) error {
	if err := c.client.Del(ctx, reminderKeyPrefix+bookingID).Err(); err != nil {
		return fmt.Errorf("release reminder %s: %w", bookingID, err)
	}
	return nil
}

// NopClaimer always grants the claim. It is used when Redis is not configured.
type NopClaimer struct{}

func (NopClaimer) Claim(context.Context, string, time.Duration) (bool, error) { return true, nil }

func (NopClaimer) Release(context.Context, string) error { return nil }
