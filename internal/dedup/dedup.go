// Package dedup is a Redis-backed delivery cache that short-circuits webhook
// redeliveries before they reach the message store.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a delivery key is remembered.
const DefaultTTL = 24 * time.Hour

const keyPrefix = "mentodo:delivery:"

// Cache records delivery keys with SETNX. It implements triage.DeliveryCache.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New wraps client. A non-positive ttl uses DefaultTTL.
func New(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Dial parses a redis:// URL, connects and pings.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("dedup: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("dedup: ping redis: %w", err)
	}
	return client, nil
}

func (c *Cache) key(k string) string {
	return keyPrefix + k
}

// Add records key and reports whether it was not already present.
func (c *Cache) Add(ctx context.Context, key string) (bool, error) {
	return c.client.SetNX(ctx, c.key(key), 1, c.ttl).Result()
}

// Remove forgets key so a later redelivery is processed again.
func (c *Cache) Remove(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}
