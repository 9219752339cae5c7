package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "wa:inbound:"

// RedisGuard shares replay state between gateway instances.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGuard connects to addr, retrying the initial ping a few times.
func NewRedisGuard(ctx context.Context, addr string, ttl time.Duration) (*RedisGuard, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	retryTicker := time.NewTicker(2 * time.Second)
	defer retryTicker.Stop()

	var pingErr error
	for range 5 {
		if pingErr = client.Ping(ctx).Err(); pingErr == nil {
			break
		}
		select {
		case <-retryTicker.C:
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		}
	}
	if pingErr != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis instance: %w", pingErr)
	}

	return &RedisGuard{client: client, ttl: ttl}, nil
}

func (g *RedisGuard) Seen(ctx context.Context, key string) (bool, error) {
	n, err := g.client.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (g *RedisGuard) Mark(ctx context.Context, key string) error {
	if err := g.client.Set(ctx, keyPrefix+key, time.Now().UTC().Format(time.RFC3339), g.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (g *RedisGuard) Close() error {
	return g.client.Close()
}
