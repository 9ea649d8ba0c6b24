package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/moltbunker/usdstake/internal/logging"
)

const keyPrefix = "usdstake:idem:"

// Redis is a Guard shared by every instance pointing at the same server.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// DialRedis connects to addr and verifies the connection with a ping.
func DialRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	logging.Info("idempotency guard using redis", "addr", addr, logging.Component("idempotency"))
	return NewRedis(client, ttl), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func redisKey(key string) string {
	return keyPrefix + key
}

func (r *Redis) Acquire(ctx context.Context, key string) error {
	ok, err := r.client.SetNX(ctx, redisKey(key), time.Now().Unix(), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if !ok {
		return ErrDuplicateRequest
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
