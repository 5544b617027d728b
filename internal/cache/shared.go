package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// SharedTier is the minimal surface the cache needs from a process-external
// store. Satisfied by RedisTier; tests may substitute their own.
type SharedTier interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Close() error
}

// RedisTier wraps go-redis v9 as the shared cache tier. Multiple replicas
// converge on the same key space (SBS maps, tiers) through it.
type RedisTier struct {
	rdb *redis.Client
}

// NewRedisTier connects to Redis and verifies connectivity with a ping.
// The caller decides whether a connection failure means running local-only.
func NewRedisTier(addr, password string, db int) (*RedisTier, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis cache tier connected", "addr", addr, "db", db)
	return &RedisTier{rdb: rdb}, nil
}

func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

func (r *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *RedisTier) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *RedisTier) Close() error {
	return r.rdb.Close()
}
