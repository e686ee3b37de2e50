package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type setNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisClaimer shares the transaction-hash gate between fetcher instances.
// Redis errors fail open so a local-only cache still gates delivery.
type RedisClaimer struct {
	client setNXer
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewRedisClient dials Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		MinIdleConns: 2,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func NewRedisClaimer(client setNXer, ttl time.Duration, logger *zap.Logger) *RedisClaimer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultConfig().StrongTTL
	}
	return &RedisClaimer{
		client: client,
		ttl:    ttl,
		prefix: "fetcher:tx:",
		logger: logger.With(zap.String("component", "dedup")),
	}
}

// Claim reports whether this instance is the first to see txHash.
func (r *RedisClaimer) Claim(ctx context.Context, txHash string) bool {
	if r == nil || r.client == nil || txHash == "" {
		return true
	}
	ok, err := r.client.SetNX(ctx, r.prefix+strings.ToLower(txHash), 1, r.ttl).Result()
	if err != nil {
		r.logger.Warn("redis claim failed", zap.String("tx", txHash), zap.Error(err))
		return true
	}
	return ok
}
