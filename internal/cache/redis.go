package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"warden/internal/types"
)

// RedisConfig describes the connection for a shared cache backend.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisBackend keeps cache entries in redis so multiple kernel instances
// share hits. Entries carry a redis TTL matching their expiry, so redis
// evicts what the cache would treat as a miss anyway.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects and pings the server.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "warden:cache"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisBackend{client: client, prefix: prefix}, nil
}

func (b *RedisBackend) redisKey(identity, key string) string {
	return b.prefix + ":" + identity + ":" + key
}

// GetEntry implements Backend.
func (b *RedisBackend) GetEntry(ctx context.Context, identity, key string) (types.CacheEntry, bool, error) {
	raw, err := b.client.Get(ctx, b.redisKey(identity, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.CacheEntry{}, false, nil
	}
	if err != nil {
		return types.CacheEntry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var entry types.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return types.CacheEntry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return entry, true, nil
}

// PutEntry implements Backend.
func (b *RedisBackend) PutEntry(ctx context.Context, identity string, entry types.CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := b.client.Set(ctx, b.redisKey(identity, entry.CacheKey), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

var _ Backend = (*RedisBackend)(nil)
