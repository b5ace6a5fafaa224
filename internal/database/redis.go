package database

import (
	"context"
	"fmt"
	"time"

	"github.com/alexnthnz/notification-engine/internal/config"
	"github.com/redis/go-redis/v9"
)

// RedisClient wraps redis.Client for caching operations
type RedisClient struct {
	*redis.Client
}

// NewRedisClient creates a new Redis client
func NewRedisClient(cfg config.RedisConfig) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{Client: rdb}, nil
}

// GetMany returns the values found for keys; missing keys are absent from the map
func (r *RedisClient) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	values, err := r.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	found := make(map[string]string, len(keys))
	for i, v := range values {
		if s, ok := v.(string); ok {
			found[keys[i]] = s
		}
	}
	return found, nil
}

// SetMany writes all entries with the same expiry in one pipeline
func (r *RedisClient) SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := r.Pipeline()
	for key, value := range entries {
		pipe.Set(ctx, key, value, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// CacheNotificationTemplate caches notification templates
func (r *RedisClient) CacheNotificationTemplate(ctx context.Context, templateKey string, template []byte, ttl time.Duration) error {
	key := fmt.Sprintf("template:%s", templateKey)
	return r.Set(ctx, key, template, ttl).Err()
}

// GetNotificationTemplate retrieves cached notification template
func (r *RedisClient) GetNotificationTemplate(ctx context.Context, templateKey string) (string, error) {
	key := fmt.Sprintf("template:%s", templateKey)
	return r.Get(ctx, key).Result()
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.Client.Close()
}
