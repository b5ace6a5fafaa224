package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/notification-engine/internal/database"
)

// ChannelPrefs holds the explicit per-channel flags of one user for one category
type ChannelPrefs map[Channel]bool

// Enabled reports whether the channel is enabled; channels without a flag default to enabled
func (p ChannelPrefs) Enabled(ch Channel) bool {
	v, ok := p[ch]
	return !ok || v
}

// PreferenceStore is the read-only per-user, per-category, per-channel opt-in view
type PreferenceStore interface {
	ChannelPreferences(ctx context.Context, tenantID string, userIDs []string, category Category) (map[string]ChannelPrefs, error)
}

// CachedPreferences fronts a PreferenceStore with Redis
type CachedPreferences struct {
	inner  PreferenceStore
	redis  *database.RedisClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedPreferences creates a Redis-backed preference cache
func NewCachedPreferences(inner PreferenceStore, redis *database.RedisClient, ttl time.Duration, logger *zap.Logger) *CachedPreferences {
	return &CachedPreferences{inner: inner, redis: redis, ttl: ttl, logger: logger}
}

func preferenceKey(tenantID, userID string, category Category) string {
	return fmt.Sprintf("user_preferences:%s:%s:%s", tenantID, userID, category)
}

// ChannelPreferences serves hits from Redis and loads misses from the inner store in one batch.
// Cache errors degrade to the inner store.
func (c *CachedPreferences) ChannelPreferences(ctx context.Context, tenantID string, userIDs []string, category Category) (map[string]ChannelPrefs, error) {
	out := make(map[string]ChannelPrefs, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(userIDs))
	for i, uid := range userIDs {
		keys[i] = preferenceKey(tenantID, uid, category)
	}

	misses := userIDs
	if cached, err := c.redis.GetMany(ctx, keys); err != nil {
		c.logger.Warn("Preference cache read failed", zap.Error(err))
	} else {
		misses = nil
		for i, uid := range userIDs {
			raw, ok := cached[keys[i]]
			if !ok {
				misses = append(misses, uid)
				continue
			}
			var prefs ChannelPrefs
			if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
				misses = append(misses, uid)
				continue
			}
			out[uid] = prefs
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	loaded, err := c.inner.ChannelPreferences(ctx, tenantID, misses, category)
	if err != nil {
		return nil, err
	}

	entries := make(map[string][]byte, len(misses))
	for _, uid := range misses {
		prefs := loaded[uid]
		if prefs == nil {
			prefs = ChannelPrefs{}
		}
		out[uid] = prefs
		if data, err := json.Marshal(prefs); err == nil {
			entries[preferenceKey(tenantID, uid, category)] = data
		}
	}
	if err := c.redis.SetMany(ctx, entries, c.ttl); err != nil {
		c.logger.Warn("Preference cache write failed", zap.Error(err))
	}
	return out, nil
}

// CachedTemplates fronts a TemplateStore with Redis
type CachedTemplates struct {
	inner TemplateStore
	redis *database.RedisClient
	ttl   time.Duration
}

// NewCachedTemplates creates a Redis-backed template cache
func NewCachedTemplates(inner TemplateStore, redis *database.RedisClient, ttl time.Duration) *CachedTemplates {
	return &CachedTemplates{inner: inner, redis: redis, ttl: ttl}
}

func (c *CachedTemplates) Template(ctx context.Context, tenantID, ref string) (*Template, error) {
	key := fmt.Sprintf("%s:%s", tenantID, ref)
	if raw, err := c.redis.GetNotificationTemplate(ctx, key); err == nil {
		var tmpl Template
		if json.Unmarshal([]byte(raw), &tmpl) == nil {
			return &tmpl, nil
		}
	}

	tmpl, err := c.inner.Template(ctx, tenantID, ref)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(tmpl); err == nil {
		c.redis.CacheNotificationTemplate(ctx, key, data, c.ttl)
	}
	return tmpl, nil
}
