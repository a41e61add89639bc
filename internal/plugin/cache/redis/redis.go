// Package redis caches the recent-turns window read at the start of every
// chat turn.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/philia-app/mentor-service/internal/config"
	"github.com/philia-app/mentor-service/internal/model"
	registrycache "github.com/philia-app/mentor-service/internal/registry/cache"
)

const defaultTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.ChatTurnsCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: MENTOR_SERVICE_REDIS_URL is required")
	}
	ttl := cfg.CacheTurnsTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, ttl)
}

// LoadFromURLWithTTL creates a cache with an explicit turns TTL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.ChatTurnsCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisTurnsCache{client: client, ttl: ttl}, nil
}

type redisTurnsCache struct {
	client *goredis.Client
	ttl    time.Duration
}

var _ registrycache.ChatTurnsCache = (*redisTurnsCache)(nil)

func turnsKey(chatbotID uuid.UUID) string {
	return "chat-turns:" + chatbotID.String()
}

func (c *redisTurnsCache) Available() bool {
	return true
}

func (c *redisTurnsCache) Get(ctx context.Context, chatbotID uuid.UUID) ([]model.ChatTurn, bool, error) {
	data, err := c.client.Get(ctx, turnsKey(chatbotID)).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var turns []model.ChatTurn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, false, err
	}
	return turns, true, nil
}

func (c *redisTurnsCache) Set(ctx context.Context, chatbotID uuid.UUID, turns []model.ChatTurn, ttl time.Duration) error {
	data, err := json.Marshal(turns)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, turnsKey(chatbotID), data, ttl).Err()
}

func (c *redisTurnsCache) Remove(ctx context.Context, chatbotID uuid.UUID) error {
	return c.client.Del(ctx, turnsKey(chatbotID)).Err()
}
