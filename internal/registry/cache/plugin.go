package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/philia-app/mentor-service/internal/model"
	"github.com/google/uuid"
)

type turnsCacheKey struct{}

// WithTurnsCacheContext returns a new context carrying the given ChatTurnsCache.
func WithTurnsCacheContext(ctx context.Context, c ChatTurnsCache) context.Context {
	return context.WithValue(ctx, turnsCacheKey{}, c)
}

// TurnsCacheFromContext retrieves the ChatTurnsCache from the context.
// Returns nil if none was set.
func TurnsCacheFromContext(ctx context.Context) ChatTurnsCache {
	c, _ := ctx.Value(turnsCacheKey{}).(ChatTurnsCache)
	return c
}

// ChatTurnsCache caches the recent-turns window read at the start of every
// chat turn. Invalidated whenever a turn is appended.
type ChatTurnsCache interface {
	Available() bool
	Get(ctx context.Context, chatbotID uuid.UUID) ([]model.ChatTurn, bool, error)
	Set(ctx context.Context, chatbotID uuid.UUID, turns []model.ChatTurn, ttl time.Duration) error
	Remove(ctx context.Context, chatbotID uuid.UUID) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (ChatTurnsCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
