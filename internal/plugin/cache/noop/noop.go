package noop

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/philia-app/mentor-service/internal/model"
	"github.com/philia-app/mentor-service/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.ChatTurnsCache, error) {
			return &noopTurnsCache{}, nil
		},
	})
}

type noopTurnsCache struct{}

func (n *noopTurnsCache) Available() bool { return false }
func (n *noopTurnsCache) Get(_ context.Context, _ uuid.UUID) ([]model.ChatTurn, bool, error) {
	return nil, false, nil
}
func (n *noopTurnsCache) Set(_ context.Context, _ uuid.UUID, _ []model.ChatTurn, _ time.Duration) error {
	return nil
}
func (n *noopTurnsCache) Remove(_ context.Context, _ uuid.UUID) error { return nil }

var _ cache.ChatTurnsCache = (*noopTurnsCache)(nil)
