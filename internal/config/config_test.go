package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromContext_ReturnsNilWhenUnset(t *testing.T) {
	require.Nil(t, FromContext(context.Background()))
}

func TestFromContext_RoundTrips(t *testing.T) {
	cfg := DefaultConfig()
	ctx := WithContext(context.Background(), &cfg)
	require.Same(t, &cfg, FromContext(ctx))
}

func TestQdrantAddress_Defaults(t *testing.T) {
	var cfg Config
	require.Equal(t, "localhost:6334", cfg.QdrantAddress())
}

func TestQdrantAddress_UsesConfiguredHostPort(t *testing.T) {
	cfg := Config{QdrantHost: "qdrant.internal", QdrantPort: 7000}
	require.Equal(t, "qdrant.internal:7000", cfg.QdrantAddress())
}

func TestApplyAPIKeysFromEnv(t *testing.T) {
	t.Setenv("MENTOR_SERVICE_API_KEYS_MOBILE", "key-a,key-b")
	t.Setenv("MENTOR_SERVICE_API_KEYS_Web", "key-c")

	cfg := DefaultConfig()
	cfg.ApplyAPIKeysFromEnv()

	require.Equal(t, "mobile", cfg.APIKeys["key-a"])
	require.Equal(t, "mobile", cfg.APIKeys["key-b"])
	require.Equal(t, "web", cfg.APIKeys["key-c"])
}
