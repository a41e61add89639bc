package config

import (
	"context"
	"net"
	"strconv"
	"time"
)

// ListenerConfig holds the network settings for the HTTP listener.
type ListenerConfig struct {
	Port              int
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the mentor service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode, the X-Client-ID header is accepted without an API key.
	Mode string

	// Database
	DBURL                   string
	DatastoreType           string // "postgres"
	DatastoreMigrateAtStart bool
	DBMaxOpenConns          int
	DBMaxIdleConns          int

	// Vector store backend type
	VectorType           string // "pgvector", "qdrant", or "" (disabled)
	VectorMigrateAtStart bool

	// Qdrant
	QdrantHost           string
	QdrantPort           int
	QdrantCollectionName string
	QdrantAPIKey         string
	QdrantUseTLS         bool
	QdrantStartupTimeout time.Duration

	// Embedding gateway
	EmbedType       string // "openai" or "disabled"
	EmbedAPIKey     string
	EmbedModelName  string
	EmbedBaseURL    string
	EmbedDimensions int
	// EmbedTimeout bounds a single embedding request. On timeout the dedup
	// engine falls back to fingerprint-only matching.
	EmbedTimeout time.Duration

	// Language model
	LLMType        string // "openai"
	LLMAPIKey      string
	LLMBaseURL     string
	LLMModelName   string
	LLMMaxTokens   int
	LLMTemperature float64
	// LLMStreamTimeout bounds one full model-streaming call. Expiry is treated
	// like a caller cancellation: no partial assistant turn is persisted.
	LLMStreamTimeout time.Duration

	// Cache backend for recent chat turns
	CacheType     string // "redis" or "none"
	RedisURL      string
	CacheTurnsTTL time.Duration

	// Background re-embedder for memories ingested without a vector.
	ReembedInterval  time.Duration
	ReembedBatchSize int

	// Fact-extraction task processor.
	TaskInterval   time.Duration
	TaskRetryDelay time.Duration
	TaskBatchSize  int

	// Server
	Listener    ListenerConfig
	CORSEnabled bool
	CORSOrigins string
	MaxBodySize int64

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string

	// APIKeys maps API key values to client IDs
	// (MENTOR_SERVICE_API_KEYS_<CLIENT_ID>=<key>).
	APIKeys map[string]string

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeProd,
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,
		VectorType:              "pgvector",
		VectorMigrateAtStart:    true,
		QdrantHost:              "localhost",
		QdrantPort:              6334,
		QdrantCollectionName:    "mentor-service-memories",
		QdrantStartupTimeout:    30 * time.Second,
		EmbedType:               "openai",
		EmbedModelName:          "doubao-embedding-large-text-240915",
		EmbedBaseURL:            "https://ark.cn-beijing.volces.com/api/v3",
		EmbedDimensions:         2048,
		EmbedTimeout:            5 * time.Second,
		LLMType:                 "openai",
		LLMBaseURL:              "https://ark.cn-beijing.volces.com/api/v3",
		LLMMaxTokens:            2048,
		LLMTemperature:          0.7,
		LLMStreamTimeout:        2 * time.Minute,
		CacheType:               "none",
		CacheTurnsTTL:           10 * time.Minute,
		ReembedInterval:         30 * time.Second,
		ReembedBatchSize:        100,
		TaskInterval:            15 * time.Second,
		TaskRetryDelay:          10 * time.Minute,
		TaskBatchSize:           50,
		Listener: ListenerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		MaxBodySize:  1 * 1024 * 1024,
		DrainTimeout: 30,
	}
}

// QdrantAddress returns the host:port gRPC address for the Qdrant client.
func (c *Config) QdrantAddress() string {
	host := c.QdrantHost
	if host == "" {
		host = "localhost"
	}
	port := c.QdrantPort
	if port == 0 {
		port = 6334
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
