package serve

import (
	"context"
	"strings"
	"time"

	"github.com/philia-app/mentor-service/internal/config"
	registrycache "github.com/philia-app/mentor-service/internal/registry/cache"
	registryembed "github.com/philia-app/mentor-service/internal/registry/embed"
	registryllm "github.com/philia-app/mentor-service/internal/registry/llm"
	registrystore "github.com/philia-app/mentor-service/internal/registry/store"
	registryvector "github.com/philia-app/mentor-service/internal/registry/vector"
	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/philia-app/mentor-service/internal/plugin/cache/noop"
	_ "github.com/philia-app/mentor-service/internal/plugin/cache/redis"
	_ "github.com/philia-app/mentor-service/internal/plugin/embed/disabled"
	_ "github.com/philia-app/mentor-service/internal/plugin/embed/openai"
	_ "github.com/philia-app/mentor-service/internal/plugin/llm/openai"
	_ "github.com/philia-app/mentor-service/internal/plugin/route/system"
	_ "github.com/philia-app/mentor-service/internal/plugin/store/postgres"
	_ "github.com/philia-app/mentor-service/internal/plugin/vector/pgvector"
	_ "github.com/philia-app/mentor-service/internal/plugin/vector/qdrant"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the mentor service HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.ApplyAPIKeysFromEnv()
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.StringFlag{
			Name:        "mode",
			Category:    "Server:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_MODE"),
			Destination: &cfg.Mode,
			Value:       cfg.Mode,
			Usage:       "Security mode (prod|testing); testing accepts the X-Client-ID header without an API key",
		},
		&cli.BoolFlag{
			Name:        "cors-enabled",
			Category:    "Server:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_CORS_ENABLED"),
			Destination: &cfg.CORSEnabled,
			Value:       cfg.CORSEnabled,
			Usage:       "Enable CORS headers",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated list of allowed CORS origins; empty allows any",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Run schema migrations on startup",
		},

		// ── Vector Store ──────────────────────────────────────────
		&cli.StringFlag{
			Name:        "vector-kind",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_VECTOR_KIND"),
			Destination: &cfg.VectorType,
			Value:       cfg.VectorType,
			Usage:       "Vector store backend (" + strings.Join(registryvector.Names(), "|") + "); empty disables semantic retrieval",
		},
		&cli.StringFlag{
			Name:        "vector-qdrant-host",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_VECTOR_QDRANT_HOST"),
			Destination: &cfg.QdrantHost,
			Value:       cfg.QdrantHost,
			Usage:       "Qdrant gRPC host",
		},
		&cli.IntFlag{
			Name:        "vector-qdrant-port",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_VECTOR_QDRANT_PORT"),
			Destination: &cfg.QdrantPort,
			Value:       cfg.QdrantPort,
			Usage:       "Qdrant gRPC port",
		},
		&cli.StringFlag{
			Name:        "vector-qdrant-collection",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_VECTOR_QDRANT_COLLECTION"),
			Destination: &cfg.QdrantCollectionName,
			Value:       cfg.QdrantCollectionName,
			Usage:       "Qdrant collection name",
		},
		&cli.StringFlag{
			Name:        "vector-qdrant-api-key",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_VECTOR_QDRANT_API_KEY"),
			Destination: &cfg.QdrantAPIKey,
			Usage:       "Qdrant API key",
		},
		&cli.BoolFlag{
			Name:        "vector-qdrant-tls",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_VECTOR_QDRANT_TLS"),
			Destination: &cfg.QdrantUseTLS,
			Value:       cfg.QdrantUseTLS,
			Usage:       "Use TLS for the Qdrant gRPC connection",
		},

		// ── Embedding ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "embedding-kind",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_EMBEDDING_KIND"),
			Destination: &cfg.EmbedType,
			Value:       cfg.EmbedType,
			Usage:       "Embedding provider (" + strings.Join(registryembed.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "embedding-api-key",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_EMBEDDING_API_KEY"),
			Destination: &cfg.EmbedAPIKey,
			Usage:       "API key for the embedding gateway",
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_EMBEDDING_MODEL"),
			Destination: &cfg.EmbedModelName,
			Value:       cfg.EmbedModelName,
			Usage:       "Embedding model name",
		},
		&cli.StringFlag{
			Name:        "embedding-base-url",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_EMBEDDING_BASE_URL"),
			Destination: &cfg.EmbedBaseURL,
			Value:       cfg.EmbedBaseURL,
			Usage:       "Base URL of the embedding gateway",
		},
		&cli.IntFlag{
			Name:        "embedding-dimensions",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_EMBEDDING_DIMENSIONS"),
			Destination: &cfg.EmbedDimensions,
			Value:       cfg.EmbedDimensions,
			Usage:       "Embedding vector dimensionality",
		},
		&cli.DurationFlag{
			Name:        "embedding-timeout",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_EMBEDDING_TIMEOUT"),
			Destination: &cfg.EmbedTimeout,
			Value:       cfg.EmbedTimeout,
			Usage:       "Per-request embedding timeout; on expiry ingestion degrades to fingerprint-only dedup",
		},

		// ── Language Model ────────────────────────────────────────
		&cli.StringFlag{
			Name:        "llm-kind",
			Category:    "Language Model:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_LLM_KIND"),
			Destination: &cfg.LLMType,
			Value:       cfg.LLMType,
			Usage:       "Chat model provider (" + strings.Join(registryllm.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "llm-api-key",
			Category:    "Language Model:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_LLM_API_KEY"),
			Destination: &cfg.LLMAPIKey,
			Usage:       "API key for the chat model",
		},
		&cli.StringFlag{
			Name:        "llm-base-url",
			Category:    "Language Model:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_LLM_BASE_URL"),
			Destination: &cfg.LLMBaseURL,
			Value:       cfg.LLMBaseURL,
			Usage:       "Base URL of the chat model gateway",
		},
		&cli.StringFlag{
			Name:        "llm-model",
			Category:    "Language Model:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_LLM_MODEL"),
			Destination: &cfg.LLMModelName,
			Usage:       "Chat model name",
		},
		&cli.IntFlag{
			Name:        "llm-max-tokens",
			Category:    "Language Model:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_LLM_MAX_TOKENS"),
			Destination: &cfg.LLMMaxTokens,
			Value:       cfg.LLMMaxTokens,
			Usage:       "Maximum completion tokens per turn",
		},
		&cli.FloatFlag{
			Name:        "llm-temperature",
			Category:    "Language Model:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_LLM_TEMPERATURE"),
			Destination: &cfg.LLMTemperature,
			Value:       cfg.LLMTemperature,
			Usage:       "Sampling temperature",
		},
		&cli.DurationFlag{
			Name:        "llm-stream-timeout",
			Category:    "Language Model:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_LLM_STREAM_TIMEOUT"),
			Destination: &cfg.LLMStreamTimeout,
			Value:       cfg.LLMStreamTimeout,
			Usage:       "Upper bound for one full model-streaming call",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Chat turns cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL (redis://...)",
		},
		&cli.DurationFlag{
			Name:        "cache-turns-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_CACHE_TURNS_TTL"),
			Destination: &cfg.CacheTurnsTTL,
			Value:       cfg.CacheTurnsTTL,
			Usage:       "TTL for the cached recent-turns window",
		},

		// ── Background Services ───────────────────────────────────
		&cli.DurationFlag{
			Name:        "reembed-interval",
			Category:    "Background Services:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_REEMBED_INTERVAL"),
			Destination: &cfg.ReembedInterval,
			Value:       cfg.ReembedInterval,
			Usage:       "Poll interval for the embedding backfill loop",
		},
		&cli.IntFlag{
			Name:        "reembed-batch-size",
			Category:    "Background Services:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_REEMBED_BATCH_SIZE"),
			Destination: &cfg.ReembedBatchSize,
			Value:       cfg.ReembedBatchSize,
			Usage:       "Memories per embedding backfill batch",
		},
		&cli.DurationFlag{
			Name:        "task-interval",
			Category:    "Background Services:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_TASK_INTERVAL"),
			Destination: &cfg.TaskInterval,
			Value:       cfg.TaskInterval,
			Usage:       "Poll interval for the task processor",
		},
		&cli.DurationFlag{
			Name:        "task-retry-delay",
			Category:    "Background Services:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_TASK_RETRY_DELAY"),
			Destination: &cfg.TaskRetryDelay,
			Value:       cfg.TaskRetryDelay,
			Usage:       "Delay before a failed task becomes claimable again",
		},
		&cli.IntFlag{
			Name:        "task-batch-size",
			Category:    "Background Services:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_TASK_BATCH_SIZE"),
			Destination: &cfg.TaskBatchSize,
			Value:       cfg.TaskBatchSize,
			Usage:       "Tasks claimed per processor batch",
		},

		// ── Observability ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Observability:",
			Sources:     cli.EnvVars("MENTOR_SERVICE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=mentor-service",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}
