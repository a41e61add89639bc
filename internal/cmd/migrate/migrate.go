package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/philia-app/mentor-service/internal/config"
	registrymigrate "github.com/philia-app/mentor-service/internal/registry/migrate"
	"github.com/urfave/cli/v3"

	// Import plugins to trigger init() registration of their migrators.
	// Store plugins register their own migrators alongside their primary interface.
	_ "github.com/philia-app/mentor-service/internal/plugin/store/postgres"
	_ "github.com/philia-app/mentor-service/internal/plugin/vector/pgvector"
	_ "github.com/philia-app/mentor-service/internal/plugin/vector/qdrant"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run database migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "db-url",
				Sources:  cli.EnvVars("MENTOR_SERVICE_DB_URL"),
				Usage:    "Database connection URL",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "vector-kind",
				Sources: cli.EnvVars("MENTOR_SERVICE_VECTOR_KIND"),
				Usage:   "Vector store backend (pgvector|qdrant); empty skips vector migrations",
				Value:   "pgvector",
			},
			&cli.StringFlag{
				Name:    "vector-qdrant-host",
				Sources: cli.EnvVars("MENTOR_SERVICE_VECTOR_QDRANT_HOST"),
				Usage:   "Qdrant gRPC host",
			},
			&cli.IntFlag{
				Name:    "embedding-dimensions",
				Sources: cli.EnvVars("MENTOR_SERVICE_EMBEDDING_DIMENSIONS"),
				Usage:   "Embedding vector dimensionality",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.DBURL = cmd.String("db-url")
			cfg.VectorType = cmd.String("vector-kind")
			if host := cmd.String("vector-qdrant-host"); host != "" {
				cfg.QdrantHost = host
			}
			if dims := cmd.Int("embedding-dimensions"); dims > 0 {
				cfg.EmbedDimensions = dims
			}
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...")
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
