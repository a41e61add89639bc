// Package pgvector implements the nearest-neighbor index directly on the
// memories table using the pgvector extension. Upserts write the embedding
// column; searches use the cosine distance operator.
package pgvector

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/philia-app/mentor-service/internal/config"
	"github.com/philia-app/mentor-service/internal/model"
	registrymigrate "github.com/philia-app/mentor-service/internal/registry/migrate"
	registryvector "github.com/philia-app/mentor-service/internal/registry/vector"
)

//go:embed db/pgvector-schema.sql
var pgvectorSchemaSQL string

// pgvectorMigrator implements migrate.Migrator for the pgvector schema.
type pgvectorMigrator struct{}

func (m *pgvectorMigrator) Name() string { return "pgvector" }
func (m *pgvectorMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.VectorMigrateAtStart || cfg.VectorType != "pgvector" || cfg.DBURL == "" || (cfg.DatastoreType != "" && cfg.DatastoreType != "postgres") {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := openDB(cfg.DBURL)
	if err != nil {
		return fmt.Errorf("pgvector migrate: %w", err)
	}
	dim := cfg.EmbedDimensions
	if dim <= 0 {
		dim = 2048
	}
	return db.WithContext(ctx).Exec(fmt.Sprintf(pgvectorSchemaSQL, dim)).Error
}

func init() {
	registryvector.Register(registryvector.Plugin{
		Name:   "pgvector",
		Loader: load,
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 200, Migrator: &pgvectorMigrator{}})
}

func load(ctx context.Context) (registryvector.VectorStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("pgvector: missing config in context")
	}
	db, err := openDB(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector: %w", err)
	}
	return &PgvectorStore{db: db}, nil
}

func openDB(dbURL string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dbURL), &gorm.Config{})
}

// PgvectorStore implements VectorStore using the pgvector extension.
type PgvectorStore struct {
	db *gorm.DB
}

func (s *PgvectorStore) IsEnabled() bool { return true }
func (s *PgvectorStore) Name() string    { return "pgvector" }

func (s *PgvectorStore) NearestNeighbors(ctx context.Context, targetID uuid.UUID, embedding []float32, limit int) ([]registryvector.NeighborResult, error) {
	vec := pgvec.NewVector(embedding)
	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT id, 1 - (embedding <=> ?::vector) AS similarity
		FROM memories
		WHERE target_id = ? AND status = ? AND embedding IS NOT NULL
		ORDER BY embedding <=> ?::vector
		LIMIT ?`,
		vec, targetID, model.MemoryStatusActive, vec, limit,
	).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []registryvector.NeighborResult
	for rows.Next() {
		var r registryvector.NeighborResult
		if err := rows.Scan(&r.MemoryID, &r.Similarity); err != nil {
			log.Error("pgvector scan error", "err", err)
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

// Upsert writes the embedding onto the memory row. Idempotent: replaying an
// upsert sets the same column to the same value.
func (s *PgvectorStore) Upsert(ctx context.Context, reqs []registryvector.UpsertRequest) error {
	for _, r := range reqs {
		vec := pgvec.NewVector(r.Embedding)
		if err := s.db.WithContext(ctx).Exec(
			`UPDATE memories SET embedding = ?::vector WHERE id = ?`,
			vec, r.MemoryID,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *PgvectorStore) DeleteByMemoryID(ctx context.Context, memoryID uuid.UUID) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE memories SET embedding = NULL WHERE id = ?`, memoryID,
	).Error
}
