// Package postgres implements MemoryStore on PostgreSQL via GORM.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/philia-app/mentor-service/internal/config"
	"github.com/philia-app/mentor-service/internal/model"
	registrymigrate "github.com/philia-app/mentor-service/internal/registry/migrate"
	registrystore "github.com/philia-app/mentor-service/internal/registry/store"
	"github.com/philia-app/mentor-service/internal/security"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.MemoryStore, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
			if security.DBPoolMaxConnections != nil {
				security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
			}

			// Periodically update the open connections gauge.
			go func() {
				ticker := time.NewTicker(15 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if security.DBPoolOpenConnections != nil {
							security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
						}
					}
				}
			}()

			return &PostgresStore{db: db, cfg: cfg}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &postgresMigrator{}})
}

type postgresMigrator struct{}

func (m *postgresMigrator) Name() string { return "postgres-schema" }
func (m *postgresMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "" && cfg.DatastoreType != "postgres" {
		return nil // skip if not using postgres
	}
	log.Info("Running migration", "name", m.Name())
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migration: failed to execute schema: %w", err)
	}
	log.Info("Postgres schema migration complete")
	return nil
}

// PostgresStore implements MemoryStore using GORM + PostgreSQL.
type PostgresStore struct {
	db  *gorm.DB
	cfg *config.Config
}

var _ registrystore.MemoryStore = (*PostgresStore)(nil)

// --- Memories ---

func (s *PostgresStore) FindByFingerprint(ctx context.Context, targetID uuid.UUID, fingerprint string) ([]model.Memory, error) {
	if fingerprint == "" {
		return nil, nil
	}
	var memories []model.Memory
	err := s.db.WithContext(ctx).
		Where("target_id = ? AND status = ? AND content_fingerprint = ?", targetID, model.MemoryStatusActive, fingerprint).
		Order("created_at").
		Find(&memories).Error
	if err != nil {
		return nil, mapDBError("find by fingerprint", err)
	}
	return memories, nil
}

func (s *PostgresStore) FindEmbeddedCandidates(ctx context.Context, targetID uuid.UUID) ([]model.Memory, error) {
	var memories []model.Memory
	err := s.db.WithContext(ctx).
		Where("target_id = ? AND status = ? AND embedding IS NOT NULL", targetID, model.MemoryStatusActive).
		Find(&memories).Error
	if err != nil {
		return nil, mapDBError("find embedded candidates", err)
	}
	return memories, nil
}

func (s *PostgresStore) FindMemoriesPendingEmbedding(ctx context.Context, limit int) ([]model.Memory, error) {
	var memories []model.Memory
	err := s.db.WithContext(ctx).
		Where("status = ? AND embedding IS NULL AND content != ''", model.MemoryStatusActive).
		Order("created_at").
		Limit(limit).
		Find(&memories).Error
	if err != nil {
		return nil, mapDBError("find pending embedding", err)
	}
	return memories, nil
}

func (s *PostgresStore) GetMemory(ctx context.Context, id uuid.UUID) (*model.Memory, error) {
	var m model.Memory
	err := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, model.MemoryStatusActive).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
	}
	if err != nil {
		return nil, mapDBError("get memory", err)
	}
	return &m, nil
}

func (s *PostgresStore) ListMemories(ctx context.Context, q registrystore.MemoryQuery) ([]model.Memory, int64, error) {
	tx := s.db.WithContext(ctx).Model(&model.Memory{}).Where("status = ?", model.MemoryStatusActive)
	if q.TargetID != nil {
		tx = tx.Where("target_id = ?", *q.TargetID)
	}
	if q.SourceType != "" {
		tx = tx.Where("source_type = ?", q.SourceType)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, mapDBError("count memories", err)
	}

	var memories []model.Memory
	tx = tx.Order("happened_at DESC")
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if err := tx.Find(&memories).Error; err != nil {
		return nil, 0, mapDBError("list memories", err)
	}
	return memories, total, nil
}

func (s *PostgresStore) InsertMemory(ctx context.Context, m *model.Memory) (*model.Memory, error) {
	row := *m
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	row.CreatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, mapDBError("insert memory", err)
	}
	return &row, nil
}

// MergeMemory folds a duplicate candidate into an existing row inside one
// transaction: fact lists union, the earlier event time wins, the
// higher-magnitude sentiment wins.
func (s *PostgresStore) MergeMemory(ctx context.Context, id uuid.UUID, delta registrystore.MergeDelta) (*model.Memory, error) {
	var merged model.Memory
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m model.Memory
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND status = ?", id, model.MemoryStatusActive).First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
		}
		if err != nil {
			return err
		}

		m.ExtractedFacts = model.MergeFacts(m.ExtractedFacts, delta.Facts)
		if !delta.HappenedAt.IsZero() && delta.HappenedAt.Before(m.HappenedAt) {
			m.HappenedAt = delta.HappenedAt
		}
		if abs(delta.SentimentScore) > abs(m.SentimentScore) {
			m.SentimentScore = delta.SentimentScore
		}
		if err := tx.Model(&m).
			Select("extracted_facts", "happened_at", "sentiment_score").
			Updates(&m).Error; err != nil {
			return err
		}
		merged = m
		return nil
	})
	if err != nil {
		var nf *registrystore.NotFoundError
		if errors.As(err, &nf) {
			return nil, nf
		}
		return nil, mapDBError("merge memory", err)
	}
	return &merged, nil
}

func (s *PostgresStore) SetMemoryEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error {
	vec := pgvec.NewVector(embedding)
	res := s.db.WithContext(ctx).Model(&model.Memory{}).
		Where("id = ?", id).
		Update("embedding", vec)
	if res.Error != nil {
		return mapDBError("set embedding", res.Error)
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
	}
	return nil
}

func (s *PostgresStore) DeleteMemory(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&model.Memory{}).
		Where("id = ? AND status = ?", id, model.MemoryStatusActive).
		Update("status", model.MemoryStatusDeleted)
	if res.Error != nil {
		return mapDBError("delete memory", res.Error)
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
	}
	return nil
}

// --- Chat turns ---

func (s *PostgresStore) AppendChatTurn(ctx context.Context, turn *model.ChatTurn) (*model.ChatTurn, error) {
	row := *turn
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	row.CreatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, mapDBError("append chat turn", err)
	}
	return &row, nil
}

func (s *PostgresStore) RecentChatTurns(ctx context.Context, chatbotID uuid.UUID, limit int) ([]model.ChatTurn, error) {
	var turns []model.ChatTurn
	err := s.db.WithContext(ctx).
		Where("chatbot_id = ?", chatbotID).
		Order("created_at DESC").
		Limit(limit).
		Find(&turns).Error
	if err != nil {
		return nil, mapDBError("recent chat turns", err)
	}
	// Reverse to oldest-first for prompt assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *PostgresStore) GetChatContext(ctx context.Context, chatbotID uuid.UUID) (*registrystore.ChatContext, error) {
	var bot model.Chatbot
	err := s.db.WithContext(ctx).Where("id = ?", chatbotID).First(&bot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "chatbot", ID: chatbotID.String()}
	}
	if err != nil {
		return nil, mapDBError("get chatbot", err)
	}

	var mentor model.Mentor
	if err := s.db.WithContext(ctx).Where("id = ?", bot.MentorID).First(&mentor).Error; err != nil {
		return nil, mapDBError("get mentor", err)
	}
	var target model.TargetProfile
	if err := s.db.WithContext(ctx).Where("id = ?", bot.TargetID).First(&target).Error; err != nil {
		return nil, mapDBError("get target", err)
	}
	return &registrystore.ChatContext{Chatbot: &bot, Mentor: &mentor, Target: &target}, nil
}

// --- Targets / mentors / chatbots ---

func (s *PostgresStore) CreateTarget(ctx context.Context, t *model.TargetProfile) (*model.TargetProfile, error) {
	row := *t
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	row.CreatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, mapDBError("create target", err)
	}
	return &row, nil
}

func (s *PostgresStore) GetTarget(ctx context.Context, id uuid.UUID) (*model.TargetProfile, error) {
	var t model.TargetProfile
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "target", ID: id.String()}
	}
	if err != nil {
		return nil, mapDBError("get target", err)
	}
	return &t, nil
}

func (s *PostgresStore) ListTargets(ctx context.Context) ([]model.TargetProfile, error) {
	var targets []model.TargetProfile
	if err := s.db.WithContext(ctx).Order("created_at").Find(&targets).Error; err != nil {
		return nil, mapDBError("list targets", err)
	}
	return targets, nil
}

func (s *PostgresStore) CreateMentor(ctx context.Context, m *model.Mentor) (*model.Mentor, error) {
	row := *m
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	row.CreatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, mapDBError("create mentor", err)
	}
	return &row, nil
}

func (s *PostgresStore) ListMentors(ctx context.Context) ([]model.Mentor, error) {
	var mentors []model.Mentor
	if err := s.db.WithContext(ctx).Order("created_at").Find(&mentors).Error; err != nil {
		return nil, mapDBError("list mentors", err)
	}
	return mentors, nil
}

func (s *PostgresStore) CreateChatbot(ctx context.Context, b *model.Chatbot) (*model.Chatbot, error) {
	row := *b
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	row.CreatedAt = time.Now().UTC()
	err := s.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			// FK violation: the referenced mentor or target does not exist.
			return nil, &registrystore.NotFoundError{Resource: "mentor or target", ID: pgErr.Detail}
		}
		return nil, mapDBError("create chatbot", err)
	}
	return &row, nil
}

// --- Task queue ---

func (s *PostgresStore) EnqueueTask(ctx context.Context, taskType string, body map[string]interface{}) error {
	task := model.Task{
		ID:       uuid.New(),
		TaskType: taskType,
		TaskBody: body,
	}
	if err := s.db.WithContext(ctx).Create(&task).Error; err != nil {
		return mapDBError("enqueue task", err)
	}
	return nil
}

func (s *PostgresStore) ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	var tasks []model.Task
	err := s.db.WithContext(ctx).Raw(`
		WITH claimed AS (
			SELECT id
			FROM tasks
			WHERE retry_at <= NOW()
			ORDER BY retry_at, created_at
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks
		SET retry_at = NOW() + INTERVAL '5 minutes'
		WHERE id IN (SELECT id FROM claimed)
		RETURNING *`, limit).Scan(&tasks).Error
	if err != nil {
		return nil, mapDBError("claim tasks", err)
	}
	return tasks, nil
}

func (s *PostgresStore) FailTask(ctx context.Context, id uuid.UUID, reason string, retryDelay time.Duration) error {
	err := s.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_at":    time.Now().UTC().Add(retryDelay),
			"last_error":  reason,
			"retry_count": gorm.Expr("retry_count + 1"),
		}).Error
	if err != nil {
		return mapDBError("fail task", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id uuid.UUID) error {
	if err := s.db.WithContext(ctx).Delete(&model.Task{}, "id = ?", id).Error; err != nil {
		return mapDBError("delete task", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// mapDBError classifies driver errors so routes can pick status codes with
// errors.As instead of string matching.
func mapDBError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23514": // check_violation
			return &registrystore.ValidationError{Field: pgErr.ConstraintName, Message: pgErr.Message}
		case "08000", "08003", "08006", "57P01":
			return &registrystore.UnavailableError{Op: op, Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &registrystore.UnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
