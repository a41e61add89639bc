package store

import (
	"context"
	"fmt"
	"time"

	"github.com/philia-app/mentor-service/internal/model"
	"github.com/google/uuid"
)

// MergeDelta carries the fields the dedup engine folds into an existing
// memory when a candidate is judged a duplicate.
type MergeDelta struct {
	// Facts lists are unioned into the existing record.
	Facts model.ExtractedFacts
	// HappenedAt replaces the existing event time when earlier.
	HappenedAt time.Time
	// SentimentScore replaces the existing score when its magnitude is
	// strictly higher; ties keep the existing value.
	SentimentScore int
}

// MemoryQuery filters memory listings.
type MemoryQuery struct {
	TargetID   *uuid.UUID
	SourceType string
	Limit      int
	Offset     int
}

// ChatContext bundles everything a chat turn needs about its session.
type ChatContext struct {
	Chatbot *model.Chatbot
	Mentor  *model.Mentor
	Target  *model.TargetProfile
}

// MemoryStore is the persistence boundary. All memory writes go through the
// dedup engine; chat turns are written only by the orchestrator's finalize
// step and the exposed user-message persist.
type MemoryStore interface {
	// FindByFingerprint returns active memories of the target sharing the
	// content fingerprint.
	FindByFingerprint(ctx context.Context, targetID uuid.UUID, fingerprint string) ([]model.Memory, error)
	// FindEmbeddedCandidates returns active memories of the target that have
	// a computed embedding.
	FindEmbeddedCandidates(ctx context.Context, targetID uuid.UUID) ([]model.Memory, error)
	// FindMemoriesPendingEmbedding returns active memories whose embedding is
	// still NULL, oldest first.
	FindMemoriesPendingEmbedding(ctx context.Context, limit int) ([]model.Memory, error)
	GetMemory(ctx context.Context, id uuid.UUID) (*model.Memory, error)
	ListMemories(ctx context.Context, q MemoryQuery) ([]model.Memory, int64, error)
	InsertMemory(ctx context.Context, m *model.Memory) (*model.Memory, error)
	// MergeMemory applies a dedup merge to an existing row and returns the
	// merged record.
	MergeMemory(ctx context.Context, id uuid.UUID, delta MergeDelta) (*model.Memory, error)
	// SetMemoryEmbedding backfills a vector computed by the re-embedder.
	SetMemoryEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error
	// DeleteMemory soft-deletes by explicit user action.
	DeleteMemory(ctx context.Context, id uuid.UUID) error

	AppendChatTurn(ctx context.Context, turn *model.ChatTurn) (*model.ChatTurn, error)
	// RecentChatTurns returns up to limit turns for the chatbot, oldest first.
	RecentChatTurns(ctx context.Context, chatbotID uuid.UUID, limit int) ([]model.ChatTurn, error)

	GetChatContext(ctx context.Context, chatbotID uuid.UUID) (*ChatContext, error)

	CreateTarget(ctx context.Context, t *model.TargetProfile) (*model.TargetProfile, error)
	GetTarget(ctx context.Context, id uuid.UUID) (*model.TargetProfile, error)
	ListTargets(ctx context.Context) ([]model.TargetProfile, error)
	CreateMentor(ctx context.Context, m *model.Mentor) (*model.Mentor, error)
	ListMentors(ctx context.Context) ([]model.Mentor, error)
	CreateChatbot(ctx context.Context, b *model.Chatbot) (*model.Chatbot, error)

	EnqueueTask(ctx context.Context, taskType string, body map[string]interface{}) error
	// ClaimReadyTasks returns up to limit tasks whose retry time has passed.
	ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error)
	FailTask(ctx context.Context, id uuid.UUID, reason string, retryDelay time.Duration) error
	DeleteTask(ctx context.Context, id uuid.UUID) error

	// Ping reports whether the store is reachable (readiness probe).
	Ping(ctx context.Context) error
}

// Loader creates a MemoryStore from config.
type Loader func(ctx context.Context) (MemoryStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
