package vector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// NeighborResult is one nearest-neighbor hit, with cosine similarity in [0, 1].
type NeighborResult struct {
	MemoryID   uuid.UUID `json:"memoryId"`
	Similarity float64   `json:"similarity"`
}

// UpsertRequest holds the data for a single vector upsert operation.
type UpsertRequest struct {
	MemoryID  uuid.UUID
	TargetID  uuid.UUID
	Embedding []float32
	ModelName string
}

// VectorStore defines the nearest-neighbor index backend.
type VectorStore interface {
	// NearestNeighbors returns the most similar memories of the target by
	// cosine similarity, best first.
	NearestNeighbors(ctx context.Context, targetID uuid.UUID, embedding []float32, limit int) ([]NeighborResult, error)
	// Upsert stores or updates embeddings for a batch of memories.
	Upsert(ctx context.Context, reqs []UpsertRequest) error
	// DeleteByMemoryID removes a memory's vector when the row is deleted.
	DeleteByMemoryID(ctx context.Context, memoryID uuid.UUID) error
	// IsEnabled returns true if the vector store is configured and operational.
	IsEnabled() bool
	// Name returns the plugin name (e.g. "qdrant", "pgvector").
	Name() string
}

// Loader creates a VectorStore from config.
type Loader func(ctx context.Context) (VectorStore, error)

// Plugin represents a vector store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a vector store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered vector store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named vector store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown vector store %q; valid: %v", name, Names())
}
