// Package dedup decides, for each candidate memory, whether it duplicates an
// existing one and merges instead of inserting when it does. Decisions for
// the same target are linearized by a keyed mutex so two concurrent
// near-identical submissions cannot both create a row.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/philia-app/mentor-service/internal/model"
	registryembed "github.com/philia-app/mentor-service/internal/registry/embed"
	registrystore "github.com/philia-app/mentor-service/internal/registry/store"
	registryvector "github.com/philia-app/mentor-service/internal/registry/vector"
)

// SimilarityThreshold is the cosine similarity above which two memories of
// the same target are considered duplicates.
const SimilarityThreshold = 0.92

// ErrDimensionMismatch indicates the embedder returned a vector whose length
// does not match the configured dimensionality. This is a configuration
// error, surfaced immediately and never retried.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// IngestRequest is one candidate memory submitted for ingestion.
type IngestRequest struct {
	TargetID       uuid.UUID
	Content        string
	Facts          model.ExtractedFacts
	SentimentScore int
	HappenedAt     time.Time
	SourceType     string
}

// Result reports the outcome of one Ingest call.
type Result struct {
	Memory *model.Memory
	// Merged is true when the candidate duplicated an existing memory and
	// was folded into it instead of creating a row.
	Merged bool
	// Similarity is the cosine similarity to the merged memory when the
	// duplicate was found by vector search; 1.0 on a fingerprint match.
	Similarity float64
	// EmbeddingDegraded is true when the embedding gateway was unavailable
	// and the record was persisted without a vector. The background
	// re-embedder picks these up later.
	EmbeddingDegraded bool
}

// Engine implements similarity-based dedup with an at-most-once insertion
// guarantee per target.
type Engine struct {
	store        registrystore.MemoryStore
	embedder     registryembed.Embedder
	vector       registryvector.VectorStore
	embedTimeout time.Duration
	locks        *keyedMutex
}

// NewEngine creates a dedup engine. embedder and vector may be nil or
// disabled; the engine then runs fingerprint-only dedup.
func NewEngine(store registrystore.MemoryStore, embedder registryembed.Embedder, vector registryvector.VectorStore, embedTimeout time.Duration) *Engine {
	if embedTimeout <= 0 {
		embedTimeout = 5 * time.Second
	}
	return &Engine{
		store:        store,
		embedder:     embedder,
		vector:       vector,
		embedTimeout: embedTimeout,
		locks:        newKeyedMutex(),
	}
}

// Ingest runs the dedup decision for one candidate and either inserts a new
// memory or merges into an existing one. Calls for the same target are
// mutually exclusive; different targets never contend.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (*Result, error) {
	if req.TargetID == uuid.Nil {
		return nil, &registrystore.ValidationError{Field: "targetId", Message: "required"}
	}
	req.SentimentScore = clampSentiment(req.SentimentScore)
	if req.HappenedAt.IsZero() {
		req.HappenedAt = time.Now().UTC()
	}
	if req.SourceType == "" {
		req.SourceType = "manual"
	}

	e.locks.Lock(req.TargetID)
	defer e.locks.Unlock(req.TargetID)

	normalized := Normalize(req.Content)
	if normalized == "" {
		// Image-only or empty events carry no comparable content; every one
		// is kept as its own row.
		return e.insert(ctx, req, "", nil, false)
	}
	fingerprint := Fingerprint(normalized)

	existing, err := e.store.FindByFingerprint(ctx, req.TargetID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("fingerprint lookup: %w", err)
	}
	if len(existing) > 0 {
		merged, err := e.merge(ctx, existing[0].ID, req)
		if err != nil {
			return nil, err
		}
		return &Result{Memory: merged, Merged: true, Similarity: 1.0}, nil
	}

	embedding, err := e.embed(ctx, EmbeddingText(req.Content, req.Facts))
	if err != nil {
		if errors.Is(err, registryembed.ErrUnavailable) {
			// Degraded-but-available path: fingerprint found no duplicate, so
			// persist without a vector and let the re-embedder catch up.
			log.Warn("Embedding unavailable, ingesting without vector",
				"targetId", req.TargetID, "err", err)
			return e.insert(ctx, req, fingerprint, nil, true)
		}
		return nil, err
	}

	neighbor, similarity, err := e.nearest(ctx, req.TargetID, embedding)
	if err != nil {
		// The exact-match pre-filter already came up empty; losing only the
		// similarity check keeps ingestion available.
		log.Warn("Nearest-neighbor lookup failed, falling back to fingerprint-only dedup",
			"targetId", req.TargetID, "err", err)
		return e.insert(ctx, req, fingerprint, embedding, false)
	}
	if neighbor != uuid.Nil && similarity >= SimilarityThreshold {
		merged, err := e.merge(ctx, neighbor, req)
		if err != nil {
			return nil, err
		}
		return &Result{Memory: merged, Merged: true, Similarity: similarity}, nil
	}

	return e.insert(ctx, req, fingerprint, embedding, false)
}

func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	if e.embedder == nil {
		return nil, registryembed.ErrUnavailable
	}
	embedCtx, cancel := context.WithTimeout(ctx, e.embedTimeout)
	defer cancel()

	vectors, err := e.embedder.EmbedTexts(embedCtx, []string{text})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", registryembed.ErrUnavailable, err)
		}
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: expected 1 embedding, got %d", registryembed.ErrUnavailable, len(vectors))
	}
	if dim := e.embedder.Dimension(); dim > 0 && len(vectors[0]) != dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vectors[0]), dim)
	}
	return vectors[0], nil
}

// nearest returns the best-matching existing memory above no particular
// threshold; the caller applies SimilarityThreshold. The vector store orders
// by similarity, so taking the first hit implements the higher-wins tie-break.
func (e *Engine) nearest(ctx context.Context, targetID uuid.UUID, embedding []float32) (uuid.UUID, float64, error) {
	if e.vector == nil || !e.vector.IsEnabled() {
		return uuid.Nil, 0, nil
	}
	neighbors, err := e.vector.NearestNeighbors(ctx, targetID, embedding, 1)
	if err != nil {
		return uuid.Nil, 0, err
	}
	if len(neighbors) == 0 {
		return uuid.Nil, 0, nil
	}
	return neighbors[0].MemoryID, neighbors[0].Similarity, nil
}

func (e *Engine) insert(ctx context.Context, req IngestRequest, fingerprint string, embedding []float32, degraded bool) (*Result, error) {
	m := &model.Memory{
		TargetID:           req.TargetID,
		HappenedAt:         req.HappenedAt,
		SourceType:         req.SourceType,
		Content:            req.Content,
		ExtractedFacts:     req.Facts,
		SentimentScore:     req.SentimentScore,
		ContentFingerprint: fingerprint,
		Status:             model.MemoryStatusActive,
	}
	if embedding != nil {
		vec := pgvector.NewVector(embedding)
		m.Embedding = &vec
	}
	created, err := e.store.InsertMemory(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}

	if embedding != nil && e.vector != nil && e.vector.IsEnabled() {
		upsert := registryvector.UpsertRequest{
			MemoryID:  created.ID,
			TargetID:  created.TargetID,
			Embedding: embedding,
		}
		if e.embedder != nil {
			upsert.ModelName = e.embedder.ModelName()
		}
		if err := e.vector.Upsert(ctx, []registryvector.UpsertRequest{upsert}); err != nil {
			log.Error("Vector index upsert failed", "memoryId", created.ID, "err", err)
		}
	}
	return &Result{Memory: created, EmbeddingDegraded: degraded}, nil
}

func (e *Engine) merge(ctx context.Context, existingID uuid.UUID, req IngestRequest) (*model.Memory, error) {
	merged, err := e.store.MergeMemory(ctx, existingID, registrystore.MergeDelta{
		Facts:          req.Facts,
		HappenedAt:     req.HappenedAt,
		SentimentScore: req.SentimentScore,
	})
	if err != nil {
		return nil, fmt.Errorf("merge memory: %w", err)
	}
	log.Info("Merged duplicate memory", "targetId", req.TargetID, "memoryId", existingID)
	return merged, nil
}

func clampSentiment(score int) int {
	if score < model.SentimentScoreMin {
		return model.SentimentScoreMin
	}
	if score > model.SentimentScoreMax {
		return model.SentimentScoreMax
	}
	return score
}
