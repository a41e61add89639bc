// Package retrieval ranks a target's memories against a query using a
// two-factor score: cosine similarity to the query embedding plus an
// exponential recency term. The weights are fixed constants of the design;
// only the decay steepness and the floor are per-chatbot settings.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/philia-app/mentor-service/internal/model"
	registryembed "github.com/philia-app/mentor-service/internal/registry/embed"
	registrystore "github.com/philia-app/mentor-service/internal/registry/store"
)

// Fixed combination weights: relevance = 0.8*similarity + 0.2*recency.
const (
	similarityWeight = 0.8
	recencyWeight    = 0.2
)

// ErrDimensionMismatch indicates a candidate embedding and the query
// embedding have different lengths. This is a configuration error (mixed
// embedding models in one store), fatal for the deployment rather than a
// per-call condition.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Result is one ranked memory, valid for the duration of a single turn.
type Result struct {
	Memory     model.Memory `json:"memory"`
	Similarity float64      `json:"similarity"`
	Relevance  float64      `json:"relevanceScore"`
	Rank       int          `json:"rank"`
}

// Ranker retrieves and scores memories for chat context.
type Ranker struct {
	store        registrystore.MemoryStore
	embedder     registryembed.Embedder
	embedTimeout time.Duration
	now          func() time.Time
}

// NewRanker creates a ranker. now is used for age computation; pass nil for
// wall-clock time.
func NewRanker(store registrystore.MemoryStore, embedder registryembed.Embedder, embedTimeout time.Duration, now func() time.Time) *Ranker {
	if embedTimeout <= 0 {
		embedTimeout = 5 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Ranker{store: store, embedder: embedder, embedTimeout: embedTimeout, now: now}
}

// Retrieve returns up to settings.MaxMemories memories ordered by descending
// relevance. When retrieval is disabled or the budget is zero it returns
// immediately without touching the embedding gateway.
func (r *Ranker) Retrieve(ctx context.Context, targetID uuid.UUID, query string, settings model.RAGSettings) ([]Result, error) {
	if !settings.Enabled || settings.MaxMemories <= 0 {
		return nil, nil
	}
	if r.embedder == nil {
		return nil, registryembed.ErrUnavailable
	}

	embedCtx, cancel := context.WithTimeout(ctx, r.embedTimeout)
	defer cancel()
	vectors, err := r.embedder.EmbedTexts(embedCtx, []string{query})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", registryembed.ErrUnavailable, err)
		}
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: expected 1 embedding, got %d", registryembed.ErrUnavailable, len(vectors))
	}
	queryVec := vectors[0]

	candidates, err := r.store.FindEmbeddedCandidates(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	now := r.now()
	results := make([]Result, 0, len(candidates))
	for _, m := range candidates {
		if m.Embedding == nil {
			continue
		}
		similarity, err := Cosine(queryVec, m.Embedding.Slice())
		if err != nil {
			return nil, err
		}
		if similarity < 0 {
			similarity = 0
		}
		ageDays := now.Sub(m.HappenedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		recency := math.Exp(-settings.TimeDecayFactor * ageDays)
		relevance := similarityWeight*similarity + recencyWeight*recency
		if relevance < settings.MinRelevanceScore {
			continue
		}
		results = append(results, Result{Memory: m, Similarity: similarity, Relevance: relevance})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Relevance != results[j].Relevance {
			return results[i].Relevance > results[j].Relevance
		}
		return results[i].Memory.HappenedAt.After(results[j].Memory.HappenedAt)
	})
	if len(results) > settings.MaxMemories {
		results = results[:settings.MaxMemories]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results, nil
}

// Cosine returns the cosine similarity of two vectors in [-1, 1]. Vectors of
// differing length are a configuration error, not a per-call failure.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
