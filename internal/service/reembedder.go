package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/philia-app/mentor-service/internal/dedup"
	registryembed "github.com/philia-app/mentor-service/internal/registry/embed"
	registrystore "github.com/philia-app/mentor-service/internal/registry/store"
	registryvector "github.com/philia-app/mentor-service/internal/registry/vector"
)

// Reembedder polls for memories that were persisted without an embedding
// (ingested while the embedding gateway was down), generates their vectors,
// and backfills both the row and the nearest-neighbor index.
type Reembedder struct {
	store    registrystore.MemoryStore
	embedder registryembed.Embedder
	vector   registryvector.VectorStore
	interval time.Duration
	batch    int
}

// NewReembedder creates a new background re-embedder.
func NewReembedder(store registrystore.MemoryStore, embedder registryembed.Embedder, vector registryvector.VectorStore, interval time.Duration, batchSize int) *Reembedder {
	return &Reembedder{
		store:    store,
		embedder: embedder,
		vector:   vector,
		interval: interval,
		batch:    batchSize,
	}
}

// Start begins the backfill loop. Returns when ctx is cancelled.
func (r *Reembedder) Start(ctx context.Context) {
	if r.embedder == nil || r.vector == nil || !r.vector.IsEnabled() {
		log.Info("Re-embedder disabled (no embedder or vector store)")
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.embedBatch(ctx)
		}
	}
}

func (r *Reembedder) embedBatch(ctx context.Context) {
	memories, err := r.store.FindMemoriesPendingEmbedding(ctx, r.batch)
	if err != nil {
		log.Error("Re-embedder: list pending memories failed", "err", err)
		return
	}
	if len(memories) == 0 {
		return
	}

	// Batch embed all texts in one request.
	texts := make([]string, len(memories))
	for i, m := range memories {
		texts[i] = dedup.EmbeddingText(m.Content, m.ExtractedFacts)
	}
	embeddings, err := r.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		log.Error("Re-embedder: batch embed failed", "err", err)
		return
	}
	if len(embeddings) != len(memories) {
		log.Error("Re-embedder: embedding count mismatch", "want", len(memories), "got", len(embeddings))
		return
	}

	dim := r.embedder.Dimension()
	count := 0
	upserts := make([]registryvector.UpsertRequest, 0, len(memories))
	for i, m := range memories {
		if dim > 0 && len(embeddings[i]) != dim {
			log.Error("Re-embedder: embedding dimension mismatch", "memoryId", m.ID, "want", dim, "got", len(embeddings[i]))
			continue
		}
		if err := r.store.SetMemoryEmbedding(ctx, m.ID, embeddings[i]); err != nil {
			log.Error("Re-embedder: set embedding failed", "memoryId", m.ID, "err", err)
			continue
		}
		upserts = append(upserts, registryvector.UpsertRequest{
			MemoryID:  m.ID,
			TargetID:  m.TargetID,
			Embedding: embeddings[i],
			ModelName: r.embedder.ModelName(),
		})
		count++
	}
	if len(upserts) > 0 {
		if err := r.vector.Upsert(ctx, upserts); err != nil {
			log.Error("Re-embedder: vector upsert failed", "err", err)
		}
	}

	if count > 0 {
		log.Info("Re-embedder: backfilled embeddings", "count", count)
	}
}
