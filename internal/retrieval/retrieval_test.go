package retrieval_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/require"

	"github.com/philia-app/mentor-service/internal/model"
	registryembed "github.com/philia-app/mentor-service/internal/registry/embed"
	"github.com/philia-app/mentor-service/internal/retrieval"
	"github.com/philia-app/mentor-service/internal/testutil"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func seedMemory(t *testing.T, store *testutil.FakeStore, targetID uuid.UUID, content string, embedding []float32, age time.Duration) model.Memory {
	t.Helper()
	vec := pgvector.NewVector(embedding)
	m, err := store.InsertMemory(context.Background(), &model.Memory{
		TargetID:   targetID,
		HappenedAt: now.Add(-age),
		SourceType: "manual",
		Content:    content,
		Embedding:  &vec,
		Status:     model.MemoryStatusActive,
	})
	require.NoError(t, err)
	return *m
}

func newRanker(store *testutil.FakeStore, embedder *testutil.FakeEmbedder) *retrieval.Ranker {
	return retrieval.NewRanker(store, embedder, time.Second, func() time.Time { return now })
}

func settings() model.RAGSettings {
	return model.RAGSettings{
		Enabled:           true,
		MaxMemories:       5,
		TimeDecayFactor:   0.1,
		MinRelevanceScore: 0.35,
	}
}

func TestRetrieveOrdersByRelevance(t *testing.T) {
	store := testutil.NewFakeStore()
	targetID := uuid.New()
	exact := seedMemory(t, store, targetID, "coffee yesterday", []float32{1, 0, 0}, 24*time.Hour)
	stale := seedMemory(t, store, targetID, "coffee long ago", []float32{1, 0, 0}, 200*24*time.Hour)
	other := seedMemory(t, store, targetID, "hiking recently", []float32{0, 1, 0}, 24*time.Hour)
	_ = other

	embedder := &testutil.FakeEmbedder{Vectors: map[string][]float32{"coffee": {1, 0, 0}}}
	results, err := newRanker(store, embedder).Retrieve(context.Background(), targetID, "coffee", settings())
	require.NoError(t, err)

	// The identical-but-old memory ranks below the identical-and-fresh one;
	// the orthogonal one fails the relevance floor (0.8*0 + 0.2*recency < 0.35).
	require.Len(t, results, 2)
	require.Equal(t, exact.ID, results[0].Memory.ID)
	require.Equal(t, stale.ID, results[1].Memory.ID)
	require.Equal(t, 1, results[0].Rank)
	require.Equal(t, 2, results[1].Rank)
	require.Greater(t, results[0].Relevance, results[1].Relevance)
}

func TestRetrieveRelevanceFormula(t *testing.T) {
	store := testutil.NewFakeStore()
	targetID := uuid.New()
	seedMemory(t, store, targetID, "coffee", []float32{1, 0, 0}, 10*24*time.Hour)

	embedder := &testutil.FakeEmbedder{Vectors: map[string][]float32{"coffee": {1, 0, 0}}}
	results, err := newRanker(store, embedder).Retrieve(context.Background(), targetID, "coffee", settings())
	require.NoError(t, err)
	require.Len(t, results, 1)

	want := 0.8*1.0 + 0.2*math.Exp(-0.1*10)
	require.InDelta(t, want, results[0].Relevance, 1e-9)
	require.InDelta(t, 1.0, results[0].Similarity, 1e-9)
}

func TestRetrieveZeroDecayIgnoresAge(t *testing.T) {
	store := testutil.NewFakeStore()
	targetID := uuid.New()
	seedMemory(t, store, targetID, "ancient", []float32{1, 0, 0}, 5*365*24*time.Hour)

	s := settings()
	s.TimeDecayFactor = 0
	embedder := &testutil.FakeEmbedder{Fallback: []float32{1, 0, 0}}
	results, err := newRanker(store, embedder).Retrieve(context.Background(), targetID, "q", s)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.InDelta(t, 1.0, results[0].Relevance, 1e-9)
}

func TestRetrieveFutureHappenedAtClamped(t *testing.T) {
	store := testutil.NewFakeStore()
	targetID := uuid.New()
	seedMemory(t, store, targetID, "tomorrow", []float32{1, 0, 0}, -48*time.Hour)

	embedder := &testutil.FakeEmbedder{Fallback: []float32{1, 0, 0}}
	results, err := newRanker(store, embedder).Retrieve(context.Background(), targetID, "q", settings())
	require.NoError(t, err)
	require.Len(t, results, 1)
	// Age clamps to zero, so recency is exactly 1.
	require.InDelta(t, 1.0, results[0].Relevance, 1e-9)
}

func TestRetrieveNegativeSimilarityClamped(t *testing.T) {
	store := testutil.NewFakeStore()
	targetID := uuid.New()
	seedMemory(t, store, targetID, "opposite", []float32{-1, 0, 0}, 0)

	s := settings()
	s.MinRelevanceScore = 0
	embedder := &testutil.FakeEmbedder{Fallback: []float32{1, 0, 0}}
	results, err := newRanker(store, embedder).Retrieve(context.Background(), targetID, "q", s)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 0.0, results[0].Similarity)
	require.InDelta(t, 0.2, results[0].Relevance, 1e-9)
}

func TestRetrieveTruncatesToBudget(t *testing.T) {
	store := testutil.NewFakeStore()
	targetID := uuid.New()
	for i := 0; i < 10; i++ {
		seedMemory(t, store, targetID, "coffee", []float32{1, 0, 0}, time.Duration(i)*24*time.Hour)
	}

	s := settings()
	s.MaxMemories = 3
	embedder := &testutil.FakeEmbedder{Fallback: []float32{1, 0, 0}}
	results, err := newRanker(store, embedder).Retrieve(context.Background(), targetID, "q", s)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		require.Equal(t, i+1, r.Rank)
	}
}

func TestRetrieveDisabledSkipsEmbedding(t *testing.T) {
	store := testutil.NewFakeStore()
	embedder := &testutil.FakeEmbedder{Fallback: []float32{1, 0, 0}}
	ranker := newRanker(store, embedder)

	s := settings()
	s.Enabled = false
	results, err := ranker.Retrieve(context.Background(), uuid.New(), "q", s)
	require.NoError(t, err)
	require.Empty(t, results)

	s = settings()
	s.MaxMemories = 0
	results, err = ranker.Retrieve(context.Background(), uuid.New(), "q", s)
	require.NoError(t, err)
	require.Empty(t, results)

	require.Equal(t, 0, embedder.Calls)
}

func TestRetrieveEmbedderDown(t *testing.T) {
	store := testutil.NewFakeStore()
	seedMemory(t, store, uuid.New(), "coffee", []float32{1, 0, 0}, 0)
	embedder := &testutil.FakeEmbedder{Err: registryembed.ErrUnavailable}

	_, err := newRanker(store, embedder).Retrieve(context.Background(), uuid.New(), "q", settings())
	require.ErrorIs(t, err, registryembed.ErrUnavailable)
}

func TestRetrieveSkipsUnembeddedAndForeignMemories(t *testing.T) {
	store := testutil.NewFakeStore()
	targetID := uuid.New()
	seedMemory(t, store, targetID, "mine", []float32{1, 0, 0}, 0)
	seedMemory(t, store, uuid.New(), "someone else", []float32{1, 0, 0}, 0)
	_, err := store.InsertMemory(context.Background(), &model.Memory{
		TargetID:   targetID,
		HappenedAt: now,
		SourceType: "manual",
		Content:    "pending embedding",
		Status:     model.MemoryStatusActive,
	})
	require.NoError(t, err)

	embedder := &testutil.FakeEmbedder{Fallback: []float32{1, 0, 0}}
	results, err := newRanker(store, embedder).Retrieve(context.Background(), targetID, "q", settings())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "mine", results[0].Memory.Content)
}

func TestRetrieveDimensionMismatch(t *testing.T) {
	store := testutil.NewFakeStore()
	targetID := uuid.New()
	seedMemory(t, store, targetID, "short vector", []float32{1, 0}, 0)

	embedder := &testutil.FakeEmbedder{Fallback: []float32{1, 0, 0}}
	_, err := newRanker(store, embedder).Retrieve(context.Background(), targetID, "q", settings())
	require.ErrorIs(t, err, retrieval.ErrDimensionMismatch)
}

func TestCosine(t *testing.T) {
	sim, err := retrieval.Cosine([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	require.InDelta(t, 1.0, sim, 1e-9)

	sim, err = retrieval.Cosine([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	require.InDelta(t, 0.0, sim, 1e-9)

	sim, err = retrieval.Cosine([]float32{1, 0}, []float32{-1, 0})
	require.NoError(t, err)
	require.InDelta(t, -1.0, sim, 1e-9)

	sim, err = retrieval.Cosine([]float32{0, 0}, []float32{1, 0})
	require.NoError(t, err)
	require.Equal(t, 0.0, sim)

	_, err = retrieval.Cosine([]float32{1}, []float32{1, 0})
	require.ErrorIs(t, err, retrieval.ErrDimensionMismatch)
}
