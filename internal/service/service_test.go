package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/philia-app/mentor-service/internal/chat"
	"github.com/philia-app/mentor-service/internal/dedup"
	"github.com/philia-app/mentor-service/internal/model"
	"github.com/philia-app/mentor-service/internal/testutil"
)

func seedPendingMemory(t *testing.T, store *testutil.FakeStore, targetID uuid.UUID, content string) uuid.UUID {
	t.Helper()
	m, err := store.InsertMemory(context.Background(), &model.Memory{
		TargetID:   targetID,
		Content:    content,
		SourceType: "manual",
		HappenedAt: time.Now().UTC(),
		Status:     model.MemoryStatusActive,
	})
	require.NoError(t, err)
	return m.ID
}

func TestReembedderBackfillsPendingMemories(t *testing.T) {
	store := testutil.NewFakeStore()
	targetID := uuid.New()
	seedPendingMemory(t, store, targetID, "she loves hiking")
	seedPendingMemory(t, store, targetID, "we argued about money")

	embedder := &testutil.FakeEmbedder{Fallback: []float32{0.1, 0.2, 0.3}, Dim: 3}
	vector := testutil.NewFakeVector()
	r := NewReembedder(store, embedder, vector, time.Second, 10)

	r.embedBatch(context.Background())

	require.Equal(t, 1, embedder.Calls, "batch should embed in one request")
	require.Equal(t, 2, vector.Len())
	pending, err := store.FindMemoriesPendingEmbedding(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestReembedderLeavesRowsWhenEmbedderDown(t *testing.T) {
	store := testutil.NewFakeStore()
	targetID := uuid.New()
	seedPendingMemory(t, store, targetID, "first date at the museum")

	embedder := &testutil.FakeEmbedder{Err: context.DeadlineExceeded, Dim: 3}
	vector := testutil.NewFakeVector()
	r := NewReembedder(store, embedder, vector, time.Second, 10)

	r.embedBatch(context.Background())

	require.Zero(t, vector.Len())
	pending, err := store.FindMemoriesPendingEmbedding(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestReembedderSkipsWrongDimension(t *testing.T) {
	store := testutil.NewFakeStore()
	targetID := uuid.New()
	seedPendingMemory(t, store, targetID, "moved in together")

	embedder := &testutil.FakeEmbedder{Fallback: []float32{0.5, 0.5}, Dim: 3}
	vector := testutil.NewFakeVector()
	r := NewReembedder(store, embedder, vector, time.Second, 10)

	r.embedBatch(context.Background())

	require.Zero(t, vector.Len())
	pending, err := store.FindMemoriesPendingEmbedding(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func newProcessor(store *testutil.FakeStore, llm *testutil.FakeChatModel) *TaskProcessor {
	embedder := &testutil.FakeEmbedder{Fallback: []float32{1, 0, 0}, Dim: 3}
	vector := testutil.NewFakeVector()
	engine := dedup.NewEngine(store, embedder, vector, time.Second)
	return NewTaskProcessor(store, llm, engine, time.Second, time.Minute, 10)
}

func TestTaskProcessorExtractsFacts(t *testing.T) {
	store := testutil.NewFakeStore()
	targetID := uuid.New()
	llm := &testutil.FakeChatModel{JSON: `{
		"memorable": true,
		"content": "They celebrated a six month anniversary at the beach",
		"sentimentScore": 7,
		"facts": {"sentiment": "happy", "keyEvent": "anniversary", "topics": ["anniversary", "beach"]}
	}`}
	p := newProcessor(store, llm)

	err := store.EnqueueTask(context.Background(), chat.TaskTypeFactExtraction, map[string]interface{}{
		"chatbotId":   uuid.NewString(),
		"targetId":    targetID.String(),
		"userMessage": "we hit six months and she planned a beach trip!",
	})
	require.NoError(t, err)

	p.ProcessBatch(context.Background())

	memories := store.Memories()
	require.Len(t, memories, 1)
	require.Equal(t, "chat", memories[0].SourceType)
	require.Equal(t, targetID, memories[0].TargetID)
	require.Equal(t, 7, memories[0].SentimentScore)
	require.Equal(t, "anniversary", memories[0].ExtractedFacts.KeyEvent)
	require.Empty(t, store.Tasks(), "completed task should be deleted")
}

func TestTaskProcessorSkipsUnmemorableMessages(t *testing.T) {
	store := testutil.NewFakeStore()
	llm := &testutil.FakeChatModel{JSON: `{"memorable": false, "content": ""}`}
	p := newProcessor(store, llm)

	err := store.EnqueueTask(context.Background(), chat.TaskTypeFactExtraction, map[string]interface{}{
		"targetId":    uuid.NewString(),
		"userMessage": "ok thanks",
	})
	require.NoError(t, err)

	p.ProcessBatch(context.Background())

	require.Empty(t, store.Memories())
	require.Empty(t, store.Tasks())
}

func TestTaskProcessorRetriesOnBadResponse(t *testing.T) {
	store := testutil.NewFakeStore()
	llm := &testutil.FakeChatModel{JSON: "not json at all"}
	p := newProcessor(store, llm)

	err := store.EnqueueTask(context.Background(), chat.TaskTypeFactExtraction, map[string]interface{}{
		"targetId":    uuid.NewString(),
		"userMessage": "something happened",
	})
	require.NoError(t, err)

	p.ProcessBatch(context.Background())

	tasks := store.Tasks()
	require.Len(t, tasks, 1, "failed task stays queued for retry")
	require.Equal(t, 1, tasks[0].RetryCount)
	require.NotNil(t, tasks[0].LastError)
	require.True(t, tasks[0].RetryAt.After(time.Now()))
}

func TestTaskProcessorFailsUnknownTaskType(t *testing.T) {
	store := testutil.NewFakeStore()
	p := newProcessor(store, &testutil.FakeChatModel{})

	err := store.EnqueueTask(context.Background(), "mystery_task", map[string]interface{}{})
	require.NoError(t, err)

	p.ProcessBatch(context.Background())

	tasks := store.Tasks()
	require.Len(t, tasks, 1)
	require.Equal(t, 1, tasks[0].RetryCount)
}

func TestTaskProcessorFailsOnMissingBodyFields(t *testing.T) {
	store := testutil.NewFakeStore()
	p := newProcessor(store, &testutil.FakeChatModel{})

	err := store.EnqueueTask(context.Background(), chat.TaskTypeFactExtraction, map[string]interface{}{
		"targetId": uuid.NewString(),
	})
	require.NoError(t, err)

	p.ProcessBatch(context.Background())

	tasks := store.Tasks()
	require.Len(t, tasks, 1)
	require.NotNil(t, tasks[0].LastError)
}
