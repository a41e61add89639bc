package chat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/require"

	"github.com/philia-app/mentor-service/internal/chat"
	"github.com/philia-app/mentor-service/internal/model"
	registryllm "github.com/philia-app/mentor-service/internal/registry/llm"
	"github.com/philia-app/mentor-service/internal/retrieval"
	"github.com/philia-app/mentor-service/internal/testutil"
)

type fixture struct {
	store     *testutil.FakeStore
	llm       *testutil.FakeChatModel
	cache     *testutil.FakeTurnsCache
	orch      *chat.Orchestrator
	chatbotID uuid.UUID
	targetID  uuid.UUID
}

func newFixture(t *testing.T, llm *testutil.FakeChatModel) *fixture {
	t.Helper()
	store := testutil.NewFakeStore()
	target := &model.TargetProfile{Name: "Alex"}
	mentor := &model.Mentor{
		Name:                 "Blunt",
		SystemPromptTemplate: "You advise about {target_name}. Context:\n{context}",
	}
	chatbotID := store.SeedChat(mentor, target, &model.Chatbot{})

	embedder := &testutil.FakeEmbedder{Fallback: []float32{1, 0, 0}}
	ranker := retrieval.NewRanker(store, embedder, time.Second, nil)
	cache := testutil.NewFakeTurnsCache()
	orch := chat.NewOrchestrator(store, ranker, llm, cache, time.Minute, time.Minute)
	return &fixture{store: store, llm: llm, cache: cache, orch: orch, chatbotID: chatbotID, targetID: target.ID}
}

func collect(t *testing.T, events <-chan chat.Event) (string, error) {
	t.Helper()
	var text string
	var done bool
	for ev := range events {
		require.False(t, done, "no events after the terminal one")
		if ev.Err != nil {
			return text, ev.Err
		}
		if ev.Done {
			done = true
			continue
		}
		text += ev.Text
	}
	return text, nil
}

func TestStreamTurnHappyPath(t *testing.T) {
	f := newFixture(t, &testutil.FakeChatModel{Chunks: []string{"Tell ", "them ", "directly."}})

	events, err := f.orch.StreamTurn(context.Background(), chat.TurnRequest{
		ChatbotID: f.chatbotID,
		Message:   "Should I bring it up?",
	})
	require.NoError(t, err)
	text, err := collect(t, events)
	require.NoError(t, err)
	require.Equal(t, "Tell them directly.", text)

	turns := f.store.Turns()
	require.Len(t, turns, 2)
	require.Equal(t, model.RoleUser, turns[0].Role)
	require.Equal(t, "Should I bring it up?", turns[0].Content)
	require.Equal(t, model.RoleAssistant, turns[1].Role)
	require.Equal(t, "Tell them directly.", turns[1].Content)

	// Completed turns queue fact extraction.
	tasks := f.store.Tasks()
	require.Len(t, tasks, 1)
	require.Equal(t, chat.TaskTypeFactExtraction, tasks[0].TaskType)
	require.Equal(t, f.targetID.String(), tasks[0].TaskBody["targetId"])
}

func TestStreamTurnRendersContextIntoPrompt(t *testing.T) {
	llm := &testutil.FakeChatModel{Chunks: []string{"ok"}}
	f := newFixture(t, llm)

	vec := pgvector.NewVector([]float32{1, 0, 0})
	_, err := f.store.InsertMemory(context.Background(), &model.Memory{
		TargetID:   f.targetID,
		HappenedAt: time.Now().Add(-24 * time.Hour),
		SourceType: "manual",
		Content:    "Argued about weekend plans",
		Embedding:  &vec,
		Status:     model.MemoryStatusActive,
	})
	require.NoError(t, err)

	events, err := f.orch.StreamTurn(context.Background(), chat.TurnRequest{ChatbotID: f.chatbotID, Message: "advice?"})
	require.NoError(t, err)
	_, err = collect(t, events)
	require.NoError(t, err)

	prompt := llm.SystemPrompt()
	require.Contains(t, prompt, "You advise about Alex.")
	require.Contains(t, prompt, "Argued about weekend plans")
}

func TestStreamTurnHistoryExcludesCurrentMessage(t *testing.T) {
	llm := &testutil.FakeChatModel{Chunks: []string{"first"}}
	f := newFixture(t, llm)

	// First turn: empty history.
	events, err := f.orch.StreamTurn(context.Background(), chat.TurnRequest{ChatbotID: f.chatbotID, Message: "hello"})
	require.NoError(t, err)
	_, err = collect(t, events)
	require.NoError(t, err)
	require.Empty(t, llm.History())

	// Second turn: history carries the first exchange but not the new message.
	events, err = f.orch.StreamTurn(context.Background(), chat.TurnRequest{ChatbotID: f.chatbotID, Message: "and now?"})
	require.NoError(t, err)
	_, err = collect(t, events)
	require.NoError(t, err)

	history := llm.History()
	require.Len(t, history, 2)
	require.Equal(t, "hello", history[0].Content)
	require.Equal(t, "first", history[1].Content)
	require.Equal(t, "and now?", llm.LastUserMessage)
}

func TestStreamTurnRetrievalFailureDegrades(t *testing.T) {
	llm := &testutil.FakeChatModel{Chunks: []string{"still here"}}
	store := testutil.NewFakeStore()
	mentor := &model.Mentor{SystemPromptTemplate: "ctx: {context}"}
	chatbotID := store.SeedChat(mentor, &model.TargetProfile{Name: "Alex"}, &model.Chatbot{})

	embedder := &testutil.FakeEmbedder{Err: errors.New("gateway down")}
	ranker := retrieval.NewRanker(store, embedder, time.Second, nil)
	orch := chat.NewOrchestrator(store, ranker, llm, nil, time.Minute, 0)

	events, err := orch.StreamTurn(context.Background(), chat.TurnRequest{ChatbotID: chatbotID, Message: "hi"})
	require.NoError(t, err)
	text, err := collect(t, events)
	require.NoError(t, err)
	require.Equal(t, "still here", text)
	require.Contains(t, llm.SystemPrompt(), "No relevant history recorded.")
}

func TestStreamTurnModelFailureKeepsUserTurn(t *testing.T) {
	llm := &testutil.FakeChatModel{Chunks: []string{"par", "tial"}, StreamErr: errors.New("upstream 500"), ErrAfter: 1}
	f := newFixture(t, llm)

	events, err := f.orch.StreamTurn(context.Background(), chat.TurnRequest{ChatbotID: f.chatbotID, Message: "hi"})
	require.NoError(t, err)
	_, err = collect(t, events)
	require.ErrorIs(t, err, chat.ErrModelStream)

	// The user message survives; no partial assistant text is persisted.
	turns := f.store.Turns()
	require.Len(t, turns, 1)
	require.Equal(t, model.RoleUser, turns[0].Role)
	require.Empty(t, f.store.Tasks())
}

func TestStreamTurnStartFailure(t *testing.T) {
	llm := &testutil.FakeChatModel{StartErr: errors.New("connect refused")}
	f := newFixture(t, llm)

	events, err := f.orch.StreamTurn(context.Background(), chat.TurnRequest{ChatbotID: f.chatbotID, Message: "hi"})
	require.NoError(t, err)
	_, err = collect(t, events)
	require.ErrorIs(t, err, chat.ErrModelStream)
	require.Len(t, f.store.Turns(), 1)
}

func TestStreamTurnCancellationDiscardsPartialText(t *testing.T) {
	llm := &testutil.FakeChatModel{Chunks: []string{"some ", "text"}, Block: true, ErrAfter: 2}
	f := newFixture(t, llm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := f.orch.StreamTurn(ctx, chat.TurnRequest{ChatbotID: f.chatbotID, Message: "hi"})
	require.NoError(t, err)

	var got string
	for ev := range events {
		got += ev.Text
		if got == "some text" {
			cancel()
		}
	}
	require.Equal(t, "some text", got)

	turns := f.store.Turns()
	require.Len(t, turns, 1)
	require.Equal(t, model.RoleUser, turns[0].Role)
	require.Empty(t, f.store.Tasks())
}

// truncatingModel emits one text chunk and then closes the channel without a
// terminal chunk, like a model call cut off by its deadline.
type truncatingModel struct{}

func (truncatingModel) Name() string { return "truncating" }

func (truncatingModel) CompleteJSON(ctx context.Context, prompt string) (string, error) {
	return "", errors.New("not implemented")
}

func (truncatingModel) StreamChat(ctx context.Context, systemPrompt string, history []registryllm.Message, userMessage string) (<-chan registryllm.Chunk, error) {
	out := make(chan registryllm.Chunk, 1)
	out <- registryllm.Chunk{Text: "partial "}
	close(out)
	return out, nil
}

func TestStreamTurnTruncatedStreamDiscardsPartialText(t *testing.T) {
	store := testutil.NewFakeStore()
	mentor := &model.Mentor{Name: "Blunt", SystemPromptTemplate: "Context:\n{context}"}
	chatbotID := store.SeedChat(mentor, &model.TargetProfile{Name: "Alex"}, &model.Chatbot{})

	embedder := &testutil.FakeEmbedder{Fallback: []float32{1, 0, 0}}
	ranker := retrieval.NewRanker(store, embedder, time.Second, nil)
	orch := chat.NewOrchestrator(store, ranker, truncatingModel{}, testutil.NewFakeTurnsCache(), time.Minute, time.Minute)

	events, err := orch.StreamTurn(context.Background(), chat.TurnRequest{ChatbotID: chatbotID, Message: "hi"})
	require.NoError(t, err)
	text, err := collect(t, events)
	require.ErrorIs(t, err, chat.ErrModelStream)
	require.Equal(t, "partial ", text)

	turns := store.Turns()
	require.Len(t, turns, 1)
	require.Equal(t, model.RoleUser, turns[0].Role)
	require.Empty(t, store.Tasks())
}

func TestStreamTurnEmptyStreamPersistsNothing(t *testing.T) {
	llm := &testutil.FakeChatModel{Chunks: nil}
	f := newFixture(t, llm)

	events, err := f.orch.StreamTurn(context.Background(), chat.TurnRequest{ChatbotID: f.chatbotID, Message: "hi"})
	require.NoError(t, err)
	text, err := collect(t, events)
	require.NoError(t, err)
	require.Empty(t, text)

	require.Len(t, f.store.Turns(), 1)
	require.Empty(t, f.store.Tasks())
}

func TestStreamTurnValidation(t *testing.T) {
	f := newFixture(t, &testutil.FakeChatModel{})

	_, err := f.orch.StreamTurn(context.Background(), chat.TurnRequest{ChatbotID: f.chatbotID, Message: "  "})
	require.Error(t, err)

	_, err = f.orch.StreamTurn(context.Background(), chat.TurnRequest{ChatbotID: uuid.New(), Message: "hi"})
	require.Error(t, err)
	require.Empty(t, f.store.Turns())
}

func TestStreamTurnUserPersistFailureAborts(t *testing.T) {
	f := newFixture(t, &testutil.FakeChatModel{Chunks: []string{"x"}})
	f.store.AppendErrAfter = 0

	_, err := f.orch.StreamTurn(context.Background(), chat.TurnRequest{ChatbotID: f.chatbotID, Message: "hi"})
	require.Error(t, err)
	require.Empty(t, f.store.Turns())
}

func TestRunTurnCollectsFullReply(t *testing.T) {
	f := newFixture(t, &testutil.FakeChatModel{Chunks: []string{"a", "b", "c"}})

	reply, err := f.orch.RunTurn(context.Background(), chat.TurnRequest{ChatbotID: f.chatbotID, Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, "abc", reply)
	require.Len(t, f.store.Turns(), 2)
}

func TestPreviewPromptPersistsNothing(t *testing.T) {
	llm := &testutil.FakeChatModel{}
	f := newFixture(t, llm)

	preview, err := f.orch.PreviewPrompt(context.Background(), f.chatbotID, "weekend plans")
	require.NoError(t, err)
	require.Contains(t, preview.SystemPrompt, "You advise about Alex.")
	require.True(t, preview.RAGSettings.Enabled)
	require.Empty(t, f.store.Turns())
	require.Empty(t, f.store.Tasks())
}

func TestStreamTurnCacheInvalidatedOnPersist(t *testing.T) {
	f := newFixture(t, &testutil.FakeChatModel{Chunks: []string{"ok"}})

	events, err := f.orch.StreamTurn(context.Background(), chat.TurnRequest{ChatbotID: f.chatbotID, Message: "hi"})
	require.NoError(t, err)
	_, err = collect(t, events)
	require.NoError(t, err)

	// user persist + assistant persist
	require.Equal(t, 2, f.cache.Removes)
	require.GreaterOrEqual(t, f.cache.Sets, 1)
}
