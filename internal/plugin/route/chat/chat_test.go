package chat_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	chatsvc "github.com/philia-app/mentor-service/internal/chat"
	"github.com/philia-app/mentor-service/internal/model"
	routechat "github.com/philia-app/mentor-service/internal/plugin/route/chat"
	"github.com/philia-app/mentor-service/internal/retrieval"
	"github.com/philia-app/mentor-service/internal/testutil"
)

func noAuth(c *gin.Context) { c.Next() }

func newRouter(llm *testutil.FakeChatModel) (*gin.Engine, *testutil.FakeStore, uuid.UUID) {
	gin.SetMode(gin.TestMode)
	store := testutil.NewFakeStore()
	target := &model.TargetProfile{Name: "Alex"}
	mentor := &model.Mentor{
		Name:                 "Blunt",
		SystemPromptTemplate: "You advise about {target_name}. Context:\n{context}",
	}
	chatbotID := store.SeedChat(mentor, target, &model.Chatbot{})

	embedder := &testutil.FakeEmbedder{Fallback: []float32{1, 0, 0}}
	ranker := retrieval.NewRanker(store, embedder, time.Second, nil)
	orch := chatsvc.NewOrchestrator(store, ranker, llm, nil, time.Minute, time.Minute)

	router := gin.New()
	routechat.MountRoutes(router, store, orch, noAuth)
	return router, store, chatbotID
}

func postMessage(t *testing.T, router *gin.Engine, path, message string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(gin.H{"message": message})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSendMessage_ReturnsReply(t *testing.T) {
	router, store, chatbotID := newRouter(&testutil.FakeChatModel{Chunks: []string{"Ask ", "directly."}})

	rec := postMessage(t, router, "/v1/chatbots/"+chatbotID.String()+"/messages", "should I ask?")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Reply string `json:"reply"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "Ask directly.", resp.Reply)
	require.Len(t, store.Turns(), 2)
}

func TestStreamMessage_EmitsSSEFrames(t *testing.T) {
	router, _, chatbotID := newRouter(&testutil.FakeChatModel{Chunks: []string{"Hello", " there"}})

	rec := postMessage(t, router, "/v1/chatbots/"+chatbotID.String()+"/messages/stream", "hi")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "data: Hello\n\ndata:  there\n\ndata: [DONE]\n\n", rec.Body.String())
}

func TestStreamMessage_ModelFailureEmitsErrorFrame(t *testing.T) {
	router, store, chatbotID := newRouter(&testutil.FakeChatModel{
		Chunks:    []string{"partial"},
		StreamErr: errByName("model connection reset"),
		ErrAfter:  1,
	})

	rec := postMessage(t, router, "/v1/chatbots/"+chatbotID.String()+"/messages/stream", "hi")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "data: partial\n\n")
	require.Contains(t, rec.Body.String(), "data: [ERROR] ")
	require.NotContains(t, rec.Body.String(), "[DONE]")
	// Only the user turn survives a failed stream.
	require.Len(t, store.Turns(), 1)
}

func TestSendMessage_UnknownChatbotIs404(t *testing.T) {
	router, _, _ := newRouter(&testutil.FakeChatModel{Chunks: []string{"x"}})

	rec := postMessage(t, router, "/v1/chatbots/"+uuid.NewString()+"/messages", "hi")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessage_InvalidChatbotIDIs400(t *testing.T) {
	router, _, _ := newRouter(&testutil.FakeChatModel{Chunks: []string{"x"}})

	rec := postMessage(t, router, "/v1/chatbots/not-a-uuid/messages", "hi")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessage_StartFailureIsBadGateway(t *testing.T) {
	router, _, chatbotID := newRouter(&testutil.FakeChatModel{StartErr: errByName("gateway down")})

	rec := postMessage(t, router, "/v1/chatbots/"+chatbotID.String()+"/messages", "hi")
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestListMessages_ReturnsPersistedTurns(t *testing.T) {
	router, _, chatbotID := newRouter(&testutil.FakeChatModel{Chunks: []string{"ok"}})

	postMessage(t, router, "/v1/chatbots/"+chatbotID.String()+"/messages", "first question")

	req := httptest.NewRequest(http.MethodGet, "/v1/chatbots/"+chatbotID.String()+"/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []model.ChatTurn `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	require.Equal(t, "first question", resp.Messages[0].Content)
}

func TestListMessages_BadLimitFallsBackToDefault(t *testing.T) {
	router, _, chatbotID := newRouter(&testutil.FakeChatModel{Chunks: []string{"ok"}})

	postMessage(t, router, "/v1/chatbots/"+chatbotID.String()+"/messages", "first question")

	for _, raw := range []string{"-3", "abc"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/chatbots/"+chatbotID.String()+"/messages?limit="+raw, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Messages []model.ChatTurn `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Messages, 2)
	}
}

func TestPreviewPrompt_DoesNotPersist(t *testing.T) {
	router, store, chatbotID := newRouter(&testutil.FakeChatModel{Chunks: []string{"x"}})

	req := httptest.NewRequest(http.MethodGet, "/v1/chatbots/"+chatbotID.String()+"/prompt-preview?query=anniversary", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		SystemPrompt string `json:"systemPrompt"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.SystemPrompt, "Alex")
	require.Empty(t, store.Turns())
}

type namedErr string

func (e namedErr) Error() string { return string(e) }

func errByName(msg string) error { return namedErr(msg) }
