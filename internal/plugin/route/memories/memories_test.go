package memories_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/philia-app/mentor-service/internal/dedup"
	"github.com/philia-app/mentor-service/internal/model"
	"github.com/philia-app/mentor-service/internal/plugin/route/memories"
	"github.com/philia-app/mentor-service/internal/testutil"
)

func noAuth(c *gin.Context) { c.Next() }

func newRouter(store *testutil.FakeStore) (*gin.Engine, *testutil.FakeVector) {
	gin.SetMode(gin.TestMode)
	embedder := &testutil.FakeEmbedder{Fallback: []float32{1, 0, 0}, Dim: 3}
	vector := testutil.NewFakeVector()
	engine := dedup.NewEngine(store, embedder, vector, time.Second)
	router := gin.New()
	memories.MountRoutes(router, store, engine, vector, noAuth)
	return router, vector
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestIngestMemory_Created(t *testing.T) {
	store := testutil.NewFakeStore()
	router, vector := newRouter(store)

	rec := postJSON(t, router, "/v1/memories", gin.H{
		"targetId":       uuid.NewString(),
		"content":        "she mentioned her sister lives in Shanghai",
		"sentimentScore": 2,
		"sourceType":     "manual",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Memory model.Memory `json:"memory"`
		Merged bool         `json:"merged"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Merged)
	require.NotEqual(t, uuid.Nil, resp.Memory.ID)
	require.Equal(t, 1, vector.Len())
}

func TestIngestMemory_DuplicateReturnsOK(t *testing.T) {
	store := testutil.NewFakeStore()
	router, _ := newRouter(store)
	targetID := uuid.NewString()
	body := gin.H{"targetId": targetID, "content": "They went hiking together", "sourceType": "manual"}

	first := postJSON(t, router, "/v1/memories", body)
	require.Equal(t, http.StatusCreated, first.Code)

	second := postJSON(t, router, "/v1/memories", body)
	require.Equal(t, http.StatusOK, second.Code)
	var resp struct {
		Merged bool `json:"merged"`
	}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	require.True(t, resp.Merged)
	require.Len(t, store.Memories(), 1)
}

func TestIngestMemory_MissingTargetIsBadRequest(t *testing.T) {
	store := testutil.NewFakeStore()
	router, _ := newRouter(store)

	rec := postJSON(t, router, "/v1/memories", gin.H{"content": "no target"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMemories_FiltersByTarget(t *testing.T) {
	store := testutil.NewFakeStore()
	router, _ := newRouter(store)
	targetID := uuid.NewString()

	postJSON(t, router, "/v1/memories", gin.H{"targetId": targetID, "content": "likes jazz", "sourceType": "manual"})
	postJSON(t, router, "/v1/memories", gin.H{"targetId": uuid.NewString(), "content": "other person fact", "sourceType": "manual"})

	req := httptest.NewRequest(http.MethodGet, "/v1/memories?targetId="+targetID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Memories []model.Memory `json:"memories"`
		Total    int64          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(1), resp.Total)
	require.Len(t, resp.Memories, 1)
	require.Equal(t, "likes jazz", resp.Memories[0].Content)
}

func TestGetMemory_UnknownIDIs404(t *testing.T) {
	store := testutil.NewFakeStore()
	router, _ := newRouter(store)

	req := httptest.NewRequest(http.MethodGet, "/v1/memories/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteMemory_RemovesVectorPoint(t *testing.T) {
	store := testutil.NewFakeStore()
	router, vector := newRouter(store)

	rec := postJSON(t, router, "/v1/memories", gin.H{
		"targetId":   uuid.NewString(),
		"content":    "short lived fact",
		"sourceType": "manual",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Memory model.Memory `json:"memory"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	req := httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/v1/memories/%s", resp.Memory.ID), nil)
	del := httptest.NewRecorder()
	router.ServeHTTP(del, req)

	require.Equal(t, http.StatusNoContent, del.Code)
	require.Zero(t, vector.Len())

	get := httptest.NewRecorder()
	router.ServeHTTP(get, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/memories/%s", resp.Memory.ID), nil))
	require.Equal(t, http.StatusNotFound, get.Code)
}
