// Package memories exposes the memory ingestion and listing REST endpoints.
package memories

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/philia-app/mentor-service/internal/dedup"
	"github.com/philia-app/mentor-service/internal/model"
	registryembed "github.com/philia-app/mentor-service/internal/registry/embed"
	registrystore "github.com/philia-app/mentor-service/internal/registry/store"
	registryvector "github.com/philia-app/mentor-service/internal/registry/vector"
	"github.com/philia-app/mentor-service/internal/security"
)

// MountRoutes mounts the memory REST endpoints on the given router.
func MountRoutes(r *gin.Engine, store registrystore.MemoryStore, engine *dedup.Engine, vector registryvector.VectorStore, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/memories", func(c *gin.Context) { ingestMemory(c, engine) })
	g.GET("/memories", func(c *gin.Context) { listMemories(c, store) })
	g.GET("/memories/:id", func(c *gin.Context) { getMemory(c, store) })
	g.DELETE("/memories/:id", func(c *gin.Context) { deleteMemory(c, store, vector) })
}

type ingestRequest struct {
	TargetID       uuid.UUID            `json:"targetId" binding:"required"`
	Content        string               `json:"content"`
	Facts          model.ExtractedFacts `json:"extractedFacts"`
	SentimentScore int                  `json:"sentimentScore"`
	HappenedAt     *time.Time           `json:"happenedAt"`
	SourceType     string               `json:"sourceType"`
}

type ingestResponse struct {
	Memory            *model.Memory `json:"memory"`
	Merged            bool          `json:"merged"`
	Similarity        float64       `json:"similarity,omitempty"`
	EmbeddingDegraded bool          `json:"embeddingDegraded,omitempty"`
}

func ingestMemory(c *gin.Context, engine *dedup.Engine) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ingest := dedup.IngestRequest{
		TargetID:       req.TargetID,
		Content:        req.Content,
		Facts:          req.Facts,
		SentimentScore: req.SentimentScore,
		SourceType:     req.SourceType,
	}
	if req.HappenedAt != nil {
		ingest.HappenedAt = *req.HappenedAt
	}

	result, err := engine.Ingest(c.Request.Context(), ingest)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	if security.MemoriesIngestedTotal != nil {
		outcome := "inserted"
		if result.Merged {
			outcome = "merged"
		}
		security.MemoriesIngestedTotal.WithLabelValues(outcome).Inc()
	}

	status := http.StatusCreated
	if result.Merged {
		status = http.StatusOK
	}
	c.JSON(status, ingestResponse{
		Memory:            result.Memory,
		Merged:            result.Merged,
		Similarity:        result.Similarity,
		EmbeddingDegraded: result.EmbeddingDegraded,
	})
}

func listMemories(c *gin.Context, store registrystore.MemoryStore) {
	q := registrystore.MemoryQuery{
		SourceType: c.Query("sourceType"),
		Limit:      intQuery(c, "limit", 50),
		Offset:     intQuery(c, "offset", 0),
	}
	if raw := c.Query("targetId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid targetId"})
			return
		}
		q.TargetID = &id
	}

	memories, total, err := store.ListMemories(c.Request.Context(), q)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if memories == nil {
		memories = []model.Memory{}
	}
	c.JSON(http.StatusOK, gin.H{"memories": memories, "total": total})
}

func getMemory(c *gin.Context, store registrystore.MemoryStore) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid memory id"})
		return
	}
	m, err := store.GetMemory(c.Request.Context(), id)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func deleteMemory(c *gin.Context, store registrystore.MemoryStore, vector registryvector.VectorStore) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid memory id"})
		return
	}
	if err := store.DeleteMemory(c.Request.Context(), id); err != nil {
		writeStoreError(c, err)
		return
	}
	if vector != nil && vector.IsEnabled() {
		// Vector cleanup is best effort; a stale point for a deleted row can
		// only produce a dedup miss, never wrong data.
		_ = vector.DeleteByMemoryID(c.Request.Context(), id)
	}
	c.Status(http.StatusNoContent)
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

// writeStoreError maps typed store and gateway errors to HTTP statuses.
func writeStoreError(c *gin.Context, err error) {
	var nf *registrystore.NotFoundError
	var ve *registrystore.ValidationError
	var ue *registrystore.UnavailableError
	switch {
	case errors.As(err, &nf):
		c.JSON(http.StatusNotFound, gin.H{"error": nf.Error()})
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
	case errors.As(err, &ue):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": ue.Error()})
	case errors.Is(err, dedup.ErrDimensionMismatch),
		errors.Is(err, registryembed.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
