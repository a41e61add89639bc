// Package targets exposes CRUD endpoints for targets, mentors, and chatbots.
package targets

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/philia-app/mentor-service/internal/model"
	registrystore "github.com/philia-app/mentor-service/internal/registry/store"
)

// MountRoutes mounts the profile endpoints on the given router.
func MountRoutes(r *gin.Engine, store registrystore.MemoryStore, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/targets", func(c *gin.Context) { createTarget(c, store) })
	g.GET("/targets", func(c *gin.Context) { listTargets(c, store) })
	g.GET("/targets/:id", func(c *gin.Context) { getTarget(c, store) })

	g.POST("/mentors", func(c *gin.Context) { createMentor(c, store) })
	g.GET("/mentors", func(c *gin.Context) { listMentors(c, store) })

	g.POST("/chatbots", func(c *gin.Context) { createChatbot(c, store) })
}

type targetRequest struct {
	Name          string                 `json:"name" binding:"required"`
	CurrentStatus string                 `json:"currentStatus"`
	ProfileData   map[string]interface{} `json:"profileData"`
	Preferences   model.Preferences      `json:"preferences"`
	AISummary     string                 `json:"aiSummary"`
}

func createTarget(c *gin.Context, store registrystore.MemoryStore) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := store.CreateTarget(c.Request.Context(), &model.TargetProfile{
		Name:          req.Name,
		CurrentStatus: req.CurrentStatus,
		ProfileData:   req.ProfileData,
		Preferences:   req.Preferences,
		AISummary:     req.AISummary,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func listTargets(c *gin.Context, store registrystore.MemoryStore) {
	targets, err := store.ListTargets(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if targets == nil {
		targets = []model.TargetProfile{}
	}
	c.JSON(http.StatusOK, gin.H{"targets": targets})
}

func getTarget(c *gin.Context, store registrystore.MemoryStore) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid target id"})
		return
	}
	t, err := store.GetTarget(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type mentorRequest struct {
	Name                 string             `json:"name" binding:"required"`
	StyleTag             string             `json:"styleTag"`
	SystemPromptTemplate string             `json:"systemPromptTemplate" binding:"required"`
	DefaultRAGSettings   *model.RAGSettings `json:"defaultRagSettings"`
}

func createMentor(c *gin.Context, store registrystore.MemoryStore) {
	var req mentorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := store.CreateMentor(c.Request.Context(), &model.Mentor{
		Name:                 req.Name,
		StyleTag:             req.StyleTag,
		SystemPromptTemplate: req.SystemPromptTemplate,
		DefaultRAGSettings:   req.DefaultRAGSettings,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func listMentors(c *gin.Context, store registrystore.MemoryStore) {
	mentors, err := store.ListMentors(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if mentors == nil {
		mentors = []model.Mentor{}
	}
	c.JSON(http.StatusOK, gin.H{"mentors": mentors})
}

type chatbotRequest struct {
	TargetID           uuid.UUID          `json:"targetId" binding:"required"`
	MentorID           uuid.UUID          `json:"mentorId" binding:"required"`
	CustomSystemPrompt string             `json:"customSystemPrompt"`
	RAGSettings        *model.RAGSettings `json:"ragSettings"`
}

func createChatbot(c *gin.Context, store registrystore.MemoryStore) {
	var req chatbotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := store.CreateChatbot(c.Request.Context(), &model.Chatbot{
		TargetID:           req.TargetID,
		MentorID:           req.MentorID,
		CustomSystemPrompt: req.CustomSystemPrompt,
		RAGSettings:        req.RAGSettings,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func writeError(c *gin.Context, err error) {
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
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
