// Package chat exposes the mentor chat endpoints, including the SSE
// streaming variant.
package chat

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	chatsvc "github.com/philia-app/mentor-service/internal/chat"
	"github.com/philia-app/mentor-service/internal/model"
	registrystore "github.com/philia-app/mentor-service/internal/registry/store"
	"github.com/philia-app/mentor-service/internal/security"
)

// MountRoutes mounts the chat endpoints on the given router.
func MountRoutes(r *gin.Engine, store registrystore.MemoryStore, orch *chatsvc.Orchestrator, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/chatbots/:id/messages", func(c *gin.Context) { sendMessage(c, orch) })
	g.POST("/chatbots/:id/messages/stream", func(c *gin.Context) { streamMessage(c, orch) })
	g.GET("/chatbots/:id/messages", func(c *gin.Context) { listMessages(c, store) })
	g.GET("/chatbots/:id/prompt-preview", func(c *gin.Context) { previewPrompt(c, orch) })
}

type messageRequest struct {
	Message string `json:"message" binding:"required"`
}

func sendMessage(c *gin.Context, orch *chatsvc.Orchestrator) {
	chatbotID, ok := chatbotParam(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reply, err := orch.RunTurn(c.Request.Context(), chatsvc.TurnRequest{ChatbotID: chatbotID, Message: req.Message})
	if err != nil {
		writeChatError(c, err)
		return
	}
	recordTurn("completed")
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

// streamMessage streams the assistant reply as server-sent events: one
// "data: <chunk>" event per model chunk, then "data: [DONE]" on success or
// "data: [ERROR] <msg>" on failure.
func streamMessage(c *gin.Context, orch *chatsvc.Orchestrator) {
	chatbotID, ok := chatbotParam(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events, err := orch.StreamTurn(c.Request.Context(), chatsvc.TurnRequest{ChatbotID: chatbotID, Message: req.Message})
	if err != nil {
		writeChatError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	state := "cancelled"
	for ev := range events {
		switch {
		case ev.Err != nil:
			fmt.Fprintf(c.Writer, "data: [ERROR] %s\n\n", ev.Err.Error())
			state = "errored"
		case ev.Done:
			fmt.Fprint(c.Writer, "data: [DONE]\n\n")
			state = "completed"
		default:
			fmt.Fprintf(c.Writer, "data: %s\n\n", ev.Text)
			if security.StreamChunksTotal != nil {
				security.StreamChunksTotal.Inc()
			}
		}
		c.Writer.Flush()
	}
	recordTurn(state)
}

func listMessages(c *gin.Context, store registrystore.MemoryStore) {
	chatbotID, ok := chatbotParam(c)
	if !ok {
		return
	}
	turns, err := store.RecentChatTurns(c.Request.Context(), chatbotID, intQuery(c, "limit", 50))
	if err != nil {
		writeChatError(c, err)
		return
	}
	if turns == nil {
		turns = []model.ChatTurn{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": turns})
}

func previewPrompt(c *gin.Context, orch *chatsvc.Orchestrator) {
	chatbotID, ok := chatbotParam(c)
	if !ok {
		return
	}
	preview, err := orch.PreviewPrompt(c.Request.Context(), chatbotID, c.Query("query"))
	if err != nil {
		writeChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
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

func chatbotParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chatbot id"})
		return uuid.Nil, false
	}
	return id, true
}

func recordTurn(state string) {
	if security.ChatTurnsTotal != nil {
		security.ChatTurnsTotal.WithLabelValues(state).Inc()
	}
}

func writeChatError(c *gin.Context, err error) {
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
	case errors.Is(err, chatsvc.ErrModelStream):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
