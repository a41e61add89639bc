// Package chat drives a single mentor chat turn: assemble retrieval context,
// stream model output to the caller, persist the completed turn, and queue
// fact extraction. Turns move Idle → ContextAssembling → ModelStreaming →
// Finalizing → Done, with Errored reachable from the two middle states.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/philia-app/mentor-service/internal/model"
	"github.com/philia-app/mentor-service/internal/prompt"
	registrycache "github.com/philia-app/mentor-service/internal/registry/cache"
	registryllm "github.com/philia-app/mentor-service/internal/registry/llm"
	registrystore "github.com/philia-app/mentor-service/internal/registry/store"
	"github.com/philia-app/mentor-service/internal/retrieval"
)

// ErrModelStream wraps model-call failures surfaced to the caller. The user's
// message is already persisted when it occurs, so a retry never duplicates it.
var ErrModelStream = errors.New("model stream failed")

// TaskTypeFactExtraction is the background task queued after a completed turn.
const TaskTypeFactExtraction = "fact_extraction"

// Event is one unit of orchestrator output. Text carries an incremental
// chunk; the final event has either Done set (normal completion) or Err set.
type Event struct {
	Text string
	Done bool
	Err  error
}

// TurnRequest is one incoming user message for a chatbot.
type TurnRequest struct {
	ChatbotID uuid.UUID
	Message   string
}

// Preview is the assembled-but-not-executed context for a turn, exposed by
// the prompt-preview endpoint.
type Preview struct {
	SystemPrompt string             `json:"systemPrompt"`
	Memories     []retrieval.Result `json:"memories"`
	RAGSettings  model.RAGSettings  `json:"ragSettings"`
}

// Orchestrator runs chat turns. Many turns for different chatbots may run
// concurrently; ordering of persisted turns per chatbot follows creation time.
type Orchestrator struct {
	store         registrystore.MemoryStore
	ranker        *retrieval.Ranker
	llm           registryllm.ChatModel
	turnsCache    registrycache.ChatTurnsCache
	streamTimeout time.Duration
	cacheTTL      time.Duration
}

// NewOrchestrator creates an orchestrator. turnsCache may be nil.
func NewOrchestrator(store registrystore.MemoryStore, ranker *retrieval.Ranker, llm registryllm.ChatModel, turnsCache registrycache.ChatTurnsCache, streamTimeout, cacheTTL time.Duration) *Orchestrator {
	if streamTimeout <= 0 {
		streamTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		store:         store,
		ranker:        ranker,
		llm:           llm,
		turnsCache:    turnsCache,
		streamTimeout: streamTimeout,
		cacheTTL:      cacheTTL,
	}
}

// StreamTurn persists the user message, then returns a channel of events:
// zero or more Text chunks in model order followed by exactly one terminal
// event. The channel is closed after the terminal event. Cancelling ctx
// aborts the turn; accumulated text is discarded and no assistant turn is
// persisted.
func (o *Orchestrator) StreamTurn(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, &registrystore.ValidationError{Field: "message", Message: "required"}
	}

	chatCtx, err := o.store.GetChatContext(ctx, req.ChatbotID)
	if err != nil {
		return nil, err
	}

	// Persist the user message before anything can fail, so a failed or
	// cancelled turn never loses it.
	userTurn, err := o.store.AppendChatTurn(ctx, &model.ChatTurn{
		ChatbotID: req.ChatbotID,
		Role:      model.RoleUser,
		Content:   req.Message,
	})
	if err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	o.invalidateTurns(ctx, req.ChatbotID)

	events := make(chan Event)
	go o.run(ctx, chatCtx, req, userTurn.ID, events)
	return events, nil
}

func (o *Orchestrator) run(ctx context.Context, chatCtx *registrystore.ChatContext, req TurnRequest, userTurnID uuid.UUID, events chan<- Event) {
	defer close(events)

	// ContextAssembling
	settings := model.EffectiveRAGSettings(chatCtx.Chatbot, chatCtx.Mentor)
	history := o.loadHistory(ctx, req.ChatbotID, settings.MaxRecentMessages, userTurnID)

	results, err := o.ranker.Retrieve(ctx, chatCtx.Chatbot.TargetID, req.Message, settings)
	if err != nil {
		if errors.Is(err, retrieval.ErrDimensionMismatch) {
			events <- Event{Err: err}
			return
		}
		// Degrade to retrieval-disabled: chat stays usable without recall.
		log.Warn("Memory retrieval failed, continuing without context",
			"chatbotId", req.ChatbotID, "err", err)
		results = nil
	}

	template := chatCtx.Mentor.SystemPromptTemplate
	if chatCtx.Chatbot.CustomSystemPrompt != "" {
		template = chatCtx.Chatbot.CustomSystemPrompt
	}
	systemPrompt := prompt.Render(template, chatCtx.Target, results)

	// ModelStreaming
	streamCtx, cancel := context.WithTimeout(ctx, o.streamTimeout)
	defer cancel()

	chunks, err := o.llm.StreamChat(streamCtx, systemPrompt, toMessages(history), req.Message)
	if err != nil {
		events <- Event{Err: fmt.Errorf("%w: %v", ErrModelStream, err)}
		return
	}

	var full strings.Builder
	var finished bool
	for chunk := range chunks {
		if chunk.Err != nil {
			if ctx.Err() != nil {
				// Caller disconnected: discard accumulated text, persist
				// nothing. Not an error condition.
				log.Debug("Chat turn cancelled by caller", "chatbotId", req.ChatbotID)
				return
			}
			events <- Event{Err: fmt.Errorf("%w: %v", ErrModelStream, chunk.Err)}
			return
		}
		if chunk.Text != "" {
			full.WriteString(chunk.Text)
			select {
			case events <- Event{Text: chunk.Text}:
			case <-ctx.Done():
				return
			}
		}
		if chunk.Done {
			finished = true
			break
		}
	}
	if ctx.Err() != nil {
		return
	}
	if !finished {
		// The producer closed the channel without a terminal chunk: the
		// model call was cut short (deadline, transport). Partial text is
		// discarded, never persisted.
		err := streamCtx.Err()
		if err == nil {
			err = fmt.Errorf("stream ended unexpectedly")
		}
		events <- Event{Err: fmt.Errorf("%w: %v", ErrModelStream, err)}
		return
	}

	// Finalizing: a stream that produced no text persists nothing.
	if full.Len() > 0 {
		if _, err := o.store.AppendChatTurn(ctx, &model.ChatTurn{
			ChatbotID: req.ChatbotID,
			Role:      model.RoleAssistant,
			Content:   full.String(),
		}); err != nil {
			events <- Event{Err: fmt.Errorf("persist assistant message: %w", err)}
			return
		}
		o.invalidateTurns(ctx, req.ChatbotID)
		o.enqueueExtraction(ctx, chatCtx.Chatbot.TargetID, req)
	}

	events <- Event{Done: true}
}

// RunTurn is the non-streaming variant: it drains the stream and returns the
// full assistant reply.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest) (string, error) {
	events, err := o.StreamTurn(ctx, req)
	if err != nil {
		return "", err
	}
	var full strings.Builder
	for ev := range events {
		if ev.Err != nil {
			return "", ev.Err
		}
		full.WriteString(ev.Text)
	}
	return full.String(), nil
}

// PreviewPrompt assembles the context a turn would run with, without
// persisting anything or calling the model.
func (o *Orchestrator) PreviewPrompt(ctx context.Context, chatbotID uuid.UUID, query string) (*Preview, error) {
	chatCtx, err := o.store.GetChatContext(ctx, chatbotID)
	if err != nil {
		return nil, err
	}
	settings := model.EffectiveRAGSettings(chatCtx.Chatbot, chatCtx.Mentor)

	var results []retrieval.Result
	if query != "" {
		results, err = o.ranker.Retrieve(ctx, chatCtx.Chatbot.TargetID, query, settings)
		if err != nil {
			if errors.Is(err, retrieval.ErrDimensionMismatch) {
				return nil, err
			}
			results = nil
		}
	}

	template := chatCtx.Mentor.SystemPromptTemplate
	if chatCtx.Chatbot.CustomSystemPrompt != "" {
		template = chatCtx.Chatbot.CustomSystemPrompt
	}
	return &Preview{
		SystemPrompt: prompt.Render(template, chatCtx.Target, results),
		Memories:     results,
		RAGSettings:  settings,
	}, nil
}

// loadHistory returns up to limit prior turns, oldest first, excluding the
// just-persisted user turn. History failures degrade to an empty window.
func (o *Orchestrator) loadHistory(ctx context.Context, chatbotID uuid.UUID, limit int, excludeID uuid.UUID) []model.ChatTurn {
	if limit <= 0 {
		return nil
	}

	var turns []model.ChatTurn
	if o.turnsCache != nil && o.turnsCache.Available() {
		cached, ok, err := o.turnsCache.Get(ctx, chatbotID)
		if err != nil {
			log.Warn("Chat turns cache read failed", "chatbotId", chatbotID, "err", err)
		} else if ok {
			turns = cached
		}
	}
	if turns == nil {
		var err error
		turns, err = o.store.RecentChatTurns(ctx, chatbotID, limit+1)
		if err != nil {
			log.Warn("Recent turns lookup failed, continuing without history",
				"chatbotId", chatbotID, "err", err)
			return nil
		}
		if o.turnsCache != nil && o.turnsCache.Available() {
			if err := o.turnsCache.Set(ctx, chatbotID, turns, o.cacheTTL); err != nil {
				log.Warn("Chat turns cache write failed", "chatbotId", chatbotID, "err", err)
			}
		}
	}

	filtered := make([]model.ChatTurn, 0, len(turns))
	for _, t := range turns {
		if t.ID != excludeID {
			filtered = append(filtered, t)
		}
	}
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}

func (o *Orchestrator) invalidateTurns(ctx context.Context, chatbotID uuid.UUID) {
	if o.turnsCache == nil || !o.turnsCache.Available() {
		return
	}
	if err := o.turnsCache.Remove(ctx, chatbotID); err != nil {
		log.Warn("Chat turns cache invalidation failed", "chatbotId", chatbotID, "err", err)
	}
}

func (o *Orchestrator) enqueueExtraction(ctx context.Context, targetID uuid.UUID, req TurnRequest) {
	err := o.store.EnqueueTask(ctx, TaskTypeFactExtraction, map[string]interface{}{
		"chatbotId":   req.ChatbotID.String(),
		"targetId":    targetID.String(),
		"userMessage": req.Message,
	})
	if err != nil {
		log.Error("Failed to enqueue fact extraction", "chatbotId", req.ChatbotID, "err", err)
	}
}

func toMessages(turns []model.ChatTurn) []registryllm.Message {
	msgs := make([]registryllm.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, registryllm.Message{Role: string(t.Role), Content: t.Content})
	}
	return msgs
}
