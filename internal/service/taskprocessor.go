package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/philia-app/mentor-service/internal/chat"
	"github.com/philia-app/mentor-service/internal/dedup"
	"github.com/philia-app/mentor-service/internal/model"
	registryllm "github.com/philia-app/mentor-service/internal/registry/llm"
	registrystore "github.com/philia-app/mentor-service/internal/registry/store"
)

// extractionPrompt asks the model to distill one user chat message into a
// single memory candidate. The model must answer with a JSON object only.
const extractionPrompt = `You extract relationship facts from a user's chat message about a person they are dating or interested in.

Given the message below, decide whether it contains a concrete fact, event, or feeling about the relationship worth remembering. Respond with a JSON object only, no prose:

{
  "memorable": true or false,
  "content": "one-sentence summary of the fact or event, empty if not memorable",
  "sentimentScore": integer from -10 (very negative) to 10 (very positive),
  "facts": {
    "sentiment": "short mood word",
    "keyEvent": "the key event if any, else empty",
    "topics": ["topic", ...],
    "redFlags": ["warning sign", ...],
    "greenFlags": ["positive sign", ...]
  }
}

Message:
%s`

type extractionResponse struct {
	Memorable      bool                 `json:"memorable"`
	Content        string               `json:"content"`
	SentimentScore int                  `json:"sentimentScore"`
	Facts          model.ExtractedFacts `json:"facts"`
}

// TaskProcessor polls for ready tasks and executes them. It handles
// fact_extraction tasks queued after each completed chat turn: the user's
// message is run through the extraction model and the result is ingested
// through the dedup engine.
type TaskProcessor struct {
	store      registrystore.MemoryStore
	llm        registryllm.ChatModel
	engine     *dedup.Engine
	interval   time.Duration
	retryDelay time.Duration
	batchSize  int
}

// NewTaskProcessor creates a new background task processor.
func NewTaskProcessor(store registrystore.MemoryStore, llm registryllm.ChatModel, engine *dedup.Engine, interval, retryDelay time.Duration, batchSize int) *TaskProcessor {
	return &TaskProcessor{
		store:      store,
		llm:        llm,
		engine:     engine,
		interval:   interval,
		retryDelay: retryDelay,
		batchSize:  batchSize,
	}
}

// Start begins the periodic task processing loop. Returns when ctx is cancelled.
func (p *TaskProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch claims one batch of ready tasks and executes them. Exposed so
// callers can drive processing without the ticker loop.
func (p *TaskProcessor) ProcessBatch(ctx context.Context) {
	tasks, err := p.store.ClaimReadyTasks(ctx, p.batchSize)
	if err != nil {
		log.Error("TaskProcessor: claim tasks failed", "err", err)
		return
	}
	for _, task := range tasks {
		if err := p.executeTask(ctx, task.TaskType, task.TaskBody); err != nil {
			log.Error("TaskProcessor: task failed", "taskId", task.ID, "type", task.TaskType, "err", err)
			if fErr := p.store.FailTask(ctx, task.ID, err.Error(), p.retryDelay); fErr != nil {
				log.Error("TaskProcessor: fail task record failed", "taskId", task.ID, "err", fErr)
			}
		} else {
			if dErr := p.store.DeleteTask(ctx, task.ID); dErr != nil {
				log.Error("TaskProcessor: delete task failed", "taskId", task.ID, "err", dErr)
			}
		}
	}
}

func (p *TaskProcessor) executeTask(ctx context.Context, taskType string, body map[string]any) error {
	switch taskType {
	case chat.TaskTypeFactExtraction:
		return p.executeFactExtraction(ctx, body)
	default:
		return fmt.Errorf("unknown task type: %s", taskType)
	}
}

func (p *TaskProcessor) executeFactExtraction(ctx context.Context, body map[string]any) error {
	targetIDStr, ok := body["targetId"].(string)
	if !ok {
		return fmt.Errorf("missing or invalid targetId in task body")
	}
	targetID, err := uuid.Parse(targetIDStr)
	if err != nil {
		return fmt.Errorf("invalid targetId %q: %w", targetIDStr, err)
	}
	message, ok := body["userMessage"].(string)
	if !ok || strings.TrimSpace(message) == "" {
		return fmt.Errorf("missing or empty userMessage in task body")
	}

	raw, err := p.llm.CompleteJSON(ctx, fmt.Sprintf(extractionPrompt, message))
	if err != nil {
		return fmt.Errorf("extraction completion: %w", err)
	}
	var resp extractionResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return fmt.Errorf("parse extraction response: %w", err)
	}
	if !resp.Memorable || strings.TrimSpace(resp.Content) == "" {
		return nil
	}

	result, err := p.engine.Ingest(ctx, dedup.IngestRequest{
		TargetID:       targetID,
		Content:        resp.Content,
		Facts:          resp.Facts,
		SentimentScore: resp.SentimentScore,
		HappenedAt:     time.Now(),
		SourceType:     "chat",
	})
	if err != nil {
		return fmt.Errorf("ingest extracted memory: %w", err)
	}
	log.Info("TaskProcessor: fact extracted", "targetId", targetID, "memoryId", result.Memory.ID, "merged", result.Merged)
	return nil
}
