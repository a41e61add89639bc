// Package openai implements the chat model against any OpenAI-compatible
// completions endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/philia-app/mentor-service/internal/config"
	registryllm "github.com/philia-app/mentor-service/internal/registry/llm"
)

func init() {
	registryllm.Register(registryllm.Plugin{
		Name:   "openai",
		Loader: load,
	})
}

func load(ctx context.Context) (registryllm.ChatModel, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.LLMAPIKey == "" {
		return nil, fmt.Errorf("openai chat model: MENTOR_SERVICE_LLM_API_KEY is required")
	}
	clientCfg := goopenai.DefaultConfig(cfg.LLMAPIKey)
	if cfg.LLMBaseURL != "" {
		clientCfg.BaseURL = cfg.LLMBaseURL
	}
	return &ChatModel{
		client:      goopenai.NewClientWithConfig(clientCfg),
		model:       cfg.LLMModelName,
		maxTokens:   cfg.LLMMaxTokens,
		temperature: float32(cfg.LLMTemperature),
	}, nil
}

type ChatModel struct {
	client      *goopenai.Client
	model       string
	maxTokens   int
	temperature float32
}

var _ registryllm.ChatModel = (*ChatModel)(nil)

func (m *ChatModel) Name() string { return "openai" }

func (m *ChatModel) StreamChat(ctx context.Context, systemPrompt string, history []registryllm.Message, userMessage string) (<-chan registryllm.Chunk, error) {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, msg := range history {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	messages = append(messages, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: userMessage,
	})

	stream, err := m.client.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
		Model:       m.model,
		Messages:    messages,
		MaxTokens:   m.maxTokens,
		Temperature: m.temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("create completion stream: %w", err)
	}

	chunks := make(chan registryllm.Chunk)
	go processStream(ctx, stream, chunks)
	return chunks, nil
}

func processStream(ctx context.Context, stream *goopenai.ChatCompletionStream, chunks chan<- registryllm.Chunk) {
	defer close(chunks)
	defer stream.Close()

	// Every send races ctx so a consumer that stopped reading after
	// cancellation never strands this goroutine or the upstream stream.
	send := func(c registryllm.Chunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				send(registryllm.Chunk{Done: true})
				return
			}
			send(registryllm.Chunk{Err: err})
			return
		}
		if len(response.Choices) == 0 {
			continue
		}
		if text := response.Choices[0].Delta.Content; text != "" {
			if !send(registryllm.Chunk{Text: text}) {
				return
			}
		}
	}
}

// CompleteJSON runs a non-streaming completion in JSON mode and returns the
// raw message content.
func (m *ChatModel) CompleteJSON(ctx context.Context, prompt string) (string, error) {
	resp, err := m.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: m.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   m.maxTokens,
		Temperature: 0,
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("json completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("json completion: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}
