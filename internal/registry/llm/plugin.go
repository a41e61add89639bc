package llm

import (
	"context"
	"fmt"
)

// Message is one prior conversation turn passed to the model.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Chunk is one unit of incremental model output. On the final chunk either
// Done is true (normal completion) or Err is set (stream failure); the
// channel is closed afterwards.
type Chunk struct {
	Text string
	Done bool
	Err  error
}

// ChatModel is the language-model boundary.
type ChatModel interface {
	// StreamChat starts a streaming completion and returns a channel of
	// chunks in production order. The stream stops when ctx is cancelled;
	// the channel is always closed when the stream ends for any reason.
	StreamChat(ctx context.Context, systemPrompt string, history []Message, userMessage string) (<-chan Chunk, error)
	// CompleteJSON runs a non-streaming completion in JSON mode and returns
	// the raw response text. Used by the fact-extraction task.
	CompleteJSON(ctx context.Context, prompt string) (string, error)
	// Name returns the plugin name.
	Name() string
}

// Loader creates a ChatModel from config.
type Loader func(ctx context.Context) (ChatModel, error)

// Plugin represents a chat model plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a chat model plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered chat model plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named chat model plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown chat model %q; valid: %v", name, Names())
}
