package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philia-app/mentor-service/internal/model"
	registryembed "github.com/philia-app/mentor-service/internal/registry/embed"
	registryllm "github.com/philia-app/mentor-service/internal/registry/llm"
	registryvector "github.com/philia-app/mentor-service/internal/registry/vector"
	"github.com/philia-app/mentor-service/internal/retrieval"
)

// FakeEmbedder returns canned vectors keyed by input text. Texts without an
// entry get Fallback (nil Fallback means the zero vector of size Dim).
type FakeEmbedder struct {
	mu       sync.Mutex
	Vectors  map[string][]float32
	Fallback []float32
	Dim      int
	// Err, when set, is returned by every EmbedTexts call.
	Err error
	// Delay simulates a slow gateway; combined with a short engine timeout
	// it exercises the degraded path.
	Delay time.Duration
	// Calls counts EmbedTexts invocations.
	Calls int
}

var _ registryembed.Embedder = (*FakeEmbedder)(nil)

func (f *FakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.Calls++
	f.mu.Unlock()
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.Vectors[t]; ok {
			out[i] = v
			continue
		}
		if f.Fallback != nil {
			out[i] = f.Fallback
			continue
		}
		out[i] = make([]float32, f.dim())
	}
	return out, nil
}

func (f *FakeEmbedder) ModelName() string { return "fake-embedding" }

func (f *FakeEmbedder) Dimension() int { return f.dim() }

func (f *FakeEmbedder) dim() int {
	if f.Dim > 0 {
		return f.Dim
	}
	for _, v := range f.Vectors {
		return len(v)
	}
	if f.Fallback != nil {
		return len(f.Fallback)
	}
	return 3
}

// FakeVector is an in-memory nearest-neighbor index using exact cosine.
type FakeVector struct {
	mu      sync.Mutex
	entries map[uuid.UUID]registryvector.UpsertRequest
	// Err, when set, fails NearestNeighbors and Upsert.
	Err error
	// Disabled makes IsEnabled return false.
	Disabled bool
	// UpsertCalls counts Upsert invocations.
	UpsertCalls int
}

var _ registryvector.VectorStore = (*FakeVector)(nil)

func NewFakeVector() *FakeVector {
	return &FakeVector{entries: map[uuid.UUID]registryvector.UpsertRequest{}}
}

func (f *FakeVector) NearestNeighbors(ctx context.Context, targetID uuid.UUID, embedding []float32, limit int) ([]registryvector.NeighborResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []registryvector.NeighborResult
	for _, e := range f.entries {
		if e.TargetID != targetID {
			continue
		}
		sim, err := retrieval.Cosine(embedding, e.Embedding)
		if err != nil {
			return nil, err
		}
		out = append(out, registryvector.NeighborResult{MemoryID: e.MemoryID, Similarity: sim})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *FakeVector) Upsert(ctx context.Context, reqs []registryvector.UpsertRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UpsertCalls++
	if f.Err != nil {
		return f.Err
	}
	for _, r := range reqs {
		f.entries[r.MemoryID] = r
	}
	return nil
}

func (f *FakeVector) DeleteByMemoryID(ctx context.Context, memoryID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, memoryID)
	return nil
}

func (f *FakeVector) IsEnabled() bool { return !f.Disabled }

func (f *FakeVector) Name() string { return "fake" }

// Len returns the number of indexed vectors.
func (f *FakeVector) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// FakeChatModel streams canned chunks. Each StreamChat call records the
// prompt and history it received.
type FakeChatModel struct {
	mu sync.Mutex
	// Chunks are emitted in order, then a Done chunk.
	Chunks []string
	// StreamErr, when set, replaces the Done chunk with an error chunk after
	// ErrAfter text chunks.
	StreamErr error
	ErrAfter  int
	// StartErr, when set, fails StreamChat before any chunk.
	StartErr error
	// Block, when set, makes the stream wait for ctx cancellation after
	// ErrAfter chunks instead of finishing.
	Block bool
	// JSON is returned by CompleteJSON.
	JSON string

	LastSystemPrompt string
	LastHistory      []registryllm.Message
	LastUserMessage  string
}

var _ registryllm.ChatModel = (*FakeChatModel)(nil)

func (f *FakeChatModel) StreamChat(ctx context.Context, systemPrompt string, history []registryllm.Message, userMessage string) (<-chan registryllm.Chunk, error) {
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	f.mu.Lock()
	f.LastSystemPrompt = systemPrompt
	f.LastHistory = append([]registryllm.Message(nil), history...)
	f.LastUserMessage = userMessage
	f.mu.Unlock()

	out := make(chan registryllm.Chunk)
	go func() {
		defer close(out)
		// Mirrors the real plugin: after cancellation the producer closes
		// the channel rather than blocking on a send nobody reads.
		send := func(c registryllm.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for i, text := range f.Chunks {
			if (f.StreamErr != nil || f.Block) && i == f.ErrAfter {
				break
			}
			if !send(registryllm.Chunk{Text: text}) {
				return
			}
		}
		if f.Block {
			<-ctx.Done()
			return
		}
		if f.StreamErr != nil {
			send(registryllm.Chunk{Err: f.StreamErr})
			return
		}
		send(registryllm.Chunk{Done: true})
	}()
	return out, nil
}

func (f *FakeChatModel) CompleteJSON(ctx context.Context, prompt string) (string, error) {
	if f.StartErr != nil {
		return "", f.StartErr
	}
	return f.JSON, nil
}

func (f *FakeChatModel) Name() string { return "fake" }

// History returns the history captured by the last StreamChat call.
func (f *FakeChatModel) History() []registryllm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registryllm.Message(nil), f.LastHistory...)
}

// SystemPrompt returns the system prompt captured by the last StreamChat call.
func (f *FakeChatModel) SystemPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LastSystemPrompt
}

// FakeTurnsCache is an in-memory ChatTurnsCache tracking hit counts.
type FakeTurnsCache struct {
	mu      sync.Mutex
	data    map[uuid.UUID][]model.ChatTurn
	Gets    int
	Hits    int
	Sets    int
	Removes int
}

func NewFakeTurnsCache() *FakeTurnsCache {
	return &FakeTurnsCache{data: map[uuid.UUID][]model.ChatTurn{}}
}

func (f *FakeTurnsCache) Available() bool { return true }

func (f *FakeTurnsCache) Get(ctx context.Context, chatbotID uuid.UUID) ([]model.ChatTurn, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Gets++
	turns, ok := f.data[chatbotID]
	if ok {
		f.Hits++
	}
	return turns, ok, nil
}

func (f *FakeTurnsCache) Set(ctx context.Context, chatbotID uuid.UUID, turns []model.ChatTurn, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sets++
	f.data[chatbotID] = append([]model.ChatTurn(nil), turns...)
	return nil
}

func (f *FakeTurnsCache) Remove(ctx context.Context, chatbotID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Removes++
	delete(f.data, chatbotID)
	return nil
}
