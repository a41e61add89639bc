// Package testutil provides in-memory fakes of the plugin registries so unit
// tests run without Postgres, Qdrant, or a model gateway.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/philia-app/mentor-service/internal/model"
	registrystore "github.com/philia-app/mentor-service/internal/registry/store"
)

// FakeStore is an in-memory MemoryStore with the same merge and soft-delete
// semantics as the postgres plugin. Safe for concurrent use.
type FakeStore struct {
	mu       sync.Mutex
	memories map[uuid.UUID]*model.Memory
	turns    []model.ChatTurn
	targets  map[uuid.UUID]*model.TargetProfile
	mentors  map[uuid.UUID]*model.Mentor
	chatbots map[uuid.UUID]*model.Chatbot
	tasks    map[uuid.UUID]*model.Task

	// Err, when set, is returned by every call. Lets tests simulate an
	// unreachable store.
	Err error

	// InsertCalls counts InsertMemory invocations.
	InsertCalls int
	// AppendErrAfter fails AppendChatTurn once that many appends succeeded.
	AppendErrAfter int
	appendCount    int
}

var _ registrystore.MemoryStore = (*FakeStore)(nil)

// NewFakeStore creates an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		memories:       map[uuid.UUID]*model.Memory{},
		targets:        map[uuid.UUID]*model.TargetProfile{},
		mentors:        map[uuid.UUID]*model.Mentor{},
		chatbots:       map[uuid.UUID]*model.Chatbot{},
		tasks:          map[uuid.UUID]*model.Task{},
		AppendErrAfter: -1,
	}
}

// SeedChat installs a mentor, target and chatbot wired together and returns
// the chatbot ID.
func (f *FakeStore) SeedChat(mentor *model.Mentor, target *model.TargetProfile, bot *model.Chatbot) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mentor.ID == uuid.Nil {
		mentor.ID = uuid.New()
	}
	if target.ID == uuid.Nil {
		target.ID = uuid.New()
	}
	if bot.ID == uuid.Nil {
		bot.ID = uuid.New()
	}
	bot.MentorID = mentor.ID
	bot.TargetID = target.ID
	f.mentors[mentor.ID] = mentor
	f.targets[target.ID] = target
	f.chatbots[bot.ID] = bot
	return bot.ID
}

// Memories returns a snapshot of all stored memories, including soft-deleted
// ones.
func (f *FakeStore) Memories() []model.Memory {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Memory, 0, len(f.memories))
	for _, m := range f.memories {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Turns returns a snapshot of all persisted chat turns in append order.
func (f *FakeStore) Turns() []model.ChatTurn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ChatTurn(nil), f.turns...)
}

// Tasks returns a snapshot of queued tasks.
func (f *FakeStore) Tasks() []model.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, *t)
	}
	return out
}

func (f *FakeStore) FindByFingerprint(ctx context.Context, targetID uuid.UUID, fingerprint string) ([]model.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []model.Memory
	for _, m := range f.memories {
		if m.TargetID == targetID && m.Status == model.MemoryStatusActive && m.ContentFingerprint == fingerprint && fingerprint != "" {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *FakeStore) FindEmbeddedCandidates(ctx context.Context, targetID uuid.UUID) ([]model.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []model.Memory
	for _, m := range f.memories {
		if m.TargetID == targetID && m.Status == model.MemoryStatusActive && m.Embedding != nil {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *FakeStore) FindMemoriesPendingEmbedding(ctx context.Context, limit int) ([]model.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []model.Memory
	for _, m := range f.memories {
		if m.Status == model.MemoryStatusActive && m.Embedding == nil && m.Content != "" {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *FakeStore) GetMemory(ctx context.Context, id uuid.UUID) (*model.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	m, ok := f.memories[id]
	if !ok || m.Status != model.MemoryStatusActive {
		return nil, &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
	}
	cp := *m
	return &cp, nil
}

func (f *FakeStore) ListMemories(ctx context.Context, q registrystore.MemoryQuery) ([]model.Memory, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, 0, f.Err
	}
	var out []model.Memory
	for _, m := range f.memories {
		if m.Status != model.MemoryStatusActive {
			continue
		}
		if q.TargetID != nil && m.TargetID != *q.TargetID {
			continue
		}
		if q.SourceType != "" && m.SourceType != q.SourceType {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HappenedAt.After(out[j].HappenedAt) })
	total := int64(len(out))
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, total, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, total, nil
}

func (f *FakeStore) InsertMemory(ctx context.Context, m *model.Memory) (*model.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.InsertCalls++
	cp := *m
	cp.ID = uuid.New()
	cp.CreatedAt = time.Now().UTC()
	f.memories[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (f *FakeStore) MergeMemory(ctx context.Context, id uuid.UUID, delta registrystore.MergeDelta) (*model.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	m, ok := f.memories[id]
	if !ok || m.Status != model.MemoryStatusActive {
		return nil, &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
	}
	m.ExtractedFacts = model.MergeFacts(m.ExtractedFacts, delta.Facts)
	if !delta.HappenedAt.IsZero() && delta.HappenedAt.Before(m.HappenedAt) {
		m.HappenedAt = delta.HappenedAt
	}
	if abs(delta.SentimentScore) > abs(m.SentimentScore) {
		m.SentimentScore = delta.SentimentScore
	}
	cp := *m
	return &cp, nil
}

func (f *FakeStore) SetMemoryEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	m, ok := f.memories[id]
	if !ok {
		return &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
	}
	vec := pgvector.NewVector(embedding)
	m.Embedding = &vec
	return nil
}

func (f *FakeStore) DeleteMemory(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	m, ok := f.memories[id]
	if !ok || m.Status != model.MemoryStatusActive {
		return &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
	}
	m.Status = model.MemoryStatusDeleted
	return nil
}

func (f *FakeStore) AppendChatTurn(ctx context.Context, turn *model.ChatTurn) (*model.ChatTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if f.AppendErrAfter >= 0 && f.appendCount >= f.AppendErrAfter {
		return nil, &registrystore.UnavailableError{Op: "append chat turn", Err: context.DeadlineExceeded}
	}
	f.appendCount++
	cp := *turn
	cp.ID = uuid.New()
	cp.CreatedAt = time.Now().UTC()
	f.turns = append(f.turns, cp)
	out := cp
	return &out, nil
}

func (f *FakeStore) RecentChatTurns(ctx context.Context, chatbotID uuid.UUID, limit int) ([]model.ChatTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []model.ChatTurn
	for _, t := range f.turns {
		if t.ChatbotID == chatbotID {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *FakeStore) GetChatContext(ctx context.Context, chatbotID uuid.UUID) (*registrystore.ChatContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	bot, ok := f.chatbots[chatbotID]
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "chatbot", ID: chatbotID.String()}
	}
	return &registrystore.ChatContext{
		Chatbot: bot,
		Mentor:  f.mentors[bot.MentorID],
		Target:  f.targets[bot.TargetID],
	}, nil
}

func (f *FakeStore) CreateTarget(ctx context.Context, t *model.TargetProfile) (*model.TargetProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	cp := *t
	cp.ID = uuid.New()
	cp.CreatedAt = time.Now().UTC()
	f.targets[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (f *FakeStore) GetTarget(ctx context.Context, id uuid.UUID) (*model.TargetProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	t, ok := f.targets[id]
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "target", ID: id.String()}
	}
	cp := *t
	return &cp, nil
}

func (f *FakeStore) ListTargets(ctx context.Context) ([]model.TargetProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]model.TargetProfile, 0, len(f.targets))
	for _, t := range f.targets {
		out = append(out, *t)
	}
	return out, nil
}

func (f *FakeStore) CreateMentor(ctx context.Context, m *model.Mentor) (*model.Mentor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	cp := *m
	cp.ID = uuid.New()
	f.mentors[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (f *FakeStore) ListMentors(ctx context.Context) ([]model.Mentor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]model.Mentor, 0, len(f.mentors))
	for _, m := range f.mentors {
		out = append(out, *m)
	}
	return out, nil
}

func (f *FakeStore) CreateChatbot(ctx context.Context, b *model.Chatbot) (*model.Chatbot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if _, ok := f.mentors[b.MentorID]; !ok {
		return nil, &registrystore.NotFoundError{Resource: "mentor", ID: b.MentorID.String()}
	}
	if _, ok := f.targets[b.TargetID]; !ok {
		return nil, &registrystore.NotFoundError{Resource: "target", ID: b.TargetID.String()}
	}
	cp := *b
	cp.ID = uuid.New()
	cp.CreatedAt = time.Now().UTC()
	f.chatbots[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (f *FakeStore) EnqueueTask(ctx context.Context, taskType string, body map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	id := uuid.New()
	f.tasks[id] = &model.Task{
		ID:        id,
		TaskType:  taskType,
		TaskBody:  body,
		CreatedAt: time.Now().UTC(),
		RetryAt:   time.Now().UTC(),
	}
	return nil
}

func (f *FakeStore) ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	now := time.Now().UTC()
	var out []model.Task
	for _, t := range f.tasks {
		if !t.RetryAt.After(now) {
			out = append(out, *t)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *FakeStore) FailTask(ctx context.Context, id uuid.UUID, reason string, retryDelay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	t, ok := f.tasks[id]
	if !ok {
		return &registrystore.NotFoundError{Resource: "task", ID: id.String()}
	}
	t.RetryAt = time.Now().UTC().Add(retryDelay)
	t.LastError = &reason
	t.RetryCount++
	return nil
}

func (f *FakeStore) DeleteTask(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	delete(f.tasks, id)
	return nil
}

func (f *FakeStore) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Err
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
