package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// MemoryStatus is the lifecycle state of a memory row.
type MemoryStatus string

const (
	MemoryStatusActive  MemoryStatus = "active"
	MemoryStatusDeleted MemoryStatus = "deleted"
)

// ChatRole identifies who produced a chat turn.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// SentimentScoreMin and SentimentScoreMax bound Memory.SentimentScore.
const (
	SentimentScoreMin = -10
	SentimentScoreMax = 10
)

// ExtractedFacts is the structured fact payload attached to a memory.
// Stored as JSONB; list fields are unioned when two memories merge.
type ExtractedFacts struct {
	Sentiment  string   `json:"sentiment,omitempty"`
	KeyEvent   string   `json:"keyEvent,omitempty"`
	Topics     []string `json:"topics,omitempty"`
	RedFlags   []string `json:"redFlags,omitempty"`
	GreenFlags []string `json:"greenFlags,omitempty"`
	Source     string   `json:"source,omitempty"`
}

// MergeFacts folds an incoming fact payload into an existing one when two
// memories are judged duplicates. List fields are unioned preserving first
// appearance order; scalar fields keep the existing value unless it is empty.
func MergeFacts(existing, incoming ExtractedFacts) ExtractedFacts {
	out := existing
	if out.Sentiment == "" {
		out.Sentiment = incoming.Sentiment
	}
	if out.KeyEvent == "" {
		out.KeyEvent = incoming.KeyEvent
	}
	if out.Source == "" {
		out.Source = incoming.Source
	}
	out.Topics = unionStrings(existing.Topics, incoming.Topics)
	out.RedFlags = unionStrings(existing.RedFlags, incoming.RedFlags)
	out.GreenFlags = unionStrings(existing.GreenFlags, incoming.GreenFlags)
	return out
}

func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, lst := range [][]string{a, b} {
		for _, s := range lst {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// Memory is one recorded interaction event for a target.
// Rows are created by the dedup engine, mutated only by dedup merges, and
// deleted only by explicit user action (soft delete via Status).
type Memory struct {
	ID uuid.UUID `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`

	TargetID uuid.UUID `json:"targetId" gorm:"not null;type:uuid;column:target_id"`

	// HappenedAt is the event time, user- or extraction-supplied.
	HappenedAt time.Time `json:"happenedAt" gorm:"not null;column:happened_at"`

	// SourceType records where the memory came from (manual, chat, photo, ...).
	SourceType string `json:"sourceType" gorm:"not null;column:source_type"`

	// Content is the free-text summary. May be empty for image-only events.
	Content string `json:"content"`

	ExtractedFacts ExtractedFacts `json:"extractedFacts" gorm:"type:jsonb;serializer:json;column:extracted_facts"`

	// SentimentScore is bounded to [-10, 10] by a DB check constraint.
	SentimentScore int `json:"sentimentScore" gorm:"not null;default:0;column:sentiment_score"`

	// Embedding is the vector over Content plus the serialized facts.
	// NULL until computed; rows ingested while the embedding gateway was down
	// are picked up later by the background re-embedder.
	Embedding *pgvector.Vector `json:"-" gorm:"type:vector;column:embedding"`

	// ContentFingerprint is the hash of the normalized content, used as a
	// cheap exact-match dedup pre-filter.
	ContentFingerprint string `json:"-" gorm:"column:content_fingerprint"`

	Status MemoryStatus `json:"status" gorm:"not null;default:'active'"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;default:now()"`
}

// TableName implements gorm.Tabler.
func (Memory) TableName() string { return "memories" }

// ChatTurn is one persisted message in a chatbot conversation.
// Written exactly once per completed turn; never mutated.
type ChatTurn struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	ChatbotID uuid.UUID `json:"chatbotId" gorm:"not null;type:uuid;column:chatbot_id"`
	Role      ChatRole  `json:"role" gorm:"not null"`
	Content   string    `json:"content" gorm:"not null"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null;default:now()"`
}

// TableName implements gorm.Tabler.
func (ChatTurn) TableName() string { return "chat_turns" }

// TargetProfile is a tracked relationship the user records interactions about.
type TargetProfile struct {
	ID            uuid.UUID              `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	Name          string                 `json:"name" gorm:"not null"`
	CurrentStatus string                 `json:"currentStatus" gorm:"column:current_status"`
	ProfileData   map[string]interface{} `json:"profileData" gorm:"type:jsonb;serializer:json;column:profile_data"`
	Preferences   Preferences            `json:"preferences" gorm:"type:jsonb;serializer:json"`
	AISummary     string                 `json:"aiSummary" gorm:"column:ai_summary"`
	CreatedAt     time.Time              `json:"createdAt" gorm:"not null;default:now()"`
}

// TableName implements gorm.Tabler.
func (TargetProfile) TableName() string { return "targets" }

// Preferences holds a target's recorded likes and dislikes.
type Preferences struct {
	Likes    []string `json:"likes,omitempty"`
	Dislikes []string `json:"dislikes,omitempty"`
}

// Mentor is an AI mentor persona with its prompt template.
type Mentor struct {
	ID                   uuid.UUID    `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	Name                 string       `json:"name" gorm:"not null"`
	StyleTag             string       `json:"styleTag" gorm:"column:style_tag"`
	SystemPromptTemplate string       `json:"systemPromptTemplate" gorm:"not null;column:system_prompt_template"`
	DefaultRAGSettings   *RAGSettings `json:"defaultRagSettings" gorm:"type:jsonb;serializer:json;column:default_rag_settings"`
	CreatedAt            time.Time    `json:"createdAt" gorm:"not null;default:now()"`
}

// TableName implements gorm.Tabler.
func (Mentor) TableName() string { return "mentors" }

// Chatbot is one chat session binding a target to a mentor.
type Chatbot struct {
	ID                 uuid.UUID    `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	TargetID           uuid.UUID    `json:"targetId" gorm:"not null;type:uuid;column:target_id"`
	MentorID           uuid.UUID    `json:"mentorId" gorm:"not null;type:uuid;column:mentor_id"`
	CustomSystemPrompt string       `json:"customSystemPrompt,omitempty" gorm:"column:custom_system_prompt"`
	RAGSettings        *RAGSettings `json:"ragSettings" gorm:"type:jsonb;serializer:json;column:rag_settings"`
	CreatedAt          time.Time    `json:"createdAt" gorm:"not null;default:now()"`
}

// TableName implements gorm.Tabler.
func (Chatbot) TableName() string { return "chatbots" }

// RAGSettings is the per-chatbot retrieval configuration, consumed read-only
// by the retrieval ranker and the chat orchestrator.
type RAGSettings struct {
	Enabled           bool    `json:"enabled"`
	MaxMemories       int     `json:"maxMemories"`
	MaxRecentMessages int     `json:"maxRecentMessages"`
	TimeDecayFactor   float64 `json:"timeDecayFactor"`
	MinRelevanceScore float64 `json:"minRelevanceScore"`
}

// DefaultRAGSettings returns the built-in retrieval configuration used when
// neither the chatbot nor its mentor supplies one.
func DefaultRAGSettings() RAGSettings {
	return RAGSettings{
		Enabled:           true,
		MaxMemories:       5,
		MaxRecentMessages: 10,
		TimeDecayFactor:   0.1,
		MinRelevanceScore: 0.35,
	}
}

// EffectiveRAGSettings resolves the settings for one chat turn: the chatbot's
// own settings win, then the mentor's defaults, then the built-ins.
func EffectiveRAGSettings(bot *Chatbot, mentor *Mentor) RAGSettings {
	if bot != nil && bot.RAGSettings != nil {
		return *bot.RAGSettings
	}
	if mentor != nil && mentor.DefaultRAGSettings != nil {
		return *mentor.DefaultRAGSettings
	}
	return DefaultRAGSettings()
}

// Task is one queued background job (fact extraction after a chat turn).
type Task struct {
	ID         uuid.UUID              `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	TaskType   string                 `json:"taskType" gorm:"not null;column:task_type"`
	TaskBody   map[string]interface{} `json:"taskBody" gorm:"type:jsonb;serializer:json;not null;column:task_body"`
	CreatedAt  time.Time              `json:"createdAt" gorm:"not null;default:now()"`
	RetryAt    time.Time              `json:"retryAt" gorm:"not null;default:now();column:retry_at"`
	LastError  *string                `json:"lastError,omitempty" gorm:"column:last_error"`
	RetryCount int                    `json:"retryCount" gorm:"not null;default:0;column:retry_count"`
}

// TableName implements gorm.Tabler.
func (Task) TableName() string { return "tasks" }
