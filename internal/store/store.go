// Package store persists conversations and messages in Postgres. Streaming
// writes a placeholder message first and patches it as tokens arrive, so
// the Message update path takes a sparse patch rather than a full record.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Message statuses.
const (
	StatusPending   = "pending"
	StatusStreaming = "streaming"
	StatusComplete  = "complete"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
)

type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	Status         string    `json:"status"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CostUSD        float64   `json:"cost_usd"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MessagePatch carries the fields a single update touches. Nil fields are
// left unchanged.
type MessagePatch struct {
	Content      *string
	Status       *string
	InputTokens  *int
	OutputTokens *int
	CostUSD      *float64
	Error        *string
}

// ConversationStore is the conversation persistence surface.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]*Conversation, error)
	SearchConversations(ctx context.Context, query string) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, c *Conversation) error
	DeleteConversation(ctx context.Context, id string) error
}

// MessageStore is the message persistence surface.
type MessageStore interface {
	CreateMessage(ctx context.Context, m *Message) error
	UpdateMessage(ctx context.Context, id string, patch MessagePatch) error
	GetMessages(ctx context.Context, conversationID string) ([]*Message, error)
}

// Store combines both surfaces; the Postgres implementation satisfies it.
type Store interface {
	ConversationStore
	MessageStore
}

func StringPtr(s string) *string  { return &s }
func IntPtr(n int) *int           { return &n }
func FloatPtr(f float64) *float64 { return &f }
