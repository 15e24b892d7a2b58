// Package provider defines the adapter contract shared by all LLM backends
// and the normalized stream event vocabulary consumed by the orchestrator.
package provider

import (
	"context"
	"math"
)

// Known provider names. The set is closed: adding a backend means adding a
// package under internal/provider and a case in the registry.
const (
	NameAnthropic = "anthropic"
	NameOpenAI    = "openai"
	NameOllama    = "ollama"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// Request describes a single generation request. It is immutable once
// submitted; MessageID identifies the assistant message being produced.
type Request struct {
	MessageID      string
	ConversationID string
	Model          string
	Messages       []Message
	System         string
	Temperature    float64
	MaxTokens      int
}

// EventType tags a stream event.
type EventType int

const (
	EventStart EventType = iota
	EventToken
	EventComplete
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventStart:
		return "start"
	case EventToken:
		return "token"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is the normalized stream event. For a given message id adapters emit
// exactly one start, zero or more token events, then exactly one terminal
// event (complete or error) before closing the channel.
type Event struct {
	Type      EventType
	MessageID string

	// Token fields.
	Delta      string
	TokenCount int // running output-token estimate

	// Complete fields.
	InputTokens  int
	OutputTokens int
	CostUSD      float64

	// Error field.
	Err error
}

// ModelInfo describes one entry of a provider's model catalog.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size,omitempty"`
}

// Cost is a per-model price table in USD per 1,000 tokens.
type Cost struct {
	PerKInput  float64
	PerKOutput float64
}

// CostUSD computes the price of a completed generation. The local provider
// carries a zero table, so its streams always complete at zero cost.
func (c Cost) CostUSD(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*c.PerKInput + float64(outputTokens)/1000*c.PerKOutput
}

// Adapter is the streaming contract implemented once per backend.
//
// StreamMessage returns a channel carrying the normalized event sequence for
// req.MessageID. The start event is placed on the channel before the network
// call begins; the channel is closed after the terminal event. Cancelling ctx
// aborts the stream: the adapter stops reading and closes the channel, which
// may elide the terminal event. Invoking StreamMessage twice for the same
// unresolved message id is a caller error; the orchestrator enforces one
// in-flight stream per message id.
type Adapter interface {
	// Name returns the provider name this adapter serves.
	Name() string

	// SetCredential replaces the secret used for subsequent calls. Streams
	// already in flight keep the credential they started with.
	SetCredential(secret string)

	// TestConnection reports reachability and credential validity with a
	// minimal request. It never returns an error; any failure is false.
	TestConnection(ctx context.Context) bool

	// ListModels returns the provider's catalog. Providers with a discovery
	// endpoint fetch and filter it, falling back to the fixed catalog on any
	// failure; ListModels never fails because of a network error.
	ListModels(ctx context.Context) []ModelInfo

	// StreamMessage starts a generation and returns its event channel.
	StreamMessage(ctx context.Context, req *Request) <-chan Event

	// ModelCost returns the cost table used at completion time.
	ModelCost(model string) Cost
}

// EstimateTokens approximates a token count from character length, one token
// per four characters rounded up. It is a documented approximation used
// whenever a provider does not report exact counts, not a tokenizer.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / 4))
}

// EstimateInputTokens sums the estimate over a request's history and system
// prompt.
func EstimateInputTokens(req *Request) int {
	total := EstimateTokens(req.System)
	for _, m := range req.Messages {
		total += EstimateTokens(m.Content)
	}
	return total
}
