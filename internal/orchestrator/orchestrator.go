// Package orchestrator drives message streams end to end: it persists the
// user turn and an assistant placeholder, admits the request through the
// provider's circuit breaker, consumes the adapter's event channel, and
// patches the placeholder as tokens arrive. Persistence flushes are rate
// limited so token bursts do not hammer the database; the terminal event
// always flushes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/embermill/fireside/internal/provider"
	"github.com/embermill/fireside/internal/store"
	"github.com/embermill/fireside/internal/usage"
)

// DefaultFlushInterval is how often streaming content is persisted.
const DefaultFlushInterval = 500 * time.Millisecond

var (
	// ErrProviderNotConfigured means the conversation's provider has no
	// adapter in the registry.
	ErrProviderNotConfigured = errors.New("orchestrator: provider not configured")

	// ErrStreamActive means the message already has a stream in flight.
	ErrStreamActive = errors.New("orchestrator: stream already active")

	// ErrNoActiveStream means an abort targeted a message with no stream.
	ErrNoActiveStream = errors.New("orchestrator: no active stream")
)

// Stream states reported to the notification sink.
const (
	StateStarting  = "starting"
	StateStreaming = "streaming"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateAborted   = "aborted"
)

// Notification is what the UI sees for each stream event.
type Notification struct {
	MessageID      string  `json:"message_id"`
	ConversationID string  `json:"conversation_id"`
	State          string  `json:"state"`
	Delta          string  `json:"delta,omitempty"`
	TokenCount     int     `json:"token_count,omitempty"`
	InputTokens    int     `json:"input_tokens,omitempty"`
	OutputTokens   int     `json:"output_tokens,omitempty"`
	CostUSD        float64 `json:"cost_usd,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// Sink receives notifications. Implementations must not block; a slow
// consumer drops rather than stalling the stream.
type Sink interface {
	Publish(n Notification)
}

// Recorder is the slice of the usage recorder the orchestrator needs.
type Recorder interface {
	Record(rec *usage.Record)
}

// AdapterSource resolves provider names to adapters and their admission
// breakers. The registry satisfies it.
type AdapterSource interface {
	Get(name string) (provider.Adapter, bool)
	Breaker(name string) *gobreaker.TwoStepCircuitBreaker
}

type handle struct {
	cancel  context.CancelFunc
	aborted bool
}

// Orchestrator owns one stream per assistant message.
type Orchestrator struct {
	registry      AdapterSource
	store         store.Store
	recorder      Recorder
	sink          Sink
	flushInterval time.Duration
	logger        *zap.Logger
	tracer        trace.Tracer

	mu     sync.Mutex
	active map[string]*handle
}

func New(reg AdapterSource, st store.Store, rec Recorder, sink Sink, flushInterval time.Duration, logger *zap.Logger) *Orchestrator {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry:      reg,
		store:         st,
		recorder:      rec,
		sink:          sink,
		flushInterval: flushInterval,
		logger:        logger.Named("orchestrator"),
		tracer:        otel.Tracer("fireside/orchestrator"),
		active:        make(map[string]*handle),
	}
}

// SubmitMessage persists the user turn, creates the assistant placeholder,
// and starts streaming. It returns the assistant message id. Configuration
// problems surface synchronously; nothing is streamed and the placeholder
// is marked failed.
func (o *Orchestrator) SubmitMessage(ctx context.Context, conversationID, content string) (string, error) {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}

	userMsg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           "user",
		Content:        content,
		Provider:       conv.Provider,
		Model:          conv.Model,
		Status:         store.StatusComplete,
	}
	if err := o.store.CreateMessage(ctx, userMsg); err != nil {
		return "", err
	}

	assistant := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           "assistant",
		Provider:       conv.Provider,
		Model:          conv.Model,
		Status:         store.StatusPending,
	}
	if err := o.store.CreateMessage(ctx, assistant); err != nil {
		return "", err
	}

	adapter, ok := o.registry.Get(conv.Provider)
	if !ok {
		o.failPlaceholder(ctx, assistant, conv, ErrProviderNotConfigured)
		return assistant.ID, ErrProviderNotConfigured
	}

	breaker := o.registry.Breaker(conv.Provider)
	settle, err := breaker.Allow()
	if err != nil {
		admitErr := fmt.Errorf("orchestrator: provider unavailable: %w", err)
		o.failPlaceholder(ctx, assistant, conv, admitErr)
		return assistant.ID, admitErr
	}

	history, err := o.store.GetMessages(ctx, conversationID)
	if err != nil {
		settle(true)
		o.failPlaceholder(ctx, assistant, conv, err)
		return assistant.ID, err
	}

	req := &provider.Request{
		MessageID:      assistant.ID,
		ConversationID: conversationID,
		Model:          conv.Model,
		System:         conv.SystemPrompt,
	}
	for _, m := range history {
		if m.ID == assistant.ID || m.Content == "" {
			continue
		}
		req.Messages = append(req.Messages, provider.Message{Role: m.Role, Content: m.Content})
	}

	streamCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	if _, exists := o.active[assistant.ID]; exists {
		o.mu.Unlock()
		cancel()
		settle(true)
		return assistant.ID, ErrStreamActive
	}
	h := &handle{cancel: cancel}
	o.active[assistant.ID] = h
	o.mu.Unlock()

	events := adapter.StreamMessage(streamCtx, req)
	go o.consume(streamCtx, conv, assistant.ID, events, h, settle)

	return assistant.ID, nil
}

// Abort cancels the stream for an assistant message. Partial content
// already flushed stays; the message is marked aborted.
func (o *Orchestrator) Abort(ctx context.Context, messageID string) error {
	o.mu.Lock()
	h, ok := o.active[messageID]
	if ok {
		h.aborted = true
	}
	o.mu.Unlock()

	if !ok {
		return ErrNoActiveStream
	}
	h.cancel()
	return nil
}

// ActiveStreams returns the assistant message ids currently streaming.
func (o *Orchestrator) ActiveStreams() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

func (o *Orchestrator) consume(ctx context.Context, conv *store.Conversation, messageID string, events <-chan provider.Event, h *handle, settle func(bool)) {
	spanCtx, span := o.tracer.Start(context.Background(), "stream",
		trace.WithAttributes(
			attribute.String("provider", conv.Provider),
			attribute.String("model", conv.Model),
			attribute.String("message_id", messageID)))
	defer span.End()

	var (
		content   string
		lastFlush time.Time
		terminal  bool
		started   = time.Now()
	)

	defer func() {
		o.mu.Lock()
		aborted := h.aborted
		delete(o.active, messageID)
		o.mu.Unlock()
		h.cancel()

		if terminal {
			return
		}
		// The channel closed without a terminal event: either an abort
		// cancelled the stream or the adapter gave up mid-send.
		state := StateFailed
		status := store.StatusFailed
		patch := store.MessagePatch{
			Content: store.StringPtr(content),
		}
		if aborted {
			state = StateAborted
			status = store.StatusAborted
		} else {
			patch.Error = store.StringPtr("stream ended unexpectedly")
		}
		patch.Status = store.StringPtr(status)
		o.flush(spanCtx, messageID, patch)
		settle(aborted)
		o.publish(Notification{
			MessageID:      messageID,
			ConversationID: conv.ID,
			State:          state,
		})
	}()

	for ev := range events {
		if o.isAborted(h) {
			if ev.Type == provider.EventComplete || ev.Type == provider.EventError {
				// Late terminal after an abort; the deferred cleanup
				// settles the final state.
				return
			}
			// Drop late tokens so the aborted message keeps only the
			// content that arrived before the abort.
			continue
		}

		switch ev.Type {
		case provider.EventStart:
			o.flush(spanCtx, messageID, store.MessagePatch{
				Status: store.StringPtr(store.StatusStreaming),
			})
			o.publish(Notification{
				MessageID:      messageID,
				ConversationID: conv.ID,
				State:          StateStarting,
			})

		case provider.EventToken:
			content += ev.Delta
			now := time.Now()
			if shouldFlush(now, lastFlush, o.flushInterval) {
				o.flush(spanCtx, messageID, store.MessagePatch{
					Content: store.StringPtr(content),
				})
				lastFlush = now
			}
			o.publish(Notification{
				MessageID:      messageID,
				ConversationID: conv.ID,
				State:          StateStreaming,
				Delta:          ev.Delta,
				TokenCount:     ev.TokenCount,
			})

		case provider.EventComplete:
			terminal = true
			o.flush(spanCtx, messageID, store.MessagePatch{
				Content:      store.StringPtr(content),
				Status:       store.StringPtr(store.StatusComplete),
				InputTokens:  store.IntPtr(ev.InputTokens),
				OutputTokens: store.IntPtr(ev.OutputTokens),
				CostUSD:      store.FloatPtr(ev.CostUSD),
			})
			settle(true)
			if o.recorder != nil {
				o.recorder.Record(&usage.Record{
					MessageID:      messageID,
					ConversationID: conv.ID,
					Provider:       conv.Provider,
					Model:          conv.Model,
					InputTokens:    ev.InputTokens,
					OutputTokens:   ev.OutputTokens,
					CostUSD:        ev.CostUSD,
					DurationMS:     time.Since(started).Milliseconds(),
				})
			}
			o.publish(Notification{
				MessageID:      messageID,
				ConversationID: conv.ID,
				State:          StateCompleted,
				InputTokens:    ev.InputTokens,
				OutputTokens:   ev.OutputTokens,
				CostUSD:        ev.CostUSD,
			})
			span.SetAttributes(
				attribute.Int("input_tokens", ev.InputTokens),
				attribute.Int("output_tokens", ev.OutputTokens),
				attribute.Float64("cost_usd", ev.CostUSD))

		case provider.EventError:
			terminal = true
			o.logger.Warn("stream failed",
				zap.String("message_id", messageID),
				zap.String("provider", conv.Provider),
				zap.Error(ev.Err))
			errMsg := ""
			if ev.Err != nil {
				errMsg = ev.Err.Error()
			}
			o.flush(spanCtx, messageID, store.MessagePatch{
				Content: store.StringPtr(content),
				Status:  store.StringPtr(store.StatusFailed),
				Error:   store.StringPtr(errMsg),
			})
			settle(false)
			o.publish(Notification{
				MessageID:      messageID,
				ConversationID: conv.ID,
				State:          StateFailed,
				Error:          errMsg,
			})
		}
	}
}

func (o *Orchestrator) isAborted(h *handle) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return h.aborted
}

func (o *Orchestrator) failPlaceholder(ctx context.Context, m *store.Message, conv *store.Conversation, cause error) {
	o.logger.Warn("stream rejected",
		zap.String("message_id", m.ID),
		zap.String("provider", conv.Provider),
		zap.Error(cause))
	o.flush(ctx, m.ID, store.MessagePatch{
		Status: store.StringPtr(store.StatusFailed),
		Error:  store.StringPtr(cause.Error()),
	})
	o.publish(Notification{
		MessageID:      m.ID,
		ConversationID: conv.ID,
		State:          StateFailed,
		Error:          cause.Error(),
	})
}

func (o *Orchestrator) flush(ctx context.Context, messageID string, patch store.MessagePatch) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.store.UpdateMessage(flushCtx, messageID, patch); err != nil {
		o.logger.Warn("flush failed", zap.String("message_id", messageID), zap.Error(err))
	}
}

func (o *Orchestrator) publish(n Notification) {
	if o.sink != nil {
		o.sink.Publish(n)
	}
}

// shouldFlush reports whether enough time has passed since the last
// persistence flush. A zero lastFlush always flushes.
func shouldFlush(now, lastFlush time.Time, interval time.Duration) bool {
	if lastFlush.IsZero() {
		return true
	}
	return now.Sub(lastFlush) >= interval
}
