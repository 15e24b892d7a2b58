// Package anthropic implements the provider adapter for the Anthropic
// Messages API: SSE wire format, custom-header auth, fixed model catalog.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/embermill/fireside/internal/provider"
	"github.com/embermill/fireside/internal/transport"
	"github.com/embermill/fireside/internal/wire"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

// catalog is the fixed model list; Anthropic has no discovery endpoint.
var catalog = []provider.ModelInfo{
	{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextSize: 200000},
	{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextSize: 200000},
	{ID: "claude-3-opus-20240229", Name: "Claude 3 Opus", ContextSize: 200000},
	{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", ContextSize: 200000},
}

// costs is USD per 1K tokens by model id.
var costs = map[string]provider.Cost{
	"claude-3-5-sonnet-20241022": {PerKInput: 0.003, PerKOutput: 0.015},
	"claude-3-5-haiku-20241022":  {PerKInput: 0.0008, PerKOutput: 0.004},
	"claude-3-opus-20240229":     {PerKInput: 0.015, PerKOutput: 0.075},
	"claude-3-haiku-20240307":    {PerKInput: 0.00025, PerKOutput: 0.00125},
}

var defaultCost = provider.Cost{PerKInput: 0.003, PerKOutput: 0.015}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicFrame struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Adapter talks to the Anthropic Messages API.
type Adapter struct {
	mu      sync.RWMutex
	apiKey  string
	baseURL string
	client  *http.Client
	policy  transport.Policy
	logger  *zap.Logger
}

func New(apiKey string, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  transport.NewClient(transport.DefaultTimeout),
		logger:  logger.Named("anthropic"),
	}
}

func (a *Adapter) Name() string { return provider.NameAnthropic }

func (a *Adapter) SetCredential(secret string) {
	a.mu.Lock()
	a.apiKey = secret
	a.mu.Unlock()
}

func (a *Adapter) credential() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.apiKey
}

func (a *Adapter) ModelCost(model string) provider.Cost {
	if c, ok := costs[model]; ok {
		return c
	}
	return defaultCost
}

// TestConnection issues a one-token completion and reports whether it
// succeeded. Any failure, including auth, reads as false.
func (a *Adapter) TestConnection(ctx context.Context) bool {
	body, err := json.Marshal(anthropicRequest{
		Model:     catalog[0].ID,
		MaxTokens: 1,
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return false
	}
	a.setHeaders(req, a.credential())

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Debug("connection test failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode == http.StatusOK
}

// ListModels returns the fixed catalog.
func (a *Adapter) ListModels(ctx context.Context) []provider.ModelInfo {
	out := make([]provider.ModelInfo, len(catalog))
	copy(out, catalog)
	return out
}

// StreamMessage emits the start event before connecting, then decodes SSE
// frames into token events until message_stop or a provider error.
func (a *Adapter) StreamMessage(ctx context.Context, req *provider.Request) <-chan provider.Event {
	ch := make(chan provider.Event, 1)
	ch <- provider.Event{Type: provider.EventStart, MessageID: req.MessageID}
	go a.stream(ctx, req, ch)
	return ch
}

func (a *Adapter) stream(ctx context.Context, req *provider.Request, ch chan<- provider.Event) {
	defer close(ch)

	// The credential is fixed for the lifetime of this stream.
	key := a.credential()

	body, err := json.Marshal(a.mapRequest(req))
	if err != nil {
		send(ctx, ch, errorEvent(req.MessageID, err))
		return
	}

	resp, err := transport.Do(ctx, a.client, func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		a.setHeaders(httpReq, key)
		return httpReq, nil
	}, a.policy, a.logger)
	if err != nil {
		send(ctx, ch, errorEvent(req.MessageID, err))
		return
	}
	defer resp.Body.Close()

	dec := wire.NewSSE(resp.Body, a.logger)
	var accumulated bytes.Buffer

	complete := func(usage *anthropicUsage) {
		inputTokens := provider.EstimateInputTokens(req)
		outputTokens := provider.EstimateTokens(accumulated.String())
		if usage != nil {
			if usage.InputTokens > 0 {
				inputTokens = usage.InputTokens
			}
			if usage.OutputTokens > 0 {
				outputTokens = usage.OutputTokens
			}
		}
		send(ctx, ch, provider.Event{
			Type:         provider.EventComplete,
			MessageID:    req.MessageID,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			CostUSD:      a.ModelCost(req.Model).CostUSD(inputTokens, outputTokens),
		})
	}

	for {
		payload, err := dec.Next()
		if err == io.EOF {
			// Stream ended without message_stop; complete with estimates.
			complete(nil)
			return
		}
		if err != nil {
			send(ctx, ch, errorEvent(req.MessageID, err))
			return
		}

		var frame anthropicFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			a.logger.Debug("skipping unmappable frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case "content_block_delta":
			if frame.Delta.Text == "" {
				continue
			}
			accumulated.WriteString(frame.Delta.Text)
			ev := provider.Event{
				Type:       provider.EventToken,
				MessageID:  req.MessageID,
				Delta:      frame.Delta.Text,
				TokenCount: provider.EstimateTokens(accumulated.String()),
			}
			if !send(ctx, ch, ev) {
				return
			}
		case "message_stop":
			complete(frame.Usage)
			return
		case "error":
			msg := "provider error"
			if frame.Error != nil {
				msg = frame.Error.Message
			}
			send(ctx, ch, errorEvent(req.MessageID, fmt.Errorf("anthropic: %s", msg)))
			return
		}
	}
}

func (a *Adapter) setHeaders(req *http.Request, key string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", key)
	req.Header.Set("anthropic-version", anthropicVersion)
}

// mapRequest lifts system messages out of the history; the Messages API
// takes the system prompt as a top-level field.
func (a *Adapter) mapRequest(req *provider.Request) anthropicRequest {
	system := req.System
	var messages []anthropicMessage
	for _, m := range req.Messages {
		if m.Role == "system" {
			if system == "" {
				system = m.Content
			}
			continue
		}
		messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      system,
		Temperature: req.Temperature,
		Messages:    messages,
		Stream:      true,
	}
}

func errorEvent(messageID string, err error) provider.Event {
	return provider.Event{Type: provider.EventError, MessageID: messageID, Err: err}
}

// send delivers ev unless ctx is cancelled; it reports whether delivery
// happened.
func send(ctx context.Context, ch chan<- provider.Event, ev provider.Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
