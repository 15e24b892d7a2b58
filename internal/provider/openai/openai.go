// Package openai implements the provider adapter for the OpenAI Chat
// Completions API: SSE wire format with the [DONE] sentinel, bearer auth,
// model discovery with a fixed fallback catalog.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/embermill/fireside/internal/provider"
	"github.com/embermill/fireside/internal/transport"
	"github.com/embermill/fireside/internal/wire"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"

	// modelPrefix filters the discovery endpoint down to chat models.
	modelPrefix = "gpt-"
)

// fallbackCatalog is returned when discovery fails.
var fallbackCatalog = []provider.ModelInfo{
	{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000},
	{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000},
	{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000},
	{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", ContextSize: 16385},
}

// costs is USD per 1K tokens by model id.
var costs = map[string]provider.Cost{
	"gpt-4o":        {PerKInput: 0.0025, PerKOutput: 0.01},
	"gpt-4o-mini":   {PerKInput: 0.00015, PerKOutput: 0.0006},
	"gpt-4-turbo":   {PerKInput: 0.01, PerKOutput: 0.03},
	"gpt-3.5-turbo": {PerKInput: 0.0005, PerKOutput: 0.0015},
}

var defaultCost = provider.Cost{PerKInput: 0.0025, PerKOutput: 0.01}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Adapter talks to the OpenAI Chat Completions API.
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
		logger:  logger.Named("openai"),
	}
}

func (a *Adapter) Name() string { return provider.NameOpenAI }

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

// TestConnection is a lightweight authenticated GET against the models
// endpoint.
func (a *Adapter) TestConnection(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
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

// ListModels fetches the catalog and keeps chat models; any failure falls
// back to the fixed catalog.
func (a *Adapter) ListModels(ctx context.Context) []provider.ModelInfo {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return fallback()
	}
	a.setHeaders(req, a.credential())

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Debug("model discovery failed, using fallback catalog", zap.Error(err))
		return fallback()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		a.logger.Debug("model discovery returned error status, using fallback catalog",
			zap.Int("status", resp.StatusCode))
		return fallback()
	}

	var parsed modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fallback()
	}

	var models []provider.ModelInfo
	for _, m := range parsed.Data {
		if strings.HasPrefix(m.ID, modelPrefix) {
			models = append(models, provider.ModelInfo{ID: m.ID, Name: m.ID})
		}
	}
	if len(models) == 0 {
		return fallback()
	}
	return models
}

func fallback() []provider.ModelInfo {
	out := make([]provider.ModelInfo, len(fallbackCatalog))
	copy(out, fallbackCatalog)
	return out
}

// StreamMessage emits the start event before connecting, then decodes SSE
// frames into token events until the [DONE] sentinel. No usage frame is
// guaranteed, so completion usage is estimated from content length.
func (a *Adapter) StreamMessage(ctx context.Context, req *provider.Request) <-chan provider.Event {
	ch := make(chan provider.Event, 1)
	ch <- provider.Event{Type: provider.EventStart, MessageID: req.MessageID}
	go a.stream(ctx, req, ch)
	return ch
}

func (a *Adapter) stream(ctx context.Context, req *provider.Request, ch chan<- provider.Event) {
	defer close(ch)

	key := a.credential()

	body, err := json.Marshal(a.mapRequest(req))
	if err != nil {
		send(ctx, ch, errorEvent(req.MessageID, err))
		return
	}

	resp, err := transport.Do(ctx, a.client, func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
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

	for {
		payload, err := dec.Next()
		if err == io.EOF {
			// [DONE] or end of body; usage is estimated either way.
			inputTokens := provider.EstimateInputTokens(req)
			outputTokens := provider.EstimateTokens(accumulated.String())
			send(ctx, ch, provider.Event{
				Type:         provider.EventComplete,
				MessageID:    req.MessageID,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				CostUSD:      a.ModelCost(req.Model).CostUSD(inputTokens, outputTokens),
			})
			return
		}
		if err != nil {
			send(ctx, ch, errorEvent(req.MessageID, err))
			return
		}

		var frame openAIFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			a.logger.Debug("skipping unmappable frame", zap.Error(err))
			continue
		}

		if frame.Error != nil {
			send(ctx, ch, errorEvent(req.MessageID, fmt.Errorf("openai: %s", frame.Error.Message)))
			return
		}

		if len(frame.Choices) == 0 || frame.Choices[0].Delta.Content == "" {
			continue
		}

		accumulated.WriteString(frame.Choices[0].Delta.Content)
		ev := provider.Event{
			Type:       provider.EventToken,
			MessageID:  req.MessageID,
			Delta:      frame.Choices[0].Delta.Content,
			TokenCount: provider.EstimateTokens(accumulated.String()),
		}
		if !send(ctx, ch, ev) {
			return
		}
	}
}

func (a *Adapter) setHeaders(req *http.Request, key string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
}

func (a *Adapter) mapRequest(req *provider.Request) openAIRequest {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	return openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
}

func errorEvent(messageID string, err error) provider.Event {
	return provider.Event{Type: provider.EventError, MessageID: messageID, Err: err}
}

func send(ctx context.Context, ch chan<- provider.Event, ev provider.Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
