// Package ollama implements the provider adapter for a local Ollama server:
// newline-delimited JSON wire format, no auth, configurable base URL, model
// discovery via the tags endpoint. Local inference is free, so the cost
// table is zero for every model.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/embermill/fireside/internal/provider"
	"github.com/embermill/fireside/internal/transport"
	"github.com/embermill/fireside/internal/wire"
)

// DefaultBaseURL is where a stock Ollama install listens.
const DefaultBaseURL = "http://localhost:11434"

// fallbackCatalog is returned when the tags endpoint is unreachable.
var fallbackCatalog = []provider.ModelInfo{
	{ID: "llama3.1:8b", Name: "Llama 3.1 8B"},
	{ID: "qwen2.5-coder:14b", Name: "Qwen 2.5 Coder 14B"},
	{ID: "mistral:7b", Name: "Mistral 7B"},
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaFrame struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	Error           string `json:"error,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Adapter talks to a local Ollama server.
type Adapter struct {
	mu      sync.RWMutex
	baseURL string
	client  *http.Client
	policy  transport.Policy
	logger  *zap.Logger
}

func New(baseURL string, logger *zap.Logger) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		baseURL: baseURL,
		client:  transport.NewClient(transport.DefaultTimeout),
		logger:  logger.Named("ollama"),
	}
}

func (a *Adapter) Name() string { return provider.NameOllama }

// SetCredential is a no-op; the local server has no auth.
func (a *Adapter) SetCredential(secret string) {}

// BaseURL returns the endpoint this adapter was built with.
func (a *Adapter) BaseURL() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.baseURL
}

// ModelCost is always zero: local inference is free regardless of token
// counts.
func (a *Adapter) ModelCost(model string) provider.Cost {
	return provider.Cost{}
}

// TestConnection probes the server root, which answers any GET when Ollama
// is up.
func (a *Adapter) TestConnection(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL()+"/", nil)
	if err != nil {
		return false
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Debug("connection test failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode == http.StatusOK
}

// ListModels queries the tags endpoint for installed models, falling back
// to a fixed catalog when the server is unreachable.
func (a *Adapter) ListModels(ctx context.Context) []provider.ModelInfo {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL()+"/api/tags", nil)
	if err != nil {
		return fallback()
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Debug("tag discovery failed, using fallback catalog", zap.Error(err))
		return fallback()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fallback()
	}

	var parsed tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fallback()
	}

	var models []provider.ModelInfo
	for _, m := range parsed.Models {
		models = append(models, provider.ModelInfo{ID: m.Name, Name: m.Name})
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

// StreamMessage emits the start event before connecting, then decodes JSON
// lines into token events until a done frame. The done frame carries
// prompt/eval counts when the server reports them; otherwise usage is
// estimated.
func (a *Adapter) StreamMessage(ctx context.Context, req *provider.Request) <-chan provider.Event {
	ch := make(chan provider.Event, 1)
	ch <- provider.Event{Type: provider.EventStart, MessageID: req.MessageID}
	go a.stream(ctx, req, ch)
	return ch
}

func (a *Adapter) stream(ctx context.Context, req *provider.Request, ch chan<- provider.Event) {
	defer close(ch)

	body, err := json.Marshal(a.mapRequest(req))
	if err != nil {
		send(ctx, ch, errorEvent(req.MessageID, err))
		return
	}

	resp, err := transport.Do(ctx, a.client, func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL()+"/api/chat", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		return httpReq, nil
	}, a.policy, a.logger)
	if err != nil {
		send(ctx, ch, errorEvent(req.MessageID, err))
		return
	}
	defer resp.Body.Close()

	dec := wire.NewLines(resp.Body, a.logger)
	var accumulated bytes.Buffer

	complete := func(frame *ollamaFrame) {
		inputTokens := provider.EstimateInputTokens(req)
		outputTokens := provider.EstimateTokens(accumulated.String())
		if frame != nil {
			if frame.PromptEvalCount > 0 {
				inputTokens = frame.PromptEvalCount
			}
			if frame.EvalCount > 0 {
				outputTokens = frame.EvalCount
			}
		}
		send(ctx, ch, provider.Event{
			Type:         provider.EventComplete,
			MessageID:    req.MessageID,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			CostUSD:      0,
		})
	}

	for {
		payload, err := dec.Next()
		if err == io.EOF {
			complete(nil)
			return
		}
		if err != nil {
			send(ctx, ch, errorEvent(req.MessageID, err))
			return
		}

		var frame ollamaFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			a.logger.Debug("skipping unmappable frame", zap.Error(err))
			continue
		}

		if frame.Error != "" {
			send(ctx, ch, errorEvent(req.MessageID, &serverError{frame.Error}))
			return
		}

		if frame.Message.Content != "" {
			accumulated.WriteString(frame.Message.Content)
			ev := provider.Event{
				Type:       provider.EventToken,
				MessageID:  req.MessageID,
				Delta:      frame.Message.Content,
				TokenCount: provider.EstimateTokens(accumulated.String()),
			}
			if !send(ctx, ch, ev) {
				return
			}
		}

		if frame.Done {
			complete(&frame)
			return
		}
	}
}

func (a *Adapter) mapRequest(req *provider.Request) ollamaRequest {
	messages := make([]ollamaMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, ollamaMessage{Role: m.Role, Content: m.Content})
	}

	var opts *ollamaOptions
	if req.Temperature != 0 || req.MaxTokens != 0 {
		opts = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}

	return ollamaRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
		Options:  opts,
	}
}

type serverError struct {
	msg string
}

func (e *serverError) Error() string { return "ollama: " + e.msg }

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
