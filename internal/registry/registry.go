// Package registry holds the configured provider adapters and the circuit
// breakers that guard admission to each backend. Adapters are swapped
// atomically when credentials or endpoints change; streams already in
// flight keep the instance they started with.
package registry

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/embermill/fireside/internal/provider"
	"github.com/embermill/fireside/internal/provider/anthropic"
	"github.com/embermill/fireside/internal/provider/ollama"
	"github.com/embermill/fireside/internal/provider/openai"
)

// Registry maps provider names to their live adapter instance.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]provider.Adapter
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	logger   *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		adapters: make(map[string]provider.Adapter),
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
		logger:   logger.Named("registry"),
	}
	for _, name := range []string{provider.NameAnthropic, provider.NameOpenAI, provider.NameOllama} {
		r.breakers[name] = newBreaker(name, r.logger)
	}
	return r
}

func newBreaker(name string, logger *zap.Logger) *gobreaker.TwoStepCircuitBreaker {
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// Get returns the adapter for a provider name. The second return is false
// when the provider has not been configured.
func (r *Registry) Get(name string) (provider.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Breaker returns the admission breaker for a provider name, or nil for an
// unknown provider.
func (r *Registry) Breaker(name string) *gobreaker.TwoStepCircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Configured reports which providers currently have an adapter.
func (r *Registry) Configured() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// UpdateCredential builds a fresh adapter with the given secret and swaps
// it in. An empty secret removes the adapter for API-key providers; the
// local provider needs no key and is always rebuilt.
func (r *Registry) UpdateCredential(name, secret string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch name {
	case provider.NameAnthropic:
		if secret == "" {
			delete(r.adapters, name)
			return
		}
		r.adapters[name] = anthropic.New(secret, r.logger)
	case provider.NameOpenAI:
		if secret == "" {
			delete(r.adapters, name)
			return
		}
		r.adapters[name] = openai.New(secret, r.logger)
	case provider.NameOllama:
		endpoint := ollama.DefaultBaseURL
		if existing, ok := r.adapters[name].(*ollama.Adapter); ok {
			endpoint = existing.BaseURL()
		}
		r.adapters[name] = ollama.New(endpoint, r.logger)
	default:
		r.logger.Warn("credential update for unknown provider", zap.String("provider", name))
	}
}

// UpdateEndpoint rebuilds the local adapter against a new base URL. Only
// the local provider has a configurable endpoint.
func (r *Registry) UpdateEndpoint(name, baseURL string) {
	if name != provider.NameOllama {
		r.logger.Warn("endpoint update for fixed-endpoint provider", zap.String("provider", name))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = ollama.New(baseURL, r.logger)
}
