// Package server exposes the localhost HTTP surface the desktop UI talks
// to: conversation CRUD, message submission and abort, provider
// configuration, usage reports, and a server-sent event feed of stream
// notifications.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/embermill/fireside/internal/credentials"
	"github.com/embermill/fireside/internal/orchestrator"
	"github.com/embermill/fireside/internal/provider"
	"github.com/embermill/fireside/internal/registry"
	"github.com/embermill/fireside/internal/store"
	"github.com/embermill/fireside/internal/usage"
)

// Streamer is the slice of the orchestrator the handlers need.
type Streamer interface {
	SubmitMessage(ctx context.Context, conversationID, content string) (string, error)
	Abort(ctx context.Context, messageID string) error
}

type Server struct {
	store    store.Store
	registry *registry.Registry
	streamer Streamer
	creds    credentials.Store
	usage    usage.Store
	hub      *EventHub
	logger   *zap.Logger
}

func New(st store.Store, reg *registry.Registry, streamer Streamer, creds credentials.Store, usageStore usage.Store, hub *EventHub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:    st,
		registry: reg,
		streamer: streamer,
		creds:    creds,
		usage:    usageStore,
		hub:      hub,
		logger:   logger.Named("http"),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/events", s.hub.ServeHTTP)

	r.Route("/api/conversations", func(r chi.Router) {
		r.Post("/", s.handleCreateConversation)
		r.Get("/", s.handleListConversations)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetConversation)
			r.Put("/", s.handleUpdateConversation)
			r.Delete("/", s.handleDeleteConversation)
			r.Post("/messages", s.handleSubmitMessage)
		})
	})

	r.Post("/api/messages/{id}/abort", s.handleAbortMessage)

	r.Route("/api/providers", func(r chi.Router) {
		r.Get("/", s.handleListProviders)
		r.Put("/{name}/credential", s.handlePutCredential)
		r.Put("/{name}/endpoint", s.handlePutEndpoint)
		r.Get("/{name}/models", s.handleListModels)
		r.Post("/{name}/test", s.handleTestConnection)
	})

	r.Get("/api/usage", s.handleUsage)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type conversationRequest struct {
	Title        string `json:"title"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Provider == "" || req.Model == "" {
		s.respondError(w, http.StatusBadRequest, "provider and model are required")
		return
	}
	if req.Title == "" {
		req.Title = "New conversation"
	}

	conv := &store.Conversation{
		ID:           uuid.NewString(),
		Title:        req.Title,
		Provider:     req.Provider,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
	}
	if err := s.store.CreateConversation(r.Context(), conv); err != nil {
		s.internalError(w, "create conversation", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	var (
		convs []*store.Conversation
		err   error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		convs, err = s.store.SearchConversations(r.Context(), q)
	} else {
		convs, err = s.store.ListConversations(r.Context())
	}
	if err != nil {
		s.internalError(w, "list conversations", err)
		return
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	s.respondJSON(w, http.StatusOK, convs)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conv, err := s.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.internalError(w, "get conversation", err)
		return
	}

	messages, err := s.store.GetMessages(r.Context(), id)
	if err != nil {
		s.internalError(w, "get messages", err)
		return
	}
	if messages == nil {
		messages = []*store.Message{}
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"messages":     messages,
	})
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conv, err := s.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.internalError(w, "get conversation", err)
		return
	}

	var req conversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title != "" {
		conv.Title = req.Title
	}
	if req.Provider != "" {
		conv.Provider = req.Provider
	}
	if req.Model != "" {
		conv.Model = req.Model
	}
	conv.SystemPrompt = req.SystemPrompt

	if err := s.store.UpdateConversation(r.Context(), conv); err != nil {
		s.internalError(w, "update conversation", err)
		return
	}
	s.respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteConversation(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.internalError(w, "delete conversation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		s.respondError(w, http.StatusBadRequest, "content is required")
		return
	}

	messageID, err := s.streamer.SubmitMessage(r.Context(), chi.URLParam(r, "id"), req.Content)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "conversation not found")
		return
	case errors.Is(err, orchestrator.ErrProviderNotConfigured):
		s.respondError(w, http.StatusConflict, "provider not configured")
		return
	case err != nil:
		s.internalError(w, "submit message", err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]string{"message_id": messageID})
}

func (s *Server) handleAbortMessage(w http.ResponseWriter, r *http.Request) {
	err := s.streamer.Abort(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, orchestrator.ErrNoActiveStream) {
		s.respondError(w, http.StatusNotFound, "no active stream")
		return
	}
	if err != nil {
		s.internalError(w, "abort message", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type providerStatus struct {
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
	Credential string `json:"credential,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	stored, err := s.creds.List(r.Context())
	if err != nil {
		s.internalError(w, "list credentials", err)
		return
	}
	byProvider := make(map[string]*credentials.Credential, len(stored))
	for _, c := range stored {
		byProvider[c.Provider] = c
	}

	var statuses []providerStatus
	for _, name := range []string{provider.NameAnthropic, provider.NameOpenAI, provider.NameOllama} {
		ps := providerStatus{Name: name}
		_, ps.Configured = s.registry.Get(name)
		if c, ok := byProvider[name]; ok {
			ps.Credential = c.Masked()
			ps.Endpoint = c.Endpoint
		}
		statuses = append(statuses, ps)
	}
	s.respondJSON(w, http.StatusOK, statuses)
}

type credentialRequest struct {
	Secret string `json:"secret"`
}

func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !knownProvider(name) {
		s.respondError(w, http.StatusNotFound, "unknown provider")
		return
	}

	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Secret == "" {
		if err := s.creds.Delete(r.Context(), name); err != nil && !errors.Is(err, credentials.ErrNotFound) {
			s.internalError(w, "delete credential", err)
			return
		}
	} else {
		if err := s.creds.Put(r.Context(), &credentials.Credential{Provider: name, Secret: req.Secret}); err != nil {
			s.internalError(w, "store credential", err)
			return
		}
	}

	s.registry.UpdateCredential(name, req.Secret)
	w.WriteHeader(http.StatusNoContent)
}

type endpointRequest struct {
	Endpoint string `json:"endpoint"`
}

func (s *Server) handlePutEndpoint(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name != provider.NameOllama {
		s.respondError(w, http.StatusBadRequest, "endpoint is only configurable for ollama")
		return
	}

	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.creds.Put(r.Context(), &credentials.Credential{Provider: name, Endpoint: req.Endpoint}); err != nil {
		s.internalError(w, "store endpoint", err)
		return
	}
	s.registry.UpdateEndpoint(name, req.Endpoint)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	adapter, ok := s.registry.Get(name)
	if !ok {
		s.respondError(w, http.StatusConflict, "provider not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	models := adapter.ListModels(ctx)
	if models == nil {
		models = []provider.ModelInfo{}
	}
	s.respondJSON(w, http.StatusOK, models)
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	adapter, ok := s.registry.Get(name)
	if !ok {
		s.respondError(w, http.StatusConflict, "provider not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	s.respondJSON(w, http.StatusOK, map[string]bool{"ok": adapter.TestConnection(ctx)})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	since := time.Now().AddDate(0, -1, 0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = parsed
	}

	totals, err := s.usage.TotalsSince(r.Context(), since)
	if err != nil {
		s.internalError(w, "usage totals", err)
		return
	}
	byProvider, err := s.usage.TotalsByProvider(r.Context(), since)
	if err != nil {
		s.internalError(w, "usage totals by provider", err)
		return
	}
	if byProvider == nil {
		byProvider = []*usage.ProviderTotals{}
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"since":       since,
		"totals":      totals,
		"by_provider": byProvider,
	})
}

func knownProvider(name string) bool {
	switch name {
	case provider.NameAnthropic, provider.NameOpenAI, provider.NameOllama:
		return true
	}
	return false
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op, zap.Error(err))
	s.respondError(w, http.StatusInternalServerError, "internal error")
}
