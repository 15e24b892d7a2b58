package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/embermill/fireside/internal/orchestrator"
)

const clientBuffer = 64

// EventHub fans stream notifications out to connected UI clients over
// server-sent events. Publish never blocks: a client that cannot keep up
// has events dropped.
type EventHub struct {
	mu      sync.Mutex
	clients map[chan orchestrator.Notification]struct{}
	logger  *zap.Logger
}

func NewEventHub(logger *zap.Logger) *EventHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHub{
		clients: make(map[chan orchestrator.Notification]struct{}),
		logger:  logger.Named("events"),
	}
}

// Publish implements orchestrator.Sink.
func (h *EventHub) Publish(n orchestrator.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- n:
		default:
			h.logger.Debug("dropping event for slow client",
				zap.String("message_id", n.MessageID))
		}
	}
}

func (h *EventHub) subscribe() chan orchestrator.Notification {
	ch := make(chan orchestrator.Notification, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan orchestrator.Notification) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// ClientCount reports connected subscribers.
func (h *EventHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP streams notifications to one client until it disconnects.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case n := <-ch:
			payload, err := json.Marshal(n)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.State, payload)
			flusher.Flush()
		}
	}
}
