// Package usage records per-message token and cost figures and answers
// aggregate spend queries. Recording runs off the streaming path through a
// small buffered worker so a slow database never stalls token delivery.
package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Record is one completed stream's ledger entry.
type Record struct {
	ID             string
	MessageID      string
	ConversationID string
	Provider       string
	Model          string
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
	DurationMS     int64
	RecordedAt     time.Time
}

// Totals aggregates the ledger over a time window.
type Totals struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Messages     int     `json:"messages"`
}

// ProviderTotals is Totals broken down by provider name.
type ProviderTotals struct {
	Provider string `json:"provider"`
	Totals
}

// Store is the ledger persistence surface.
type Store interface {
	InsertRecord(ctx context.Context, r *Record) error
	TotalsSince(ctx context.Context, since time.Time) (*Totals, error)
	TotalsByProvider(ctx context.Context, since time.Time) ([]*ProviderTotals, error)
}

// Recorder accepts records on a buffered channel and writes them from a
// single background goroutine. When the buffer is full the record is
// dropped with a warning; the ledger is advisory, not transactional.
type Recorder struct {
	store  Store
	queue  chan *Record
	done   chan struct{}
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

func NewRecorder(store Store, buffer int, logger *zap.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:  store,
		queue:  make(chan *Record, buffer),
		done:   make(chan struct{}),
		logger: logger.Named("usage"),
	}
}

// Start launches the writer goroutine.
func (r *Recorder) Start() {
	go r.run()
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.InsertRecord(ctx, rec); err != nil {
			r.logger.Warn("usage record lost",
				zap.String("message_id", rec.MessageID),
				zap.Error(err))
		}
		cancel()
	}
}

// Record enqueues a ledger entry, filling in ID and timestamp.
func (r *Recorder) Record(rec *Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.logger.Warn("usage recorder closed, dropping record",
			zap.String("message_id", rec.MessageID))
		return
	}

	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("usage queue full, dropping record",
			zap.String("message_id", rec.MessageID))
	}
}

// Close stops accepting records and waits for queued writes to finish.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("usage recorder shutdown: %w", ctx.Err())
	}
}
