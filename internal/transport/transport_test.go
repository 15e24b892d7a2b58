package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func buildGet(url string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseBackoff: time.Millisecond}
}

func TestDo_SucceedsAfterTwoFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resp, err := Do(context.Background(), server.Client(), buildGet(server.URL), fastPolicy(3), nil)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	resp.Body.Close()

	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestDo_ExhaustionReturnsTypedError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := Do(context.Background(), server.Client(), buildGet(server.URL), fastPolicy(3), nil)
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}

	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *transport.Error, got %T: %v", err, err)
	}
	if terr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", terr.Attempts)
	}
	if terr.Status != http.StatusBadGateway {
		t.Errorf("Status = %d, want %d", terr.Status, http.StatusBadGateway)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestDo_ConnectionRefusedRetriesThenFails(t *testing.T) {
	// Reserve a port and close it so dials are refused.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := Do(context.Background(), http.DefaultClient, buildGet(url), fastPolicy(2), nil)
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *transport.Error, got %T: %v", err, err)
	}
	if terr.Status != 0 {
		t.Errorf("Status = %d, want 0 for transport-level failure", terr.Status)
	}
}

func TestDo_ContextCancelNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Do(ctx, server.Client(), buildGet(server.URL), fastPolicy(3), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var terr *Error
	if errors.As(err, &terr) {
		t.Fatalf("context cancellation must not be wrapped as exhaustion: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 attempt, got %d", got)
	}
}

func TestPolicy_Defaults(t *testing.T) {
	p := Policy{}.withDefaults()
	if p.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", p.MaxAttempts, DefaultMaxAttempts)
	}
	if p.BaseBackoff != time.Second {
		t.Errorf("BaseBackoff = %v, want 1s", p.BaseBackoff)
	}
}
