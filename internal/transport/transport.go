// Package transport performs the HTTP exchange for all provider adapters:
// bounded retry with exponential backoff around establishing a response,
// a response-header timeout, and pooled connections. Retries apply only to
// the initial request that opens a stream, never to already-flowing data.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxAttempts bounds connection attempts (initial + retries).
	DefaultMaxAttempts = 3

	// DefaultTimeout is how long to wait for a response to begin.
	DefaultTimeout = 30 * time.Second

	// defaultBaseBackoff yields the 2^attempt-second retry schedule.
	defaultBaseBackoff = time.Second

	// maxErrorBody caps how much of an upstream error body is kept.
	maxErrorBody = 2048
)

// Error is the typed failure raised after retry exhaustion. Status is the
// last HTTP status observed, zero when the failure never reached HTTP.
type Error struct {
	Attempts int
	Status   int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %d attempts exhausted: %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Policy configures retry behavior for one call.
type Policy struct {
	MaxAttempts int           // default 3
	BaseBackoff time.Duration // delay before retry n is BaseBackoff << n; default 1s
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = defaultBaseBackoff
	}
	return p
}

// NewClient builds the pooled HTTP client shared by an adapter. The timeout
// bounds connection establishment and response headers only; bodies stream
// for as long as the request context lives.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
	}
}

// Do issues the request built by build, retrying on transport errors and
// non-2xx statuses. Each attempt gets a fresh request so the body can be
// re-sent. The returned response has a 2xx status and an open body owned by
// the caller. After exhaustion Do returns a *Error carrying the last cause.
func Do(ctx context.Context, client *http.Client, build func(ctx context.Context) (*http.Request, error), p Policy, logger *zap.Logger) (*http.Response, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p = p.withDefaults()

	var lastErr error
	lastStatus := 0

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.BaseBackoff << (attempt - 1)
			logger.Debug("backing off before retry",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := build(ctx)
		if err != nil {
			return nil, fmt.Errorf("transport: build request: %w", err)
		}

		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			lastErr = err
			lastStatus = 0
			logger.Debug("attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			logger.Debug("upstream connected",
				zap.Int("attempt", attempt+1),
				zap.Int("status", resp.StatusCode),
				zap.Duration("duration", time.Since(start)),
			)
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		lastErr = fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(body))
		lastStatus = resp.StatusCode
		logger.Debug("upstream error status",
			zap.Int("attempt", attempt+1),
			zap.Int("status", resp.StatusCode),
		)
	}

	logger.Warn("request exhausted all attempts",
		zap.Int("attempts", p.MaxAttempts),
		zap.Error(lastErr),
	)
	return nil, &Error{Attempts: p.MaxAttempts, Status: lastStatus, Err: lastErr}
}
