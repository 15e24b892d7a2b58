package anthropic

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/embermill/fireside/internal/provider"
	"github.com/embermill/fireside/internal/transport"
)

func testAdapter(url string) *Adapter {
	return &Adapter{
		apiKey:  "test-key",
		baseURL: url,
		client:  http.DefaultClient,
		policy:  transport.Policy{MaxAttempts: 1},
		logger:  zap.NewNop(),
	}
}

func streamRequest() *provider.Request {
	return &provider.Request{
		MessageID: "msg-1",
		Model:     "claude-3-opus-20240229",
		Messages:  []provider.Message{{Role: "user", Content: "Hi"}},
	}
}

func drain(ch <-chan provider.Event) []provider.Event {
	var events []provider.Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestStreamMessage_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\n")
		fmt.Fprint(w, "data: {\"type\":\"message_stop\",\"usage\":{\"input_tokens\":10,\"output_tokens\":5}}\n\n")
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	events := drain(a.StreamMessage(context.Background(), streamRequest()))

	if len(events) != 3 {
		t.Fatalf("expected start, token, complete; got %d events: %v", len(events), events)
	}
	if events[0].Type != provider.EventStart || events[0].MessageID != "msg-1" {
		t.Errorf("first event = %+v, want start for msg-1", events[0])
	}
	if events[1].Type != provider.EventToken || events[1].Delta != "Hello" {
		t.Errorf("second event = %+v, want token %q", events[1], "Hello")
	}

	done := events[2]
	if done.Type != provider.EventComplete {
		t.Fatalf("terminal event = %+v, want complete", done)
	}
	if done.InputTokens != 10 || done.OutputTokens != 5 {
		t.Errorf("usage = %d/%d, want 10/5", done.InputTokens, done.OutputTokens)
	}
	wantCost := 10.0/1000*0.015 + 5.0/1000*0.075
	if math.Abs(done.CostUSD-wantCost) > 1e-12 {
		t.Errorf("cost = %v, want %v", done.CostUSD, wantCost)
	}
}

func TestStreamMessage_TokenOrderingAndSingleTerminal(t *testing.T) {
	const n = 25
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < n; i++ {
			fmt.Fprintf(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"t%d \"}}\n\n", i)
		}
		fmt.Fprint(w, "data: {\"type\":\"message_stop\"}\n\n")
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	events := drain(a.StreamMessage(context.Background(), streamRequest()))

	if events[0].Type != provider.EventStart {
		t.Fatal("missing start event")
	}
	var tokens, terminals int
	for _, ev := range events[1:] {
		switch ev.Type {
		case provider.EventToken:
			if terminals > 0 {
				t.Error("token after terminal event")
			}
			if want := fmt.Sprintf("t%d ", tokens); ev.Delta != want {
				t.Errorf("token %d = %q, want %q", tokens, ev.Delta, want)
			}
			tokens++
		case provider.EventComplete, provider.EventError:
			terminals++
		}
	}
	if tokens != n {
		t.Errorf("token count = %d, want %d", tokens, n)
	}
	if terminals != 1 {
		t.Errorf("terminal count = %d, want exactly 1", terminals)
	}
}

func TestStreamMessage_MalformedFrameMidStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"one\"}}\n\n")
		fmt.Fprint(w, "data: {broken\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"two\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_stop\"}\n\n")
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	events := drain(a.StreamMessage(context.Background(), streamRequest()))

	var deltas []string
	for _, ev := range events {
		if ev.Type == provider.EventToken {
			deltas = append(deltas, ev.Delta)
		}
	}
	if len(deltas) != 2 || deltas[0] != "one" || deltas[1] != "two" {
		t.Errorf("deltas = %v, want [one two]", deltas)
	}
	if events[len(events)-1].Type != provider.EventComplete {
		t.Errorf("stream did not complete after malformed frame")
	}
}

func TestStreamMessage_ProviderErrorPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"overloaded\"}}\n\n")
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	events := drain(a.StreamMessage(context.Background(), streamRequest()))

	last := events[len(events)-1]
	if last.Type != provider.EventError || last.Err == nil {
		t.Fatalf("terminal event = %+v, want error", last)
	}
}

func TestStreamMessage_ConnectFailureEmitsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	events := drain(a.StreamMessage(context.Background(), streamRequest()))

	if len(events) != 2 {
		t.Fatalf("expected start then error, got %v", events)
	}
	if events[1].Type != provider.EventError {
		t.Errorf("terminal event = %+v, want error", events[1])
	}
}

func TestStreamMessage_SystemPromptLifted(t *testing.T) {
	a := New("k", nil)
	req := &provider.Request{
		Model: "claude-3-haiku-20240307",
		Messages: []provider.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	}
	mapped := a.mapRequest(req)
	if mapped.System != "be brief" {
		t.Errorf("System = %q", mapped.System)
	}
	if len(mapped.Messages) != 1 || mapped.Messages[0].Role != "user" {
		t.Errorf("Messages = %v, want only the user turn", mapped.Messages)
	}
	if !mapped.Stream {
		t.Error("Stream flag not set")
	}
}

func TestTestConnection(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer bad.Close()

	if !testAdapter(ok.URL).TestConnection(context.Background()) {
		t.Error("expected true against healthy upstream")
	}
	if testAdapter(bad.URL).TestConnection(context.Background()) {
		t.Error("expected false against 401")
	}
}

func TestListModels_Fixed(t *testing.T) {
	a := New("k", nil)
	models := a.ListModels(context.Background())
	if len(models) == 0 {
		t.Fatal("catalog is empty")
	}
	models[0].ID = "mutated"
	if a.ListModels(context.Background())[0].ID == "mutated" {
		t.Error("ListModels must return a copy")
	}
}
