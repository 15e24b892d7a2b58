package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/embermill/fireside/internal/provider"
	"github.com/embermill/fireside/internal/transport"
)

func testAdapter(url string) *Adapter {
	return &Adapter{
		baseURL: url,
		client:  http.DefaultClient,
		policy:  transport.Policy{MaxAttempts: 1},
		logger:  zap.NewNop(),
	}
}

func streamRequest() *provider.Request {
	return &provider.Request{
		MessageID: "msg-1",
		Model:     "llama3.1:8b",
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

func TestStreamMessage_ZeroCostWithReportedCounts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		var body ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !body.Stream {
			t.Error("stream flag not set")
		}

		w.Write([]byte(`{"message":{"role":"assistant","content":"Hello"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"role":"assistant","content":" there"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":12,"eval_count":7}` + "\n"))
	}))
	defer server.Close()

	events := drain(testAdapter(server.URL).StreamMessage(context.Background(), streamRequest()))

	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	if events[0].Type != provider.EventStart {
		t.Errorf("first event = %v, want start", events[0].Type)
	}
	if events[1].Delta != "Hello" || events[2].Delta != " there" {
		t.Errorf("token deltas = %q, %q", events[1].Delta, events[2].Delta)
	}

	complete := events[3]
	if complete.Type != provider.EventComplete {
		t.Fatalf("last event = %v, want complete", complete.Type)
	}
	if complete.InputTokens != 12 || complete.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d, want 12/7", complete.InputTokens, complete.OutputTokens)
	}
	if complete.CostUSD != 0 {
		t.Errorf("cost = %v, want 0", complete.CostUSD)
	}
}

func TestStreamMessage_EstimatesWhenCountsAbsent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"role":"assistant","content":"Four char"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"role":"assistant","content":""},"done":true}` + "\n"))
	}))
	defer server.Close()

	events := drain(testAdapter(server.URL).StreamMessage(context.Background(), streamRequest()))

	complete := events[len(events)-1]
	if complete.Type != provider.EventComplete {
		t.Fatalf("last event = %v, want complete", complete.Type)
	}
	if want := provider.EstimateTokens("Four char"); complete.OutputTokens != want {
		t.Errorf("output tokens = %d, want estimate %d", complete.OutputTokens, want)
	}
	if want := provider.EstimateInputTokens(streamRequest()); complete.InputTokens != want {
		t.Errorf("input tokens = %d, want estimate %d", complete.InputTokens, want)
	}
}

func TestStreamMessage_MalformedLineSkipped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"content":"A"},"done":false}` + "\n"))
		w.Write([]byte("not json at all\n"))
		w.Write([]byte(`{"message":{"content":"B"},"done":false}` + "\n"))
		w.Write([]byte(`{"done":true}` + "\n"))
	}))
	defer server.Close()

	events := drain(testAdapter(server.URL).StreamMessage(context.Background(), streamRequest()))

	var deltas []string
	for _, ev := range events {
		if ev.Type == provider.EventToken {
			deltas = append(deltas, ev.Delta)
		}
	}
	if len(deltas) != 2 || deltas[0] != "A" || deltas[1] != "B" {
		t.Errorf("deltas = %v, want [A B]", deltas)
	}
	if events[len(events)-1].Type != provider.EventComplete {
		t.Errorf("stream did not end with complete")
	}
}

func TestStreamMessage_ServerErrorFrame(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"model not found"}` + "\n"))
	}))
	defer server.Close()

	events := drain(testAdapter(server.URL).StreamMessage(context.Background(), streamRequest()))

	last := events[len(events)-1]
	if last.Type != provider.EventError {
		t.Fatalf("last event = %v, want error", last.Type)
	}
	if last.Err == nil {
		t.Fatal("error event missing err")
	}
}

func TestStreamMessage_ConnectFailureEmitsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	events := drain(testAdapter(server.URL).StreamMessage(context.Background(), streamRequest()))

	if len(events) != 2 {
		t.Fatalf("got %d events, want start then error", len(events))
	}
	if events[0].Type != provider.EventStart || events[1].Type != provider.EventError {
		t.Errorf("events = %v, %v; want start, error", events[0].Type, events[1].Type)
	}
}

func TestListModels_DiscoversAndFallsBack(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"models":[{"name":"llama3.1:70b"},{"name":"phi3:mini"}]}`))
	}))
	defer server.Close()

	models := testAdapter(server.URL).ListModels(context.Background())
	if len(models) != 2 || models[0].ID != "llama3.1:70b" || models[1].ID != "phi3:mini" {
		t.Errorf("models = %v", models)
	}

	down := testAdapter("http://127.0.0.1:1")
	if got := down.ListModels(context.Background()); len(got) != len(fallbackCatalog) {
		t.Errorf("fallback returned %d models, want %d", len(got), len(fallbackCatalog))
	}
}

func TestModelCost_AlwaysZero(t *testing.T) {
	a := New("", zap.NewNop())
	if c := a.ModelCost("anything"); c.CostUSD(1000, 1000) != 0 {
		t.Errorf("cost = %v, want 0", c.CostUSD(1000, 1000))
	}
}

func TestMapRequest_SystemPromptPrepended(t *testing.T) {
	a := New("", zap.NewNop())
	req := streamRequest()
	req.System = "Be brief."

	mapped := a.mapRequest(req)
	if len(mapped.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(mapped.Messages))
	}
	if mapped.Messages[0].Role != "system" || mapped.Messages[0].Content != "Be brief." {
		t.Errorf("first message = %+v, want system prompt", mapped.Messages[0])
	}
}

func TestTestConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Ollama is running"))
	}))
	defer server.Close()

	if !testAdapter(server.URL).TestConnection(context.Background()) {
		t.Error("expected reachable server to pass")
	}

	server.Close()
	if testAdapter(server.URL).TestConnection(context.Background()) {
		t.Error("expected closed server to fail")
	}
}
