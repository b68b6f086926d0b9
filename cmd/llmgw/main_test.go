package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	llmgateway "github.com/ferro-labs/llm-gateway"
	"github.com/ferro-labs/llm-gateway/internal/logging"
	"github.com/ferro-labs/llm-gateway/providers"
	"github.com/ferro-labs/llm-gateway/usage"
)

type fakeClient struct {
	name   string
	fail   error
	chunks []providers.StreamChunk
}

func (f *fakeClient) Name() string         { return f.name }
func (f *fakeClient) Type() providers.Type { return "fake" }

func (f *fakeClient) Complete(_ context.Context, req providers.Request) (*providers.Response, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return &providers.Response{
		ID:    "fake-id",
		Model: req.Model,
		Choices: []providers.Choice{{
			Message:      providers.Message{Role: providers.RoleAssistant, Content: "hello"},
			FinishReason: "stop",
		}},
		Usage: providers.Usage{PromptTokens: 3, CompletionTokens: 1},
	}, nil
}

func (f *fakeClient) CompleteStream(_ context.Context, _ providers.Request) (<-chan providers.StreamChunk, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	ch := make(chan providers.StreamChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeClient) Embed(_ context.Context, req providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	out := &providers.EmbeddingResponse{Model: req.Model}
	for i := range req.Input {
		out.Data = append(out.Data, providers.Embedding{Object: "embedding", Embedding: []float64{1, 0}, Index: i})
	}
	return out, nil
}

func (f *fakeClient) TestConnection(context.Context) bool { return f.fail == nil }

func delta(s string) providers.StreamChunk {
	return providers.StreamChunk{ID: "s1", Choices: []providers.StreamChoice{{Delta: providers.StreamDelta{Content: s}}}}
}

func noRetries() *int { n := 0; return &n }

// testServer wires a gateway with one fake provider "test" and returns its
// router.
func testServer(t *testing.T, client *fakeClient, cfg providers.Config) (http.Handler, *usage.MemoryWriter) {
	t.Helper()
	w := usage.NewMemoryWriter()
	gw := llmgateway.New(nil, nil,
		llmgateway.WithUsageWriter(w),
		llmgateway.WithLogger(logging.Discard()),
		llmgateway.WithRetryBackoff(0),
	)
	t.Cleanup(func() { _ = gw.Close() })

	if cfg.Name == "" {
		cfg.Name = client.name
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "test-model"
	}
	cfg.EmbeddingModel = "test-embed"
	cfg.MaxRetries = noRetries()
	if !gw.Registry().RegisterClient(cfg, client) {
		t.Fatal("RegisterClient failed")
	}
	return newRouter(gw, logging.Discard(), nil), w
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func TestHealth(t *testing.T) {
	h, _ := testServer(t, &fakeClient{name: "test"}, providers.Config{})
	rec := do(h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "ok" || body["providers"] != float64(1) {
		t.Errorf("body = %v", body)
	}
	if rec.Header().Get(logging.RequestIDHeader) == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestChatCompletions(t *testing.T) {
	h, w := testServer(t, &fakeClient{name: "test"}, providers.Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}],"temperature":0.5}`))
	req.Header.Set(logging.RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp providers.Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Content() != "hello" || resp.Provider != "test" || resp.Model != "test-model" {
		t.Errorf("resp = %+v", resp)
	}
	if rec.Header().Get("X-Gateway-Provider") != "test" {
		t.Error("missing X-Gateway-Provider header")
	}
	recs := w.Records()
	if len(recs) != 1 || recs[0].RequestID != "req-123" {
		t.Errorf("usage records = %+v", recs)
	}
}

func TestChatCompletions_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		client     *fakeClient
		wantStatus int
		wantType   string
	}{
		{"malformed body", `{`, &fakeClient{name: "test"}, http.StatusBadRequest, "invalid_request_error"},
		{"empty messages", `{"messages":[]}`, &fakeClient{name: "test"}, http.StatusBadRequest, "invalid_request_error"},
		{"unknown pinned provider", `{"provider":"nope","messages":[{"role":"user","content":"hi"}]}`, &fakeClient{name: "test"}, http.StatusBadRequest, "invalid_request_error"},
		{
			"all providers failed",
			`{"messages":[{"role":"user","content":"hi"}]}`,
			&fakeClient{name: "test", fail: &providers.ProviderError{Provider: "test", StatusCode: 500, Message: "down"}},
			http.StatusBadGateway,
			"server_error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := testServer(t, tt.client, providers.Config{})
			rec := do(h, http.MethodPost, "/v1/chat/completions", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			errObj, _ := decode(t, rec)["error"].(map[string]any)
			if errObj["type"] != tt.wantType {
				t.Errorf("error = %v", errObj)
			}
		})
	}
}

func TestChatCompletions_RateLimited(t *testing.T) {
	cfg := providers.Config{RateLimit: providers.RateLimitConfig{Requests: 1, Window: "1m"}}
	h, _ := testServer(t, &fakeClient{name: "test"}, cfg)
	body := `{"provider":"test","messages":[{"role":"user","content":"hi"}]}`

	if rec := do(h, http.MethodPost, "/v1/chat/completions", body); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := do(h, http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra == "" || ra == "0" {
		t.Errorf("Retry-After = %q", ra)
	}
}

func TestChatCompletions_Stream(t *testing.T) {
	final := providers.StreamChunk{ID: "s1", Choices: []providers.StreamChoice{{FinishReason: "stop"}}, Usage: &providers.Usage{PromptTokens: 2, CompletionTokens: 2, TotalTokens: 4}}
	h, w := testServer(t, &fakeClient{name: "test", chunks: []providers.StreamChunk{delta("Hel"), delta("lo"), final}}, providers.Config{})

	rec := do(h, http.MethodPost, "/v1/chat/completions", `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	var events []string
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	if len(events) != 4 || events[3] != providers.SSEDone {
		t.Fatalf("events = %v", events)
	}
	var first providers.StreamChunk
	if err := json.Unmarshal([]byte(events[0]), &first); err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	if first.Object != "chat.completion.chunk" || first.Choices[0].Delta.Content != "Hel" {
		t.Errorf("first chunk = %+v", first)
	}
	if recs := w.Records(); len(recs) != 1 || !recs[0].Stream || recs[0].TotalTokens != 4 {
		t.Errorf("usage records = %+v", recs)
	}
}

func TestChatCompletions_StreamErrorBeforeOutput(t *testing.T) {
	client := &fakeClient{name: "test", fail: &providers.ProviderError{Provider: "test", StatusCode: 503, Message: "overloaded"}}
	h, _ := testServer(t, client, providers.Config{})

	rec := do(h, http.MethodPost, "/v1/chat/completions", `{"provider":"test","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestEmbeddings(t *testing.T) {
	h, _ := testServer(t, &fakeClient{name: "test"}, providers.Config{})
	rec := do(h, http.MethodPost, "/v1/embeddings", `{"input":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp providers.EmbeddingResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 1 || resp.Model != "test-embed" || resp.Object != "list" {
		t.Errorf("resp = %+v", resp)
	}

	rec = do(h, http.MethodPost, "/v1/embeddings", `{"input":["a"],"model":"text-embedding-ada-002"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown model status = %d, want 400", rec.Code)
	}
}

func TestListModels(t *testing.T) {
	h, _ := testServer(t, &fakeClient{name: "test"}, providers.Config{})
	body := decode(t, do(h, http.MethodGet, "/v1/models", ""))
	data, _ := body["data"].([]any)
	if body["object"] != "list" || len(data) != 2 {
		t.Fatalf("body = %v", body)
	}
	first, _ := data[0].(map[string]any)
	if first["id"] != "test-embed" || first["owned_by"] != "test" || first["object"] != "model" {
		t.Errorf("first model = %v", first)
	}

	body = decode(t, do(h, http.MethodGet, "/v1/models?provider=missing", ""))
	if data, _ := body["data"].([]any); len(data) != 0 {
		t.Errorf("models of unknown provider = %v", data)
	}
}

func TestProviders(t *testing.T) {
	h, _ := testServer(t, &fakeClient{name: "test"}, providers.Config{RateLimit: providers.RateLimitConfig{Requests: 5, Window: "1m"}})

	body := decode(t, do(h, http.MethodGet, "/v1/providers", ""))
	if data, _ := body["data"].([]any); len(data) != 1 {
		t.Errorf("providers = %v", body)
	}

	rec := do(h, http.MethodGet, "/v1/providers/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}

	body = decode(t, do(h, http.MethodGet, "/v1/providers/test/rate-limit", ""))
	if body["limit"] != float64(5) || body["remaining"] != float64(5) {
		t.Errorf("rate limit = %v", body)
	}
	if rec := do(h, http.MethodGet, "/v1/providers/missing/rate-limit", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown provider status = %d", rec.Code)
	}

	// The fake client cannot list models.
	if rec := do(h, http.MethodPost, "/v1/providers/test/sync", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("sync status = %d, want 400", rec.Code)
	}
}

func TestProviderHealth_Unhealthy(t *testing.T) {
	client := &fakeClient{name: "test", fail: &providers.ProviderError{Provider: "test", StatusCode: 500}}
	h, _ := testServer(t, client, providers.Config{})
	if rec := do(h, http.MethodGet, "/v1/providers/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := testServer(t, &fakeClient{name: "test"}, providers.Config{})
	_ = do(h, http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
	rec := do(h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "llmgw_requests_total") {
		t.Error("metrics output missing llmgw_requests_total")
	}
}

func TestCORSPreflight(t *testing.T) {
	h, _ := testServer(t, &fakeClient{name: "test"}, providers.Config{})
	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}
