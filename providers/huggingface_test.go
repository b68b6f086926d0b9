package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHuggingFaceClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/completions":
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprint(w, `{"id":"hf-1","object":"chat.completion","created":3,"model":"meta-llama/Llama-3.1-8B-Instruct",
				"choices":[{"index":0,"message":{"role":"assistant","content":"hola"},"finish_reason":"stop"}],
				"usage":{"prompt_tokens":2,"completion_tokens":1,"total_tokens":3}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHuggingFaceClient(WithDefaults(Config{Name: "hf", Type: TypeHuggingFace, APIKey: "hf_x", BaseURL: srv.URL}))
	resp, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content() != "hola" || resp.Usage.TotalTokens != 3 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHuggingFaceClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprint(w, `{"error":{"message":"model is loading","type":"unavailable"}}`)
	}))
	defer srv.Close()

	c := NewHuggingFaceClient(WithDefaults(Config{Name: "hf", Type: TypeHuggingFace, APIKey: "hf_x", BaseURL: srv.URL}))
	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ProviderError", err)
	}
	if pe.StatusCode != http.StatusServiceUnavailable || !pe.Retryable() {
		t.Errorf("status = %d", pe.StatusCode)
	}
	if _, err := c.Embed(context.Background(), EmbeddingRequest{Input: Inputs{"a"}}); !IsValidation(err) {
		t.Errorf("Embed() without model error = %v, want validation error", err)
	}
}
