package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestAnthropic(t *testing.T, h http.HandlerFunc) *AnthropicClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewAnthropicClient(WithDefaults(Config{Name: "claude", Type: TypeAnthropic, APIKey: "sk-ant", BaseURL: srv.URL}))
}

func TestAnthropicClient_Complete(t *testing.T) {
	var got anthropicRequest
	c := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant" || r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("headers = %v", r.Header)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = fmt.Fprint(w, `{"id":"msg_1","role":"assistant","model":"claude-3-5-haiku-latest",
			"content":[{"type":"text","text":"Hello"},{"type":"text","text":" there"}],
			"stop_reason":"max_tokens","usage":{"input_tokens":7,"output_tokens":2}}`)
	})

	resp, err := c.Complete(context.Background(), Request{Messages: []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
	}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content() != "Hello there" {
		t.Errorf("content = %q", resp.Content())
	}
	if resp.Choices[0].FinishReason != "length" {
		t.Errorf("finish reason = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage != (Usage{PromptTokens: 7, CompletionTokens: 2, TotalTokens: 9}) {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if got.System != "be brief" || len(got.Messages) != 1 {
		t.Errorf("system prompt not split out: %+v", got)
	}
	if got.MaxTokens != 4096 {
		t.Errorf("max_tokens = %d, want type default 4096", got.MaxTokens)
	}
}

func TestAnthropicClient_CompleteStream(t *testing.T) {
	c := newTestAnthropic(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`event: message_start` + "\n" + `data: {"type":"message_start","message":{"id":"msg_1","model":"claude","usage":{"input_tokens":5}}}`,
			`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi"}}`,
			`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"!"}}`,
			`event: message_delta` + "\n" + `data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`,
			`event: message_stop` + "\n" + `data: {"type":"message_stop"}`,
		}
		for _, e := range events {
			_, _ = fmt.Fprintf(w, "%s\n\n", e)
		}
	})

	ch, err := c.CompleteStream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("CompleteStream() error = %v", err)
	}
	var text strings.Builder
	var last StreamChunk
	for chunk := range ch {
		if chunk.Error != nil {
			t.Fatalf("chunk error: %v", chunk.Error)
		}
		for _, choice := range chunk.Choices {
			text.WriteString(choice.Delta.Content)
		}
		last = chunk
	}
	if text.String() != "Hi!" {
		t.Errorf("text = %q", text.String())
	}
	if last.Usage == nil || *last.Usage != (Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8}) {
		t.Errorf("final usage = %+v", last.Usage)
	}
	if last.Choices[0].FinishReason != "stop" {
		t.Errorf("finish = %q", last.Choices[0].FinishReason)
	}
}

func TestAnthropicClient_StreamErrorEvent(t *testing.T) {
	c := newTestAnthropic(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"par\"}}\n\n")
		_, _ = fmt.Fprint(w, "data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	})

	ch, err := c.CompleteStream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("CompleteStream() error = %v", err)
	}
	var streamErr error
	chunks := 0
	for chunk := range ch {
		if chunk.Error != nil {
			streamErr = chunk.Error
			continue
		}
		chunks++
	}
	var pe *ProviderError
	if !errors.As(streamErr, &pe) || pe.Message != "Overloaded" {
		t.Errorf("stream error = %v", streamErr)
	}
	if chunks != 1 {
		t.Errorf("content chunks = %d, want 1", chunks)
	}
}

func TestAnthropicClient_EmbedUnsupported(t *testing.T) {
	c := NewAnthropicClient(WithDefaults(Config{Name: "claude", Type: TypeAnthropic, APIKey: "k"}))
	if _, err := c.Embed(context.Background(), EmbeddingRequest{Input: Inputs{"x"}}); !IsValidation(err) {
		t.Errorf("Embed() error = %v, want validation error", err)
	}
}

func TestAnthropicClient_ListModels(t *testing.T) {
	c := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = fmt.Fprint(w, `{"data":[{"id":"claude-3-5-haiku-latest","display_name":"Claude Haiku"}]}`)
	})
	list, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(list) != 1 || !list[0].Chat || list[0].OwnedBy != "anthropic" {
		t.Errorf("list = %+v", list)
	}
}
