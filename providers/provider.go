// Package providers defines the Client contract every LLM backend implements,
// the request and response value types that flow through the gateway, and
// the Registry that owns configured clients.
//
// Core types: Client, Request, Response, StreamChunk, EmbeddingRequest,
// EmbeddingResponse, ModelInfo.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Message role constants used across multiple providers.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	// SSEDone is the sentinel value that marks the end of a server-sent event stream.
	SSEDone = "[DONE]"
)

// Client is the uniform capability interface implemented by every backend.
type Client interface {
	Name() string
	Type() Type
	Complete(ctx context.Context, req Request) (*Response, error)
	// CompleteStream returns a channel that yields incremental chunks. The
	// channel is closed after the terminal chunk; final usage, when the
	// vendor reports it, rides on the last chunk that carries a Usage.
	CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error)
	// Embed returns one vector per input. Providers without embedding support
	// return a *ValidationError.
	Embed(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error)
	TestConnection(ctx context.Context) bool
}

// ModelLister is an optional interface for clients that can enumerate their
// available models live. A client that does not implement it has a static,
// config-only catalog.
type ModelLister interface {
	Client
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// Message is a single role-tagged chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options carries the per-request generation knobs. Nil pointers fall back
// to the provider's configured defaults.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	User        string   `json:"user,omitempty"`
}

// Request is a chat completion request addressed to one client.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Options
	Stream bool `json:"stream,omitempty"`
}

// Validate checks that the request is well-formed before dispatch.
func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return &ValidationError{Field: "messages", Message: "at least one message is required"}
	}
	for i, m := range r.Messages {
		if m.Role == "" {
			return Validationf("messages", "message %d has an empty role", i)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return &ValidationError{Field: "temperature", Message: "must be between 0 and 2"}
	}
	if r.MaxTokens != nil && *r.MaxTokens < 0 {
		return &ValidationError{Field: "max_tokens", Message: "must not be negative"}
	}
	return nil
}

// Usage reports token consumption for a single call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates u2 into u. TotalTokens is recomputed when a provider
// reports only the parts.
func (u *Usage) Add(u2 Usage) {
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
	u.TotalTokens += u2.TotalTokens
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
}

// Choice is one completion alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// Response is a complete, non-streamed chat completion.
type Response struct {
	ID       string   `json:"id"`
	Object   string   `json:"object"`
	Created  int64    `json:"created"`
	Model    string   `json:"model"`
	Provider string   `json:"provider,omitempty"`
	Choices  []Choice `json:"choices"`
	Usage    Usage    `json:"usage"`
}

// Content returns the text of the first choice, or "" when there is none.
func (r *Response) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// StreamDelta is the incremental content of a streamed choice.
type StreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// StreamChoice is one choice in a streamed chunk.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// StreamChunk is a single event of a streamed completion. A non-nil Error
// terminates the stream.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
	Error   error          `json:"-"`
}

// Inputs is the embedding input list. It unmarshals from either a single
// JSON string or an array of strings.
type Inputs []string

// UnmarshalJSON accepts "text" as well as ["a", "b"].
func (in *Inputs) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*in = Inputs{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.New("input must be a string or an array of strings")
	}
	*in = list
	return nil
}

// EmbeddingRequest mirrors the OpenAI /v1/embeddings request schema.
type EmbeddingRequest struct {
	Model string `json:"model"`
	Input Inputs `json:"input"`
	User  string `json:"user,omitempty"`
}

// Validate checks that there is at least one input text.
func (r EmbeddingRequest) Validate() error {
	if len(r.Input) == 0 {
		return &ValidationError{Field: "input", Message: "at least one input text is required"}
	}
	return nil
}

// Embedding holds a single embedding vector and its index.
type Embedding struct {
	Object    string    `json:"object"`
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

// EmbeddingResponse mirrors the OpenAI /v1/embeddings response schema.
type EmbeddingResponse struct {
	Object   string      `json:"object"`
	Data     []Embedding `json:"data"`
	Model    string      `json:"model"`
	Provider string      `json:"provider,omitempty"`
	Usage    Usage       `json:"usage"`
}

// ModelInfo describes a model as reported by a provider's list endpoint.
type ModelInfo struct {
	ID            string `json:"id"`
	OwnedBy       string `json:"owned_by,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
	MaxTokens     int    `json:"max_tokens,omitempty"`
	Chat          bool   `json:"chat"`
	Embedding     bool   `json:"embedding"`
}

// guessCapabilities fills Chat/Embedding from the model id for list
// endpoints that don't report capabilities.
func guessCapabilities(id string) (chat, embedding bool) {
	lower := strings.ToLower(id)
	if strings.Contains(lower, "embed") {
		return false, true
	}
	return true, false
}
