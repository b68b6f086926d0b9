package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// CompatClient talks to any backend exposing the OpenAI-compatible REST
// surface: /chat/completions, /embeddings and /models. Mistral, Groq,
// Ollama, Together and DeepSeek all use it.
type CompatClient struct {
	Base
	defaultModel   string
	embeddingModel string
	temperature    *float64
	maxTokens      int
	streamUsage    bool
}

var _ ModelLister = (*CompatClient)(nil)

func newCompatClient(cfg Config) (Client, error) {
	return NewCompatClient(cfg), nil
}

// NewCompatClient builds a client from an already defaulted config.
func NewCompatClient(cfg Config) *CompatClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	// Ollama serves the compatible API under /v1 next to its native one.
	if cfg.Type == TypeOllama && !strings.HasSuffix(baseURL, "/v1") {
		baseURL += "/v1"
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeoutMs * time.Millisecond
	}
	return &CompatClient{
		Base: Base{
			name:    cfg.Name,
			typ:     cfg.Type,
			baseURL: baseURL,
			client:  bearerClient(cfg.APIKey, timeout),
		},
		defaultModel:   cfg.DefaultModel,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		// Mistral rejects stream_options and always reports usage on the
		// final chunk.
		streamUsage: cfg.Type != TypeMistral,
	}
}

type compatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type compatRequest struct {
	Model         string               `json:"model"`
	Messages      []Message            `json:"messages"`
	Temperature   *float64             `json:"temperature,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	Stop          []string             `json:"stop,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *compatStreamOptions `json:"stream_options,omitempty"`
}

type compatResponse struct {
	ID      string   `json:"id"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type compatStreamResponse struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Delta        StreamDelta `json:"delta"`
		FinishReason *string     `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

func (p *CompatClient) buildRequest(req Request, stream bool) compatRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	out := compatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: floatOr(req.Temperature, p.temperature),
		MaxTokens:   intOr(req.MaxTokens, p.maxTokens),
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if stream && p.streamUsage {
		out.StreamOptions = &compatStreamOptions{IncludeUsage: true}
	}
	return out
}

// Complete sends a chat completion request and returns the full response.
func (p *CompatClient) Complete(ctx context.Context, req Request) (*Response, error) {
	var out compatResponse
	if err := p.doJSON(ctx, http.MethodPost, "/chat/completions", p.buildRequest(req, false), &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, &ProviderError{Provider: p.name, StatusCode: http.StatusBadGateway, Message: "response contained no choices"}
	}
	if out.Usage.TotalTokens == 0 {
		out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
	}
	return &Response{
		ID:       out.ID,
		Object:   "chat.completion",
		Created:  out.Created,
		Model:    out.Model,
		Provider: p.name,
		Choices:  out.Choices,
		Usage:    out.Usage,
	}, nil
}

// CompleteStream sends a streaming chat completion request.
func (p *CompatClient) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	resp, err := p.stream(ctx, "/chat/completions", p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer func() { _ = resp.Body.Close() }()

		var decodeErr error
		err := scanSSE(resp.Body, func(_, data string) bool {
			var chunk compatStreamResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				decodeErr = err
				return false
			}
			sc := StreamChunk{
				ID:      chunk.ID,
				Object:  "chat.completion.chunk",
				Created: chunk.Created,
				Model:   chunk.Model,
				Usage:   chunk.Usage,
			}
			for _, c := range chunk.Choices {
				choice := StreamChoice{Index: c.Index, Delta: c.Delta}
				if c.FinishReason != nil {
					choice.FinishReason = *c.FinishReason
				}
				sc.Choices = append(sc.Choices, choice)
			}
			return send(ctx, ch, sc)
		})
		switch {
		case decodeErr != nil:
			send(ctx, ch, StreamChunk{Error: decodeError(p.name, decodeErr)})
		case err != nil:
			send(ctx, ch, StreamChunk{Error: transportError(p.name, err)})
		}
	}()
	return ch, nil
}

type compatEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type compatEmbeddingResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage Usage `json:"usage"`
}

// Embed returns one vector per input text.
func (p *CompatClient) Embed(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = p.embeddingModel
	}
	if model == "" {
		return nil, Validationf("model", "provider %q has no embedding model configured", p.name)
	}

	var out compatEmbeddingResponse
	if err := p.doJSON(ctx, http.MethodPost, "/embeddings", compatEmbeddingRequest{Model: model, Input: req.Input}, &out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(req.Input) {
		return nil, &ProviderError{Provider: p.name, StatusCode: http.StatusBadGateway, Message: "embedding count does not match input count"}
	}

	resp := &EmbeddingResponse{Object: "list", Model: out.Model, Provider: p.name, Usage: out.Usage}
	if resp.Model == "" {
		resp.Model = model
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.PromptTokens
	}
	for _, d := range out.Data {
		resp.Data = append(resp.Data, Embedding{Object: "embedding", Embedding: d.Embedding, Index: d.Index})
	}
	return resp, nil
}

type compatModelList struct {
	Data []struct {
		ID            string `json:"id"`
		OwnedBy       string `json:"owned_by"`
		ContextWindow int    `json:"context_window"`
		ContextLength int    `json:"context_length"`
	} `json:"data"`
}

// ListModels fetches the live model list from GET /models.
func (p *CompatClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var list compatModelList
	if err := p.doJSON(ctx, http.MethodGet, "/models", nil, &list); err != nil {
		return nil, err
	}
	out := make([]ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		chat, embed := guessCapabilities(m.ID)
		ctxLen := m.ContextLength
		if ctxLen == 0 {
			ctxLen = m.ContextWindow
		}
		out = append(out, ModelInfo{
			ID:            m.ID,
			OwnedBy:       m.OwnedBy,
			ContextLength: ctxLen,
			Chat:          chat,
			Embedding:     embed,
		})
	}
	return out, nil
}

// TestConnection reports whether GET /models succeeds with the configured
// credentials.
func (p *CompatClient) TestConnection(ctx context.Context) bool {
	return p.doJSON(ctx, http.MethodGet, "/models", nil, nil) == nil
}
