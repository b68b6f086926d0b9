package providers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
)

// HuggingFaceClient implements Client for the Hugging Face inference router,
// which speaks the OpenAI chat protocol.
type HuggingFaceClient struct {
	name           string
	client         *goopenai.Client
	defaultModel   string
	embeddingModel string
	temperature    *float64
	maxTokens      int
}

var _ ModelLister = (*HuggingFaceClient)(nil)

func newHuggingFaceClient(cfg Config) (Client, error) {
	return NewHuggingFaceClient(cfg), nil
}

// NewHuggingFaceClient builds a client from an already defaulted config.
func NewHuggingFaceClient(cfg Config) *HuggingFaceClient {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeoutMs * time.Millisecond
	}
	cc := goopenai.DefaultConfig(cfg.APIKey)
	cc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cc.HTTPClient = &http.Client{Timeout: timeout}
	return &HuggingFaceClient{
		name:           cfg.Name,
		client:         goopenai.NewClientWithConfig(cc),
		defaultModel:   cfg.DefaultModel,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
	}
}

// Name returns the provider name.
func (p *HuggingFaceClient) Name() string { return p.name }

// Type returns TypeHuggingFace.
func (p *HuggingFaceClient) Type() Type { return TypeHuggingFace }

func (p *HuggingFaceClient) sdkError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: p.name, StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{Provider: p.name, StatusCode: reqErr.HTTPStatusCode, Message: http.StatusText(reqErr.HTTPStatusCode), Err: err}
	}
	return transportError(p.name, err)
}

func (p *HuggingFaceClient) request(req Request, stream bool) goopenai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	out := goopenai.ChatCompletionRequest{
		Model:     model,
		MaxTokens: intOr(req.MaxTokens, p.maxTokens),
		Stop:      req.Stop,
		User:      req.User,
		Stream:    stream,
	}
	if t := floatOr(req.Temperature, p.temperature); t != nil {
		out.Temperature = float32(*t)
	}
	if req.TopP != nil {
		out.TopP = float32(*req.TopP)
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if stream {
		out.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}
	}
	return out
}

// Complete sends a chat completion request.
func (p *HuggingFaceClient) Complete(ctx context.Context, req Request) (*Response, error) {
	out, err := p.client.CreateChatCompletion(ctx, p.request(req, false))
	if err != nil {
		return nil, p.sdkError(err)
	}
	resp := &Response{
		ID:       out.ID,
		Object:   "chat.completion",
		Created:  out.Created,
		Model:    out.Model,
		Provider: p.name,
		Usage: Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		},
	}
	for _, c := range out.Choices {
		resp.Choices = append(resp.Choices, Choice{
			Index:        c.Index,
			Message:      Message{Role: c.Message.Role, Content: c.Message.Content},
			FinishReason: string(c.FinishReason),
		})
	}
	return resp, nil
}

// CompleteStream sends a streaming chat completion request.
func (p *HuggingFaceClient) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.request(req, true))
	if err != nil {
		return nil, p.sdkError(err)
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer stream.Close()
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				send(ctx, ch, StreamChunk{Error: p.sdkError(err)})
				return
			}
			sc := StreamChunk{
				ID:      chunk.ID,
				Object:  "chat.completion.chunk",
				Created: chunk.Created,
				Model:   chunk.Model,
			}
			for _, c := range chunk.Choices {
				sc.Choices = append(sc.Choices, StreamChoice{
					Index:        c.Index,
					Delta:        StreamDelta{Role: c.Delta.Role, Content: c.Delta.Content},
					FinishReason: string(c.FinishReason),
				})
			}
			if chunk.Usage != nil {
				sc.Usage = &Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
			if !send(ctx, ch, sc) {
				return
			}
		}
	}()
	return ch, nil
}

// Embed sends a feature-extraction request through the router.
func (p *HuggingFaceClient) Embed(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = p.embeddingModel
	}
	if model == "" {
		return nil, Validationf("model", "provider %q has no embedding model configured", p.name)
	}
	out, err := p.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: []string(req.Input),
		Model: goopenai.EmbeddingModel(model),
		User:  req.User,
	})
	if err != nil {
		return nil, p.sdkError(err)
	}
	resp := &EmbeddingResponse{
		Object:   "list",
		Model:    model,
		Provider: p.name,
		Usage:    Usage{PromptTokens: out.Usage.PromptTokens, TotalTokens: out.Usage.TotalTokens},
	}
	for _, d := range out.Data {
		vec := make([]float64, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float64(v)
		}
		resp.Data = append(resp.Data, Embedding{Object: "embedding", Embedding: vec, Index: d.Index})
	}
	return resp, nil
}

// ListModels enumerates the models served by the router.
func (p *HuggingFaceClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, p.sdkError(err)
	}
	out := make([]ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		chat, embed := guessCapabilities(m.ID)
		out = append(out, ModelInfo{ID: m.ID, OwnedBy: m.OwnedBy, Chat: chat, Embedding: embed})
	}
	return out, nil
}

// TestConnection checks the token by listing models.
func (p *HuggingFaceClient) TestConnection(ctx context.Context) bool {
	_, err := p.client.ListModels(ctx)
	return err == nil
}
