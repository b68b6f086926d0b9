package providers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ferro-labs/llm-gateway/internal/version"
)

// OpenAIClient implements Client for OpenAI using the official SDK.
type OpenAIClient struct {
	name           string
	client         openai.Client
	defaultModel   string
	embeddingModel string
	temperature    *float64
	maxTokens      int
}

var _ ModelLister = (*OpenAIClient)(nil)

func newOpenAIClient(cfg Config) (Client, error) {
	return NewOpenAIClient(cfg), nil
}

// NewOpenAIClient builds a client from an already defaulted config. Retries
// are left to the gateway, so the SDK's own retry loop is disabled.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeoutMs * time.Millisecond
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(timeout),
		option.WithHeader("User-Agent", version.UserAgent()),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}
	return &OpenAIClient{
		name:           cfg.Name,
		client:         openai.NewClient(opts...),
		defaultModel:   cfg.DefaultModel,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
	}
}

// Name returns the provider name.
func (p *OpenAIClient) Name() string { return p.name }

// Type returns TypeOpenAI.
func (p *OpenAIClient) Type() Type { return TypeOpenAI }

// sdkError converts an SDK failure into a *ProviderError.
func (p *OpenAIClient) sdkError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return &ProviderError{Provider: p.name, StatusCode: apiErr.StatusCode, Message: msg, Err: err}
	}
	return transportError(p.name, err)
}

func (p *OpenAIClient) params(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	params := openai.ChatCompletionNewParams{
		Messages: buildOpenAIMessages(req.Messages),
		Model:    model,
	}
	if t := floatOr(req.Temperature, p.temperature); t != nil {
		params.Temperature = openai.Float(*t)
	}
	if limit := intOr(req.MaxTokens, p.maxTokens); limit > 0 {
		params.MaxTokens = openai.Int(int64(limit))
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}
	if req.User != "" {
		params.User = openai.String(req.User)
	}
	if len(req.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	return params
}

// Complete sends a chat completion request to OpenAI.
func (p *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	completion, err := p.client.Chat.Completions.New(ctx, p.params(req))
	if err != nil {
		return nil, p.sdkError(err)
	}

	resp := &Response{
		ID:       completion.ID,
		Object:   "chat.completion",
		Created:  completion.Created,
		Model:    completion.Model,
		Provider: p.name,
		Usage: Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}
	for i, choice := range completion.Choices {
		resp.Choices = append(resp.Choices, Choice{
			Index:        i,
			Message:      Message{Role: string(choice.Message.Role), Content: choice.Message.Content},
			FinishReason: string(choice.FinishReason),
		})
	}
	return resp, nil
}

// CompleteStream sends a streaming chat completion request to OpenAI with
// include_usage set so the final chunk reports token counts.
func (p *OpenAIClient) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	params := p.params(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	// Surface connection and status failures before handing out the channel
	// so the caller can still fail over.
	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		if err == nil {
			return nil, &ProviderError{Provider: p.name, StatusCode: http.StatusBadGateway, Message: "empty stream"}
		}
		return nil, p.sdkError(err)
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer func() { _ = stream.Close() }()
		for {
			chunk := stream.Current()
			sc := StreamChunk{
				ID:      chunk.ID,
				Object:  "chat.completion.chunk",
				Created: chunk.Created,
				Model:   chunk.Model,
			}
			for _, c := range chunk.Choices {
				sc.Choices = append(sc.Choices, StreamChoice{
					Index:        int(c.Index),
					Delta:        StreamDelta{Role: c.Delta.Role, Content: c.Delta.Content},
					FinishReason: c.FinishReason,
				})
			}
			if chunk.Usage.TotalTokens > 0 {
				sc.Usage = &Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
			}
			if !send(ctx, ch, sc) {
				return
			}
			if !stream.Next() {
				break
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, ch, StreamChunk{Error: p.sdkError(err)})
		}
	}()
	return ch, nil
}

// Embed sends an embedding request to OpenAI.
func (p *OpenAIClient) Embed(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = p.embeddingModel
	}
	params := openai.EmbeddingNewParams{
		Model:          model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: req.Input},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if req.User != "" {
		params.User = openai.String(req.User)
	}

	result, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, p.sdkError(err)
	}

	embeddings := make([]Embedding, len(result.Data))
	for i, d := range result.Data {
		embeddings[i] = Embedding{Object: "embedding", Embedding: d.Embedding, Index: int(d.Index)}
	}
	return &EmbeddingResponse{
		Object:   "list",
		Data:     embeddings,
		Model:    string(result.Model),
		Provider: p.name,
		Usage: Usage{
			PromptTokens: int(result.Usage.PromptTokens),
			TotalTokens:  int(result.Usage.TotalTokens),
		},
	}, nil
}

// ListModels enumerates the models visible to the API key.
func (p *OpenAIClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, p.sdkError(err)
	}
	out := make([]ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		chat, embed := guessCapabilities(m.ID)
		out = append(out, ModelInfo{ID: m.ID, OwnedBy: m.OwnedBy, Chat: chat, Embedding: embed})
	}
	return out, nil
}

// TestConnection checks the API key by listing models.
func (p *OpenAIClient) TestConnection(ctx context.Context) bool {
	_, err := p.client.Models.List(ctx)
	return err == nil
}

// buildOpenAIMessages converts gateway Messages to the openai-go SDK union type.
func buildOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}
