package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const anthropicVersion = "2023-06-01"

// AnthropicClient implements Client for the Anthropic Messages API.
// Anthropic offers no embeddings endpoint.
type AnthropicClient struct {
	Base
	defaultModel string
	temperature  *float64
	maxTokens    int
}

var _ ModelLister = (*AnthropicClient)(nil)

func newAnthropicClient(cfg Config) (Client, error) {
	return NewAnthropicClient(cfg), nil
}

// NewAnthropicClient builds a client from an already defaulted config.
func NewAnthropicClient(cfg Config) *AnthropicClient {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeoutMs * time.Millisecond
	}
	return &AnthropicClient{
		Base: Base{
			name:    cfg.Name,
			typ:     TypeAnthropic,
			baseURL: strings.TrimRight(cfg.BaseURL, "/"),
			client:  &http.Client{Timeout: timeout},
			headers: map[string]string{
				"x-api-key":         cfg.APIKey,
				"anthropic-version": anthropicVersion,
			},
		},
		defaultModel: cfg.DefaultModel,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u anthropicUsage) usage() Usage {
	return Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

// anthropicStreamEvent covers every SSE event type the client consumes.
type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message struct {
		ID    string         `json:"id"`
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicClient) buildRequest(req Request, stream bool) anthropicRequest {
	// System messages travel in a dedicated field.
	var systemParts []string
	var messages []anthropicMessage
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		messages = append(messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	return anthropicRequest{
		Model:         model,
		MaxTokens:     intOr(req.MaxTokens, p.maxTokens),
		System:        strings.Join(systemParts, "\n"),
		Messages:      messages,
		Temperature:   floatOr(req.Temperature, p.temperature),
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        stream,
	}
}

func anthropicFinishReason(stop string) string {
	switch stop {
	case "max_tokens":
		return "length"
	case "":
		return ""
	default:
		return "stop"
	}
}

// Complete sends a chat completion request to Anthropic.
func (p *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	var out anthropicResponse
	if err := p.doJSON(ctx, http.MethodPost, "/v1/messages", p.buildRequest(req, false), &out); err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return &Response{
		ID:       out.ID,
		Object:   "chat.completion",
		Created:  time.Now().Unix(),
		Model:    out.Model,
		Provider: p.name,
		Choices: []Choice{{
			Message:      Message{Role: RoleAssistant, Content: content.String()},
			FinishReason: anthropicFinishReason(out.StopReason),
		}},
		Usage: out.Usage.usage(),
	}, nil
}

// CompleteStream sends a streaming chat completion request to Anthropic.
// Input tokens arrive on message_start and output tokens on message_delta;
// the combined usage rides on the final chunk.
func (p *AnthropicClient) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	resp, err := p.stream(ctx, "/v1/messages", p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer func() { _ = resp.Body.Close() }()

		var msgID, model string
		var usage anthropicUsage
		var streamErr error
		err := scanSSE(resp.Body, func(_, data string) bool {
			var evt anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				streamErr = decodeError(p.name, err)
				return false
			}
			switch evt.Type {
			case "message_start":
				msgID, model = evt.Message.ID, evt.Message.Model
				usage.InputTokens = evt.Message.Usage.InputTokens
			case "content_block_delta":
				return send(ctx, ch, StreamChunk{
					ID:      msgID,
					Object:  "chat.completion.chunk",
					Model:   model,
					Choices: []StreamChoice{{Delta: StreamDelta{Content: evt.Delta.Text}}},
				})
			case "message_delta":
				if evt.Usage != nil {
					usage.OutputTokens = evt.Usage.OutputTokens
				}
				final := usage.usage()
				return send(ctx, ch, StreamChunk{
					ID:      msgID,
					Object:  "chat.completion.chunk",
					Model:   model,
					Choices: []StreamChoice{{FinishReason: anthropicFinishReason(evt.Delta.StopReason)}},
					Usage:   &final,
				})
			case "error":
				msg := "stream error"
				if evt.Error != nil {
					msg = evt.Error.Message
				}
				streamErr = &ProviderError{Provider: p.name, StatusCode: http.StatusBadGateway, Message: msg}
				return false
			}
			return true
		})
		if streamErr == nil && err != nil {
			streamErr = transportError(p.name, err)
		}
		if streamErr != nil {
			send(ctx, ch, StreamChunk{Error: streamErr})
		}
	}()
	return ch, nil
}

// Embed always fails: Anthropic has no embedding models.
func (p *AnthropicClient) Embed(_ context.Context, _ EmbeddingRequest) (*EmbeddingResponse, error) {
	return nil, Validationf("model", "provider %q does not support embeddings", p.name)
}

type anthropicModelList struct {
	Data []struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	} `json:"data"`
}

// ListModels fetches GET /v1/models. Every Anthropic model is a chat model.
func (p *AnthropicClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var list anthropicModelList
	if err := p.doJSON(ctx, http.MethodGet, "/v1/models?limit=1000", nil, &list); err != nil {
		return nil, err
	}
	out := make([]ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		out = append(out, ModelInfo{ID: m.ID, OwnedBy: "anthropic", Chat: true})
	}
	return out, nil
}

// TestConnection checks the API key against GET /v1/models.
func (p *AnthropicClient) TestConnection(ctx context.Context) bool {
	return p.doJSON(ctx, http.MethodGet, "/v1/models?limit=1", nil, nil) == nil
}
