package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockClient implements Client for AWS Bedrock. Chat goes to
// Anthropic Claude models and embeddings to Amazon Titan. Bedrock's runtime
// API has no model listing, so its catalog is static.
type BedrockClient struct {
	name           string
	client         *bedrockruntime.Client
	credentials    aws.CredentialsProvider
	defaultModel   string
	embeddingModel string
	temperature    *float64
	maxTokens      int
}

func newBedrockClient(cfg Config) (Client, error) {
	return NewBedrockClient(context.Background(), cfg)
}

// NewBedrockClient builds a client from an already defaulted config. When
// api_key is set it is used with api_secret as a static access key pair;
// otherwise the default AWS credential chain applies.
func NewBedrockClient(ctx context.Context, cfg Config) (*BedrockClient, error) {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeoutMs * time.Millisecond
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(1),
		config.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if cfg.APIKey != "" {
		if cfg.APISecret == "" {
			return nil, Validationf("api_secret", "required when api_key is set for bedrock")
		}
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.APIKey, cfg.APISecret, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if cfg.BaseURL != "" {
			o.BaseEndpoint = aws.String(strings.TrimRight(cfg.BaseURL, "/"))
		}
	})
	return &BedrockClient{
		name:           cfg.Name,
		client:         client,
		credentials:    awsCfg.Credentials,
		defaultModel:   cfg.DefaultModel,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
	}, nil
}

// Name returns the provider name.
func (p *BedrockClient) Name() string { return p.name }

// Type returns TypeBedrock.
func (p *BedrockClient) Type() Type { return TypeBedrock }

func (p *BedrockClient) sdkError(err error) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return &ProviderError{Provider: p.name, StatusCode: re.HTTPStatusCode(), Message: re.Error(), Err: err}
	}
	return transportError(p.name, err)
}

type bedrockAnthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Messages         []anthropicMessage `json:"messages"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	StopSequences    []string           `json:"stop_sequences,omitempty"`
	System           string             `json:"system,omitempty"`
}

// chatBody builds the Anthropic-on-Bedrock payload, rejecting model
// families the client does not speak.
func (p *BedrockClient) chatBody(req Request) (string, []byte, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	if !strings.Contains(model, "anthropic.") {
		return "", nil, Validationf("model", "bedrock chat supports anthropic models only, got %q", model)
	}

	var system []string
	var messages []anthropicMessage
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		messages = append(messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	body, err := json.Marshal(bedrockAnthropicRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        intOr(req.MaxTokens, p.maxTokens),
		Messages:         messages,
		Temperature:      floatOr(req.Temperature, p.temperature),
		TopP:             req.TopP,
		StopSequences:    req.Stop,
		System:           strings.Join(system, "\n"),
	})
	return model, body, err
}

// Complete invokes an Anthropic model through InvokeModel.
func (p *BedrockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	model, body, err := p.chatBody(req)
	if err != nil {
		return nil, err
	}
	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, p.sdkError(err)
	}

	var out anthropicResponse
	if err := json.Unmarshal(output.Body, &out); err != nil {
		return nil, decodeError(p.name, err)
	}
	var text strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	return &Response{
		ID:       out.ID,
		Object:   "chat.completion",
		Created:  time.Now().Unix(),
		Model:    model,
		Provider: p.name,
		Choices: []Choice{{
			Message:      Message{Role: RoleAssistant, Content: text.String()},
			FinishReason: anthropicFinishReason(out.StopReason),
		}},
		Usage: out.Usage.usage(),
	}, nil
}

// CompleteStream invokes an Anthropic model through
// InvokeModelWithResponseStream. Chunk payloads are Anthropic stream events.
func (p *BedrockClient) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	model, body, err := p.chatBody(req)
	if err != nil {
		return nil, err
	}
	output, err := p.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, p.sdkError(err)
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		stream := output.GetStream()
		defer func() { _ = stream.Close() }()

		var usage anthropicUsage
		for event := range stream.Events() {
			e, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			var evt anthropicStreamEvent
			if err := json.Unmarshal(e.Value.Bytes, &evt); err != nil {
				send(ctx, ch, StreamChunk{Error: decodeError(p.name, err)})
				return
			}
			switch evt.Type {
			case "message_start":
				usage.InputTokens = evt.Message.Usage.InputTokens
			case "content_block_delta":
				if !send(ctx, ch, StreamChunk{
					Object:  "chat.completion.chunk",
					Model:   model,
					Choices: []StreamChoice{{Delta: StreamDelta{Content: evt.Delta.Text}}},
				}) {
					return
				}
			case "message_delta":
				if evt.Usage != nil {
					usage.OutputTokens = evt.Usage.OutputTokens
				}
				final := usage.usage()
				if !send(ctx, ch, StreamChunk{
					Object:  "chat.completion.chunk",
					Model:   model,
					Choices: []StreamChoice{{FinishReason: anthropicFinishReason(evt.Delta.StopReason)}},
					Usage:   &final,
				}) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, ch, StreamChunk{Error: p.sdkError(err)})
		}
	}()
	return ch, nil
}

type titanEmbeddingRequest struct {
	InputText string `json:"inputText"`
}

type titanEmbeddingResponse struct {
	Embedding           []float64 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

// Embed calls a Titan embedding model once per input text.
func (p *BedrockClient) Embed(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = p.embeddingModel
	}
	if !strings.HasPrefix(model, "amazon.titan-embed") {
		return nil, Validationf("model", "bedrock embeddings support amazon.titan-embed models only, got %q", model)
	}

	resp := &EmbeddingResponse{Object: "list", Model: model, Provider: p.name}
	for i, text := range req.Input {
		body, err := json.Marshal(titanEmbeddingRequest{InputText: text})
		if err != nil {
			return nil, err
		}
		output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(model),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			return nil, p.sdkError(err)
		}
		var out titanEmbeddingResponse
		if err := json.Unmarshal(output.Body, &out); err != nil {
			return nil, decodeError(p.name, err)
		}
		resp.Data = append(resp.Data, Embedding{Object: "embedding", Embedding: out.Embedding, Index: i})
		resp.Usage.PromptTokens += out.InputTextTokenCount
	}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens
	return resp, nil
}

// TestConnection reports whether AWS credentials resolve for the client.
func (p *BedrockClient) TestConnection(ctx context.Context) bool {
	if p.credentials == nil {
		return false
	}
	creds, err := p.credentials.Retrieve(ctx)
	return err == nil && creds.HasKeys()
}
