package providers

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Type identifies a backend implementation. The set is closed: adding a
// vendor means adding a Type constant and a typeSpecs row.
type Type string

// Supported provider types.
const (
	TypeOpenAI      Type = "openai"
	TypeAnthropic   Type = "anthropic"
	TypeMistral     Type = "mistral"
	TypeOllama      Type = "ollama"
	TypeGroq        Type = "groq"
	TypeHuggingFace Type = "huggingface"
	TypeBedrock     Type = "bedrock"
	TypeTogether    Type = "together"
	TypeDeepSeek    Type = "deepseek"
)

// Defaults shared by every type unless its row overrides them.
const (
	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.7
	DefaultMaxRetries  = 1
	DefaultTimeoutMs   = 60000
	DefaultRateWindow  = time.Minute
)

// ModelConfig is a statically configured model.
type ModelConfig struct {
	ID            string `yaml:"id" json:"id" validate:"required"`
	ContextLength int    `yaml:"context_length,omitempty" json:"context_length,omitempty" validate:"gte=0"`
	MaxTokens     int    `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" validate:"gte=0"`
	Embedding     bool   `yaml:"embedding,omitempty" json:"embedding,omitempty"`
	Default       bool   `yaml:"default,omitempty" json:"default,omitempty"`
}

// RateLimitConfig bounds requests to a provider per window. Zero Requests
// means unlimited.
type RateLimitConfig struct {
	Requests int    `yaml:"requests,omitempty" json:"requests,omitempty" validate:"gte=0"`
	Window   string `yaml:"window,omitempty" json:"window,omitempty"`
}

// WindowDuration returns the parsed window, defaulting to one minute.
func (r RateLimitConfig) WindowDuration() time.Duration {
	if r.Window == "" {
		return DefaultRateWindow
	}
	d, err := time.ParseDuration(r.Window)
	if err != nil || d <= 0 {
		return DefaultRateWindow
	}
	return d
}

// Config is the uniform per-provider configuration. Unset fields fall back
// to the per-type defaults in typeSpecs.
type Config struct {
	Name                  string          `yaml:"name" json:"name" validate:"required"`
	Type                  Type            `yaml:"type" json:"type" validate:"required"`
	APIKey                string          `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	APISecret             string          `yaml:"api_secret,omitempty" json:"api_secret,omitempty"`
	BaseURL               string          `yaml:"base_url,omitempty" json:"base_url,omitempty" validate:"omitempty,url"`
	Region                string          `yaml:"region,omitempty" json:"region,omitempty"`
	DefaultModel          string          `yaml:"default_model,omitempty" json:"default_model,omitempty"`
	EmbeddingModel        string          `yaml:"embedding_model,omitempty" json:"embedding_model,omitempty"`
	MaxTokens             int             `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" validate:"gte=0"`
	Temperature           *float64        `yaml:"temperature,omitempty" json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxRetries            *int            `yaml:"max_retries,omitempty" json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=10"`
	TimeoutMs             int             `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty" validate:"gte=0"`
	Priority              int             `yaml:"priority,omitempty" json:"priority,omitempty" validate:"gte=0"`
	IsActive              *bool           `yaml:"is_active,omitempty" json:"is_active,omitempty"`
	SupportsDynamicModels *bool           `yaml:"supports_dynamic_models,omitempty" json:"supports_dynamic_models,omitempty"`
	Models                []ModelConfig   `yaml:"models,omitempty" json:"models,omitempty" validate:"dive"`
	RateLimit             RateLimitConfig `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
}

// Active reports whether the provider takes part in routing. Unset means true.
func (c Config) Active() bool { return c.IsActive == nil || *c.IsActive }

// DynamicModels reports whether the provider's catalog is synced live.
func (c Config) DynamicModels() bool {
	if c.SupportsDynamicModels != nil {
		return *c.SupportsDynamicModels
	}
	if spec, ok := typeSpecs[c.Type]; ok {
		return spec.dynamic
	}
	return false
}

// Retries returns the number of same-provider retries after a failed attempt.
func (c Config) Retries() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

// Timeout returns the per-request timeout.
func (c Config) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return DefaultTimeoutMs * time.Millisecond
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// typeSpec is one row of the provider-type table: the fields a config must
// carry, the vendor defaults, and the constructor.
type typeSpec struct {
	required []string
	defaults Config
	dynamic  bool
	build    func(cfg Config) (Client, error)
}

var typeSpecs = map[Type]typeSpec{
	TypeOpenAI: {
		required: []string{"api_key"},
		defaults: Config{BaseURL: "https://api.openai.com/v1", DefaultModel: "gpt-4o-mini", EmbeddingModel: "text-embedding-3-small"},
		dynamic:  true,
		build:    newOpenAIClient,
	},
	TypeAnthropic: {
		required: []string{"api_key"},
		defaults: Config{BaseURL: "https://api.anthropic.com", DefaultModel: "claude-3-5-haiku-latest", MaxTokens: 4096},
		dynamic:  true,
		build:    newAnthropicClient,
	},
	TypeMistral: {
		required: []string{"api_key"},
		defaults: Config{BaseURL: "https://api.mistral.ai/v1", DefaultModel: "mistral-small-latest", EmbeddingModel: "mistral-embed"},
		dynamic:  true,
		build:    newCompatClient,
	},
	TypeOllama: {
		required: []string{"base_url"},
		defaults: Config{DefaultModel: "llama3.2", EmbeddingModel: "nomic-embed-text", TimeoutMs: 120000},
		dynamic:  true,
		build:    newCompatClient,
	},
	TypeGroq: {
		required: []string{"api_key"},
		defaults: Config{BaseURL: "https://api.groq.com/openai/v1", DefaultModel: "llama-3.1-8b-instant"},
		dynamic:  true,
		build:    newCompatClient,
	},
	TypeHuggingFace: {
		required: []string{"api_key"},
		defaults: Config{BaseURL: "https://router.huggingface.co/v1", DefaultModel: "meta-llama/Llama-3.1-8B-Instruct"},
		dynamic:  true,
		build:    newHuggingFaceClient,
	},
	TypeBedrock: {
		required: []string{"region"},
		defaults: Config{DefaultModel: "anthropic.claude-3-5-haiku-20241022-v1:0", EmbeddingModel: "amazon.titan-embed-text-v2:0"},
		dynamic:  false,
		build:    newBedrockClient,
	},
	TypeTogether: {
		required: []string{"api_key"},
		defaults: Config{BaseURL: "https://api.together.xyz/v1", DefaultModel: "meta-llama/Llama-3.3-70B-Instruct-Turbo", EmbeddingModel: "togethercomputer/m2-bert-80M-8k-retrieval"},
		dynamic:  true,
		build:    newCompatClient,
	},
	TypeDeepSeek: {
		required: []string{"api_key"},
		defaults: Config{BaseURL: "https://api.deepseek.com/v1", DefaultModel: "deepseek-chat"},
		dynamic:  true,
		build:    newCompatClient,
	},
}

// Types returns every supported provider type, sorted.
func Types() []Type {
	out := make([]Type, 0, len(typeSpecs))
	for t := range typeSpecs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RequiredFields returns the config fields a provider type must set.
func RequiredFields(t Type) []string {
	spec, ok := typeSpecs[t]
	if !ok {
		return nil
	}
	return append([]string(nil), spec.required...)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateConfig checks cfg against the struct rules and the required-field
// set of its type.
func ValidateConfig(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			if fe.Param() != "" {
				return Validationf(field, "failed %q (%s)", fe.Tag(), fe.Param())
			}
			return Validationf(field, "failed %q", fe.Tag())
		}
		return &ValidationError{Message: err.Error()}
	}

	spec, ok := typeSpecs[cfg.Type]
	if !ok {
		return Validationf("type", "unknown provider type %q", cfg.Type)
	}
	for _, field := range spec.required {
		if !fieldSet(cfg, field) {
			return Validationf(field, "required for provider type %q", cfg.Type)
		}
	}
	if cfg.RateLimit.Window != "" {
		if d, err := time.ParseDuration(cfg.RateLimit.Window); err != nil || d <= 0 {
			return Validationf("rate_limit.window", "invalid duration %q", cfg.RateLimit.Window)
		}
	}
	return nil
}

func fieldSet(cfg Config, field string) bool {
	switch field {
	case "api_key":
		return cfg.APIKey != ""
	case "api_secret":
		return cfg.APISecret != ""
	case "base_url":
		return cfg.BaseURL != ""
	case "region":
		return cfg.Region != ""
	default:
		return false
	}
}

// WithDefaults returns cfg with every unset field filled from the type's
// defaults and then the shared defaults.
func WithDefaults(cfg Config) Config {
	d := typeSpecs[cfg.Type].defaults
	if cfg.BaseURL == "" {
		cfg.BaseURL = d.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = d.DefaultModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = d.EmbeddingModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = d.MaxTokens
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = d.TimeoutMs
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = DefaultTimeoutMs
	}
	if cfg.Temperature == nil {
		t := DefaultTemperature
		cfg.Temperature = &t
	}
	if cfg.MaxRetries == nil {
		r := DefaultMaxRetries
		cfg.MaxRetries = &r
	}
	if cfg.IsActive == nil {
		active := true
		cfg.IsActive = &active
	}
	if cfg.SupportsDynamicModels == nil {
		dynamic := typeSpecs[cfg.Type].dynamic
		cfg.SupportsDynamicModels = &dynamic
	}
	return cfg
}

// New validates cfg, applies defaults, and constructs the client for its type.
func New(cfg Config) (Client, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	cfg = WithDefaults(cfg)
	c, err := typeSpecs[cfg.Type].build(cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s provider %q: %w", cfg.Type, cfg.Name, err)
	}
	return c, nil
}
