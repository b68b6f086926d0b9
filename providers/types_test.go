package providers

import (
	"errors"
	"testing"
	"time"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantField string
	}{
		{name: "valid openai", cfg: Config{Name: "oa", Type: TypeOpenAI, APIKey: "sk"}},
		{name: "valid ollama", cfg: Config{Name: "local", Type: TypeOllama, BaseURL: "http://localhost:11434"}},
		{name: "valid bedrock", cfg: Config{Name: "br", Type: TypeBedrock, Region: "us-east-1"}},
		{name: "missing name", cfg: Config{Type: TypeOpenAI, APIKey: "sk"}, wantField: "name"},
		{name: "unknown type", cfg: Config{Name: "x", Type: "watson"}, wantField: "type"},
		{name: "missing api key", cfg: Config{Name: "a", Type: TypeAnthropic}, wantField: "api_key"},
		{name: "ollama needs base url", cfg: Config{Name: "o", Type: TypeOllama}, wantField: "base_url"},
		{name: "bedrock needs region", cfg: Config{Name: "b", Type: TypeBedrock}, wantField: "region"},
		{name: "bad base url", cfg: Config{Name: "g", Type: TypeGroq, APIKey: "k", BaseURL: "not a url"}, wantField: "base_url"},
		{name: "temperature out of range", cfg: Config{Name: "g", Type: TypeGroq, APIKey: "k", Temperature: floatPtr(3)}, wantField: "temperature"},
		{name: "negative priority", cfg: Config{Name: "g", Type: TypeGroq, APIKey: "k", Priority: -1}, wantField: "priority"},
		{name: "model without id", cfg: Config{Name: "g", Type: TypeGroq, APIKey: "k", Models: []ModelConfig{{}}}, wantField: "models[0].id"},
		{name: "bad window", cfg: Config{Name: "g", Type: TypeGroq, APIKey: "k", RateLimit: RateLimitConfig{Requests: 5, Window: "soon"}}, wantField: "rate_limit.window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.cfg)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("ValidateConfig() error = %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("ValidateConfig() error = %v, want *ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("field = %q, want %q (%v)", ve.Field, tt.wantField, ve)
			}
		})
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := WithDefaults(Config{Name: "a", Type: TypeAnthropic, APIKey: "k"})
	if cfg.BaseURL != "https://api.anthropic.com" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d, want 4096", cfg.MaxTokens)
	}
	if cfg.Temperature == nil || *cfg.Temperature != DefaultTemperature {
		t.Errorf("Temperature = %v", cfg.Temperature)
	}
	if cfg.Retries() != DefaultMaxRetries {
		t.Errorf("Retries() = %d", cfg.Retries())
	}
	if !cfg.Active() || !cfg.DynamicModels() {
		t.Errorf("Active() = %v, DynamicModels() = %v", cfg.Active(), cfg.DynamicModels())
	}

	ollama := WithDefaults(Config{Name: "o", Type: TypeOllama, BaseURL: "http://localhost:11434/"})
	if ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("trailing slash not trimmed: %q", ollama.BaseURL)
	}
	if ollama.Timeout() != 120*time.Second {
		t.Errorf("ollama Timeout() = %v", ollama.Timeout())
	}
	if ollama.MaxTokens != DefaultMaxTokens {
		t.Errorf("ollama MaxTokens = %d", ollama.MaxTokens)
	}

	retries := 0
	explicit := WithDefaults(Config{Name: "g", Type: TypeGroq, APIKey: "k", MaxRetries: &retries, MaxTokens: 50})
	if explicit.Retries() != 0 || explicit.MaxTokens != 50 {
		t.Errorf("explicit values overwritten: retries=%d max_tokens=%d", explicit.Retries(), explicit.MaxTokens)
	}
}

func TestConfig_DynamicModels(t *testing.T) {
	if (Config{Type: TypeBedrock}).DynamicModels() {
		t.Error("bedrock should default to a static catalog")
	}
	if !(Config{Type: TypeMistral}).DynamicModels() {
		t.Error("mistral should default to dynamic models")
	}
	off := false
	if (Config{Type: TypeOpenAI, SupportsDynamicModels: &off}).DynamicModels() {
		t.Error("explicit false ignored")
	}
}

func TestRateLimitConfig_WindowDuration(t *testing.T) {
	if d := (RateLimitConfig{}).WindowDuration(); d != time.Minute {
		t.Errorf("default window = %v", d)
	}
	if d := (RateLimitConfig{Window: "10s"}).WindowDuration(); d != 10*time.Second {
		t.Errorf("window = %v", d)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{Name: "oa", Type: TypeOpenAI, APIKey: "sk"}, "*providers.OpenAIClient"},
		{Config{Name: "an", Type: TypeAnthropic, APIKey: "sk"}, "*providers.AnthropicClient"},
		{Config{Name: "mi", Type: TypeMistral, APIKey: "sk"}, "*providers.CompatClient"},
		{Config{Name: "gr", Type: TypeGroq, APIKey: "sk"}, "*providers.CompatClient"},
		{Config{Name: "ol", Type: TypeOllama, BaseURL: "http://localhost:11434"}, "*providers.CompatClient"},
		{Config{Name: "tg", Type: TypeTogether, APIKey: "sk"}, "*providers.CompatClient"},
		{Config{Name: "ds", Type: TypeDeepSeek, APIKey: "sk"}, "*providers.CompatClient"},
		{Config{Name: "hf", Type: TypeHuggingFace, APIKey: "hf"}, "*providers.HuggingFaceClient"},
	}
	for _, tt := range tests {
		t.Run(string(tt.cfg.Type), func(t *testing.T) {
			c, err := New(tt.cfg)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := typeName(c); got != tt.want {
				t.Errorf("New() = %s, want %s", got, tt.want)
			}
			if c.Name() != tt.cfg.Name || c.Type() != tt.cfg.Type {
				t.Errorf("Name/Type = %q/%q", c.Name(), c.Type())
			}
		})
	}

	if _, err := New(Config{Name: "x", Type: TypeOpenAI}); !IsValidation(err) {
		t.Errorf("New() without key error = %v, want validation error", err)
	}
}

func TestTypesAndRequiredFields(t *testing.T) {
	if got := len(Types()); got != 9 {
		t.Errorf("Types() returned %d types, want 9", got)
	}
	if got := RequiredFields(TypeBedrock); len(got) != 1 || got[0] != "region" {
		t.Errorf("RequiredFields(bedrock) = %v", got)
	}
	if got := RequiredFields("nope"); got != nil {
		t.Errorf("RequiredFields(unknown) = %v", got)
	}
}
