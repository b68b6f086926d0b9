package llmgateway

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/llm-gateway/providers"
)

//go:embed config.schema.json
var configSchemaSource string

const configSchemaURL = "config.schema.json"

var configSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(configSchemaURL, strings.NewReader(configSchemaSource)); err != nil {
		return nil, err
	}
	return c.Compile(configSchemaURL)
})

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with the environment value. Bare $VAR
// is left alone so secrets containing '$' survive.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml). ${VAR} references
// are expanded from the environment and the document is checked against
// the embedded JSON schema before decoding.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data, filepath.Ext(path))
}

// ParseConfig parses a config document. ext selects the format as in
// LoadConfig.
func ParseConfig(data []byte, ext string) (*Config, error) {
	data = expandEnv(data)

	var doc []byte
	switch ext = strings.ToLower(ext); ext {
	case ".yaml", ".yml":
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
		out, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
		doc = out
	case ".json":
		doc = data
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parsing JSON config: %w", err)
	}
	schema, err := configSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling config schema: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("config does not match schema: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// ValidateConfig checks a Config for correctness. Per-provider credential
// checks are left to registration, which skips a misconfigured provider
// instead of failing the whole gateway.
func ValidateConfig(cfg Config) error {
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}

	known := make(map[providers.Type]bool)
	for _, t := range providers.Types() {
		known[t] = true
	}
	seen := make(map[string]bool, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("provider %d has no name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
		if !known[p.Type] {
			return fmt.Errorf("provider %q has unknown type %q", p.Name, p.Type)
		}
		if w := p.RateLimit.Window; w != "" {
			if d, err := time.ParseDuration(w); err != nil || d <= 0 {
				return fmt.Errorf("provider %q has invalid rate_limit.window %q", p.Name, w)
			}
		}
	}
	if cfg.DefaultProvider != "" && !seen[cfg.DefaultProvider] {
		return fmt.Errorf("default_provider %q is not configured", cfg.DefaultProvider)
	}

	switch cfg.RateLimit.Backend {
	case "", RateLimitBackendMemory:
	case RateLimitBackendRedis:
		if cfg.RateLimit.RedisURL == "" {
			return fmt.Errorf("rate_limit.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown rate_limit.backend %q", cfg.RateLimit.Backend)
	}

	for name, sc := range map[string]StoreConfig{
		"catalog":   cfg.Storage.Catalog,
		"usage":     cfg.Storage.Usage,
		"providers": cfg.Storage.Providers,
	} {
		switch sc.Driver {
		case "", DriverMemory, DriverSQLite:
		case DriverPostgres:
			if sc.DSN == "" {
				return fmt.Errorf("storage.%s.dsn is required for postgres", name)
			}
		default:
			return fmt.Errorf("storage.%s has unknown driver %q", name, sc.Driver)
		}
	}

	if cfg.Storage.UsageBuffer < 0 {
		return fmt.Errorf("storage.usage_buffer must not be negative, got %d", cfg.Storage.UsageBuffer)
	}

	for field, v := range map[string]string{
		"discovery.interval": cfg.Discovery.Interval,
		"retry_backoff":      cfg.RetryBackoff,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d < 0 {
			return fmt.Errorf("invalid %s %q", field, v)
		}
	}
	return nil
}
