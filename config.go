package llmgateway

import "github.com/ferro-labs/llm-gateway/providers"

// Config holds the configuration for the LLM gateway.
type Config struct {
	// DefaultProvider names the active provider. When empty the first
	// registered active provider is used.
	DefaultProvider string `json:"default_provider,omitempty" yaml:"default_provider,omitempty"`
	// Providers lists the provider backends to register.
	Providers []providers.Config `json:"providers" yaml:"providers"`
	// RateLimit selects the rate-limit backend. Limits themselves are set
	// per provider.
	RateLimit RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	// Storage configures the catalog, usage and provider stores.
	Storage StorageConfig `json:"storage,omitempty" yaml:"storage,omitempty"`
	// Logging configures the process logger.
	Logging LoggingConfig `json:"logging,omitempty" yaml:"logging,omitempty"`
	// Discovery enables periodic model syncs.
	Discovery DiscoveryConfig `json:"discovery,omitempty" yaml:"discovery,omitempty"`
	// RetryBackoff is the base wait between same-provider retries, e.g. "250ms".
	RetryBackoff string `json:"retry_backoff,omitempty" yaml:"retry_backoff,omitempty"`
}

// Rate-limit backends.
const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

// RateLimitConfig selects where rate-limit windows are kept.
type RateLimitConfig struct {
	Backend  string `json:"backend,omitempty" yaml:"backend,omitempty"`
	RedisURL string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StoreConfig selects a storage driver and its DSN.
type StoreConfig struct {
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// StorageConfig configures each persistent store. Unset drivers keep data
// in memory (usage is then discarded).
type StorageConfig struct {
	Catalog   StoreConfig `json:"catalog,omitempty" yaml:"catalog,omitempty"`
	Usage     StoreConfig `json:"usage,omitempty" yaml:"usage,omitempty"`
	Providers StoreConfig `json:"providers,omitempty" yaml:"providers,omitempty"`

	// UsageBuffer, when positive, queues up to that many usage records and
	// writes them in the background instead of on the request path.
	UsageBuffer int `json:"usage_buffer,omitempty" yaml:"usage_buffer,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// DiscoveryConfig enables periodic model discovery when Interval is set.
type DiscoveryConfig struct {
	Interval string `json:"interval,omitempty" yaml:"interval,omitempty"`
}
