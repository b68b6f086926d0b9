package llmgateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ferro-labs/llm-gateway/internal/configstore"
	"github.com/ferro-labs/llm-gateway/internal/logging"
	"github.com/ferro-labs/llm-gateway/models"
	"github.com/ferro-labs/llm-gateway/ratelimit"
	"github.com/ferro-labs/llm-gateway/usage"
)

// OpenCatalogStore opens the model catalog store described by sc.
func OpenCatalogStore(sc StoreConfig) (models.Store, error) {
	switch sc.Driver {
	case "", DriverMemory:
		return models.NewMemoryStore(), nil
	case DriverSQLite:
		return models.NewSQLiteStore(sc.DSN)
	case DriverPostgres:
		return models.NewPostgresStore(sc.DSN)
	default:
		return nil, fmt.Errorf("unknown catalog store driver %q", sc.Driver)
	}
}

// OpenUsageWriter opens the usage writer described by sc. An unset driver
// discards records.
func OpenUsageWriter(sc StoreConfig) (usage.Writer, error) {
	switch sc.Driver {
	case "":
		return usage.NoopWriter{}, nil
	case DriverMemory:
		return usage.NewMemoryWriter(), nil
	case DriverSQLite:
		return usage.NewSQLiteWriter(sc.DSN)
	case DriverPostgres:
		return usage.NewPostgresWriter(sc.DSN)
	default:
		return nil, fmt.Errorf("unknown usage store driver %q", sc.Driver)
	}
}

// NewFromConfig builds a Gateway and every store, limiter and provider cfg
// describes. Providers held in the persistent provider store are applied
// after the file's providers, so runtime edits survive restarts. opts are
// applied last and override anything derived from cfg.
func NewFromConfig(ctx context.Context, cfg Config, opts ...Option) (gw *Gateway, err error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// closers are handed to the gateway; cleanup additionally holds the
	// usage writer, which the gateway's tracker closes.
	var closers, cleanup []io.Closer
	defer func() {
		if err != nil {
			for _, c := range cleanup {
				_ = c.Close()
			}
		}
	}()

	var base []Option
	if cfg.Logging.Level != "" || cfg.Logging.Format != "" {
		base = append(base, WithLogger(logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)))
	}
	if cfg.RetryBackoff != "" {
		d, _ := time.ParseDuration(cfg.RetryBackoff)
		base = append(base, WithRetryBackoff(d))
	}

	catalogStore, err := OpenCatalogStore(cfg.Storage.Catalog)
	if err != nil {
		return nil, fmt.Errorf("open catalog store: %w", err)
	}
	closers = append(closers, catalogStore)
	cleanup = append(cleanup, catalogStore)

	writer, err := OpenUsageWriter(cfg.Storage.Usage)
	if err != nil {
		return nil, fmt.Errorf("open usage writer: %w", err)
	}
	if _, noop := writer.(usage.NoopWriter); !noop && cfg.Storage.UsageBuffer > 0 {
		writer = usage.NewAsyncWriter(writer, cfg.Storage.UsageBuffer, nil)
	}
	if c, ok := writer.(io.Closer); ok {
		cleanup = append(cleanup, c)
	}
	base = append(base, WithUsageWriter(writer))

	if cfg.Storage.Providers.Driver != "" {
		store, err := configstore.Open(cfg.Storage.Providers.Driver, cfg.Storage.Providers.DSN)
		if err != nil {
			return nil, fmt.Errorf("open provider store: %w", err)
		}
		closers = append(closers, store)
		cleanup = append(cleanup, store)
		base = append(base, WithProviderStore(store))
	}

	if cfg.RateLimit.Backend == RateLimitBackendRedis {
		rs, err := ratelimit.DialRedisStore(ctx, cfg.RateLimit.RedisURL, cfg.RateLimit.Prefix)
		if err != nil {
			return nil, fmt.Errorf("open rate limiter: %w", err)
		}
		closers = append(closers, rs)
		cleanup = append(cleanup, rs)
		base = append(base, WithLimiter(rs))
	}

	base = append(base, withClosers(closers...))
	gw = New(nil, models.NewCatalog(catalogStore), append(base, opts...)...)
	if rs, ok := gw.limiter.(*ratelimit.RedisStore); ok {
		rs.SetLogger(gw.log)
	}
	if aw, ok := writer.(*usage.AsyncWriter); ok {
		aw.SetLogger(gw.log)
	}

	for _, p := range cfg.Providers {
		gw.registry.RegisterProvider(p.Name, p)
	}
	if err := gw.Reload(ctx); err != nil {
		return nil, err
	}
	if cfg.DefaultProvider != "" && !gw.registry.SetActiveProvider(cfg.DefaultProvider) {
		gw.log.Warn("default provider unavailable", "provider", cfg.DefaultProvider, "active", gw.registry.ActiveProvider())
	}
	if len(gw.registry.Names()) == 0 {
		return nil, errors.New("no provider could be registered")
	}

	if cfg.Discovery.Interval != "" {
		if d, _ := time.ParseDuration(cfg.Discovery.Interval); d > 0 {
			if err := gw.StartDiscovery(context.WithoutCancel(ctx), d); err != nil {
				return nil, err
			}
		}
	}
	return gw, nil
}
