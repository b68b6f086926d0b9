package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// reserveScript checks and increments a window counter in one round trip.
// KEYS[1] counter, ARGV[1] window in ms, ARGV[2] limit.
// Returns {used, pttl, allowed}.
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
if used >= tonumber(ARGV[2]) then
	local ttl = redis.call('PTTL', KEYS[1])
	return {used, ttl, 0}
end
used = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {used, ttl, 1}
`)

const resetTimeout = 2 * time.Second

// RedisStore keeps windows in Redis as expiring counters, so every gateway
// instance pointed at the same Redis shares one budget per provider.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
	log    *slog.Logger

	mu      sync.RWMutex
	configs map[string]entry
}

var _ Limiter = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. Keys are stored as prefix+key.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "llmgw:ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now, log: slog.Default(), configs: make(map[string]entry)}
}

// SetLogger replaces the logger used for background failures. Call it
// before the store is shared.
func (s *RedisStore) SetLogger(log *slog.Logger) {
	if log != nil {
		s.log = log
	}
}

// DialRedisStore connects to redisURL and verifies the connection. An empty
// prefix uses the default key prefix.
func DialRedisStore(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(client, prefix), nil
}

// Configure records the limit for key. A changed configuration clears the
// shared counter so the new window starts fresh.
func (s *RedisStore) Configure(key string, limit int, window time.Duration) {
	if limit < 0 {
		limit = 0
	}
	s.mu.RLock()
	cur, ok := s.configs[key]
	s.mu.RUnlock()
	if ok && cur.limit == limit && cur.length == window {
		return
	}
	s.mu.Lock()
	s.configs[key] = entry{limit: limit, length: window}
	s.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		s.log.Warn("rate limit reset failed", "key", key, "limit", limit, "window", window, "error", err)
	}
}

func (s *RedisStore) config(key string) (entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[key]
	if !ok {
		return entry{}, ErrUnknownKey
	}
	return cfg, nil
}

// Status reads the counter and its TTL without consuming.
func (s *RedisStore) Status(ctx context.Context, key string) (Status, error) {
	cfg, err := s.config(key)
	if err != nil {
		return Status{}, err
	}
	if cfg.limit == 0 {
		return Unlimited(), nil
	}

	var get *redis.StringCmd
	var ttl *redis.DurationCmd
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		get = p.Get(ctx, s.prefix+key)
		ttl = p.PTTL(ctx, s.prefix+key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Status{}, fmt.Errorf("read rate limit window: %w", err)
	}

	now := s.now()
	used, err := get.Int()
	if errors.Is(err, redis.Nil) {
		return Status{Limit: cfg.limit, Remaining: cfg.limit, ResetAt: now.Add(cfg.length)}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("read rate limit counter: %w", err)
	}
	return s.status(cfg, used, ttl.Val(), now), nil
}

// Reserve runs the check-and-increment script.
func (s *RedisStore) Reserve(ctx context.Context, key string) (Status, bool, error) {
	cfg, err := s.config(key)
	if err != nil {
		return Status{}, false, err
	}
	if cfg.limit == 0 {
		return Unlimited(), true, nil
	}

	res, err := reserveScript.Run(ctx, s.client, []string{s.prefix + key}, cfg.length.Milliseconds(), cfg.limit).Slice()
	if err != nil {
		return Status{}, false, fmt.Errorf("reserve rate limit slot: %w", err)
	}
	if len(res) != 3 {
		return Status{}, false, fmt.Errorf("reserve rate limit slot: unexpected reply %v", res)
	}
	used, _ := res[0].(int64)
	ttlMs, _ := res[1].(int64)
	allowed, _ := res[2].(int64)
	return s.status(cfg, int(used), time.Duration(ttlMs)*time.Millisecond, s.now()), allowed == 1, nil
}

func (s *RedisStore) status(cfg entry, used int, ttl time.Duration, now time.Time) Status {
	if ttl <= 0 {
		ttl = cfg.length
	}
	remaining := cfg.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Status{Limit: cfg.limit, Remaining: remaining, ResetAt: now.Add(ttl)}
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
