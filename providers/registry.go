package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ferro-labs/llm-gateway/models"
)

// Entry is a registered provider: its defaulted config and the client built
// from it. Entries are immutable; a config update publishes a new Entry.
type Entry struct {
	Config       Config
	Client       Client
	RegisteredAt time.Time
}

// Name returns the provider name.
func (e *Entry) Name() string { return e.Config.Name }

// Provider is the read-only view of a registered provider.
type Provider struct {
	Name                  string `json:"name"`
	Type                  Type   `json:"type"`
	Priority              int    `json:"priority"`
	IsActive              bool   `json:"is_active"`
	SupportsDynamicModels bool   `json:"supports_dynamic_models"`
	IsDefault             bool   `json:"is_default"`
	DefaultModel          string `json:"default_model,omitempty"`
	EmbeddingModel        string `json:"embedding_model,omitempty"`
}

type registryState struct {
	entries map[string]*Entry
	active  string
}

// Registry owns the configured provider clients. Lookups read an atomically
// published state and never block; mutations serialize on mu and publish a
// fresh copy, so an in-flight request keeps the Entry it resolved.
type Registry struct {
	mu      sync.Mutex
	state   atomic.Pointer[registryState]
	catalog *models.Catalog
	log     *slog.Logger
	build   func(Config) (Client, error)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCatalog connects the registry to the model catalog so static models
// are published on registration and syncs have somewhere to land.
func WithCatalog(c *models.Catalog) RegistryOption {
	return func(r *Registry) { r.catalog = c }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// WithBuilder overrides client construction. The builder receives a
// validated, defaulted config.
func WithBuilder(fn func(Config) (Client, error)) RegistryOption {
	return func(r *Registry) { r.build = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{log: slog.Default(), build: buildFromTable}
	for _, opt := range opts {
		opt(r)
	}
	r.state.Store(&registryState{entries: map[string]*Entry{}})
	return r
}

func buildFromTable(cfg Config) (Client, error) {
	spec, ok := typeSpecs[cfg.Type]
	if !ok {
		return nil, Validationf("type", "unknown provider type %q", cfg.Type)
	}
	return spec.build(cfg)
}

// mutate publishes a copy of the state edited by fn. Nothing is published
// when fn returns false.
func (r *Registry) mutate(fn func(s *registryState) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.state.Load()
	next := &registryState{entries: make(map[string]*Entry, len(cur.entries)), active: cur.active}
	for k, v := range cur.entries {
		next.entries[k] = v
	}
	if !fn(next) {
		return false
	}
	r.state.Store(next)
	return true
}

func (r *Registry) construct(cfg Config) (Config, Client, error) {
	if err := ValidateConfig(cfg); err != nil {
		return cfg, nil, err
	}
	cfg = WithDefaults(cfg)
	client, err := r.build(cfg)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, client, nil
}

// RegisterProvider validates cfg, builds its client and stores it under
// name. It returns false and logs the cause instead of failing hard, so a
// gateway can run with a partial set of working providers. The first
// registered provider becomes the active one.
func (r *Registry) RegisterProvider(name string, cfg Config) bool {
	cfg.Name = name
	cfg, client, err := r.construct(cfg)
	if err != nil {
		r.log.Error("provider registration failed", "provider", name, "type", cfg.Type, "error", err)
		return false
	}
	r.publish(cfg, client)
	r.log.Info("provider registered", "provider", name, "type", cfg.Type, "priority", cfg.Priority)
	return true
}

// RegisterClient stores a prebuilt client. cfg supplies routing metadata
// (priority, models, rate limit); its name defaults to the client's.
func (r *Registry) RegisterClient(cfg Config, client Client) bool {
	if client == nil {
		r.log.Error("provider registration failed", "provider", cfg.Name, "error", "nil client")
		return false
	}
	if cfg.Name == "" {
		cfg.Name = client.Name()
	}
	if cfg.Type == "" {
		cfg.Type = client.Type()
	}
	r.publish(WithDefaults(cfg), client)
	r.log.Info("provider registered", "provider", cfg.Name, "type", cfg.Type, "priority", cfg.Priority)
	return true
}

// publish swaps in the entry. Catalog changes happen inside mutate so they
// are ordered with the registry change they belong to.
func (r *Registry) publish(cfg Config, client Client) {
	entry := &Entry{Config: cfg, Client: client, RegisteredAt: time.Now()}
	r.mutate(func(s *registryState) bool {
		s.entries[cfg.Name] = entry
		if s.active == "" && cfg.Active() {
			s.active = cfg.Name
		}
		r.setStatic(cfg)
		return true
	})
}

func (r *Registry) setStatic(cfg Config) {
	if r.catalog != nil {
		r.catalog.SetStatic(cfg.Name, staticModels(cfg))
	}
}

// staticModels lists the configured models plus the default chat and
// embedding models.
func staticModels(cfg Config) []models.Model {
	seen := make(map[string]bool)
	var out []models.Model
	for _, mc := range cfg.Models {
		seen[mc.ID] = true
		out = append(out, models.Model{
			ModelID:          mc.ID,
			ContextLength:    mc.ContextLength,
			MaxTokens:        mc.MaxTokens,
			IsChatModel:      !mc.Embedding,
			IsEmbeddingModel: mc.Embedding,
			IsDefault:        mc.Default || mc.ID == cfg.DefaultModel || mc.ID == cfg.EmbeddingModel,
		})
	}
	if cfg.DefaultModel != "" && !seen[cfg.DefaultModel] {
		seen[cfg.DefaultModel] = true
		out = append(out, models.Model{ModelID: cfg.DefaultModel, MaxTokens: cfg.MaxTokens, IsChatModel: true, IsDefault: true})
	}
	if cfg.EmbeddingModel != "" && !seen[cfg.EmbeddingModel] {
		out = append(out, models.Model{ModelID: cfg.EmbeddingModel, IsEmbeddingModel: true, IsDefault: true})
	}
	return out
}

// Lookup returns the entry registered under name, or the active provider's
// entry when name is empty.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	s := r.state.Load()
	if name == "" {
		name = s.active
	}
	e, ok := s.entries[name]
	return e, ok
}

// GetProvider returns the client registered under name, falling back to the
// active provider when name is empty. It returns nil when nothing matches.
func (r *Registry) GetProvider(name string) Client {
	e, ok := r.Lookup(name)
	if !ok {
		return nil
	}
	return e.Client
}

// ActiveProvider returns the name of the active/default provider.
func (r *Registry) ActiveProvider() string { return r.state.Load().active }

// SetActiveProvider makes name the default provider. It fails for unknown
// or disabled providers.
func (r *Registry) SetActiveProvider(name string) bool {
	ok := r.mutate(func(s *registryState) bool {
		e, found := s.entries[name]
		if !found || !e.Config.Active() {
			return false
		}
		s.active = name
		return true
	})
	if !ok {
		r.log.Warn("set active provider failed", "provider", name)
	}
	return ok
}

// RemoveProvider unregisters name and drops its catalog entries. Removing
// the active provider is rejected.
func (r *Registry) RemoveProvider(name string) bool {
	ok := r.mutate(func(s *registryState) bool {
		if _, found := s.entries[name]; !found || s.active == name {
			return false
		}
		delete(s.entries, name)
		if r.catalog != nil {
			r.catalog.RemoveProvider(name)
		}
		return true
	})
	if !ok {
		r.log.Warn("remove provider rejected", "provider", name, "active", r.ActiveProvider())
		return false
	}
	r.log.Info("provider removed", "provider", name)
	return true
}

// UpdateProviderConfig revalidates cfg, builds a new client and swaps it in
// atomically. The previous client is left untouched for requests already
// holding it.
func (r *Registry) UpdateProviderConfig(name string, cfg Config) bool {
	if _, ok := r.Lookup(name); !ok || name == "" {
		r.log.Warn("provider update rejected", "provider", name, "error", "not registered")
		return false
	}
	cfg.Name = name
	cfg, client, err := r.construct(cfg)
	if err != nil {
		r.log.Error("provider update failed", "provider", name, "error", err)
		return false
	}
	entry := &Entry{Config: cfg, Client: client, RegisteredAt: time.Now()}
	ok := r.mutate(func(s *registryState) bool {
		if _, found := s.entries[name]; !found {
			return false
		}
		s.entries[name] = entry
		if s.active == name && !cfg.Active() {
			s.active = ""
		}
		r.setStatic(cfg)
		return true
	})
	if ok {
		r.log.Info("provider updated", "provider", name, "type", cfg.Type)
	}
	return ok
}

// Entries returns every registered entry ordered by priority (lower first)
// and then name.
func (r *Registry) Entries() []*Entry {
	s := r.state.Load()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Config.Priority != out[j].Config.Priority {
			return out[i].Config.Priority < out[j].Config.Priority
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	s := r.state.Load()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Providers returns the read-only view of every registered provider in
// priority order.
func (r *Registry) Providers() []Provider {
	active := r.ActiveProvider()
	entries := r.Entries()
	out := make([]Provider, 0, len(entries))
	for _, e := range entries {
		out = append(out, Provider{
			Name:                  e.Name(),
			Type:                  e.Config.Type,
			Priority:              e.Config.Priority,
			IsActive:              e.Config.Active(),
			SupportsDynamicModels: e.Config.DynamicModels(),
			IsDefault:             e.Name() == active,
			DefaultModel:          e.Config.DefaultModel,
			EmbeddingModel:        e.Config.EmbeddingModel,
		})
	}
	return out
}

// DynamicProviders returns the active providers whose catalogs can be
// synced live.
func (r *Registry) DynamicProviders() []string {
	var out []string
	for _, e := range r.Entries() {
		if !e.Config.Active() || !e.Config.DynamicModels() {
			continue
		}
		if _, ok := e.Client.(ModelLister); ok {
			out = append(out, e.Name())
		}
	}
	return out
}

// TestAllConnections runs TestConnection on every provider concurrently. A
// failing or panicking test only marks its own provider false.
func (r *Registry) TestAllConnections(ctx context.Context) map[string]bool {
	entries := r.Entries()
	results := make(map[string]bool, len(entries))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			ok := r.testOne(ctx, e)
			mu.Lock()
			results[e.Name()] = ok
			mu.Unlock()
		}(e)
	}
	wg.Wait()
	return results
}

func (r *Registry) testOne(ctx context.Context, e *Entry) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("connection test panicked", "provider", e.Name(), "panic", fmt.Sprint(p))
			ok = false
		}
	}()
	ok = e.Client.TestConnection(ctx)
	if !ok {
		r.log.Warn("connection test failed", "provider", e.Name())
	}
	return ok
}

// SyncProviderModels lists the provider's live models and reconciles them
// into the catalog in one store transaction: stale entries are marked
// inactive and current ones upserted.
func (r *Registry) SyncProviderModels(ctx context.Context, name string) ([]models.Model, error) {
	e, ok := r.Lookup(name)
	if !ok || name == "" {
		return nil, Validationf("provider", "unknown provider %q", name)
	}
	lister, canList := e.Client.(ModelLister)
	if !e.Config.DynamicModels() || !canList {
		return nil, Validationf("provider", "provider %q does not support dynamic models", name)
	}
	if r.catalog == nil {
		return nil, fmt.Errorf("sync %s: registry has no catalog", name)
	}

	infos, err := lister.ListModels(ctx)
	if err != nil {
		r.log.Warn("model sync failed", "provider", name, "error", err)
		return nil, err
	}
	list := make([]models.Model, 0, len(infos))
	for _, info := range infos {
		list = append(list, models.Model{
			ModelID:          info.ID,
			ContextLength:    info.ContextLength,
			MaxTokens:        info.MaxTokens,
			IsChatModel:      info.Chat,
			IsEmbeddingModel: info.Embedding,
			IsDefault:        info.ID == e.Config.DefaultModel || info.ID == e.Config.EmbeddingModel,
		})
	}
	current, err := r.catalog.ApplySync(ctx, name, list)
	if err != nil {
		r.log.Error("model sync failed", "provider", name, "error", err)
		return nil, err
	}
	// The provider may have been removed while the list call was in flight.
	if _, still := r.Lookup(name); !still {
		r.catalog.RemoveProvider(name)
		return nil, Validationf("provider", "provider %q was removed during sync", name)
	}
	r.log.Info("model sync completed", "provider", name, "models", len(current))
	return current, nil
}
