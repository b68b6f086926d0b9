package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMissTTL is how long a model confirmed missing after a sync is
// remembered before another sync may be triggered for it.
const DefaultMissTTL = time.Minute

// Syncer refreshes a provider's models from its live API. The provider
// registry implements it.
type Syncer interface {
	DynamicProviders() []string
	SyncProviderModels(ctx context.Context, providerID string) ([]Model, error)
}

// providerModels is an immutable model-id index for one provider.
type providerModels map[string]Model

// snapshot is the published catalog state. Neither the outer maps nor the
// per-provider maps are mutated after publication.
type snapshot struct {
	synced map[string]providerModels
	static map[string]providerModels
}

// Catalog caches model metadata keyed by (provider, model). Reads are
// lock-free against an atomically published snapshot; writers serialize on
// mu and publish a copy.
type Catalog struct {
	store   Store
	mu      sync.Mutex
	snap    atomic.Pointer[snapshot]
	missMu  sync.Mutex
	misses  map[Key]time.Time
	missTTL time.Duration
	now     func() time.Time
}

// NewCatalog returns an empty catalog backed by store. A nil store uses an
// in-memory one.
func NewCatalog(store Store) *Catalog {
	if store == nil {
		store = NewMemoryStore()
	}
	c := &Catalog{
		store:   store,
		misses:  make(map[Key]time.Time),
		missTTL: DefaultMissTTL,
		now:     time.Now,
	}
	c.snap.Store(&snapshot{
		synced: map[string]providerModels{},
		static: map[string]providerModels{},
	})
	return c
}

// Store returns the persistent store behind the catalog.
func (c *Catalog) Store() Store { return c.store }

// update publishes a copy of the current snapshot after fn edits it. fn may
// replace per-provider maps but must not mutate them.
func (c *Catalog) update(fn func(s *snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.snap.Load()
	next := &snapshot{
		synced: make(map[string]providerModels, len(cur.synced)),
		static: make(map[string]providerModels, len(cur.static)),
	}
	for k, v := range cur.synced {
		next.synced[k] = v
	}
	for k, v := range cur.static {
		next.static[k] = v
	}
	fn(next)
	c.snap.Store(next)
}

func index(list []Model) providerModels {
	out := make(providerModels, len(list))
	for _, m := range list {
		out[m.ModelID] = m
	}
	return out
}

// LoadAll replaces the synced layer with the active models in the store,
// keeping only providers listed in providerIDs.
func (c *Catalog) LoadAll(ctx context.Context, providerIDs []string) error {
	list, err := c.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	known := make(map[string]bool, len(providerIDs))
	for _, id := range providerIDs {
		known[id] = true
	}
	grouped := make(map[string][]Model)
	for _, m := range list {
		if known[m.ProviderID] {
			grouped[m.ProviderID] = append(grouped[m.ProviderID], m)
		}
	}
	c.update(func(s *snapshot) {
		s.synced = make(map[string]providerModels, len(grouped))
		for id, ms := range grouped {
			s.synced[id] = index(ms)
		}
	})
	return nil
}

// SetStatic replaces the statically configured models of a provider.
func (c *Catalog) SetStatic(providerID string, list []Model) {
	list = append([]Model(nil), list...)
	for i := range list {
		list[i].ProviderID = providerID
		list[i].IsActive = true
		list[i].Source = SourceStatic
	}
	c.update(func(s *snapshot) { s.static[providerID] = index(list) })
}

// RemoveProvider drops every cached entry of a provider. Persisted rows are
// left in the store.
func (c *Catalog) RemoveProvider(providerID string) {
	c.update(func(s *snapshot) {
		delete(s.synced, providerID)
		delete(s.static, providerID)
	})
}

// ApplySync reconciles a provider's live model list into the store in one
// transaction and then swaps the provider's synced layer.
func (c *Catalog) ApplySync(ctx context.Context, providerID string, listed []Model) ([]Model, error) {
	now := c.now().UTC()
	listed = append([]Model(nil), listed...)
	for i := range listed {
		listed[i].ProviderID = providerID
		listed[i].IsActive = true
		listed[i].Source = SourceSync
		listed[i].UpdatedAt = now
	}
	current, err := c.store.ReplaceProviderModels(ctx, providerID, listed)
	if err != nil {
		return nil, fmt.Errorf("sync models for %s: %w", providerID, err)
	}
	c.update(func(s *snapshot) { s.synced[providerID] = index(current) })
	return current, nil
}

// layer returns the authoritative models of a provider: the synced set once
// one exists, the static configuration before that.
func (s *snapshot) layer(providerID string) providerModels {
	if synced := s.synced[providerID]; len(synced) > 0 {
		return synced
	}
	return s.static[providerID]
}

func (s *snapshot) providerIDs() []string {
	seen := make(map[string]bool, len(s.synced)+len(s.static))
	for id := range s.synced {
		seen[id] = true
	}
	for id := range s.static {
		seen[id] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Lookup finds modelID among a provider's authoritative models. An empty
// providerID matches the first provider, by id, offering the model.
func (c *Catalog) Lookup(modelID, providerID string) (Model, bool) {
	s := c.snap.Load()
	if providerID != "" {
		m, ok := s.layer(providerID)[modelID]
		return m, ok
	}
	for _, id := range s.providerIDs() {
		if m, ok := s.layer(id)[modelID]; ok {
			return m, true
		}
	}
	return Model{}, false
}

// Resolve is Lookup plus one refresh: on a miss every relevant dynamic
// provider is synced once and the lookup retried exactly once. A miss that
// survives a sync is remembered for missTTL so repeated requests for a
// model that does not exist don't hammer the provider.
func (c *Catalog) Resolve(ctx context.Context, modelID, providerID string, syncer Syncer) (Model, error) {
	if m, ok := c.Lookup(modelID, providerID); ok {
		return m, nil
	}

	var syncErrs []error
	if syncer != nil {
		targets := c.syncTargets(modelID, providerID, syncer.DynamicProviders())
		var synced []string
		for _, p := range targets {
			if _, err := syncer.SyncProviderModels(ctx, p); err != nil {
				syncErrs = append(syncErrs, err)
				continue
			}
			synced = append(synced, p)
		}
		if len(targets) > 0 {
			if m, ok := c.Lookup(modelID, providerID); ok {
				return m, nil
			}
			// Only a successful sync confirms a miss; failed providers are
			// tried again on the next request.
			c.noteMisses(modelID, synced)
		}
	}

	where := ""
	if providerID != "" {
		where = fmt.Sprintf(" on provider %q", providerID)
	}
	if len(syncErrs) > 0 {
		return Model{}, fmt.Errorf("%w: %q%s (sync failed: %v)", ErrNotFound, modelID, where, errors.Join(syncErrs...))
	}
	return Model{}, fmt.Errorf("%w: %q%s", ErrNotFound, modelID, where)
}

func (c *Catalog) syncTargets(modelID, providerID string, dynamic []string) []string {
	c.missMu.Lock()
	defer c.missMu.Unlock()
	now := c.now()
	var out []string
	for _, p := range dynamic {
		if providerID != "" && p != providerID {
			continue
		}
		if at, ok := c.misses[Key{ProviderID: p, ModelID: modelID}]; ok && now.Sub(at) < c.missTTL {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (c *Catalog) noteMisses(modelID string, providers []string) {
	c.missMu.Lock()
	defer c.missMu.Unlock()
	now := c.now()
	for _, p := range providers {
		c.misses[Key{ProviderID: p, ModelID: modelID}] = now
	}
}

// Models returns the active models of a provider, sorted by id. Once a
// provider has been synced its synced layer is authoritative; before that
// its static configuration is returned.
func (c *Catalog) Models(providerID string) []Model {
	layer := c.snap.Load().layer(providerID)
	out := make([]Model, 0, len(layer))
	for _, m := range layer {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Providers returns the ids of every provider with cached entries.
func (c *Catalog) Providers() []string {
	return c.snap.Load().providerIDs()
}
