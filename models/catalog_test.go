package models

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeSyncer serves fixed model lists and counts sync calls per provider.
type fakeSyncer struct {
	catalog *Catalog
	dynamic []string
	listed  map[string][]Model
	err     error

	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeSyncer) DynamicProviders() []string { return f.dynamic }

func (f *fakeSyncer) SyncProviderModels(ctx context.Context, providerID string) ([]Model, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[providerID]++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.catalog.ApplySync(ctx, providerID, f.listed[providerID])
}

func (f *fakeSyncer) callCount(providerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[providerID]
}

func TestCatalog_StaticLookup(t *testing.T) {
	c := NewCatalog(nil)
	c.SetStatic("b", []Model{{ModelID: "shared", IsChatModel: true}})
	c.SetStatic("a", []Model{{ModelID: "shared", IsChatModel: true}, {ModelID: "only-a", IsChatModel: true}})

	m, ok := c.Lookup("only-a", "a")
	if !ok || m.ProviderID != "a" || m.Source != SourceStatic || !m.IsActive {
		t.Fatalf("Lookup(only-a, a) = %+v, %v", m, ok)
	}
	if _, ok := c.Lookup("only-a", "b"); ok {
		t.Error("Lookup(only-a, b) matched the wrong provider")
	}
	if m, ok := c.Lookup("shared", ""); !ok || m.ProviderID != "a" {
		t.Errorf("provider-agnostic Lookup(shared) = %+v, %v; want provider a", m, ok)
	}
	if got := c.Providers(); len(got) != 2 || got[0] != "a" {
		t.Errorf("Providers() = %v", got)
	}
}

func TestCatalog_SetStaticCopiesInput(t *testing.T) {
	c := NewCatalog(nil)
	list := []Model{{ModelID: "m"}}
	c.SetStatic("p", list)
	if list[0].ProviderID != "" {
		t.Error("SetStatic mutated the caller's slice")
	}
}

func TestCatalog_ApplySyncReplacesLayer(t *testing.T) {
	ctx := context.Background()
	c := NewCatalog(nil)
	c.SetStatic("p", []Model{{ModelID: "configured", IsChatModel: true}})

	if _, err := c.ApplySync(ctx, "p", []Model{{ModelID: "m1"}, {ModelID: "m2"}}); err != nil {
		t.Fatalf("ApplySync() error = %v", err)
	}
	if _, ok := c.Lookup("configured", "p"); ok {
		t.Error("static entry still resolvable once the provider has a synced catalog")
	}
	if m, ok := c.Lookup("m2", "p"); !ok || m.Source != SourceSync {
		t.Errorf("Lookup(m2) = %+v, %v", m, ok)
	}

	if _, err := c.ApplySync(ctx, "p", []Model{{ModelID: "m2"}, {ModelID: "m3"}}); err != nil {
		t.Fatalf("ApplySync() error = %v", err)
	}
	if _, ok := c.Lookup("m1", "p"); ok {
		t.Error("m1 still resolvable after it was dropped upstream")
	}
	got := c.Models("p")
	if len(got) != 2 || got[0].ModelID != "m2" || got[1].ModelID != "m3" {
		t.Errorf("Models(p) = %+v", got)
	}

	stored, _ := c.Store().List(ctx, "p")
	if len(stored) != 3 {
		t.Fatalf("store has %d rows, want 3", len(stored))
	}
	for _, m := range stored {
		if want := m.ModelID != "m1"; m.IsActive != want {
			t.Errorf("%s IsActive = %v, want %v", m.ModelID, m.IsActive, want)
		}
	}
}

func TestCatalog_ResolveSyncsOnMiss(t *testing.T) {
	c := NewCatalog(nil)
	s := &fakeSyncer{
		catalog: c,
		dynamic: []string{"live"},
		listed:  map[string][]Model{"live": {{ModelID: "new-model", IsChatModel: true}}},
	}

	m, err := c.Resolve(context.Background(), "new-model", "", s)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if m.ProviderID != "live" {
		t.Errorf("resolved provider = %q", m.ProviderID)
	}
	if s.callCount("live") != 1 {
		t.Errorf("sync calls = %d, want 1", s.callCount("live"))
	}

	if _, err := c.Resolve(context.Background(), "new-model", "live", s); err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}
	if s.callCount("live") != 1 {
		t.Error("cache hit triggered another sync")
	}
}

func TestCatalog_ResolveMissIsRemembered(t *testing.T) {
	c := NewCatalog(nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	s := &fakeSyncer{catalog: c, dynamic: []string{"live"}, listed: map[string][]Model{"live": {{ModelID: "other"}}}}

	_, err := c.Resolve(context.Background(), "ghost", "live", s)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve() error = %v, want ErrNotFound", err)
	}
	if _, err := c.Resolve(context.Background(), "ghost", "live", s); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Resolve() error = %v", err)
	}
	if s.callCount("live") != 1 {
		t.Errorf("sync calls = %d, want 1 within the miss TTL", s.callCount("live"))
	}

	now = now.Add(DefaultMissTTL + time.Second)
	_, _ = c.Resolve(context.Background(), "ghost", "live", s)
	if s.callCount("live") != 2 {
		t.Errorf("sync calls = %d, want 2 after the miss TTL", s.callCount("live"))
	}
}

func TestCatalog_ResolveReportsSyncFailure(t *testing.T) {
	c := NewCatalog(nil)
	s := &fakeSyncer{catalog: c, dynamic: []string{"live"}, err: errors.New("upstream 503")}

	_, err := c.Resolve(context.Background(), "m", "", s)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve() error = %v, want ErrNotFound", err)
	}
	if got := err.Error(); !strings.Contains(got, "upstream 503") {
		t.Errorf("error %q does not mention the sync failure", got)
	}
}

func TestCatalog_ResolveRetriesAfterFailedSync(t *testing.T) {
	c := NewCatalog(nil)
	s := &fakeSyncer{
		catalog: c,
		dynamic: []string{"live", "other"},
		listed:  map[string][]Model{"live": {{ModelID: "m"}}, "other": {{ModelID: "x"}}},
		err:     errors.New("upstream 503"),
	}

	if _, err := c.Resolve(context.Background(), "m", "live", s); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve() during outage error = %v, want ErrNotFound", err)
	}

	s.err = nil
	m, err := c.Resolve(context.Background(), "m", "live", s)
	if err != nil {
		t.Fatalf("Resolve() after recovery error = %v", err)
	}
	if m.ProviderID != "live" || m.ModelID != "m" {
		t.Errorf("Resolve() = %+v, want live/m", m)
	}
	if s.callCount("live") != 2 {
		t.Errorf("sync calls = %d, want 2 (failed sync must not be cached as a miss)", s.callCount("live"))
	}
}

func TestCatalog_ResolveCachesOnlySuccessfulSyncs(t *testing.T) {
	c := NewCatalog(nil)
	s := &failingSyncer{fakeSyncer: fakeSyncer{
		catalog: c,
		dynamic: []string{"down", "up"},
		listed:  map[string][]Model{"up": {{ModelID: "other"}}},
	}, failing: "down"}

	for i := 0; i < 2; i++ {
		if _, err := c.Resolve(context.Background(), "ghost", "", s); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Resolve() #%d error = %v, want ErrNotFound", i, err)
		}
	}
	if got := s.callCount("up"); got != 1 {
		t.Errorf("up sync calls = %d, want 1 (confirmed miss is remembered)", got)
	}
	if got := s.callCount("down"); got != 2 {
		t.Errorf("down sync calls = %d, want 2 (failed sync is retried)", got)
	}
}

// failingSyncer fails syncs of one provider and delegates the rest.
type failingSyncer struct {
	fakeSyncer
	failing string
}

func (f *failingSyncer) SyncProviderModels(ctx context.Context, providerID string) ([]Model, error) {
	if providerID == f.failing {
		f.mu.Lock()
		if f.calls == nil {
			f.calls = map[string]int{}
		}
		f.calls[providerID]++
		f.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	return f.fakeSyncer.SyncProviderModels(ctx, providerID)
}

func TestCatalog_ResolveStaticProviderNeverSyncs(t *testing.T) {
	c := NewCatalog(nil)
	c.SetStatic("fixed", []Model{{ModelID: "m"}})
	s := &fakeSyncer{catalog: c, dynamic: []string{"live"}}

	if _, err := c.Resolve(context.Background(), "x", "fixed", s); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve() error = %v", err)
	}
	if s.callCount("live") != 0 || s.callCount("fixed") != 0 {
		t.Error("pinned lookup on a static provider triggered a sync")
	}
}

func TestCatalog_LoadAllFiltersUnknownProviders(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, _ = store.ReplaceProviderModels(ctx, "kept", []Model{{ModelID: "a"}})
	_, _ = store.ReplaceProviderModels(ctx, "gone", []Model{{ModelID: "b"}})

	c := NewCatalog(store)
	if err := c.LoadAll(ctx, []string{"kept"}); err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if _, ok := c.Lookup("a", "kept"); !ok {
		t.Error("persisted model of a registered provider not loaded")
	}
	if _, ok := c.Lookup("b", ""); ok {
		t.Error("model of an unregistered provider loaded")
	}
}

func TestCatalog_RemoveProvider(t *testing.T) {
	c := NewCatalog(nil)
	c.SetStatic("p", []Model{{ModelID: "m"}})
	_, _ = c.ApplySync(context.Background(), "p", []Model{{ModelID: "n"}})
	c.RemoveProvider("p")
	if len(c.Models("p")) != 0 || len(c.Providers()) != 0 {
		t.Error("provider entries survived RemoveProvider")
	}
}

func TestCatalog_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	c := NewCatalog(nil)
	ctx := context.Background()
	_, _ = c.ApplySync(ctx, "p", []Model{{ModelID: "a"}, {ModelID: "b"}})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if n := len(c.Models("p")); n != 2 {
					t.Errorf("observed partial catalog of %d models", n)
					return
				}
			}
		}()
	}
	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			_, _ = c.ApplySync(ctx, "p", []Model{{ModelID: "c"}, {ModelID: "d"}})
		} else {
			_, _ = c.ApplySync(ctx, "p", []Model{{ModelID: "a"}, {ModelID: "b"}})
		}
	}
	close(stop)
	wg.Wait()
}
