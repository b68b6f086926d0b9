package models

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists catalog entries. ReplaceProviderModels must be atomic:
// either every stale model of the provider is marked inactive and every
// current one upserted, or nothing changes.
type Store interface {
	ListActive(ctx context.Context) ([]Model, error)
	List(ctx context.Context, providerID string) ([]Model, error)
	ReplaceProviderModels(ctx context.Context, providerID string, current []Model) ([]Model, error)
	Close() error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	models map[Key]Model
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{models: make(map[Key]Model)}
}

func sortModels(list []Model) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].ProviderID != list[j].ProviderID {
			return list[i].ProviderID < list[j].ProviderID
		}
		return list[i].ModelID < list[j].ModelID
	})
}

// ListActive returns every active model.
func (s *MemoryStore) ListActive(_ context.Context) ([]Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Model
	for _, m := range s.models {
		if m.IsActive {
			out = append(out, m)
		}
	}
	sortModels(out)
	return out, nil
}

// List returns every model of a provider, active or not.
func (s *MemoryStore) List(_ context.Context, providerID string) ([]Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Model
	for k, m := range s.models {
		if k.ProviderID == providerID {
			out = append(out, m)
		}
	}
	sortModels(out)
	return out, nil
}

// ReplaceProviderModels marks the provider's stale models inactive and
// upserts current under a single lock.
func (s *MemoryStore) ReplaceProviderModels(_ context.Context, providerID string, current []Model) ([]Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	keep := make(map[string]bool, len(current))
	for _, m := range current {
		keep[m.ModelID] = true
	}
	for k, m := range s.models {
		if k.ProviderID == providerID && !keep[k.ModelID] && m.IsActive {
			m.IsActive = false
			m.UpdatedAt = now
			s.models[k] = m
		}
	}
	out := make([]Model, 0, len(current))
	for _, m := range current {
		m.ProviderID = providerID
		m.IsActive = true
		s.models[m.Key()] = m
		out = append(out, m)
	}
	sortModels(out)
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
