// Package ratelimit enforces per-provider request windows. Each provider has
// its own fixed window of Limit requests that resets at ResetAt; windows are
// never shared between providers.
//
// Store keeps windows in process. RedisStore keeps them in Redis so several
// gateway instances share one budget per provider.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUnknownKey is returned for keys that were never configured.
var ErrUnknownKey = errors.New("ratelimit: unknown key")

// Status is a snapshot of one window. Limit 0 means unlimited and is
// reported with Remaining -1.
type Status struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Exhausted reports whether the window blocks further requests.
func (s Status) Exhausted() bool { return s.Limit > 0 && s.Remaining <= 0 }

// Unlimited is the status of a key without a limit.
func Unlimited() Status { return Status{Limit: 0, Remaining: -1} }

// Limiter is implemented by Store and RedisStore.
type Limiter interface {
	// Configure sets the limit for key. Calling it again with the same values
	// keeps the current window; new values start a fresh one. limit <= 0
	// makes the key unlimited.
	Configure(key string, limit int, window time.Duration)
	// Status reports the window without consuming from it.
	Status(ctx context.Context, key string) (Status, error)
	// Reserve checks and consumes one request in a single step. ok is false
	// when the window is exhausted; the returned Status then says when it
	// resets.
	Reserve(ctx context.Context, key string) (st Status, ok bool, err error)
}

// Window is a single fixed request window.
type Window struct {
	mu      sync.Mutex
	limit   int
	length  time.Duration
	used    int
	resetAt time.Time
}

// NewWindow creates a window allowing limit requests per length.
func NewWindow(limit int, length time.Duration) *Window {
	return &Window{limit: limit, length: length}
}

// status computes the window as seen at now without rolling it.
func (w *Window) status(now time.Time) Status {
	if w.resetAt.IsZero() || !now.Before(w.resetAt) {
		return Status{Limit: w.limit, Remaining: w.limit, ResetAt: now.Add(w.length)}
	}
	remaining := w.limit - w.used
	if remaining < 0 {
		remaining = 0
	}
	return Status{Limit: w.limit, Remaining: remaining, ResetAt: w.resetAt}
}

// Status reports the window at now.
func (w *Window) Status(now time.Time) Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status(now)
}

// Reserve consumes one request if the window has room at now.
func (w *Window) Reserve(now time.Time) (Status, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.resetAt.IsZero() || !now.Before(w.resetAt) {
		w.used = 0
		w.resetAt = now.Add(w.length)
	}
	if w.used >= w.limit {
		return w.status(now), false
	}
	w.used++
	return w.status(now), true
}

type entry struct {
	limit  int
	length time.Duration
	window *Window // nil when unlimited
}

// Store maintains per-key windows in memory.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

var _ Limiter = (*Store)(nil)

// NewStore creates an empty in-process store.
func NewStore() *Store {
	return NewStoreWithClock(time.Now)
}

// NewStoreWithClock creates a store that reads time from now.
func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{entries: make(map[string]*entry), now: now}
}

// Configure sets or replaces the window for key.
func (s *Store) Configure(key string, limit int, window time.Duration) {
	if limit < 0 {
		limit = 0
	}
	// Fast path: unchanged configuration.
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok && e.limit == limit && e.length == window {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; ok && e.limit == limit && e.length == window {
		return
	}
	e = &entry{limit: limit, length: window}
	if limit > 0 {
		e.window = NewWindow(limit, window)
	}
	s.entries[key] = e
}

// Remove forgets key.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func (s *Store) get(key string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownKey
	}
	return e, nil
}

// Status reports the window for key.
func (s *Store) Status(_ context.Context, key string) (Status, error) {
	e, err := s.get(key)
	if err != nil {
		return Status{}, err
	}
	if e.window == nil {
		return Unlimited(), nil
	}
	return e.window.Status(s.now()), nil
}

// Reserve consumes one request from key's window.
func (s *Store) Reserve(_ context.Context, key string) (Status, bool, error) {
	e, err := s.get(key)
	if err != nil {
		return Status{}, false, err
	}
	if e.window == nil {
		return Unlimited(), true, nil
	}
	st, ok := e.window.Reserve(s.now())
	return st, ok, nil
}
