// Package usage records one append-only Record per gateway call and persists
// it through a Writer. Tracker wraps a Writer so that recording can never
// fail a request.
package usage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrClosed is returned by writers used after Close.
var ErrClosed = errors.New("usage: writer closed")

// Endpoint identifies the kind of call a record describes.
type Endpoint string

// Endpoints.
const (
	EndpointChat      Endpoint = "chat"
	EndpointEmbedding Endpoint = "embedding"
)

// Record describes the outcome of one gateway call.
type Record struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id,omitempty"`
	ProviderID       string    `json:"provider_id"`
	ModelID          string    `json:"model_id"`
	Endpoint         Endpoint  `json:"endpoint"`
	Stream           bool      `json:"stream,omitempty"`
	StatusCode       int       `json:"status_code"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMs        int64     `json:"latency_ms"`
	Attempts         int       `json:"attempts"`
	FailoverUsed     bool      `json:"failover_used,omitempty"`
	CostUSD          float64   `json:"cost_usd,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Writer persists usage records.
type Writer interface {
	Write(ctx context.Context, rec Record) error
}

// Query filters stored records. Zero values mean no filter; Limit defaults
// to 50.
type Query struct {
	ProviderID string
	ModelID    string
	Since      time.Time
	Limit      int
	Offset     int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 50
	}
	return q.Limit
}

// ListResult is a page of records, newest first, plus the total match count.
type ListResult struct {
	Data  []Record `json:"data"`
	Total int      `json:"total"`
}

// MaintenanceQuery selects records for deletion.
type MaintenanceQuery struct {
	Before *time.Time
}

// Reader lists and prunes stored records.
type Reader interface {
	List(ctx context.Context, q Query) (ListResult, error)
	Delete(ctx context.Context, q MaintenanceQuery) (int64, error)
}

// NoopWriter ignores all writes.
type NoopWriter struct{}

// Write discards rec.
func (NoopWriter) Write(_ context.Context, _ Record) error { return nil }

// MemoryWriter keeps records in process. Tests and the embedded examples use
// it.
type MemoryWriter struct {
	mu      sync.Mutex
	records []Record
	closed  bool
}

var (
	_ Writer = (*MemoryWriter)(nil)
	_ Reader = (*MemoryWriter)(nil)
)

// NewMemoryWriter returns an empty in-memory writer.
func NewMemoryWriter() *MemoryWriter { return &MemoryWriter{} }

// Write appends rec.
func (w *MemoryWriter) Write(_ context.Context, rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.records = append(w.records, rec)
	return nil
}

// Records returns a copy of everything written, oldest first.
func (w *MemoryWriter) Records() []Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Record(nil), w.records...)
}

// List returns matching records, newest first.
func (w *MemoryWriter) List(_ context.Context, q Query) (ListResult, error) {
	w.mu.Lock()
	var matched []Record
	for _, r := range w.records {
		if q.ProviderID != "" && r.ProviderID != q.ProviderID {
			continue
		}
		if q.ModelID != "" && r.ModelID != q.ModelID {
			continue
		}
		if !q.Since.IsZero() && r.Timestamp.Before(q.Since) {
			continue
		}
		matched = append(matched, r)
	}
	w.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })
	res := ListResult{Total: len(matched)}
	if q.Offset < len(matched) {
		end := q.Offset + q.limit()
		if end > len(matched) {
			end = len(matched)
		}
		res.Data = matched[q.Offset:end]
	}
	return res, nil
}

// Delete drops records older than q.Before.
func (w *MemoryWriter) Delete(_ context.Context, q MaintenanceQuery) (int64, error) {
	if q.Before == nil {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.records[:0]
	var deleted int64
	for _, r := range w.records {
		if r.Timestamp.Before(*q.Before) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	w.records = kept
	return deleted, nil
}

// Close makes further writes fail with ErrClosed.
func (w *MemoryWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}
