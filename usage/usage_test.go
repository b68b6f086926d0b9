package usage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ferro-labs/llm-gateway/internal/logging"
)

type failingWriter struct{ err error }

func (f failingWriter) Write(context.Context, Record) error { return f.err }

type panickingWriter struct{}

func (panickingWriter) Write(context.Context, Record) error { panic("disk on fire") }

type ctxCapturingWriter struct{ err error }

func (c *ctxCapturingWriter) Write(ctx context.Context, _ Record) error {
	c.err = ctx.Err()
	return nil
}

func TestTracker_FillsDefaults(t *testing.T) {
	w := NewMemoryWriter()
	tr := NewTracker(w, logging.Discard())
	tr.RecordUsage(context.Background(), Record{ProviderID: "p", PromptTokens: 3, CompletionTokens: 4})

	recs := w.Records()
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].ID == "" || recs[0].Timestamp.IsZero() || recs[0].TotalTokens != 7 {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestTracker_SwallowsFailures(t *testing.T) {
	for _, w := range []Writer{failingWriter{err: errors.New("db down")}, panickingWriter{}} {
		tr := NewTracker(w, logging.Discard())
		tr.RecordUsage(context.Background(), Record{ProviderID: "p"})
	}
}

func TestTracker_DetachesFromCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := &ctxCapturingWriter{}
	NewTracker(w, logging.Discard()).RecordUsage(ctx, Record{})
	if w.err != nil {
		t.Errorf("writer saw canceled context: %v", w.err)
	}
}

func TestMemoryWriter_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWriter()
	now := time.Now().UTC()
	_ = w.Write(ctx, Record{ID: "1", ProviderID: "a", Timestamp: now.Add(-2 * time.Hour)})
	_ = w.Write(ctx, Record{ID: "2", ProviderID: "b", Timestamp: now.Add(-time.Hour)})
	_ = w.Write(ctx, Record{ID: "3", ProviderID: "a", Timestamp: now})

	res, _ := w.List(ctx, Query{ProviderID: "a"})
	if res.Total != 2 || res.Data[0].ID != "3" {
		t.Errorf("List(a) = %+v", res)
	}
	before := now.Add(-30 * time.Minute)
	if n, _ := w.Delete(ctx, MaintenanceQuery{Before: &before}); n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}
	_ = w.Close()
	if err := w.Write(ctx, Record{}); !errors.Is(err, ErrClosed) {
		t.Errorf("write after close error = %v", err)
	}
}

func TestSQLiteWriter_WriteListDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	w, err := NewSQLiteWriter(path)
	if err != nil {
		t.Fatalf("new sqlite writer: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	now := time.Now().UTC()
	records := []Record{
		{ID: "r1", ProviderID: "openai", ModelID: "gpt-4o-mini", Endpoint: EndpointChat, StatusCode: 200,
			PromptTokens: 10, CompletionTokens: 12, TotalTokens: 22, Attempts: 1, Timestamp: now.Add(-2 * time.Hour)},
		{ID: "r2", ProviderID: "openai", ModelID: "text-embedding-3-small", Endpoint: EndpointEmbedding, StatusCode: 200,
			PromptTokens: 5, TotalTokens: 5, Attempts: 1, CostUSD: 0.0001, Timestamp: now.Add(-time.Hour)},
		{ID: "r3", RequestID: "req-3", ProviderID: "anthropic", ModelID: "claude-3-5-haiku-latest", Endpoint: EndpointChat,
			StatusCode: 502, Attempts: 2, FailoverUsed: true, Stream: true, ErrorMessage: "upstream timeout", Timestamp: now},
	}
	for _, r := range records {
		if err := w.Write(context.Background(), r); err != nil {
			t.Fatalf("write usage record: %v", err)
		}
	}

	all, err := w.List(context.Background(), Query{Limit: 10})
	if err != nil {
		t.Fatalf("list usage: %v", err)
	}
	if all.Total != 3 || len(all.Data) != 3 {
		t.Fatalf("expected 3 records, total=%d len=%d", all.Total, len(all.Data))
	}
	newest := all.Data[0]
	if newest.ID != "r3" || !newest.FailoverUsed || !newest.Stream || newest.ErrorMessage != "upstream timeout" || newest.RequestID != "req-3" {
		t.Errorf("newest record = %+v", newest)
	}

	filtered, err := w.List(context.Background(), Query{ProviderID: "openai", Limit: 1})
	if err != nil {
		t.Fatalf("list filtered usage: %v", err)
	}
	if filtered.Total != 2 || len(filtered.Data) != 1 || filtered.Data[0].ID != "r2" {
		t.Fatalf("filtered = %+v", filtered)
	}

	before := now.Add(-30 * time.Minute)
	deleted, err := w.Delete(context.Background(), MaintenanceQuery{Before: &before})
	if err != nil {
		t.Fatalf("delete usage: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected deleted=2, got %d", deleted)
	}
}

func TestPostgresWriterContract(t *testing.T) {
	dsn := os.Getenv("LLMGW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set LLMGW_TEST_POSTGRES_DSN to run Postgres usage integration tests")
	}
	w, err := NewPostgresWriter(dsn)
	if err != nil {
		t.Fatalf("new postgres writer: %v", err)
	}
	t.Cleanup(func() {
		_, _ = w.db.Exec("DELETE FROM usage_records WHERE provider_id = 'pg-test'")
		_ = w.Close()
	})

	tr := NewTracker(w, logging.Discard())
	tr.RecordUsage(context.Background(), Record{ProviderID: "pg-test", ModelID: "m", Endpoint: EndpointChat, StatusCode: 200, Attempts: 1})

	res, err := w.List(context.Background(), Query{ProviderID: "pg-test"})
	if err != nil {
		t.Fatalf("list postgres usage: %v", err)
	}
	if res.Total != 1 {
		t.Fatalf("expected 1 record, got %d", res.Total)
	}
}

// gatedWriter blocks every write until release is closed.
type gatedWriter struct {
	release chan struct{}
	started chan struct{}
	inner   *MemoryWriter
}

func (g *gatedWriter) Write(ctx context.Context, rec Record) error {
	select {
	case g.started <- struct{}{}:
	default:
	}
	<-g.release
	return g.inner.Write(ctx, rec)
}

func TestAsyncWriter_DoesNotWaitOnStore(t *testing.T) {
	g := &gatedWriter{release: make(chan struct{}), started: make(chan struct{}, 1), inner: NewMemoryWriter()}
	w := NewAsyncWriter(g, 2, logging.Discard())

	done := make(chan struct{})
	go func() {
		NewTracker(w, logging.Discard()).RecordUsage(context.Background(), Record{ProviderID: "openai"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RecordUsage blocked on a slow store")
	}

	<-g.started
	close(g.release)
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := len(g.inner.Records()); got != 1 {
		t.Errorf("persisted %d records, want 1", got)
	}
}

func TestAsyncWriter_RejectsWhenFull(t *testing.T) {
	g := &gatedWriter{release: make(chan struct{}), started: make(chan struct{}, 1), inner: NewMemoryWriter()}
	w := NewAsyncWriter(g, 1, logging.Discard())
	ctx := context.Background()

	if err := w.Write(ctx, Record{ID: "1"}); err != nil {
		t.Fatalf("Write(1) error = %v", err)
	}
	<-g.started // record 1 is held by the worker
	if err := w.Write(ctx, Record{ID: "2"}); err != nil {
		t.Fatalf("Write(2) error = %v", err)
	}
	if err := w.Write(ctx, Record{ID: "3"}); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("Write(3) error = %v, want ErrBufferFull", err)
	}

	close(g.release)
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := len(g.inner.Records()); got != 2 {
		t.Errorf("persisted %d records, want 2", got)
	}
	if err := w.Write(ctx, Record{ID: "4"}); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Write after Close error = %v, want ErrWriterClosed", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestAsyncWriter_SurvivesFailingStore(t *testing.T) {
	w := NewAsyncWriter(panickingWriter{}, 4, logging.Discard())
	for i := 0; i < 3; i++ {
		if err := w.Write(context.Background(), Record{}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
