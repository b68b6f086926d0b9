package usage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ferro-labs/llm-gateway/internal/metrics"
)

// DefaultWriteTimeout bounds a single usage write.
const DefaultWriteTimeout = 5 * time.Second

// Tracker records usage on behalf of the gateway. RecordUsage never returns
// an error and never panics: writer failures are logged and counted.
type Tracker struct {
	writer  Writer
	log     *slog.Logger
	timeout time.Duration
}

// NewTracker wraps w. A nil writer discards records; a nil logger uses
// slog.Default().
func NewTracker(w Writer, log *slog.Logger) *Tracker {
	if w == nil {
		w = NoopWriter{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{writer: w, log: log, timeout: DefaultWriteTimeout}
}

// Writer returns the wrapped writer.
func (t *Tracker) Writer() Writer { return t.writer }

// RecordUsage fills in ID, Timestamp and TotalTokens when unset and writes
// rec. The write is detached from ctx cancellation so a call abandoned by
// its caller is still recorded.
func (t *Tracker) RecordUsage(ctx context.Context, rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
	}

	defer func() {
		if p := recover(); p != nil {
			metrics.UsageWriteFailures.Inc()
			t.log.Error("usage record failed", "provider", rec.ProviderID, "model", rec.ModelID, "panic", fmt.Sprint(p))
		}
	}()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()
	if err := t.writer.Write(wctx, rec); err != nil {
		metrics.UsageWriteFailures.Inc()
		t.log.Error("usage record failed", "provider", rec.ProviderID, "model", rec.ModelID, "error", err)
	}
}

// Close closes the writer if it holds resources.
func (t *Tracker) Close() error {
	if c, ok := t.writer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
