package usage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ferro-labs/llm-gateway/internal/metrics"
)

// ErrBufferFull is returned by AsyncWriter.Write when the queue is full.
var ErrBufferFull = errors.New("usage buffer full")

// ErrWriterClosed is returned by AsyncWriter.Write after Close.
var ErrWriterClosed = errors.New("usage writer closed")

// AsyncWriter queues records and persists them on a background goroutine,
// so a slow store does not hold up the request that produced the record.
// Records that do not fit in the queue are rejected, not blocked on.
type AsyncWriter struct {
	next    Writer
	log     *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Record
	done   chan struct{}
}

// NewAsyncWriter starts a writer that buffers up to size records in front of
// next. A nil logger uses slog.Default().
func NewAsyncWriter(next Writer, size int, log *slog.Logger) *AsyncWriter {
	if size <= 0 {
		size = 1
	}
	if log == nil {
		log = slog.Default()
	}
	w := &AsyncWriter{
		next:    next,
		log:     log,
		timeout: DefaultWriteTimeout,
		queue:   make(chan Record, size),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// SetLogger replaces the logger used for failed writes. Call it before the
// writer is shared.
func (w *AsyncWriter) SetLogger(log *slog.Logger) {
	if log != nil {
		w.log = log
	}
}

// Write enqueues rec. It never waits on the underlying store.
func (w *AsyncWriter) Write(_ context.Context, rec Record) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	select {
	case w.queue <- rec:
		return nil
	default:
		return ErrBufferFull
	}
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for rec := range w.queue {
		w.persist(rec)
	}
}

func (w *AsyncWriter) persist(rec Record) {
	defer func() {
		if p := recover(); p != nil {
			metrics.UsageWriteFailures.Inc()
			w.log.Error("usage record failed", "provider", rec.ProviderID, "model", rec.ModelID, "panic", p)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.next.Write(ctx, rec); err != nil {
		metrics.UsageWriteFailures.Inc()
		w.log.Error("usage record failed", "provider", rec.ProviderID, "model", rec.ModelID, "error", err)
	}
}

// Close stops accepting records, flushes the queue and closes the
// underlying writer if it holds resources.
func (w *AsyncWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done
	if c, ok := w.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
