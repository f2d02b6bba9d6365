package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/MrWong99/hostline/internal/observe"
	"github.com/MrWong99/hostline/internal/store"
)

// TranscriptStore persists transcript entries.
type TranscriptStore interface {
	AppendTranscript(ctx context.Context, e store.TranscriptEntry) error
}

// TranscriptWriter accepts transcript entries from the call path. Write never
// blocks the caller on the datastore and never returns an error.
type TranscriptWriter interface {
	Write(ctx context.Context, e store.TranscriptEntry)
}

// ErrQueueClosed is returned by [QueueWriter.Close] when called twice.
var ErrQueueClosed = errors.New("worker: transcript queue closed")

// ── Sync ────────────────────────────────────────────────────────────────────

// SyncWriter writes each entry inline with a short timeout and logs failures.
// It is the legacy path for tenants outside the low-latency rollout.
type SyncWriter struct {
	store   TranscriptStore
	timeout time.Duration
}

// NewSyncWriter creates a SyncWriter.
func NewSyncWriter(st TranscriptStore, timeout time.Duration) *SyncWriter {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &SyncWriter{store: st, timeout: timeout}
}

// Write implements [TranscriptWriter].
func (w *SyncWriter) Write(ctx context.Context, e store.TranscriptEntry) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
	defer cancel()
	if err := w.store.AppendTranscript(wctx, e); err != nil {
		slog.Warn("worker: transcript write failed", "call_id", e.CallID, "role", e.Role, "err", err)
	}
}

// ── Queue ───────────────────────────────────────────────────────────────────

// QueueConfig configures a [QueueWriter].
type QueueConfig struct {
	// Size bounds the number of pending entries. Default 256.
	Size int

	// Attempts is the total number of tries per entry. Default 3.
	Attempts int

	// Backoff is the fixed delay between tries. Default 200ms.
	Backoff time.Duration

	// Timeout bounds a single write. Default 2s.
	Timeout time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Size <= 0 {
		c.Size = 256
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 200 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	return c
}

// QueueWriter persists entries on a single background goroutine with bounded
// retries. Entries are dropped with a log when the queue is full or retries
// are exhausted. [QueueWriter.Close] drains what is queued.
type QueueWriter struct {
	store   TranscriptStore
	cfg     QueueConfig
	metrics *observe.Metrics

	mu     sync.RWMutex
	closed bool
	ch     chan store.TranscriptEntry
	done   chan struct{}
}

// NewQueueWriter creates a QueueWriter and starts its worker.
func NewQueueWriter(st TranscriptStore, cfg QueueConfig, metrics *observe.Metrics) *QueueWriter {
	cfg = cfg.withDefaults()
	w := &QueueWriter{
		store:   st,
		cfg:     cfg,
		metrics: metrics,
		ch:      make(chan store.TranscriptEntry, cfg.Size),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Write implements [TranscriptWriter].
func (w *QueueWriter) Write(ctx context.Context, e store.TranscriptEntry) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.drop(ctx, e, "queue closed")
		return
	}
	select {
	case w.ch <- e:
	default:
		w.drop(ctx, e, "queue full")
	}
}

// Close stops accepting entries and waits until queued entries are written
// or ctx expires.
func (w *QueueWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrQueueClosed
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *QueueWriter) run() {
	defer close(w.done)
	for e := range w.ch {
		w.write(e)
	}
}

func (w *QueueWriter) write(e store.TranscriptEntry) {
	ctx := context.Background()
	b := retry.WithMaxRetries(uint64(w.cfg.Attempts-1), retry.NewConstant(w.cfg.Backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
		if err := w.store.AppendTranscript(wctx, e); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		w.drop(ctx, e, err.Error())
	}
}

func (w *QueueWriter) drop(ctx context.Context, e store.TranscriptEntry, why string) {
	slog.Warn("worker: transcript entry dropped", "call_id", e.CallID, "role", e.Role, "reason", why)
	if w.metrics != nil {
		w.metrics.RecordDroppedWrite(ctx, "transcript")
	}
}
