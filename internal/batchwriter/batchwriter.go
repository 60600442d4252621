// Package batchwriter coalesces small streamed writes per resource key
// into periodic flushes. The coalescing window is an optimization, not
// a correctness requirement: a correctness-preserving simplification is
// to write through immediately, which is exactly what Flush does when
// called eagerly.
package batchwriter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Sink is the durable target a batch is flushed to: FileSlotManager.
type Sink interface {
	Write(offset int64, data []byte) error
}

// chunk is one pending write, queued in arrival order.
type chunk struct {
	offset int64
	data   []byte
}

type pending struct {
	mu        sync.Mutex
	chunks    []chunk
	lastFlush time.Time
	size      int64
}

// Writer buffers writes per key and flushes them on a timer or on
// demand.
type Writer struct {
	mu       sync.Mutex
	byKey    map[string]*pending
	interval time.Duration
	maxConc  int64
	logger   *slog.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithFlushInterval overrides the default 500ms coalescing window.
func WithFlushInterval(d time.Duration) Option {
	return func(w *Writer) { w.interval = d }
}

// WithMaxConcurrentFlushes bounds how many keys may flush concurrently
// during Tick, via a golang.org/x/sync/semaphore.Weighted.
func WithMaxConcurrentFlushes(n int64) Option {
	return func(w *Writer) {
		if n > 0 {
			w.maxConc = n
		}
	}
}

// WithLogger attaches a logger; nil discards log output.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// New creates a Writer.
func New(opts ...Option) *Writer {
	w := &Writer{
		byKey:    make(map[string]*pending),
		interval: 500 * time.Millisecond,
		maxConc:  8,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Writer) log() *slog.Logger {
	if w.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.logger
}

func (w *Writer) entry(key string) *pending {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.byKey[key]
	if !ok {
		p = &pending{lastFlush: time.Now()}
		w.byKey[key] = p
	}
	return p
}

// Append queues data at offset for key. If the time since the last
// flush for key exceeds the configured interval, it flushes immediately
// through sink.
func (w *Writer) Append(key string, sink Sink, offset int64, data []byte) error {
	p := w.entry(key)

	p.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	p.chunks = append(p.chunks, chunk{offset: offset, data: cp})
	p.size += int64(len(cp))
	due := time.Since(p.lastFlush) > w.interval
	p.mu.Unlock()

	if due {
		return w.Flush(key, sink)
	}
	return nil
}

// Flush writes every pending chunk for key to sink in enqueue order and
// clears the buffer. A failed flush leaves the pending chunks in place
// so a tentative range addition the caller may have already staged can
// be rolled back.
func (w *Writer) Flush(key string, sink Sink) error {
	p := w.entry(key)

	p.mu.Lock()
	chunks := p.chunks
	p.mu.Unlock()
	if len(chunks) == 0 {
		return nil
	}

	sum := xxhash.New()
	for _, c := range chunks {
		sum.Write(c.data) //nolint:errcheck // xxhash.Digest.Write never errors
		if err := sink.Write(c.offset, c.data); err != nil {
			return fmt.Errorf("batchwriter: flush %s at %d: %w", key, c.offset, err)
		}
	}
	w.log().Debug("batchwriter: flushed", "key", key, "chunks", len(chunks), "checksum", sum.Sum64())

	p.mu.Lock()
	p.chunks = p.chunks[len(chunks):]
	p.lastFlush = time.Now()
	p.size = 0
	for _, c := range p.chunks {
		p.size += int64(len(c.data))
	}
	p.mu.Unlock()
	return nil
}

// Pending reports whether key has unflushed bytes. Callers that evict a
// resource must wait for any in-flight flush to complete first.
func (w *Writer) Pending(key string) bool {
	p := w.entry(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chunks) > 0
}

// Cancel discards any unflushed chunks for key without writing them,
// used when a resource is being removed.
func (w *Writer) Cancel(key string) {
	w.mu.Lock()
	delete(w.byKey, key)
	w.mu.Unlock()
}

// Tick flushes every key whose buffer is older than the configured
// interval, bounding concurrency with a semaphore and an errgroup.
func (w *Writer) Tick(ctx context.Context, sinks map[string]Sink) error {
	w.mu.Lock()
	due := make([]string, 0, len(w.byKey))
	for key, p := range w.byKey {
		p.mu.Lock()
		stale := len(p.chunks) > 0 && time.Since(p.lastFlush) > w.interval
		p.mu.Unlock()
		if stale {
			due = append(due, key)
		}
	}
	w.mu.Unlock()

	if len(due) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(w.maxConc)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, key := range due {
		sink, ok := sinks[key]
		if !ok {
			continue
		}
		key := key
		sink := sink
		if err := sem.Acquire(egCtx, 1); err != nil {
			break
		}
		eg.Go(func() error {
			defer sem.Release(1)
			return w.Flush(key, sink)
		})
	}
	return eg.Wait()
}
