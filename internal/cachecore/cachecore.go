// Package cachecore implements the coordinator that owns MetadataStore,
// FileSlotManagers (lazily created, keyed by resource), and the running
// total of cached bytes. It is the only component that mutates metadata
// or file-backed data.
package cachecore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/meigma/mediacache/internal/batchwriter"
	"github.com/meigma/mediacache/internal/fileslot"
	"github.com/meigma/mediacache/internal/metadata"
	"github.com/meigma/mediacache/internal/rangeset"
	"github.com/meigma/mediacache/internal/stats"
	"github.com/meigma/mediacache/internal/telemetry"
)

// IntegrityError is returned by MarkComplete when the on-disk file size
// disagrees with the expected size. The resource is left not-complete;
// the partial cache is kept.
type IntegrityError struct {
	Key      string
	Expected int64
	Actual   int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("cachecore: integrity check failed for %s: expected %d bytes, have %d", e.Key, e.Expected, e.Actual)
}

// ErrNotFound is returned by operations on a key with no metadata.
var ErrNotFound = metadata.ErrNotFound

// Checker is the narrow capability CacheCore holds into the eviction
// engine, avoiding an import cycle (eviction.Engine depends on CacheCore
// for Remove; CacheCore only needs to ask it to run a pass).
type Checker interface {
	Check(ctx context.Context, budget int64) error
}

// noopChecker is installed until SetEvictionChecker is called.
type noopChecker struct{}

func (noopChecker) Check(context.Context, int64) error { return nil }

// ProgressFunc receives (key, originalURL, percent, cachedBytes, totalBytes).
type ProgressFunc func(key, url string, percent float64, cachedBytes, totalBytes int64)

type progressState struct {
	lastAt      time.Time
	lastPercent float64
}

// Core is the single coordinator for cache reads, writes, and metadata
// mutation. All exported methods are safe for concurrent use.
type Core struct {
	dir     string
	fileExt string

	store *metadata.Store
	batch *batchwriter.Writer

	mu          sync.Mutex
	slots       map[string]*fileslot.Manager
	currentSize int64
	progressLog map[string]*progressState

	progress ProgressFunc
	eviction Checker
	logger   *slog.Logger
	stats    *stats.Tracker
	metrics  *telemetry.Metrics
}

// Option configures a Core.
type Option func(*Core)

// WithFileExtension overrides the default "bmv" cache data file extension.
func WithFileExtension(ext string) Option {
	return func(c *Core) { c.fileExt = ext }
}

// WithProgress installs the progress callback (rate-limited internally
// to one call per 100ms or 0.5% change, whichever is sooner).
func WithProgress(fn ProgressFunc) Option {
	return func(c *Core) { c.progress = fn }
}

// WithLogger attaches a logger; nil discards log output.
func WithLogger(l *slog.Logger) Option {
	return func(c *Core) { c.logger = l }
}

// WithBatchWriter installs a pre-configured batch writer instead of the
// default 500ms-window one.
func WithBatchWriter(w *batchwriter.Writer) Option {
	return func(c *Core) { c.batch = w }
}

// WithStats installs a hit/miss/eviction counter tracker, typically one
// restored from the cache directory's statistics.plist at startup. The
// default is a fresh, zeroed Tracker.
func WithStats(t *stats.Tracker) Option {
	return func(c *Core) {
		if t != nil {
			c.stats = t
		}
	}
}

const defaultFileExt = "bmv"
const progressMinInterval = 100 * time.Millisecond
const progressMinDelta = 0.5

// New creates a Core rooted at dir, using store as the metadata backend.
func New(dir string, store *metadata.Store, opts ...Option) (*Core, error) {
	if dir == "" {
		return nil, errors.New("cachecore: dir is empty")
	}
	c := &Core{
		dir:         dir,
		fileExt:     defaultFileExt,
		store:       store,
		batch:       batchwriter.New(),
		slots:       make(map[string]*fileslot.Manager),
		progressLog: make(map[string]*progressState),
		eviction:    noopChecker{},
		stats:       stats.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, r := range store.Snapshot() {
		c.currentSize += r.CachedBytes
	}
	if m, err := telemetry.NewMetrics(); err == nil {
		c.metrics = m
	}
	return c, nil
}

// SetEvictionChecker installs the eviction engine's Checker view. Called
// once after both CacheCore and the eviction engine are constructed,
// breaking their mutual dependency.
func (c *Core) SetEvictionChecker(checker Checker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eviction = checker
}

func (c *Core) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

func (c *Core) filePath(key string) string {
	return filepath.Join(c.dir, key+"."+c.fileExt)
}

// Stat implements metadata.FileStat for the store's LoadAll reconciliation.
func (c *Core) Stat(key string) (int64, bool, error) {
	return fileslot.Stat(c.filePath(key))
}

// slotFor returns the FileSlotManager for key, opening it lazily.
func (c *Core) slotFor(key string) (*fileslot.Manager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[key]; ok {
		return s, nil
	}
	s, err := fileslot.Open(c.filePath(key))
	if err != nil {
		return nil, err
	}
	c.slots[key] = s
	return s, nil
}

// CurrentCacheSize returns the running total of cached bytes across all
// resources.
func (c *Core) CurrentCacheSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// Read returns the bytes in r for key if the range set fully covers it.
// A nil, false, nil result means a cache miss (metadata missing or the
// range only partially covered); composing the miss with a network fill
// is the caller's (Loader's) responsibility.
func (c *Core) Read(ctx context.Context, key string, r rangeset.Range) ([]byte, bool, error) {
	res, err := c.store.Get(key)
	if errors.Is(err, metadata.ErrNotFound) {
		c.recordMiss(ctx)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !res.Ranges.Contains(r) {
		c.recordMiss(ctx)
		return nil, false, nil
	}

	slot, err := c.slotFor(key)
	if err != nil {
		return nil, false, err
	}
	// The range set can claim coverage for bytes that only exist in the
	// batch writer's in-memory buffer so far; flush them through before
	// reading the backing file, or a read racing a recent write sees a
	// short or empty file.
	if err := c.batch.Flush(key, slot); err != nil {
		return nil, false, fmt.Errorf("cachecore: flush before read %s: %w", key, err)
	}
	buf := make([]byte, r.Len())
	n, err := slot.Read(r.Start, buf)
	if err != nil {
		return nil, false, fmt.Errorf("cachecore: read %s: %w", key, err)
	}
	buf = buf[:n]

	res.LastAccess = time.Now()
	res.AccessCount++
	if err := c.store.Put(res); err != nil {
		c.log().Warn("cachecore: failed to persist access stats", "key", key, "error", err)
	}
	c.recordHit(ctx)
	return buf, true, nil
}

func (c *Core) recordHit(ctx context.Context) {
	c.stats.RecordHit()
	if c.metrics != nil {
		c.metrics.RecordHit(ctx)
	}
}

func (c *Core) recordMiss(ctx context.Context) {
	c.stats.RecordMiss()
	if c.metrics != nil {
		c.metrics.RecordMiss(ctx)
	}
}

// ensureResource returns the existing resource for key or creates a new
// one rooted at url, persisting it either way.
func (c *Core) ensureResource(key, url string) (*metadata.Resource, error) {
	res, err := c.store.Get(key)
	if errors.Is(err, metadata.ErrNotFound) {
		res = &metadata.Resource{
			Key:         key,
			OriginalURL: url,
			Priority:    metadata.PriorityNormal,
			LastAccess:  time.Now(),
		}
		return res, c.store.Put(res)
	}
	return res, err
}

// Write appends data at offset for key into the batch buffer, updating
// the range set and cached-byte count only by the exact size delta the
// new data contributes (overlap does not grow the set). If the
// underlying flush fails, the tentative range addition is rolled back
// and the write is reported as failed; no partial credit is given.
func (c *Core) Write(ctx context.Context, key, url string, offset int64, data []byte, budget int64) error {
	if len(data) == 0 {
		return nil
	}
	res, err := c.ensureResource(key, url)
	if err != nil {
		return fmt.Errorf("cachecore: ensure resource %s: %w", key, err)
	}

	newRange := rangeset.Range{Start: offset, End: offset + int64(len(data)) - 1}
	oldRanges := res.Ranges
	oldCached := res.CachedBytes

	res.Ranges = oldRanges.Add(newRange)
	res.CachedBytes = res.Ranges.TotalLen()
	res.LastAccess = time.Now()
	delta := res.CachedBytes - oldCached

	slot, err := c.slotFor(key)
	if err != nil {
		return fmt.Errorf("cachecore: open slot %s: %w", key, err)
	}

	if err := c.batch.Append(key, slot, offset, data); err != nil {
		res.Ranges = oldRanges
		res.CachedBytes = oldCached
		if perr := c.store.Put(res); perr != nil {
			c.log().Warn("cachecore: failed to persist rollback", "key", key, "error", perr)
		}
		return fmt.Errorf("cachecore: write %s at %d: %w", key, offset, err)
	}

	if err := c.store.Put(res); err != nil {
		return fmt.Errorf("cachecore: persist %s: %w", key, err)
	}

	c.mu.Lock()
	c.currentSize += delta
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordBytesWritten(ctx, delta)
	}
	c.reportProgress(res)

	if err := c.eviction.Check(ctx, budget); err != nil {
		c.log().Warn("cachecore: eviction check failed", "key", key, "error", err)
	}
	return nil
}

func (c *Core) reportProgress(res *metadata.Resource) {
	if c.progress == nil || !res.HasLength || res.TotalLength <= 0 {
		return
	}
	percent := float64(res.CachedBytes) / float64(res.TotalLength) * 100

	c.mu.Lock()
	st, ok := c.progressLog[res.Key]
	if !ok {
		st = &progressState{}
		c.progressLog[res.Key] = st
	}
	due := time.Since(st.lastAt) >= progressMinInterval || percent-st.lastPercent >= progressMinDelta || percent >= 100
	if due {
		st.lastAt = time.Now()
		st.lastPercent = percent
	}
	c.mu.Unlock()

	if due {
		c.progress(res.Key, res.OriginalURL, percent, res.CachedBytes, res.TotalLength)
	}
}

// MarkComplete flushes the pending batch for key and verifies the
// on-disk file size against expectedSize (or the sum of cached
// intervals if expectedSize is nil). On mismatch it returns an
// *IntegrityError and leaves the resource not-complete with its partial
// cache intact.
func (c *Core) MarkComplete(ctx context.Context, key string, expectedSize *int64) error {
	res, err := c.store.Get(key)
	if err != nil {
		return fmt.Errorf("cachecore: mark complete %s: %w", key, err)
	}

	slot, err := c.slotFor(key)
	if err != nil {
		return fmt.Errorf("cachecore: open slot %s: %w", key, err)
	}
	if err := c.batch.Flush(key, slot); err != nil {
		return fmt.Errorf("cachecore: flush before mark complete %s: %w", key, err)
	}
	if err := slot.Sync(); err != nil {
		return fmt.Errorf("cachecore: sync %s: %w", key, err)
	}

	want := res.Ranges.TotalLen()
	if expectedSize != nil {
		want = *expectedSize
	}
	got, err := slot.Size()
	if err != nil {
		return fmt.Errorf("cachecore: stat %s: %w", key, err)
	}

	if got != want {
		res.IsComplete = false
		if perr := c.store.Put(res); perr != nil {
			c.log().Warn("cachecore: failed to persist incomplete state", "key", key, "error", perr)
		}
		return &IntegrityError{Key: key, Expected: want, Actual: got}
	}

	res.IsComplete = true
	return c.store.Put(res)
}

// Remove cancels any pending batch, closes and deletes the backing
// file, deletes the metadata record, and subtracts the resource's
// cached bytes from the running total.
func (c *Core) Remove(ctx context.Context, key string) error {
	res, err := c.store.Get(key)
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return fmt.Errorf("cachecore: remove %s: %w", key, err)
	}

	c.batch.Cancel(key)

	c.mu.Lock()
	slot, ok := c.slots[key]
	delete(c.slots, key)
	c.mu.Unlock()
	if ok {
		if cerr := slot.Close(); cerr != nil {
			c.log().Warn("cachecore: close slot failed during remove", "key", key, "error", cerr)
		}
	}

	if rerr := fileslot.Remove(c.filePath(key)); rerr != nil {
		return fmt.Errorf("cachecore: remove file %s: %w", key, rerr)
	}
	if rerr := c.store.Remove(key); rerr != nil {
		return fmt.Errorf("cachecore: remove metadata %s: %w", key, rerr)
	}

	if res != nil {
		c.mu.Lock()
		c.currentSize -= res.CachedBytes
		c.mu.Unlock()
	}
	return nil
}

// ClearAll removes every known resource.
func (c *Core) ClearAll(ctx context.Context) error {
	for _, key := range c.store.Keys() {
		if err := c.Remove(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// GetMetadata returns a snapshot of the resource's metadata.
func (c *Core) GetMetadata(key string) (*metadata.Resource, error) {
	return c.store.Get(key)
}

// ContentInfo is the subset of metadata a content-info sub-request needs.
type ContentInfo struct {
	ContentType   string
	TotalLength   int64
	HasLength     bool
	SupportsRange bool
}

// GetContentInfo returns the known content-info fields for key.
func (c *Core) GetContentInfo(key string) (ContentInfo, error) {
	res, err := c.store.Get(key)
	if err != nil {
		return ContentInfo{}, err
	}
	return ContentInfo{
		ContentType:   res.ContentType,
		TotalLength:   res.TotalLength,
		HasLength:     res.HasLength,
		SupportsRange: res.SupportsRange,
	}, nil
}

// UpdateContentInfo writes content-info learned from the origin's first
// response into metadata; it is expected to be called at most once per
// resource by the owning Loader.
func (c *Core) UpdateContentInfo(key string, info ContentInfo) error {
	res, err := c.store.Get(key)
	if err != nil {
		return err
	}
	res.ContentType = info.ContentType
	res.TotalLength = info.TotalLength
	res.HasLength = info.HasLength
	res.SupportsRange = info.SupportsRange
	res.LastAccess = time.Now()
	return c.store.Put(res)
}

// SetPriority updates a resource's eviction priority.
func (c *Core) SetPriority(key string, priority metadata.Priority) error {
	res, err := c.store.Get(key)
	if err != nil {
		return err
	}
	res.Priority = priority
	res.LastAccess = time.Now()
	return c.store.Put(res)
}

// SetExpirationAt updates a resource's expiration deadline.
func (c *Core) SetExpirationAt(key string, at time.Time) error {
	res, err := c.store.Get(key)
	if err != nil {
		return err
	}
	res.HasExpiration = true
	res.ExpirationAt = at
	res.LastAccess = time.Now()
	return c.store.Put(res)
}

// Stats returns the tracker backing the hit/miss/eviction counters, so
// the host can persist it (statistics.plist) or expose it elsewhere.
func (c *Core) Stats() *stats.Tracker {
	return c.stats
}

// PendingFlush reports whether key has an unflushed batch, used by the
// eviction engine to skip resources mid-flush.
func (c *Core) PendingFlush(key string) bool {
	return c.batch.Pending(key)
}

// Close flushes and closes every open file slot.
func (c *Core) Close() error {
	c.mu.Lock()
	slots := c.slots
	c.slots = make(map[string]*fileslot.Manager)
	c.mu.Unlock()

	var firstErr error
	for key, slot := range slots {
		if err := slot.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cachecore: close %s: %w", key, err)
		}
	}
	return firstErr
}
