// Package mediacache is a local disk cache for HTTP(S)-streamed media,
// sitting between a player's range-request interceptor and the origin
// server. It serves player byte-range requests from disk when possible,
// streams origin bytes through to both the player and the cache on a
// miss, and runs background preload and eviction passes to keep the
// cache populated and within its size and disk-space budgets.
//
// # Quick start
//
//	c, err := mediacache.NewCache(
//	    mediacache.WithCacheDirectory("/var/cache/mediacache"),
//	    mediacache.WithMaxCacheSizeBytes(2<<30),
//	)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	req := mediacache.NewRequest("req-1", 0, 1<<20)
//	if err := c.HandlePlayerRequest(ctx, originURL, req); err != nil {
//	    return err
//	}
//	for chunk := range req.Chunks() {
//	    // forward chunk.Data to the player
//	}
package mediacache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/meigma/mediacache/internal/cachecore"
	"github.com/meigma/mediacache/internal/diskspace"
	"github.com/meigma/mediacache/internal/eviction"
	"github.com/meigma/mediacache/internal/fileslot"
	"github.com/meigma/mediacache/internal/httpsource"
	"github.com/meigma/mediacache/internal/loader"
	"github.com/meigma/mediacache/internal/loaderregistry"
	"github.com/meigma/mediacache/internal/metadata"
	"github.com/meigma/mediacache/internal/preload"
	"github.com/meigma/mediacache/internal/stats"
)

// dirFileStat answers metadata.FileStat against the cache directory
// directly, so persisted records can be reconciled against on-disk
// reality before CacheCore (which also implements FileStat) exists.
type dirFileStat struct {
	dir, ext string
}

func (d dirFileStat) Stat(key string) (int64, bool, error) {
	return fileslot.Stat(filepath.Join(d.dir, key+"."+d.ext))
}

// ListKeys implements metadata.FileLister, letting LoadAll discover a
// cache data file left behind with no matching metadata record.
func (d dirFileStat) ListKeys() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	suffix := "." + d.ext
	keys := make([]string, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), suffix) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(ent.Name(), suffix))
	}
	return keys, nil
}

// Re-exported domain types, so callers never need to import internal
// packages directly.
type (
	// Request is one player- or preload-originated interest in a byte
	// range of a resource.
	Request = loader.Request
	// Chunk is one unit delivered to an attached Request as data
	// streams in.
	Chunk = loader.Chunk
	// Priority is a resource's eviction priority.
	Priority = metadata.Priority
	// Resource holds everything the cache knows about one resource.
	Resource = metadata.Resource
	// ContentInfo is a resource's known content-type/length/range
	// support.
	ContentInfo = cachecore.ContentInfo
	// Strategy selects how the eviction engine orders removal
	// candidates.
	Strategy = eviction.Strategy
	// PressureLevel is a host-delivered memory-pressure signal.
	PressureLevel = eviction.PressureLevel
	// Task is one unit of background preload work.
	Task = preload.Task
	// Statistics is a snapshot of aggregate hit/miss/eviction counters.
	Statistics = stats.Counters
)

// Priority levels, in ascending eviction-eligibility order.
const (
	PriorityLow       = metadata.PriorityLow
	PriorityNormal    = metadata.PriorityNormal
	PriorityHigh      = metadata.PriorityHigh
	PriorityPermanent = metadata.PriorityPermanent
)

// Eviction strategies.
const (
	StrategyLRU      = eviction.LRU
	StrategyLFU      = eviction.LFU
	StrategyFIFO     = eviction.FIFO
	StrategyExpired  = eviction.ExpiredOnly
	StrategyPriority = eviction.PriorityOrder
	StrategyCustom   = eviction.Custom
)

// Memory-pressure levels.
const (
	PressureLow      = eviction.PressureLow
	PressureMedium   = eviction.PressureMedium
	PressureHigh     = eviction.PressureHigh
	PressureCritical = eviction.PressureCritical
)

// NewRequest creates a Request for the byte range [offset, offset+length).
// A negative length means open-ended (to EOF).
func NewRequest(id string, offset, length int64) *Request {
	return loader.NewRequest(id, offset, length)
}

// Cache coordinates metadata storage, file-backed data, active fetch
// sessions, background preload, and eviction for one cache directory.
type Cache struct {
	cfg Config

	store    *metadata.Store
	core     *cachecore.Core
	disk     *diskspace.Monitor
	evict    *eviction.Engine
	registry *loaderregistry.Registry
	sched    *preload.Scheduler

	stop chan struct{}
	wg   sync.WaitGroup
}

type enqueuerFunc func(url string, priority metadata.Priority, length int64) error

func (f enqueuerFunc) Enqueue(url string, priority metadata.Priority, length int64) error {
	return f(url, priority, length)
}

// NewCache builds a Cache from opts, loading any persisted metadata
// found under the configured cache directory and reconciling it against
// the files actually on disk.
func NewCache(opts ...Option) (*Cache, error) {
	cfg, err := buildConfig(opts...)
	if err != nil {
		return nil, err
	}

	store, err := metadata.New(filepath.Join(cfg.CacheDirectory, "Metadata"), cfg.MetadataFileExtension, metadata.WithLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("mediacache: metadata store: %w", err)
	}
	if err := store.LoadAll(dirFileStat{dir: cfg.CacheDirectory, ext: cfg.CacheFileExtension}); err != nil {
		return nil, fmt.Errorf("mediacache: load persisted metadata: %w", err)
	}

	tracker, err := stats.Load(cfg.CacheDirectory)
	if err != nil {
		return nil, fmt.Errorf("mediacache: load statistics: %w", err)
	}

	core, err := cachecore.New(cfg.CacheDirectory, store,
		cachecore.WithFileExtension(cfg.CacheFileExtension),
		cachecore.WithProgress(cachecore.ProgressFunc(cfg.progress)),
		cachecore.WithLogger(cfg.logger),
		cachecore.WithStats(tracker),
	)
	if err != nil {
		return nil, fmt.Errorf("mediacache: cache core: %w", err)
	}

	disk := diskspace.New(cfg.CacheDirectory)

	httpHeaders := make(http.Header, len(cfg.CustomHTTPHeaders))
	for k, v := range cfg.CustomHTTPHeaders {
		httpHeaders.Set(k, v)
	}
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	var sched *preload.Scheduler

	registry := loaderregistry.New(func(key, url string) *loader.Loader {
		fetcher := httpsource.New(url, httpsource.WithClient(httpClient), httpsource.WithHeaders(httpHeaders))
		return loader.New(key, url, core, fetcher,
			loader.WithBudget(cfg.MaxCacheSizeBytes),
			loader.WithLogger(cfg.logger),
			loader.WithPreloadEnqueuer(enqueuerFunc(func(url string, priority metadata.Priority, length int64) error {
				if sched == nil {
					return nil
				}
				_, err := sched.Add(url, priority, length)
				return err
			})),
		)
	}, loaderregistry.WithKeyFunc(cfg.keyFunc), loaderregistry.WithLogger(cfg.logger))

	evict := eviction.New(store, core, registry, disk,
		eviction.WithStrategy(cfg.CleanupStrategy),
		eviction.WithMinFreeDiskBytes(cfg.MinFreeDiskBytes),
		eviction.WithLogger(cfg.logger),
		eviction.WithEvictionRecorder(tracker),
	)
	core.SetEvictionChecker(evict)

	sched = preload.New(registry, core, preload.KeyFunc(cfg.keyFunc),
		preload.WithMaxConcurrent(cfg.MaxConcurrentDownloads),
		preload.WithDefaultTimeout(cfg.PreloadTaskTimeout),
		preload.WithLogger(cfg.logger),
	)

	c := &Cache{
		cfg:      cfg,
		store:    store,
		core:     core,
		disk:     disk,
		evict:    evict,
		registry: registry,
		sched:    sched,
		stop:     make(chan struct{}),
	}
	c.startCleanupLoop()
	return c, nil
}

func (c *Cache) startCleanupLoop() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.CleanupInterval)
		defer ticker.Stop()
		diskTicker := time.NewTicker(c.cfg.DiskSpaceMonitorInterval)
		defer diskTicker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				_ = c.evict.Check(context.Background(), c.cfg.MaxCacheSizeBytes)
				c.persistStats()
			case <-diskTicker.C:
				_ = c.evict.Check(context.Background(), c.cfg.MaxCacheSizeBytes)
			}
		}
	}()
}

// persistStats flushes the current hit/miss/eviction counters to
// statistics.plist. Best-effort: a failure is logged and otherwise
// ignored, matching spec's "best-effort, no fsync required" treatment
// of these counters.
func (c *Cache) persistStats() {
	if err := c.core.Stats().Persist(c.cfg.CacheDirectory); err != nil && c.cfg.logger != nil {
		c.cfg.logger.Warn("mediacache: failed to persist statistics", "error", err)
	}
}

// KeyFor derives the resource key for url using the configured key
// function.
func (c *Cache) KeyFor(url string) (string, error) {
	return c.registry.KeyFor(url)
}

// HandlePlayerRequest resolves url to a resource, attaching req to the
// Loader serving it (creating one on demand). Chunks are delivered on
// req.Chunks() as they become available.
func (c *Cache) HandlePlayerRequest(ctx context.Context, url string, req *Request) error {
	return c.registry.HandlePlayerRequest(ctx, url, req)
}

// CancelPlayerRequest detaches req.ID from url's Loader.
func (c *Cache) CancelPlayerRequest(url, id string) {
	c.registry.HandlePlayerCancel(url, id)
}

// IsActive reports whether key's Loader is currently fetching or has
// attached requests. It never suspends, so it is safe to call from a
// player-thread callback.
func (c *Cache) IsActive(key string) bool {
	return c.registry.IsActive(key)
}

// Preload enqueues a background prefetch of length bytes of url at the
// given priority, returning the new task's ID.
func (c *Cache) Preload(url string, priority Priority, length int64) (string, error) {
	return c.sched.Add(url, priority, length)
}

// PausePreload pauses a queued or running preload task.
func (c *Cache) PausePreload(id string) bool { return c.sched.Pause(id) }

// ResumePreload returns a paused preload task to the queue.
func (c *Cache) ResumePreload(id string) bool { return c.sched.Resume(id) }

// CancelPreload cancels a queued or running preload task. Idempotent.
func (c *Cache) CancelPreload(id string) bool { return c.sched.Cancel(id) }

// CancelAllPreloads cancels every non-terminal preload task.
func (c *Cache) CancelAllPreloads() { c.sched.CancelAll() }

// PreloadStatus returns a snapshot of a preload task's current state.
func (c *Cache) PreloadStatus(id string) (*Task, bool) { return c.sched.Status(id) }

// ApplyMemoryPressure runs an immediate eviction pass tuned to level.
func (c *Cache) ApplyMemoryPressure(ctx context.Context, level PressureLevel) error {
	return c.evict.ApplyMemoryPressure(ctx, level)
}

// Remove deletes a resource's metadata and backing file. It does not
// cancel a Loader that is fetching key.
func (c *Cache) Remove(ctx context.Context, key string) error {
	return c.core.Remove(ctx, key)
}

// ClearAll cancels every active Loader and preload task and removes all
// cached data and metadata.
func (c *Cache) ClearAll(ctx context.Context) error {
	c.sched.CancelAll()
	c.registry.CancelAll()
	return c.core.ClearAll(ctx)
}

// GetMetadata returns a snapshot of everything known about key.
func (c *Cache) GetMetadata(key string) (*Resource, error) {
	return c.core.GetMetadata(key)
}

// GetContentInfo returns key's known content-type, length, and
// range-support fields.
func (c *Cache) GetContentInfo(key string) (ContentInfo, error) {
	return c.core.GetContentInfo(key)
}

// SetPriority updates key's eviction priority.
func (c *Cache) SetPriority(key string, priority Priority) error {
	return c.core.SetPriority(key, priority)
}

// SetExpirationAt sets the absolute time after which key becomes
// eligible for the eviction engine's expired sweep.
func (c *Cache) SetExpirationAt(key string, at time.Time) error {
	return c.core.SetExpirationAt(key, at)
}

// CurrentCacheSize returns the process-global running total of cached
// bytes across all resources.
func (c *Cache) CurrentCacheSize() int64 {
	return c.core.CurrentCacheSize()
}

// Statistics returns a snapshot of the aggregate hit/miss/eviction
// counters, the same values periodically flushed to statistics.plist.
func (c *Cache) Statistics() Statistics {
	return c.core.Stats().Snapshot()
}

// Close stops background cleanup goroutines and waits for any
// in-flight batch flush to finish.
func (c *Cache) Close() error {
	close(c.stop)
	c.wg.Wait()
	c.sched.Wait()
	c.persistStats()
	return c.core.Close()
}
