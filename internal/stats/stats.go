// Package stats tracks the aggregate hit/miss counters CacheCore
// exposes, and flushes them best-effort to a small on-disk file so they
// survive a clean shutdown without requiring an fsync on every update.
package stats

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
)

const fileName = "statistics.plist"

// Counters is the snapshot shape persisted to disk and returned by
// Tracker.Snapshot.
type Counters struct {
	Hits      uint64 `cbor:"hits"`
	Misses    uint64 `cbor:"misses"`
	Evictions uint64 `cbor:"evictions"`
}

// Tracker accumulates counters in memory for the periodic on-disk flush.
// CacheCore and the eviction engine also increment their otel/metric
// instruments at the same call sites, but those are separate counters:
// only the Tracker's values are restored from disk by Load.
type Tracker struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates a zeroed Tracker.
func New() *Tracker {
	return &Tracker{}
}

// RecordHit increments the hit counter.
func (t *Tracker) RecordHit() { t.hits.Add(1) }

// RecordMiss increments the miss counter.
func (t *Tracker) RecordMiss() { t.misses.Add(1) }

// RecordEviction increments the eviction counter.
func (t *Tracker) RecordEviction() { t.evictions.Add(1) }

// Snapshot returns the current counter values.
func (t *Tracker) Snapshot() Counters {
	return Counters{
		Hits:      t.hits.Load(),
		Misses:    t.misses.Load(),
		Evictions: t.evictions.Load(),
	}
}

// Load restores counters from dir/statistics.plist. A missing file is
// not an error; the tracker simply starts at zero.
func Load(dir string) (*Tracker, error) {
	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("stats: read %s: %w", fileName, err)
	}
	var c Counters
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("stats: decode %s: %w", fileName, err)
	}
	t := New()
	t.hits.Store(c.Hits)
	t.misses.Store(c.Misses)
	t.evictions.Store(c.Evictions)
	return t, nil
}

// Persist writes the current counters to dir/statistics.plist via
// write-temp-fsync-rename, the same durability pattern
// internal/metadata.Store uses for its own records. Failure is
// best-effort: callers log it and keep running rather than treating it
// as fatal.
func (t *Tracker) Persist(dir string) error {
	data, err := cbor.Marshal(t.Snapshot())
	if err != nil {
		return fmt.Errorf("stats: encode: %w", err)
	}

	path := filepath.Join(dir, fileName)
	tmp, err := os.CreateTemp(dir, ".stats-*")
	if err != nil {
		return fmt.Errorf("stats: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("stats: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("stats: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("stats: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("stats: rename to %s: %w", path, err)
	}
	return nil
}
