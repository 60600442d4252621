package metadata

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/meigma/mediacache/internal/rangeset"
)

// ErrNotFound is returned when a record is requested for a key that has
// never been stored.
var ErrNotFound = errors.New("metadata: not found")

// FileStat reports on-disk facts about a resource's cache file, so
// LoadAll can reconcile stale metadata against reality.
type FileStat interface {
	// Stat returns the size of the resource's cache file and whether it
	// exists at all.
	Stat(key string) (size int64, exists bool, err error)
}

// FileLister additionally enumerates every resource key with a cache
// data file on disk, so LoadAll can discover a data file that survived
// without a matching metadata record (e.g. a crash between writing the
// cache file and persisting its record). Implementing it is optional:
// a FileStat that doesn't also implement FileLister is reconciled the
// same as before, just without orphan discovery.
type FileLister interface {
	ListKeys() ([]string, error)
}

// Store is the in-memory map of ResourceKey to Resource, durably
// persisted one small record per key under dir/<key>.ext via
// write-temp-fsync-rename.
type Store struct {
	mu   sync.RWMutex
	byKey map[string]*Resource

	dir    string
	ext    string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger attaches a logger; nil (the default) discards log output.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store rooted at dir, using ext (without a leading dot,
// default "bmm") as the record file extension. dir is created if missing.
func New(dir, ext string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("metadata: dir is empty")
	}
	if ext == "" {
		ext = "bmm"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("metadata: mkdir %s: %w", dir, err)
	}
	return &Store{
		byKey: make(map[string]*Resource),
		dir:   dir,
		ext:   ext,
	}, nil
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+"."+s.ext)
}

// Get returns the Resource for key, or ErrNotFound.
func (s *Store) Get(key string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// Put replaces the in-memory Resource for key and durably persists it.
func (s *Store) Put(r *Resource) error {
	cp := r.Clone()
	s.mu.Lock()
	s.byKey[cp.Key] = cp
	s.mu.Unlock()
	return s.persist(cp)
}

// Remove deletes the in-memory entry and its on-disk record for key.
// Missing records are not an error.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	delete(s.byKey, key)
	s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("metadata: remove %s: %w", key, err)
	}
	return nil
}

// Keys returns a snapshot of all known resource keys.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.byKey))
	for k := range s.byKey {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a copy of every known Resource.
func (s *Store) Snapshot() []*Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Resource, 0, len(s.byKey))
	for _, r := range s.byKey {
		out = append(out, r.Clone())
	}
	return out
}

func (s *Store) persist(r *Resource) error {
	rec := toRecord(r)
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("metadata: encode %s: %w", r.Key, err)
	}

	path := s.path(r.Key)
	tmp, err := os.CreateTemp(s.dir, ".meta-*")
	if err != nil {
		return fmt.Errorf("metadata: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("metadata: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("metadata: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("metadata: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("metadata: rename to %s: %w", path, err)
	}
	return nil
}

// LoadAll enumerates dir, decodes every record, and reconciles each
// against the actual cache file via fs_. Malformed records are logged
// and skipped rather than aborting startup.
func (s *Store) LoadAll(fs_ FileStat) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("metadata: read dir %s: %w", s.dir, err)
	}

	suffix := "." + s.ext
	loaded := make(map[string]*Resource, len(entries))
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), suffix) {
			continue
		}
		key := strings.TrimSuffix(ent.Name(), suffix)
		data, err := os.ReadFile(filepath.Join(s.dir, ent.Name()))
		if err != nil {
			s.log().Warn("metadata: read record failed, skipping", "key", key, "error", err)
			continue
		}
		var rec record
		if err := cbor.Unmarshal(data, &rec); err != nil {
			s.log().Warn("metadata: decode record failed, skipping", "key", key, "error", err)
			continue
		}
		r := fromRecord(rec)
		if r.Key == "" {
			r.Key = key
		}
		reconcile(r, fs_, s.log())
		loaded[r.Key] = r
	}

	if lister, ok := fs_.(FileLister); ok {
		keys, err := lister.ListKeys()
		if err != nil {
			return fmt.Errorf("metadata: list cache files: %w", err)
		}
		for _, key := range keys {
			if _, ok := loaded[key]; ok {
				continue
			}
			r, err := synthesize(key, fs_, s.log())
			if err != nil {
				s.log().Warn("metadata: synthesize orphan record failed, skipping", "key", key, "error", err)
				continue
			}
			if r != nil {
				loaded[key] = r
			}
		}
	}

	s.mu.Lock()
	s.byKey = loaded
	s.mu.Unlock()
	return nil
}

// synthesize builds a Resource for a cache data file discovered with no
// corresponding metadata record: its full extent is treated as already
// cached and complete, at normal priority, so it counts toward the
// running cache size and survives the next eviction pass like any other
// complete resource.
func synthesize(key string, fs_ FileStat, log *slog.Logger) (*Resource, error) {
	size, exists, err := fs_.Stat(key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	r := &Resource{
		Key:         key,
		HasLength:   true,
		TotalLength: size,
		CachedBytes: size,
		IsComplete:  true,
		Priority:    PriorityNormal,
		LastAccess:  time.Now(),
	}
	if size > 0 {
		r.Ranges = rangeset.New(rangeset.Range{Start: 0, End: size - 1})
	}
	log.Info("metadata: discovered orphan cache file, synthesizing record", "key", key, "size", size)
	return r, nil
}

// reconcile applies two rules when on-disk reality disagrees with a
// loaded record:
//   - file missing but isComplete true -> reset completeness and ranges.
//   - file exists but the record never learned its length -> fill
//     totalLength from file size and mark complete iff cached bytes
//     already match it.
func reconcile(r *Resource, fs_ FileStat, log *slog.Logger) {
	size, exists, err := fs_.Stat(r.Key)
	if err != nil {
		log.Warn("metadata: stat cache file failed during reconciliation", "key", r.Key, "error", err)
		return
	}
	if !exists {
		if r.IsComplete {
			r.IsComplete = false
			r.CachedBytes = 0
			r.Ranges = rangeset.Set{}
		}
		return
	}
	if !r.HasLength {
		r.HasLength = true
		r.TotalLength = size
		if r.CachedBytes == size {
			r.IsComplete = true
		}
	}
}
