// Package eviction implements the budget- and disk-space-driven removal
// pass that keeps the cache within its configured limits.
package eviction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/meigma/mediacache/internal/diskspace"
	"github.com/meigma/mediacache/internal/metadata"
	"github.com/meigma/mediacache/internal/telemetry"
)

// Strategy selects how non-expired candidates are ordered for removal.
type Strategy int

const (
	LRU Strategy = iota
	LFU
	FIFO
	ExpiredOnly
	PriorityOrder
	Custom
)

func (s Strategy) String() string {
	switch s {
	case LRU:
		return "lru"
	case LFU:
		return "lfu"
	case FIFO:
		return "fifo"
	case ExpiredOnly:
		return "expired-only"
	case PriorityOrder:
		return "priority"
	case Custom:
		return "custom"
	default:
		return "unknown"
	}
}

// Comparator imposes a total order over candidates for Strategy Custom;
// it reports whether a should be evicted before b.
type Comparator func(a, b *metadata.Resource) bool

// PressureLevel is a host-delivered memory-pressure signal.
type PressureLevel int

const (
	PressureLow PressureLevel = iota
	PressureMedium
	PressureHigh
	PressureCritical
)

func (p PressureLevel) String() string {
	switch p {
	case PressureLow:
		return "pressure-low"
	case PressureMedium:
		return "pressure-medium"
	case PressureHigh:
		return "pressure-high"
	case PressureCritical:
		return "pressure-critical"
	default:
		return "pressure-unknown"
	}
}

// Remover is the narrow CacheCore capability the engine drives.
type Remover interface {
	Remove(ctx context.Context, key string) error
	CurrentCacheSize() int64
	PendingFlush(key string) bool
}

// ActiveChecker is the narrow LoaderRegistry capability the engine
// consults to skip resources currently being served or fetched.
type ActiveChecker interface {
	IsActive(key string) bool
}

// EvictionRecorder is the narrow stats capability the engine reports
// completed removals to.
type EvictionRecorder interface {
	RecordEviction()
}

// noopRecorder is installed until WithEvictionRecorder is used.
type noopRecorder struct{}

func (noopRecorder) RecordEviction() {}

// Engine runs eviction passes against a MetadataStore snapshot.
type Engine struct {
	store    *metadata.Store
	remover  Remover
	active   ActiveChecker
	disk     *diskspace.Monitor
	logger   *slog.Logger
	recorder EvictionRecorder
	metrics  *telemetry.Metrics

	strategy         Strategy
	comparator       Comparator
	minFreeDiskBytes uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithStrategy selects the ordering strategy for non-expired candidates.
func WithStrategy(s Strategy) Option {
	return func(e *Engine) { e.strategy = s }
}

// WithComparator supplies the total order used when Strategy is Custom.
func WithComparator(cmp Comparator) Option {
	return func(e *Engine) { e.comparator = cmp }
}

// WithMinFreeDiskBytes sets the disk-space floor the cache volume must
// maintain.
func WithMinFreeDiskBytes(n uint64) Option {
	return func(e *Engine) { e.minFreeDiskBytes = n }
}

// WithLogger attaches a logger; nil discards log output.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithEvictionRecorder reports every completed removal (expired-sweep,
// budget-driven, or memory-pressure) to r. The default discards them.
func WithEvictionRecorder(r EvictionRecorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// New creates an Engine.
func New(store *metadata.Store, remover Remover, active ActiveChecker, disk *diskspace.Monitor, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		remover:  remover,
		active:   active,
		disk:     disk,
		strategy: LRU,
		recorder: noopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if m, err := telemetry.NewMetrics(); err == nil {
		e.metrics = m
	}
	return e
}

func (e *Engine) recordEviction(ctx context.Context, reason string) {
	e.recorder.RecordEviction()
	if e.metrics != nil {
		e.metrics.RecordEviction(ctx, reason)
	}
}

func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}

func (e *Engine) eligible(r *metadata.Resource) bool {
	return r.Priority != metadata.PriorityPermanent &&
		!e.active.IsActive(r.Key) &&
		!e.remover.PendingFlush(r.Key)
}

// Check runs at most one eviction pass: an expired sweep, then
// (if the budget or disk floor is still unsatisfied) a strategy-ordered
// removal pass. It does not rescan after each removal; if the pass
// cannot satisfy the budget because all remaining candidates are
// permanent or active, it logs and returns, to be retried on the next
// triggering event.
func (e *Engine) Check(ctx context.Context, budget int64) error {
	now := time.Now()
	all := e.store.Snapshot()

	if err := e.sweepExpired(ctx, all, now); err != nil {
		return err
	}
	all = e.store.Snapshot()

	withinBudget := e.remover.CurrentCacheSize() <= budget
	diskOK := true
	if e.disk != nil && e.minFreeDiskBytes > 0 {
		below, err := e.disk.Below(e.minFreeDiskBytes)
		if err != nil {
			e.log().Warn("eviction: disk-space check failed", "error", err)
		} else {
			diskOK = !below
		}
	}
	if withinBudget && diskOK {
		return nil
	}

	candidates := make([]*metadata.Resource, 0, len(all))
	for _, r := range all {
		if e.eligible(r) {
			candidates = append(candidates, r)
		}
	}
	candidates = order(candidates, e.strategy, e.comparator)

	for _, r := range candidates {
		if e.remover.CurrentCacheSize() <= budget {
			diskOK = true
			if e.disk != nil && e.minFreeDiskBytes > 0 {
				below, err := e.disk.Below(e.minFreeDiskBytes)
				if err == nil {
					diskOK = !below
				}
			}
			if diskOK {
				return nil
			}
		}
		if err := e.remover.Remove(ctx, r.Key); err != nil {
			e.log().Warn("eviction: remove failed", "key", r.Key, "error", err)
			continue
		}
		e.recordEviction(ctx, e.strategy.String())
	}

	if e.remover.CurrentCacheSize() > budget {
		e.log().Warn("eviction: pass exhausted candidates without satisfying budget", "current", e.remover.CurrentCacheSize(), "budget", budget)
	}
	return nil
}

// sweepExpired removes every eligible candidate whose expiration has
// passed, regardless of the configured strategy.
func (e *Engine) sweepExpired(ctx context.Context, all []*metadata.Resource, now time.Time) error {
	for _, r := range all {
		if !r.IsExpired(now) || !e.eligible(r) {
			continue
		}
		if err := e.remover.Remove(ctx, r.Key); err != nil {
			return fmt.Errorf("eviction: expired sweep remove %s: %w", r.Key, err)
		}
		e.recordEviction(ctx, "expired")
	}
	return nil
}

// ApplyMemoryPressure reacts to a host-delivered pressure level: medium
// evicts low-priority entries; high additionally evicts incomplete
// normal-priority entries; critical evicts everything except permanent
// or active resources.
func (e *Engine) ApplyMemoryPressure(ctx context.Context, level PressureLevel) error {
	if level == PressureLow {
		return nil
	}
	for _, r := range e.store.Snapshot() {
		if !e.eligible(r) {
			continue
		}
		evict := false
		switch {
		case level == PressureCritical:
			evict = true
		case level == PressureHigh:
			evict = r.Priority == metadata.PriorityLow || (r.Priority == metadata.PriorityNormal && !r.IsComplete)
		case level == PressureMedium:
			evict = r.Priority == metadata.PriorityLow
		}
		if !evict {
			continue
		}
		if err := e.remover.Remove(ctx, r.Key); err != nil {
			e.log().Warn("eviction: memory-pressure remove failed", "key", r.Key, "error", err)
			continue
		}
		e.recordEviction(ctx, level.String())
	}
	return nil
}

// order sorts (and, for ExpiredOnly, filters) rs according to strategy,
// returning the resulting slice. ExpiredOnly shrinks the slice, so the
// caller must use the returned value rather than rs as passed in.
func order(rs []*metadata.Resource, strategy Strategy, cmp Comparator) []*metadata.Resource {
	switch strategy {
	case LRU, FIFO:
		sort.Slice(rs, func(i, j int) bool { return rs[i].LastAccess.Before(rs[j].LastAccess) })
	case LFU:
		sort.Slice(rs, func(i, j int) bool { return rs[i].AccessCount < rs[j].AccessCount })
	case ExpiredOnly:
		now := time.Now()
		filtered := make([]*metadata.Resource, 0, len(rs))
		for _, r := range rs {
			if r.IsExpired(now) {
				filtered = append(filtered, r)
			}
		}
		rs = filtered
		sort.Slice(rs, func(i, j int) bool { return rs[i].LastAccess.Before(rs[j].LastAccess) })
	case PriorityOrder:
		sort.Slice(rs, func(i, j int) bool {
			if rs[i].Priority != rs[j].Priority {
				return rs[i].Priority < rs[j].Priority
			}
			return rs[i].LastAccess.Before(rs[j].LastAccess)
		})
	case Custom:
		if cmp != nil {
			sort.Slice(rs, func(i, j int) bool { return cmp(rs[i], rs[j]) })
		}
	}
	return rs
}

// Registry maps a stable string ID to a Custom-strategy Comparator, so
// persisted configuration naming a strategy by ID survives restarts.
type Registry struct {
	byID map[string]Comparator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Comparator)}
}

// Register associates id with cmp.
func (reg *Registry) Register(id string, cmp Comparator) {
	reg.byID[id] = cmp
}

// Lookup returns the Comparator registered under id, if any.
func (reg *Registry) Lookup(id string) (Comparator, bool) {
	cmp, ok := reg.byID[id]
	return cmp, ok
}
