package eviction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meigma/mediacache/internal/metadata"
)

type fakeRemover struct {
	removed []string
	sizes   map[string]int64
	total   int64
	pending map[string]bool
	failOn  string

	// store, when set, has key's metadata record deleted on Remove, as
	// the real cachecore.Core does.
	store *metadata.Store
}

func newFakeRemover(sizes map[string]int64) *fakeRemover {
	var total int64
	for _, v := range sizes {
		total += v
	}
	return &fakeRemover{sizes: sizes, total: total, pending: map[string]bool{}}
}

func (f *fakeRemover) Remove(ctx context.Context, key string) error {
	if key == f.failOn {
		return errors.New("boom")
	}
	if sz, ok := f.sizes[key]; ok {
		f.total -= sz
		delete(f.sizes, key)
	}
	if f.store != nil {
		if err := f.store.Remove(key); err != nil {
			return err
		}
	}
	f.removed = append(f.removed, key)
	return nil
}

func (f *fakeRemover) CurrentCacheSize() int64    { return f.total }
func (f *fakeRemover) PendingFlush(key string) bool { return f.pending[key] }

type fakeActive struct{ active map[string]bool }

func (a *fakeActive) IsActive(key string) bool { return a.active[key] }

func newStore(t *testing.T, resources ...*metadata.Resource) *metadata.Store {
	t.Helper()
	store, err := metadata.New(t.TempDir(), "bmm")
	if err != nil {
		t.Fatalf("metadata.New() error = %v", err)
	}
	for _, r := range resources {
		if err := store.Put(r); err != nil {
			t.Fatalf("store.Put() error = %v", err)
		}
	}
	return store
}

func TestCheckNoopWhenWithinBudgetAndDiskOK(t *testing.T) {
	t.Parallel()
	store := newStore(t, &metadata.Resource{Key: "a", CachedBytes: 10, LastAccess: time.Now()})
	rem := newFakeRemover(map[string]int64{"a": 10})
	eng := New(store, rem, &fakeActive{active: map[string]bool{}}, nil)

	if err := eng.Check(t.Context(), 100); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(rem.removed) != 0 {
		t.Fatalf("removed = %v, want none", rem.removed)
	}
}

func TestCheckLRUEvictsOldestFirstUntilBudgetMet(t *testing.T) {
	t.Parallel()
	now := time.Now()
	store := newStore(t,
		&metadata.Resource{Key: "old", CachedBytes: 40, LastAccess: now.Add(-time.Hour)},
		&metadata.Resource{Key: "mid", CachedBytes: 40, LastAccess: now.Add(-time.Minute)},
		&metadata.Resource{Key: "new", CachedBytes: 40, LastAccess: now},
	)
	rem := newFakeRemover(map[string]int64{"old": 40, "mid": 40, "new": 40})
	eng := New(store, rem, &fakeActive{active: map[string]bool{}}, nil, WithStrategy(LRU))

	if err := eng.Check(t.Context(), 80); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(rem.removed) != 1 || rem.removed[0] != "old" {
		t.Fatalf("removed = %v, want [old]", rem.removed)
	}
}

func TestCheckSkipsActiveAndPermanentCandidates(t *testing.T) {
	t.Parallel()
	now := time.Now()
	store := newStore(t,
		&metadata.Resource{Key: "active", CachedBytes: 50, LastAccess: now.Add(-time.Hour)},
		&metadata.Resource{Key: "permanent", CachedBytes: 50, LastAccess: now.Add(-time.Hour), Priority: metadata.PriorityPermanent},
		&metadata.Resource{Key: "evictable", CachedBytes: 50, LastAccess: now.Add(-time.Minute)},
	)
	rem := newFakeRemover(map[string]int64{"active": 50, "permanent": 50, "evictable": 50})
	eng := New(store, rem, &fakeActive{active: map[string]bool{"active": true}}, nil, WithStrategy(LRU))

	if err := eng.Check(t.Context(), 50); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(rem.removed) != 1 || rem.removed[0] != "evictable" {
		t.Fatalf("removed = %v, want [evictable]", rem.removed)
	}
}

func TestCheckExpiredSweepRunsRegardlessOfStrategy(t *testing.T) {
	t.Parallel()
	now := time.Now()
	store := newStore(t,
		&metadata.Resource{Key: "expired", CachedBytes: 10, LastAccess: now, HasExpiration: true, ExpirationAt: now.Add(-time.Second)},
		&metadata.Resource{Key: "fresh", CachedBytes: 10, LastAccess: now},
	)
	rem := newFakeRemover(map[string]int64{"expired": 10, "fresh": 10})
	eng := New(store, rem, &fakeActive{active: map[string]bool{}}, nil, WithStrategy(PriorityOrder))

	if err := eng.Check(t.Context(), 1000); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(rem.removed) != 1 || rem.removed[0] != "expired" {
		t.Fatalf("removed = %v, want [expired]", rem.removed)
	}
}

func TestCheckLFUOrdersByAscendingAccessCount(t *testing.T) {
	t.Parallel()
	now := time.Now()
	store := newStore(t,
		&metadata.Resource{Key: "hot", CachedBytes: 30, LastAccess: now, AccessCount: 100},
		&metadata.Resource{Key: "cold", CachedBytes: 30, LastAccess: now, AccessCount: 1},
	)
	rem := newFakeRemover(map[string]int64{"hot": 30, "cold": 30})
	eng := New(store, rem, &fakeActive{active: map[string]bool{}}, nil, WithStrategy(LFU))

	if err := eng.Check(t.Context(), 30); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(rem.removed) != 1 || rem.removed[0] != "cold" {
		t.Fatalf("removed = %v, want [cold]", rem.removed)
	}
}

func TestCheckCustomStrategyUsesComparator(t *testing.T) {
	t.Parallel()
	now := time.Now()
	store := newStore(t,
		&metadata.Resource{Key: "a", CachedBytes: 10, LastAccess: now},
		&metadata.Resource{Key: "z", CachedBytes: 10, LastAccess: now},
	)
	rem := newFakeRemover(map[string]int64{"a": 10, "z": 10})
	cmp := func(a, b *metadata.Resource) bool { return a.Key > b.Key } // evict "z" first
	eng := New(store, rem, &fakeActive{active: map[string]bool{}}, nil, WithStrategy(Custom), WithComparator(cmp))

	if err := eng.Check(t.Context(), 10); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(rem.removed) != 1 || rem.removed[0] != "z" {
		t.Fatalf("removed = %v, want [z]", rem.removed)
	}
}

func TestCheckContinuesPastRemoveErrorsAndLogsExhaustion(t *testing.T) {
	t.Parallel()
	now := time.Now()
	store := newStore(t,
		&metadata.Resource{Key: "stuck", CachedBytes: 50, LastAccess: now.Add(-time.Hour)},
		&metadata.Resource{Key: "ok", CachedBytes: 50, LastAccess: now.Add(-time.Minute)},
	)
	rem := newFakeRemover(map[string]int64{"stuck": 50, "ok": 50})
	rem.failOn = "stuck"
	eng := New(store, rem, &fakeActive{active: map[string]bool{}}, nil, WithStrategy(LRU))

	if err := eng.Check(t.Context(), 0); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(rem.removed) != 1 || rem.removed[0] != "ok" {
		t.Fatalf("removed = %v, want [ok] (stuck fails but pass continues)", rem.removed)
	}
}

func TestApplyMemoryPressureMediumOnlyEvictsLowPriority(t *testing.T) {
	t.Parallel()
	store := newStore(t,
		&metadata.Resource{Key: "low", Priority: metadata.PriorityLow},
		&metadata.Resource{Key: "normal", Priority: metadata.PriorityNormal},
	)
	rem := newFakeRemover(map[string]int64{"low": 10, "normal": 10})
	eng := New(store, rem, &fakeActive{active: map[string]bool{}}, nil)

	if err := eng.ApplyMemoryPressure(t.Context(), PressureMedium); err != nil {
		t.Fatalf("ApplyMemoryPressure() error = %v", err)
	}
	if len(rem.removed) != 1 || rem.removed[0] != "low" {
		t.Fatalf("removed = %v, want [low]", rem.removed)
	}
}

func TestApplyMemoryPressureCriticalEvictsEverythingEligible(t *testing.T) {
	t.Parallel()
	store := newStore(t,
		&metadata.Resource{Key: "a", Priority: metadata.PriorityHigh},
		&metadata.Resource{Key: "permanent", Priority: metadata.PriorityPermanent},
	)
	rem := newFakeRemover(map[string]int64{"a": 10, "permanent": 10})
	eng := New(store, rem, &fakeActive{active: map[string]bool{}}, nil)

	if err := eng.ApplyMemoryPressure(t.Context(), PressureCritical); err != nil {
		t.Fatalf("ApplyMemoryPressure() error = %v", err)
	}
	if len(rem.removed) != 1 || rem.removed[0] != "a" {
		t.Fatalf("removed = %v, want [a] (permanent never evicted)", rem.removed)
	}
}

func TestOrderExpiredOnlyReturnsShrunkFilteredSlice(t *testing.T) {
	t.Parallel()
	now := time.Now()
	rs := []*metadata.Resource{
		{Key: "fresh-a", LastAccess: now},
		{Key: "expired-old", LastAccess: now.Add(-time.Hour), HasExpiration: true, ExpirationAt: now.Add(-time.Minute)},
		{Key: "fresh-b", LastAccess: now},
		{Key: "expired-new", LastAccess: now.Add(-time.Minute), HasExpiration: true, ExpirationAt: now.Add(-time.Second)},
	}

	got := order(rs, ExpiredOnly, nil)

	if len(got) != 2 {
		t.Fatalf("order() returned %d entries, want 2: %v", len(got), got)
	}
	if got[0].Key != "expired-old" || got[1].Key != "expired-new" {
		t.Fatalf("order() = [%s %s], want [expired-old expired-new]", got[0].Key, got[1].Key)
	}
}

func TestCheckExpiredOnlyStrategyDoesNotEvictUnexpiredAfterSweep(t *testing.T) {
	t.Parallel()
	now := time.Now()
	store := newStore(t,
		&metadata.Resource{Key: "already-expired", CachedBytes: 10, LastAccess: now, HasExpiration: true, ExpirationAt: now.Add(-time.Second)},
		&metadata.Resource{Key: "fresh", CachedBytes: 10, LastAccess: now},
	)
	rem := newFakeRemover(map[string]int64{"already-expired": 10, "fresh": 10})
	rem.store = store
	eng := New(store, rem, &fakeActive{active: map[string]bool{}}, nil, WithStrategy(ExpiredOnly))

	// The unconditional sweep removes "already-expired" first; the
	// strategy-ordered pass then has nothing left that IsExpired, so it
	// must not also remove "fresh" just because it shares the backing
	// array with a since-filtered slice.
	if err := eng.Check(t.Context(), 0); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(rem.removed) != 1 || rem.removed[0] != "already-expired" {
		t.Fatalf("removed = %v, want [already-expired]", rem.removed)
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	cmp := func(a, b *metadata.Resource) bool { return a.Key < b.Key }
	reg.Register("alpha-order", cmp)

	got, ok := reg.Lookup("alpha-order")
	if !ok {
		t.Fatal("Lookup() ok = false, want true")
	}
	if got == nil {
		t.Fatal("Lookup() comparator = nil")
	}
	if _, ok := reg.Lookup("missing"); ok {
		t.Fatal("Lookup(missing) ok = true, want false")
	}
}
