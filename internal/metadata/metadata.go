// Package metadata implements the in-memory and durable store of
// per-resource cache metadata.
package metadata

import (
	"time"

	"github.com/meigma/mediacache/internal/rangeset"
)

// Priority is the eviction priority of a resource. Values form a total
// order: PriorityLow < PriorityNormal < PriorityHigh < PriorityPermanent.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityPermanent
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Resource holds everything the cache knows about one resource.
//
// Resource is mutated only by cachecore.Core (through the owning
// Loader) as a resource moves through its fetch lifecycle.
type Resource struct {
	Key           string
	OriginalURL   string
	ContentType   string // empty if unknown
	HasLength     bool
	TotalLength   int64
	SupportsRange bool
	Ranges        rangeset.Set
	CachedBytes   int64
	IsComplete    bool
	LastAccess    time.Time
	AccessCount   uint64
	Priority      Priority
	HasExpiration bool
	ExpirationAt  time.Time
}

// IsExpired reports whether the resource's expiration deadline, if any,
// has passed as of now.
func (r *Resource) IsExpired(now time.Time) bool {
	return r.HasExpiration && r.ExpirationAt.Before(now)
}

// Clone returns a deep-enough copy safe to hand to callers outside the
// store's lock (RangeSet is already an immutable value type).
func (r *Resource) Clone() *Resource {
	cp := *r
	return &cp
}

// record is the versioned, self-describing on-disk shape of a Resource.
// CBOR field names are carried explicitly so that unknown future fields
// are skipped on decode rather than erroring, and so fields can be
// reordered or added without breaking old records.
type record struct {
	Version       int           `cbor:"version"`
	Key           string        `cbor:"key"`
	OriginalURL   string        `cbor:"url"`
	ContentType   string        `cbor:"content_type,omitempty"`
	HasLength     bool          `cbor:"has_length"`
	TotalLength   int64         `cbor:"total_length"`
	SupportsRange bool          `cbor:"supports_range"`
	RangePairs    [][2]int64    `cbor:"ranges"`
	CachedBytes   int64         `cbor:"cached_bytes"`
	IsComplete    bool          `cbor:"is_complete"`
	LastAccess    time.Time     `cbor:"last_access"`
	AccessCount   uint64        `cbor:"access_count"`
	Priority      int           `cbor:"priority"`
	HasExpiration bool          `cbor:"has_expiration,omitempty"`
	ExpirationAt  time.Time     `cbor:"expiration_at,omitempty"`
}

const recordVersion = 1

func toRecord(r *Resource) record {
	ranges := r.Ranges.Ranges()
	pairs := make([][2]int64, len(ranges))
	for i, rg := range ranges {
		pairs[i] = [2]int64{rg.Start, rg.End}
	}
	return record{
		Version:       recordVersion,
		Key:           r.Key,
		OriginalURL:   r.OriginalURL,
		ContentType:   r.ContentType,
		HasLength:     r.HasLength,
		TotalLength:   r.TotalLength,
		SupportsRange: r.SupportsRange,
		RangePairs:    pairs,
		CachedBytes:   r.CachedBytes,
		IsComplete:    r.IsComplete,
		LastAccess:    r.LastAccess,
		AccessCount:   r.AccessCount,
		Priority:      int(r.Priority),
		HasExpiration: r.HasExpiration,
		ExpirationAt:  r.ExpirationAt,
	}
}

func fromRecord(rec record) *Resource {
	ranges := make([]rangeset.Range, len(rec.RangePairs))
	for i, p := range rec.RangePairs {
		ranges[i] = rangeset.Range{Start: p[0], End: p[1]}
	}
	return &Resource{
		Key:           rec.Key,
		OriginalURL:   rec.OriginalURL,
		ContentType:   rec.ContentType,
		HasLength:     rec.HasLength,
		TotalLength:   rec.TotalLength,
		SupportsRange: rec.SupportsRange,
		Ranges:        rangeset.New(ranges...),
		CachedBytes:   rec.CachedBytes,
		IsComplete:    rec.IsComplete,
		LastAccess:    rec.LastAccess,
		AccessCount:   rec.AccessCount,
		Priority:      Priority(rec.Priority),
		HasExpiration: rec.HasExpiration,
		ExpirationAt:  rec.ExpirationAt,
	}
}
