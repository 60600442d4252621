package mediacache

import cachecore "github.com/meigma/mediacache/internal/cachecore"

// ProgressFunc receives (key, originalURL, percent, cachedBytes,
// totalBytes) updates as a resource is written, rate-limited to at
// most once per 100ms or per 0.5% change, whichever is sooner.
// Implementations must be safe for concurrent calls.
type ProgressFunc = cachecore.ProgressFunc

// WithProgress attaches a progress callback invoked as cache writes
// land, once a resource's total length is known.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Config) error {
		c.progress = fn
		return nil
	}
}
