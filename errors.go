package mediacache

import (
	"errors"
	"fmt"

	"github.com/meigma/mediacache/internal/cachecore"
	"github.com/meigma/mediacache/internal/httpsource"
)

// IoError wraps a file open/read/write/rename/delete failure.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string { return fmt.Sprintf("mediacache: io %s: %v", e.Op, e.Err) }
func (e *IoError) Unwrap() error { return e.Err }

// NetworkError wraps a transport, DNS, or TLS failure reaching the
// origin.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("mediacache: network error fetching %s: %v", e.URL, e.Err)
}
func (e *NetworkError) Unwrap() error { return e.Err }

// HttpStatusError is a non-2xx response from the origin.
type HttpStatusError struct {
	URL        string
	StatusCode int
}

func (e *HttpStatusError) Error() string {
	return fmt.Sprintf("mediacache: %s returned status %d", e.URL, e.StatusCode)
}

// Retriable reports whether the status is transient (408, 429, 5xx).
func (e *HttpStatusError) Retriable() bool { return httpsource.Retriable(e.StatusCode) }

// IntegrityError is returned by MarkComplete when the file size
// disagrees with the expected total length. The partial cache is kept;
// the next access re-fetches the missing tail.
type IntegrityError = cachecore.IntegrityError

// CancelledError wraps a caller- or scheduler-initiated cancellation.
// It is never retried.
type CancelledError struct {
	Op string
}

func (e *CancelledError) Error() string { return fmt.Sprintf("mediacache: %s cancelled", e.Op) }

// NotFoundError is returned when metadata or a cache file is missing
// where expected. Reads surface this as a miss rather than failing.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("mediacache: %s not found", e.Key) }

// ConfigError wraps an invalid Option (e.g. MaxConcurrentDownloads < 1).
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("mediacache: invalid config field %s: %s", e.Field, e.Reason)
}

// ErrNotInitialized is returned by an operation attempted before
// startup reconciliation (loading persisted metadata) completes.
var ErrNotInitialized = errors.New("mediacache: not initialized")

// ErrNotFound is returned by Read/Stat-style lookups for an unknown key.
var ErrNotFound = cachecore.ErrNotFound
