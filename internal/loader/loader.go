// Package loader drives a single active resource's fetch lifecycle: at
// most one in-flight HTTP byte-range session, any number of attached
// player requests, chunked streaming into the cache core, and retry
// with backoff on transient failure.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/meigma/mediacache/internal/cachecore"
	"github.com/meigma/mediacache/internal/httpsource"
	"github.com/meigma/mediacache/internal/m3u8"
	"github.com/meigma/mediacache/internal/metadata"
	"github.com/meigma/mediacache/internal/rangeset"
)

// State is the Loader's coarse fetch state.
type State int

const (
	Idle State = iota
	Fetching
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

const (
	playerChunkSize  = 64 << 10
	preloadChunkSize = 256 << 10

	defaultMaxRetries     = 3
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 15 * time.Second
	defaultBackoffFactor  = 2.0
)

// ErrCancelled is delivered to attached requests when a Loader is
// cancelled before their range is satisfied.
var ErrCancelled = errors.New("loader: cancelled")

// Fetcher is the byte-range session capability a Loader drives;
// satisfied by *httpsource.Source.
type Fetcher interface {
	Fetch(ctx context.Context, start, end int64) (io.ReadCloser, httpsource.Info, error)
}

// Cache is the narrow CacheCore capability the Loader needs.
type Cache interface {
	Read(ctx context.Context, key string, r rangeset.Range) ([]byte, bool, error)
	Write(ctx context.Context, key, url string, offset int64, data []byte, budget int64) error
	MarkComplete(ctx context.Context, key string, expectedSize *int64) error
	GetContentInfo(key string) (cachecore.ContentInfo, error)
	UpdateContentInfo(key string, info cachecore.ContentInfo) error
}

// PreloadEnqueuer lets the Loader hand off HLS segment/variant URLs
// discovered while fetching a playlist.
type PreloadEnqueuer interface {
	Enqueue(url string, priority metadata.Priority, length int64) error
}

// Chunk is one unit delivered to an attached Request as data streams in.
type Chunk struct {
	ContentInfo *cachecore.ContentInfo
	Data        []byte
	Err         error
	Done        bool
}

// Request is one player- or preload-originated interest in a byte
// range of the resource. Length < 0 means open-ended (to EOF).
type Request struct {
	ID               string
	Offset           int64
	Length           int64
	NeedsContentInfo bool
	IsPreload        bool

	out chan Chunk
}

// NewRequest creates a Request with its delivery channel allocated.
func NewRequest(id string, offset, length int64) *Request {
	return &Request{ID: id, Offset: offset, Length: length, out: make(chan Chunk, 4)}
}

// Chunks returns the channel chunks and the terminal event are
// delivered on; it is closed after a Done or Err chunk.
func (r *Request) Chunks() <-chan Chunk { return r.out }

func (r *Request) end() int64 {
	if r.Length < 0 {
		return -1
	}
	return r.Offset + r.Length - 1
}

// Loader owns the fetch lifecycle for one resource.
type Loader struct {
	key string
	url string

	cache   Cache
	fetcher Fetcher
	preload PreloadEnqueuer
	logger  *slog.Logger

	budget     int64
	maxRetries int

	backoffInitial time.Duration
	backoffMax     time.Duration
	backoffFactor  float64

	mu       sync.Mutex
	state    State
	requests map[string]*Request
	cancelFn context.CancelFunc
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger attaches a logger; nil discards log output.
func WithLogger(l *slog.Logger) Option {
	return func(ld *Loader) { ld.logger = l }
}

// WithBudget sets the cache size budget passed through to every write,
// triggering an eviction check.
func WithBudget(budget int64) Option {
	return func(ld *Loader) { ld.budget = budget }
}

// WithMaxRetries overrides the default of 3 retry attempts.
func WithMaxRetries(n int) Option {
	return func(ld *Loader) { ld.maxRetries = n }
}

// WithBackoff overrides the default 1s/2.0/15s exponential backoff
// schedule, primarily so tests don't pay real wall-clock delays.
func WithBackoff(initial, max time.Duration, factor float64) Option {
	return func(ld *Loader) {
		ld.backoffInitial = initial
		ld.backoffMax = max
		ld.backoffFactor = factor
	}
}

// WithPreloadEnqueuer wires HLS-discovered segment/variant URLs to a
// PreloadScheduler.
func WithPreloadEnqueuer(p PreloadEnqueuer) Option {
	return func(ld *Loader) { ld.preload = p }
}

// New creates a Loader for key/url.
func New(key, url string, cache Cache, fetcher Fetcher, opts ...Option) *Loader {
	ld := &Loader{
		key:            key,
		url:            url,
		cache:          cache,
		fetcher:        fetcher,
		requests:       make(map[string]*Request),
		maxRetries:     defaultMaxRetries,
		budget:         1 << 62,
		backoffInitial: defaultInitialBackoff,
		backoffMax:     defaultMaxBackoff,
		backoffFactor:  defaultBackoffFactor,
	}
	for _, opt := range opts {
		opt(ld)
	}
	return ld
}

func (ld *Loader) log() *slog.Logger {
	if ld.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return ld.logger
}

// State returns the Loader's current coarse state.
func (ld *Loader) State() State {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return ld.state
}

// ActiveRequestCount returns the number of currently attached requests.
func (ld *Loader) ActiveRequestCount() int {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return len(ld.requests)
}

// Add attaches req to this Loader, serving it from cache immediately if
// possible and otherwise ensuring a Fetching session exists starting at
// the first offset the cache is missing.
func (ld *Loader) Add(ctx context.Context, req *Request) error {
	if req.NeedsContentInfo {
		if info, err := ld.cache.GetContentInfo(ld.key); err == nil && info.HasLength {
			req.out <- Chunk{ContentInfo: &info}
		}
	}

	if req.Length >= 0 {
		data, hit, err := ld.cache.Read(ctx, ld.key, rangeset.Range{Start: req.Offset, End: req.end()})
		if err != nil {
			req.out <- Chunk{Err: err, Done: true}
			close(req.out)
			return nil
		}
		if hit {
			req.out <- Chunk{Data: data, Done: true}
			close(req.out)
			return nil
		}
	}

	ld.mu.Lock()
	if ld.state == Cancelled {
		ld.mu.Unlock()
		req.out <- Chunk{Err: ErrCancelled, Done: true}
		close(req.out)
		return nil
	}
	ld.requests[req.ID] = req
	startFetch := ld.state == Idle
	if startFetch {
		ld.state = Fetching
	}
	ld.mu.Unlock()

	if startFetch {
		startOffset := ld.firstMissingOffset(req.Offset)
		go ld.runFetch(startOffset)
	}
	return nil
}

// firstMissingOffset returns the offset a new fetch session should start
// at for a request wanting data from from onward. The Cache capability
// only exposes range containment, not the full range set, so this is a
// conservative choice: starting at from re-covers any bytes the cache
// already has, which RangeSet.Add absorbs as a no-op overlap rather than
// a correctness problem, at the cost of a redundant re-read of that
// prefix from the origin.
func (ld *Loader) firstMissingOffset(from int64) int64 {
	return from
}

// Remove detaches req (by ID) from this Loader without cancelling the
// fetch, used when a player cancels one of several attached requests.
func (ld *Loader) Remove(id string) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	delete(ld.requests, id)
}

// Cancel stops the in-flight fetch (if any), fails every attached
// request with ErrCancelled, and marks the Loader Cancelled. Bytes
// already written to the cache are not rolled back.
func (ld *Loader) Cancel() {
	ld.mu.Lock()
	ld.state = Cancelled
	if ld.cancelFn != nil {
		ld.cancelFn()
	}
	reqs := ld.requests
	ld.requests = make(map[string]*Request)
	ld.mu.Unlock()

	for _, r := range reqs {
		r.out <- Chunk{Err: ErrCancelled, Done: true}
		close(r.out)
	}
}

// runFetch drives one fetch session from startOffset to EOF, retrying
// on transient failure with exponential backoff, forwarding streamed
// chunks to every request whose range currently overlaps, and writing
// every chunk through the cache core.
func (ld *Loader) runFetch(startOffset int64) {
	ctx, cancel := context.WithCancel(context.Background())
	ld.mu.Lock()
	ld.state = Fetching
	ld.cancelFn = cancel
	ld.mu.Unlock()

	defer func() {
		ld.mu.Lock()
		if ld.state != Cancelled {
			ld.state = Idle
		}
		ld.cancelFn = nil
		ld.mu.Unlock()
		cancel()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = ld.backoffInitial
	bo.Multiplier = ld.backoffFactor
	bo.MaxInterval = ld.backoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	offset := startOffset
	sawContentInfo := false

	for attempt := 0; ; attempt++ {
		err := ld.fetchOnce(ctx, &offset, &sawContentInfo)
		if err == nil {
			ld.finishSuccess(ctx)
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		if !isRetriable(err) || attempt >= ld.maxRetries {
			ld.finishFailure(err)
			return
		}
		d := bo.NextBackOff()
		ld.log().Warn("loader: retrying fetch", "key", ld.key, "attempt", attempt+1, "delay", d, "error", err)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return
		}
	}
}

func isRetriable(err error) bool {
	var statusErr *httpsource.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retriable()
	}
	return true // network/transport errors are retriable by default
}

// fetchOnce issues one GET from *offset to EOF and streams chunks until
// the body is exhausted or an error occurs, advancing *offset as bytes
// are confirmed written.
func (ld *Loader) fetchOnce(ctx context.Context, offset *int64, sawContentInfo *bool) error {
	body, info, err := ld.fetcher.Fetch(ctx, *offset, -1)
	if err != nil {
		return err
	}
	defer body.Close()

	if !*sawContentInfo {
		total := info.TotalLength
		if !info.HasLength {
			total = 0
		}
		if err := ld.cache.UpdateContentInfo(ld.key, cachecore.ContentInfo{
			ContentType:   info.ContentType,
			TotalLength:   total,
			HasLength:     info.HasLength,
			SupportsRange: info.SupportsRange,
		}); err != nil {
			ld.log().Warn("loader: failed to persist content info", "key", ld.key, "error", err)
		}
		*sawContentInfo = true
	}

	chunkSize := playerChunkSize
	if ld.onlyPreloadAttached() {
		chunkSize = preloadChunkSize
	}

	isPlaylist := isHLSPlaylist(info.ContentType, ld.url)
	var playlistBuf []byte

	buf := make([]byte, chunkSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if isPlaylist {
				playlistBuf = append(playlistBuf, chunk...)
			}
			ld.deliver(*offset, chunk)
			if werr := ld.cache.Write(ctx, ld.key, ld.url, *offset, chunk, ld.budget); werr != nil {
				return werr
			}
			*offset += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return rerr
		}
	}

	if isPlaylist && ld.preload != nil {
		ld.handlePlaylist(playlistBuf)
	}
	return nil
}

func (ld *Loader) onlyPreloadAttached() bool {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	if len(ld.requests) == 0 {
		return true
	}
	for _, r := range ld.requests {
		if !r.IsPreload {
			return false
		}
	}
	return true
}

func (ld *Loader) deliver(offset int64, data []byte) {
	end := offset + int64(len(data)) - 1
	ld.mu.Lock()
	defer ld.mu.Unlock()
	for _, r := range ld.requests {
		if r.end() >= 0 && (r.Offset > end || r.end() < offset) {
			continue
		}
		lo := max64(offset, r.Offset)
		hi := end
		if r.end() >= 0 && r.end() < hi {
			hi = r.end()
		}
		if lo > hi {
			continue
		}
		r.out <- Chunk{Data: data[lo-offset : hi-offset+1]}
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func isHLSPlaylist(contentType, url string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "mpegurl") || strings.Contains(ct, "x-mpegurl") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(url), ".m3u8")
}

func (ld *Loader) handlePlaylist(body []byte) {
	pl, err := m3u8.Parse(body, ld.url)
	if err != nil {
		ld.log().Warn("loader: failed to parse HLS playlist", "key", ld.key, "error", err)
		return
	}
	for _, u := range pl.URLs() {
		if err := ld.preload.Enqueue(u, metadata.PriorityNormal, 0); err != nil {
			ld.log().Warn("loader: failed to enqueue HLS reference", "key", ld.key, "url", u, "error", err)
		}
	}
}

func (ld *Loader) finishSuccess(ctx context.Context) {
	info, err := ld.cache.GetContentInfo(ld.key)
	if err == nil && info.HasLength {
		expected := info.TotalLength
		if merr := ld.cache.MarkComplete(ctx, ld.key, &expected); merr != nil {
			ld.log().Warn("loader: mark complete failed", "key", ld.key, "error", merr)
		}
	} else {
		if merr := ld.cache.MarkComplete(ctx, ld.key, nil); merr != nil {
			ld.log().Warn("loader: mark complete failed", "key", ld.key, "error", merr)
		}
	}

	ld.mu.Lock()
	reqs := ld.requests
	ld.requests = make(map[string]*Request)
	ld.mu.Unlock()
	for _, r := range reqs {
		r.out <- Chunk{Done: true}
		close(r.out)
	}
}

func (ld *Loader) finishFailure(err error) {
	ld.mu.Lock()
	reqs := ld.requests
	ld.requests = make(map[string]*Request)
	ld.mu.Unlock()
	for _, r := range reqs {
		r.out <- Chunk{Err: fmt.Errorf("loader: fetch failed: %w", err), Done: true}
		close(r.out)
	}
}
