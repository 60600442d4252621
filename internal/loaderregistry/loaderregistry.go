// Package loaderregistry maps resource keys to their active Loader,
// creating Loaders on demand and tearing them down once no requests or
// preload work keep them alive.
package loaderregistry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/meigma/mediacache/internal/keygen"
	"github.com/meigma/mediacache/internal/loader"
)

// LoaderFactory creates a Loader for key/url on demand. Concrete
// instantiation (wiring an httpsource.Source, a cachecore.Core view,
// and retry/backoff options) belongs to the caller, not the registry.
type LoaderFactory func(key, url string) *loader.Loader

// Registry owns one Loader per active resource key. All map mutations
// are serialized behind a single mutex (one logical owner).
type Registry struct {
	mu      sync.Mutex
	loaders map[string]*loader.Loader
	urls    map[string]string // key -> original URL, for factory reuse

	keyFunc keygen.Func
	factory LoaderFactory
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithKeyFunc overrides the default SHA-256-hex key derivation.
func WithKeyFunc(f keygen.Func) Option {
	return func(r *Registry) { r.keyFunc = f }
}

// WithLogger attaches a logger; nil discards log output.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates a Registry. factory is called at most once per key to
// build its owning Loader.
func New(factory LoaderFactory, opts ...Option) *Registry {
	r := &Registry{
		loaders: make(map[string]*loader.Loader),
		urls:    make(map[string]string),
		keyFunc: keygen.Default,
		factory: factory,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// KeyFor derives the ResourceKey for a URL using the registry's configured
// key function.
func (r *Registry) KeyFor(url string) (string, error) {
	return r.keyFunc(url)
}

// HandlePlayerRequest resolves url to a key, ensures a Loader exists for
// it, and attaches req.
func (r *Registry) HandlePlayerRequest(ctx context.Context, url string, req *loader.Request) error {
	key, err := r.keyFunc(url)
	if err != nil {
		return err
	}
	ld := r.ensure(key, url)
	return ld.Add(ctx, req)
}

// HandlePlayerCancel detaches id from url's Loader. If the Loader then
// has zero attached requests and is idle (not serving a preload), it is
// cancelled and removed from the registry.
func (r *Registry) HandlePlayerCancel(url, id string) {
	key, err := r.keyFunc(url)
	if err != nil {
		return
	}

	r.mu.Lock()
	ld, ok := r.loaders[key]
	r.mu.Unlock()
	if !ok {
		return
	}

	ld.Remove(id)
	if ld.ActiveRequestCount() == 0 && ld.State() != loader.Fetching {
		r.mu.Lock()
		delete(r.loaders, key)
		delete(r.urls, key)
		r.mu.Unlock()
		ld.Cancel()
	}
}

// IsActive reports whether key's registered Loader is fetching or has
// attached requests, used by the eviction engine to skip resources that
// are currently being served or fetched. A registered but idle Loader
// does not count.
func (r *Registry) IsActive(key string) bool {
	r.mu.Lock()
	ld, ok := r.loaders[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return ld.State() == loader.Fetching || ld.ActiveRequestCount() > 0
}

// Preload resolves url to a key, ensures a Loader exists, and attaches
// req as a preload-origin request (no player waiting on it).
func (r *Registry) Preload(ctx context.Context, url string, req *loader.Request) (string, error) {
	key, err := r.keyFunc(url)
	if err != nil {
		return "", err
	}
	req.IsPreload = true
	ld := r.ensure(key, url)
	return key, ld.Add(ctx, req)
}

func (r *Registry) ensure(key, url string) *loader.Loader {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ld, ok := r.loaders[key]; ok {
		return ld
	}
	ld := r.factory(key, url)
	r.loaders[key] = ld
	r.urls[key] = url
	return ld
}

// CancelAll cancels every active Loader and empties the registry, used
// by clearAll.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	loaders := r.loaders
	r.loaders = make(map[string]*loader.Loader)
	r.urls = make(map[string]string)
	r.mu.Unlock()

	for _, ld := range loaders {
		ld.Cancel()
	}
}

// ActiveKeys returns a snapshot of currently registered resource keys.
func (r *Registry) ActiveKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.loaders))
	for k := range r.loaders {
		keys = append(keys, k)
	}
	return keys
}
