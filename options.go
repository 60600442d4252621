package mediacache

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/meigma/mediacache/internal/eviction"
	"github.com/meigma/mediacache/internal/keygen"
)

// Config holds every recognized construction-time option. It is
// immutable once a Cache is built; reconfiguration requires building a
// new Cache.
type Config struct {
	CacheDirectory    string `yaml:"cacheDirectory"`
	MaxCacheSizeBytes int64  `yaml:"maxCacheSizeBytes"`

	CacheFileExtension     string `yaml:"cacheFileExtension"`
	MetadataFileExtension  string `yaml:"metadataFileExtension"`
	CacheSchemePrefix      string `yaml:"cacheSchemePrefix"`

	PreloadTaskTimeout     time.Duration     `yaml:"preloadTaskTimeout"`
	RequestTimeout         time.Duration     `yaml:"requestTimeout"`
	AllowsCellularAccess   bool              `yaml:"allowsCellularAccess"`
	MaxConcurrentDownloads int64             `yaml:"maxConcurrentDownloads"`
	CustomHTTPHeaders      map[string]string `yaml:"customHTTPHeaders"`

	DefaultExpirationInterval time.Duration    `yaml:"defaultExpirationInterval"`
	CleanupInterval           time.Duration    `yaml:"cleanupInterval"`
	DiskSpaceMonitorInterval  time.Duration    `yaml:"diskSpaceMonitorInterval"`
	CleanupStrategy           eviction.Strategy `yaml:"-"`
	MinFreeDiskBytes          uint64           `yaml:"minFreeDiskBytes"`

	keyFunc  keygen.Func
	logger   *slog.Logger
	progress ProgressFunc
}

// defaultConfig returns the baseline Config that every constructed
// Config is merged against to fill unset fields.
func defaultConfig() Config {
	return Config{
		CacheFileExtension:        "bmv",
		MetadataFileExtension:     "bmm",
		CacheSchemePrefix:         "bmcache-",
		MaxCacheSizeBytes:         1 << 30, // 1 GiB
		PreloadTaskTimeout:        0,
		RequestTimeout:            30 * time.Second,
		MaxConcurrentDownloads:    4,
		DefaultExpirationInterval: 0,
		CleanupInterval:           time.Hour,
		DiskSpaceMonitorInterval:  5 * time.Minute,
		CleanupStrategy:           eviction.LRU,
		MinFreeDiskBytes:          500 << 20, // 500 MiB
		keyFunc:                   keygen.Default,
	}
}

// Option configures a Config.
type Option func(*Config) error

// WithCacheDirectory sets the root directory for data and metadata
// files. Required.
func WithCacheDirectory(dir string) Option {
	return func(c *Config) error {
		c.CacheDirectory = dir
		return nil
	}
}

// WithMaxCacheSizeBytes sets the eviction engine's size budget.
func WithMaxCacheSizeBytes(n int64) Option {
	return func(c *Config) error {
		if n <= 0 {
			return &ConfigError{Field: "MaxCacheSizeBytes", Reason: "must be positive"}
		}
		c.MaxCacheSizeBytes = n
		return nil
	}
}

// WithFileExtensions overrides the default "bmv"/"bmm" data/metadata
// file extensions.
func WithFileExtensions(dataExt, metaExt string) Option {
	return func(c *Config) error {
		c.CacheFileExtension = dataExt
		c.MetadataFileExtension = metaExt
		return nil
	}
}

// WithCacheSchemePrefix overrides the default "bmcache-" player-facing
// URL scheme prefix.
func WithCacheSchemePrefix(prefix string) Option {
	return func(c *Config) error {
		c.CacheSchemePrefix = prefix
		return nil
	}
}

// WithRequestTimeout bounds each individual origin HTTP request.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.RequestTimeout = d
		return nil
	}
}

// WithPreloadTaskTimeout sets the per-task timeout applied to every
// preload task, in whole seconds.
func WithPreloadTaskTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.PreloadTaskTimeout = d
		return nil
	}
}

// WithAllowsCellularAccess records whether preload work may run on a
// metered connection; carried through as configuration state for the
// host's own network-reachability checks, not enforced by this package.
func WithAllowsCellularAccess(allowed bool) Option {
	return func(c *Config) error {
		c.AllowsCellularAccess = allowed
		return nil
	}
}

// WithMaxConcurrentDownloads bounds simultaneously running preload
// tasks.
func WithMaxConcurrentDownloads(n int64) Option {
	return func(c *Config) error {
		if n < 1 {
			return &ConfigError{Field: "MaxConcurrentDownloads", Reason: "must be >= 1"}
		}
		c.MaxConcurrentDownloads = n
		return nil
	}
}

// WithCustomHTTPHeaders sets headers attached to every origin request.
func WithCustomHTTPHeaders(headers map[string]string) Option {
	return func(c *Config) error {
		c.CustomHTTPHeaders = headers
		return nil
	}
}

// WithKeyFunction overrides the default SHA-256-hex URL-to-key
// derivation.
func WithKeyFunction(f keygen.Func) Option {
	return func(c *Config) error {
		c.keyFunc = f
		return nil
	}
}

// WithDefaultExpirationInterval records a default expiration interval in
// Config. No component reads it: a resource gets an expiration time only
// through Cache.SetExpirationAt, and one without it never expires.
func WithDefaultExpirationInterval(d time.Duration) Option {
	return func(c *Config) error {
		c.DefaultExpirationInterval = d
		return nil
	}
}

// WithCleanupInterval sets the eviction engine's periodic pass cadence.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return &ConfigError{Field: "CleanupInterval", Reason: "must be positive"}
		}
		c.CleanupInterval = d
		return nil
	}
}

// WithDiskSpaceMonitorInterval sets the cadence of the disk-space-floor
// check.
func WithDiskSpaceMonitorInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return &ConfigError{Field: "DiskSpaceMonitorInterval", Reason: "must be positive"}
		}
		c.DiskSpaceMonitorInterval = d
		return nil
	}
}

// WithCleanupStrategy selects the eviction ordering strategy.
func WithCleanupStrategy(s eviction.Strategy) Option {
	return func(c *Config) error {
		c.CleanupStrategy = s
		return nil
	}
}

// WithMinFreeDiskBytes sets the disk-space floor the cache volume must
// maintain.
func WithMinFreeDiskBytes(n uint64) Option {
	return func(c *Config) error {
		c.MinFreeDiskBytes = n
		return nil
	}
}

// WithLogger attaches a logger used by every coordinator; nil (the
// default) discards log output.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) error {
		c.logger = l
		return nil
	}
}

func buildConfig(opts ...Option) (Config, error) {
	cfg := Config{}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return Config{}, err
		}
	}
	if err := mergo.Merge(&cfg, defaultConfig()); err != nil {
		return Config{}, fmt.Errorf("mediacache: apply defaults: %w", err)
	}
	// mergo reaches struct fields through reflection and cannot set
	// unexported ones (reflect.Value.CanSet() is false for them), so
	// keyFunc's default never survives the merge above unless seeded
	// here directly.
	if cfg.keyFunc == nil {
		cfg.keyFunc = keygen.Default
	}
	if cfg.CacheDirectory == "" {
		return Config{}, &ConfigError{Field: "CacheDirectory", Reason: "must be set"}
	}
	return cfg, nil
}

// yamlConfig mirrors the subset of Config that can be expressed in a
// configuration file; keyFunc and logger are construction-time-only and
// have no YAML representation.
type yamlConfig struct {
	CacheDirectory            string            `yaml:"cacheDirectory"`
	MaxCacheSizeBytes         int64             `yaml:"maxCacheSizeBytes"`
	CacheFileExtension        string            `yaml:"cacheFileExtension"`
	MetadataFileExtension     string            `yaml:"metadataFileExtension"`
	CacheSchemePrefix         string            `yaml:"cacheSchemePrefix"`
	PreloadTaskTimeout        time.Duration     `yaml:"preloadTaskTimeout"`
	RequestTimeout            time.Duration     `yaml:"requestTimeout"`
	AllowsCellularAccess      bool              `yaml:"allowsCellularAccess"`
	MaxConcurrentDownloads    int64             `yaml:"maxConcurrentDownloads"`
	CustomHTTPHeaders         map[string]string `yaml:"customHTTPHeaders"`
	DefaultExpirationInterval time.Duration     `yaml:"defaultExpirationInterval"`
	CleanupInterval           time.Duration     `yaml:"cleanupInterval"`
	DiskSpaceMonitorInterval  time.Duration     `yaml:"diskSpaceMonitorInterval"`
	MinFreeDiskBytes          uint64            `yaml:"minFreeDiskBytes"`
}

// LoadConfigYAML reads a YAML configuration file and returns the
// Options it implies, for hosts that prefer a config file over
// constructing Options in code. Options are applied in the order
// given to NewCache, and each one simply overwrites the fields it
// touches, so list the returned Options first and any explicit
// code-level overrides after them if the override should win.
func LoadConfigYAML(path string) ([]Option, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mediacache: read config %s: %w", path, err)
	}
	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("mediacache: parse config %s: %w", path, err)
	}

	var opts []Option
	if y.CacheDirectory != "" {
		opts = append(opts, WithCacheDirectory(y.CacheDirectory))
	}
	if y.MaxCacheSizeBytes > 0 {
		opts = append(opts, WithMaxCacheSizeBytes(y.MaxCacheSizeBytes))
	}
	if y.CacheFileExtension != "" || y.MetadataFileExtension != "" {
		dataExt, metaExt := y.CacheFileExtension, y.MetadataFileExtension
		if dataExt == "" {
			dataExt = "bmv"
		}
		if metaExt == "" {
			metaExt = "bmm"
		}
		opts = append(opts, WithFileExtensions(dataExt, metaExt))
	}
	if y.CacheSchemePrefix != "" {
		opts = append(opts, WithCacheSchemePrefix(y.CacheSchemePrefix))
	}
	if y.PreloadTaskTimeout > 0 {
		opts = append(opts, WithPreloadTaskTimeout(y.PreloadTaskTimeout))
	}
	if y.RequestTimeout > 0 {
		opts = append(opts, WithRequestTimeout(y.RequestTimeout))
	}
	opts = append(opts, WithAllowsCellularAccess(y.AllowsCellularAccess))
	if y.MaxConcurrentDownloads > 0 {
		opts = append(opts, WithMaxConcurrentDownloads(y.MaxConcurrentDownloads))
	}
	if len(y.CustomHTTPHeaders) > 0 {
		opts = append(opts, WithCustomHTTPHeaders(y.CustomHTTPHeaders))
	}
	if y.DefaultExpirationInterval > 0 {
		opts = append(opts, WithDefaultExpirationInterval(y.DefaultExpirationInterval))
	}
	if y.CleanupInterval > 0 {
		opts = append(opts, WithCleanupInterval(y.CleanupInterval))
	}
	if y.DiskSpaceMonitorInterval > 0 {
		opts = append(opts, WithDiskSpaceMonitorInterval(y.DiskSpaceMonitorInterval))
	}
	if y.MinFreeDiskBytes > 0 {
		opts = append(opts, WithMinFreeDiskBytes(y.MinFreeDiskBytes))
	}
	return opts, nil
}
