// Package config loads zerobrew settings from a TOML file with constants as
// the single source of defaults. Settings cover the catalog endpoint, cache
// behavior, and the parallelism knobs of the install pipeline.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Default values used when the config file is absent or a field is unset.
const (
	// DefaultCatalogURL is the upstream formula catalog endpoint.
	DefaultCatalogURL = "https://formulae.brew.sh/api/formula"

	// DefaultCatalogTTL is how long cached catalog responses stay fresh
	// before a conditional revalidation is issued.
	DefaultCatalogTTL = 24 * time.Hour

	// DefaultCacheTTL bounds the age of orphaned bottle blobs eligible for
	// removal during gc.
	DefaultCacheTTL = 7 * 24 * time.Hour

	// DefaultDownloads is the global cap on concurrent bottle transfers.
	DefaultDownloads = 8

	// DefaultPerHost is the per-host cap on concurrent transfers.
	DefaultPerHost = 4

	// DefaultExtractors bounds concurrent CPU-heavy extractions.
	DefaultExtractors = 4

	// DefaultFetchTimeout is the per-request HTTP timeout.
	DefaultFetchTimeout = 60 * time.Second

	// DefaultLockTimeout bounds waiting on cross-process advisory locks.
	DefaultLockTimeout = 30 * time.Second
)

// Config holds the runtime settings of the install pipeline.
type Config struct {
	// CatalogURL is the base URL of the formula catalog.
	CatalogURL string `toml:"catalog_url"`

	// CatalogTTL is the catalog cache freshness window.
	CatalogTTL duration `toml:"catalog_ttl"`

	// CacheTTL is the orphaned bottle blob retention window.
	CacheTTL duration `toml:"cache_ttl"`

	// Downloads is the global concurrent download cap.
	Downloads int `toml:"downloads"`

	// PerHost is the per-host concurrent download cap.
	PerHost int `toml:"per_host"`

	// Extractors is the concurrent extraction cap.
	Extractors int `toml:"extractors"`

	// FetchTimeout is the per-request HTTP timeout.
	FetchTimeout duration `toml:"fetch_timeout"`

	// LockTimeout bounds advisory lock acquisition.
	LockTimeout duration `toml:"lock_timeout"`

	// CacheBackend selects the catalog cache: "file" (default), "redis",
	// or "none".
	CacheBackend string `toml:"cache_backend"`

	// RedisAddr is the redis address when CacheBackend is "redis".
	RedisAddr string `toml:"redis_addr"`
}

// duration wraps time.Duration so TOML values like "30s" decode directly.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// Defaults returns a Config populated entirely from the default constants.
func Defaults() Config {
	return Config{
		CatalogURL:   DefaultCatalogURL,
		CatalogTTL:   duration(DefaultCatalogTTL),
		CacheTTL:     duration(DefaultCacheTTL),
		Downloads:    DefaultDownloads,
		PerHost:      DefaultPerHost,
		Extractors:   DefaultExtractors,
		FetchTimeout: duration(DefaultFetchTimeout),
		LockTimeout:  duration(DefaultLockTimeout),
		CacheBackend: "file",
	}
}

// Load reads the config file at path, filling unset fields from defaults.
// A missing file is not an error and yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	cfg.normalize()
	return cfg, nil
}

// DefaultPath returns the conventional config file location under the root.
func DefaultPath(root string) string {
	return filepath.Join(root, "config.toml")
}

func (c *Config) normalize() {
	d := Defaults()
	if c.CatalogURL == "" {
		c.CatalogURL = d.CatalogURL
	}
	if c.CatalogTTL <= 0 {
		c.CatalogTTL = d.CatalogTTL
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.Downloads <= 0 {
		c.Downloads = d.Downloads
	}
	if c.PerHost <= 0 {
		c.PerHost = d.PerHost
	}
	if c.Extractors <= 0 {
		c.Extractors = d.Extractors
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = d.LockTimeout
	}
	if c.CacheBackend == "" {
		c.CacheBackend = d.CacheBackend
	}
}

// CatalogTTLDuration returns the catalog TTL as a time.Duration.
func (c Config) CatalogTTLDuration() time.Duration { return time.Duration(c.CatalogTTL) }

// CacheTTLDuration returns the blob retention window as a time.Duration.
func (c Config) CacheTTLDuration() time.Duration { return time.Duration(c.CacheTTL) }

// FetchTimeoutDuration returns the per-request timeout as a time.Duration.
func (c Config) FetchTimeoutDuration() time.Duration { return time.Duration(c.FetchTimeout) }

// LockTimeoutDuration returns the lock timeout as a time.Duration.
func (c Config) LockTimeoutDuration() time.Duration { return time.Duration(c.LockTimeout) }
