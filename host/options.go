package host

import (
	"log/slog"
	"time"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
)

// Defaults for the Loader.
const (
	DefaultCacheSize    = 64
	DefaultFetchTimeout = 2 * time.Minute
)

// HostBinder hands out a capability host bound to one plugin id.
// *hostfuncs.HandlerRegistry satisfies it.
type HostBinder interface {
	Bind(pluginID string) ports.HostInvoker
}

// loaderConfig holds configuration for the Loader.
type loaderConfig struct {
	logger        *slog.Logger
	host          HostBinder
	fetchers      []ports.Fetcher
	engines       []ports.Engine
	defaultLimits entities.ResourceLimits
	cacheSize     int
	fetchTimeout  time.Duration
}

func defaultLoaderConfig() loaderConfig {
	return loaderConfig{
		logger:        slog.Default(),
		defaultLimits: entities.DefaultResourceLimits(),
		cacheSize:     DefaultCacheSize,
		fetchTimeout:  DefaultFetchTimeout,
	}
}

// LoaderOption configures the Loader.
type LoaderOption func(*loaderConfig)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) LoaderOption {
	return func(c *loaderConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithFetchers registers fetchers; a later fetcher for the same source
// kind replaces an earlier one.
func WithFetchers(f ...ports.Fetcher) LoaderOption {
	return func(c *loaderConfig) {
		c.fetchers = append(c.fetchers, f...)
	}
}

// WithEngines registers isolation engines; a later engine for the same
// extension replaces an earlier one.
func WithEngines(e ...ports.Engine) LoaderOption {
	return func(c *loaderConfig) {
		c.engines = append(c.engines, e...)
	}
}

// WithHost sets the capability host exposed to sandboxes.
func WithHost(h HostBinder) LoaderOption {
	return func(c *loaderConfig) {
		c.host = h
	}
}

// WithCacheSize bounds the number of cached bundles. Zero disables caching.
func WithCacheSize(n int) LoaderOption {
	return func(c *loaderConfig) {
		if n >= 0 {
			c.cacheSize = n
		}
	}
}

// WithFetchTimeout bounds a single fetch.
func WithFetchTimeout(d time.Duration) LoaderOption {
	return func(c *loaderConfig) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithDefaultLimits sets the limits applied where a plugin config leaves
// a limit at zero.
func WithDefaultLimits(l entities.ResourceLimits) LoaderOption {
	return func(c *loaderConfig) {
		c.defaultLimits = l.WithDefaults(entities.DefaultResourceLimits())
	}
}
