package lifecycle

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
)

// DefaultHostVersion is matched against hostCompatibilityRange when no
// host version is configured.
const DefaultHostVersion = "1.0.0"

// DefaultRestoreConcurrency bounds the parallel loads run by Restore.
const DefaultRestoreConcurrency = 4

type managerConfig struct {
	logger             *slog.Logger
	now                func() time.Time
	publisher          ports.EventPublisher
	catalog            ports.Catalog
	verifier           ports.SignatureVerifier
	validator          ports.ManifestValidator
	hostVersion        string
	platform           string
	defaultConfig      entities.PluginConfig
	autoLoad           bool
	requireSignature   bool
	restoreConcurrency int
}

func defaultManagerConfig() managerConfig {
	return managerConfig{
		logger:      slog.Default(),
		now:         time.Now,
		publisher:   ports.NopPublisher{},
		hostVersion: DefaultHostVersion,
		platform:    runtime.GOOS,
		defaultConfig: entities.PluginConfig{
			Enabled: true,
			Limits:  entities.DefaultResourceLimits(),
		},
		autoLoad:           true,
		restoreConcurrency: DefaultRestoreConcurrency,
	}
}

// Option configures a Manager.
type Option func(*managerConfig)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *managerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *managerConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// WithPublisher sets where lifecycle events go.
func WithPublisher(p ports.EventPublisher) Option {
	return func(c *managerConfig) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithCatalog persists installed plugins.
func WithCatalog(cat ports.Catalog) Option {
	return func(c *managerConfig) {
		c.catalog = cat
	}
}

// WithSignatureVerifier checks bundle signatures when an install asks for
// validation.
func WithSignatureVerifier(v ports.SignatureVerifier) Option {
	return func(c *managerConfig) {
		c.verifier = v
	}
}

// WithRequireSignature verifies every install, not only validated ones.
func WithRequireSignature(required bool) Option {
	return func(c *managerConfig) {
		c.requireSignature = required
	}
}

// WithManifestValidator checks raw manifests against the manifest schema.
func WithManifestValidator(v ports.ManifestValidator) Option {
	return func(c *managerConfig) {
		c.validator = v
	}
}

// WithHostVersion sets the version matched against hostCompatibilityRange.
func WithHostVersion(v string) Option {
	return func(c *managerConfig) {
		if v != "" {
			c.hostVersion = v
		}
	}
}

// WithPlatform sets the platform matched against manifest platforms.
func WithPlatform(p string) Option {
	return func(c *managerConfig) {
		if p != "" {
			c.platform = p
		}
	}
}

// WithDefaultConfig sets the configuration given to newly installed plugins.
func WithDefaultConfig(cfg entities.PluginConfig) Option {
	return func(c *managerConfig) {
		c.defaultConfig = cfg
	}
}

// WithAutoLoad controls whether install and restore load plugins.
func WithAutoLoad(enabled bool) Option {
	return func(c *managerConfig) {
		c.autoLoad = enabled
	}
}

// WithRestoreConcurrency bounds the loads Restore runs in parallel.
func WithRestoreConcurrency(n int) Option {
	return func(c *managerConfig) {
		if n > 0 {
			c.restoreConcurrency = n
		}
	}
}
