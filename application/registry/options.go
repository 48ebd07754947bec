package registry

import (
	"log/slog"
	"time"

	"github.com/reglet-dev/reglet-runtime/domain/ports"
)

type registryConfig struct {
	publisher ports.EventPublisher
	validator ports.ManifestValidator
	logger    *slog.Logger
	now       func() time.Time
}

func defaultRegistryConfig() registryConfig {
	return registryConfig{
		publisher: ports.NopPublisher{},
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// Option configures a Registry.
type Option func(*registryConfig)

// WithPublisher sets where registry events are sent.
func WithPublisher(p ports.EventPublisher) Option {
	return func(c *registryConfig) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithValidator replaces the built-in manifest struct rules.
func WithValidator(v ports.ManifestValidator) Option {
	return func(c *registryConfig) {
		c.validator = v
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *registryConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *registryConfig) {
		if now != nil {
			c.now = now
		}
	}
}
