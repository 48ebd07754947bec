package permission

import (
	"log/slog"
	"time"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"github.com/reglet-dev/reglet-runtime/internal/auditlog"
)

type managerConfig struct {
	consent       ports.ConsentProvider
	store         ports.GrantStore
	publisher     ports.EventPublisher
	logger        *slog.Logger
	now           func() time.Time
	definitions   []entities.Permission
	auditCapacity int
}

func defaultManagerConfig() managerConfig {
	return managerConfig{
		publisher:     ports.NopPublisher{},
		logger:        slog.Default(),
		now:           time.Now,
		definitions:   entities.DefaultPermissions(),
		auditCapacity: auditlog.DefaultCapacity,
	}
}

// Option configures a Manager.
type Option func(*managerConfig)

// WithConsentProvider sets who answers sensitive permission requests.
// Without one, sensitive requests are denied.
func WithConsentProvider(p ports.ConsentProvider) Option {
	return func(c *managerConfig) {
		c.consent = p
	}
}

// WithGrantStore persists grants and restores them on construction.
func WithGrantStore(s ports.GrantStore) Option {
	return func(c *managerConfig) {
		c.store = s
	}
}

// WithPublisher sets where permission and audit events are sent.
func WithPublisher(p ports.EventPublisher) Option {
	return func(c *managerConfig) {
		if p != nil {
			c.publisher = p
		}
	}
}

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

// WithDefinitions adds permission definitions on top of the built-in ones.
func WithDefinitions(defs ...entities.Permission) Option {
	return func(c *managerConfig) {
		c.definitions = append(c.definitions, defs...)
	}
}

// WithAuditCapacity sets the audit ring capacity.
func WithAuditCapacity(n int) Option {
	return func(c *managerConfig) {
		c.auditCapacity = n
	}
}
