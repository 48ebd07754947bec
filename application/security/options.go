package security

import (
	"log/slog"
	"time"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/policy"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"github.com/reglet-dev/reglet-runtime/internal/auditlog"
)

// DefaultTraceSize is how many calls are kept per plugin for behavior analysis.
const DefaultTraceSize = 256

// PermissionChecker is the part of the permission manager the security
// manager consults.
type PermissionChecker interface {
	RecordUse(pluginID, permissionID string) bool
	Definition(id string) (entities.Permission, bool)
}

// CriticalHandler is called once per critical violation.
type CriticalHandler func(v entities.Violation)

type managerConfig struct {
	permissions       PermissionChecker
	consent           ports.ConsentProvider
	denials           ports.DenialHandler
	publisher         ports.EventPublisher
	logger            *slog.Logger
	now               func() time.Time
	critical          CriticalHandler
	assessor          *entities.RiskAssessor
	maxRisk           entities.RiskLevel
	apiPermissions    map[string]string
	auditCapacity     int
	violationCapacity int
	traceSize         int
}

func defaultManagerConfig() managerConfig {
	return managerConfig{
		denials:   &policy.SlogDenialHandler{},
		publisher: ports.NopPublisher{},
		logger:    slog.Default(),
		now:       time.Now,
		assessor:  entities.NewRiskAssessor(),
		maxRisk:   entities.RiskLevelHigh,
		apiPermissions: map[string]string{
			"storage.": entities.PermissionStorage,
			"network.": entities.PermissionNetwork,
			"ui.":      entities.PermissionUI,
		},
		auditCapacity:     auditlog.DefaultCapacity,
		violationCapacity: auditlog.DefaultCapacity,
		traceSize:         DefaultTraceSize,
	}
}

// Option configures a Manager.
type Option func(*managerConfig)

// WithPermissionChecker sets the permission manager consulted after policy evaluation.
func WithPermissionChecker(p PermissionChecker) Option {
	return func(c *managerConfig) {
		c.permissions = p
	}
}

// WithConsentProvider sets who answers prompt rules. Without one, prompts deny.
func WithConsentProvider(p ports.ConsentProvider) Option {
	return func(c *managerConfig) {
		c.consent = p
	}
}

// WithDenialHandler sets the denial handler.
func WithDenialHandler(h ports.DenialHandler) Option {
	return func(c *managerConfig) {
		if h != nil {
			c.denials = h
		}
	}
}

// WithPublisher sets where violations and audit entries are published.
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

// WithCriticalHandler sets the hook run for critical violations.
func WithCriticalHandler(h CriticalHandler) Option {
	return func(c *managerConfig) {
		c.critical = h
	}
}

// WithRiskAssessor replaces the default risk assessor.
func WithRiskAssessor(a *entities.RiskAssessor) Option {
	return func(c *managerConfig) {
		if a != nil {
			c.assessor = a
		}
	}
}

// WithMaxRisk sets the highest manifest risk ValidateManifest accepts.
func WithMaxRisk(r entities.RiskLevel) Option {
	return func(c *managerConfig) {
		c.maxRisk = r
	}
}

// WithAPIPermission maps every API starting with prefix to a permission id.
func WithAPIPermission(prefix, permissionID string) Option {
	return func(c *managerConfig) {
		c.apiPermissions[prefix] = permissionID
	}
}

// WithAuditCapacity sets the audit ring capacity.
func WithAuditCapacity(n int) Option {
	return func(c *managerConfig) {
		c.auditCapacity = n
	}
}

// WithViolationCapacity sets the violation ring capacity.
func WithViolationCapacity(n int) Option {
	return func(c *managerConfig) {
		c.violationCapacity = n
	}
}

// WithTraceSize sets how many calls are kept per plugin.
func WithTraceSize(n int) Option {
	return func(c *managerConfig) {
		if n > 0 {
			c.traceSize = n
		}
	}
}
