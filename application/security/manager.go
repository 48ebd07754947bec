// Package security enforces policy rules over the APIs and resources
// plugins touch, records violations and analyses call traces.
package security

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/reglet-dev/reglet-runtime/application/validation"
	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
	"github.com/reglet-dev/reglet-runtime/domain/policy"
	"github.com/reglet-dev/reglet-runtime/internal/auditlog"
)

// Audit actions recorded by the manager.
const (
	ActionAPI      = "api"
	ActionResource = "resource"
	ActionInstall  = "install"
)

// InstallAPIPrefix prefixes the plugin id when install rules are matched.
const InstallAPIPrefix = "install:"

// Manager evaluates security policies.
type Manager struct {
	cfg managerConfig

	mu       sync.RWMutex
	policies []*policy.Compiled

	audit      *auditlog.Log[entities.AuditLogEntry]
	violations *auditlog.Log[entities.Violation]

	traceMu sync.Mutex
	traces  map[string]*auditlog.Log[entities.BehaviorRecord]
}

// New creates a manager with no policies.
func New(opts ...Option) *Manager {
	cfg := defaultManagerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{
		cfg:        cfg,
		audit:      auditlog.New[entities.AuditLogEntry](cfg.auditCapacity),
		violations: auditlog.New[entities.Violation](cfg.violationCapacity),
		traces:     make(map[string]*auditlog.Log[entities.BehaviorRecord]),
	}
}

// AddPolicy compiles p and appends it. A policy with the same name is replaced in place.
func (m *Manager) AddPolicy(p entities.SecurityPolicy) error {
	if err := validation.StructError("policy "+p.Name, p); err != nil {
		return err
	}
	c, err := policy.Compile(p)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.policies {
		if existing.Name() == p.Name {
			m.policies[i] = c
			return nil
		}
	}
	m.policies = append(m.policies, c)
	return nil
}

// RemovePolicy drops a policy by name and reports whether it existed.
func (m *Manager) RemovePolicy(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.policies {
		if c.Name() == name {
			m.policies = append(m.policies[:i], m.policies[i+1:]...)
			return true
		}
	}
	return false
}

// AddException exempts a plugin from a named policy.
func (m *Manager) AddException(policyName, pluginID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.policies {
		if c.Name() == policyName {
			c.AddException(pluginID)
			return nil
		}
	}
	return fmt.Errorf("policy %q: %w", policyName, rterrors.ErrNotFound)
}

// Policies returns the installed policies in evaluation order.
func (m *Manager) Policies() []entities.SecurityPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]entities.SecurityPolicy, 0, len(m.policies))
	for _, c := range m.policies {
		out = append(out, c.Policy())
	}
	return out
}

// firstMatch returns the first rule of the first policy, in insertion order,
// that applies to the plugin and matches.
func (m *Manager) firstMatch(pluginID string, match func(*policy.Compiled) (entities.Rule, bool)) (entities.Rule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.policies {
		if c.Excepts(pluginID) {
			continue
		}
		if r, ok := match(c); ok {
			return r, true
		}
	}
	return entities.Rule{}, false
}

// CheckAPIAccess decides whether the plugin may call api. Policy rules are
// evaluated first; APIs mapped to a permission then need a grant.
func (m *Manager) CheckAPIAccess(ctx context.Context, pluginID, api string) error {
	rule, matched := m.firstMatch(pluginID, func(c *policy.Compiled) (entities.Rule, bool) {
		return c.MatchAPI(api)
	})
	if matched {
		if err := m.enforce(ctx, pluginID, ActionAPI, api, rule, entities.ViolationAPI, entities.SeverityHigh); err != nil {
			return err
		}
	}

	if permID := m.permissionFor(api); permID != "" && m.cfg.permissions != nil {
		if !m.cfg.permissions.RecordUse(pluginID, permID) {
			reason := fmt.Sprintf("%s requires permission %q", api, permID)
			m.appendAudit(pluginID, ActionAPI, api, entities.AuditDenied, reason, true)
			m.cfg.denials.OnDenial(pluginID, "permission", api, reason)
			return &rterrors.PermissionError{
				Err:          rterrors.ErrPermissionDenied,
				PluginID:     pluginID,
				PermissionID: permID,
				Reason:       "not granted",
			}
		}
	}

	m.appendAudit(pluginID, ActionAPI, api, entities.AuditAllowed, rule.ID, false)
	return nil
}

// CheckResourceAccess decides whether the plugin may touch resource of the
// given type, for example a URL or a storage key.
func (m *Manager) CheckResourceAccess(ctx context.Context, pluginID, resourceType, resource string) error {
	rule, matched := m.firstMatch(pluginID, func(c *policy.Compiled) (entities.Rule, bool) {
		return c.MatchResource(resourceType, resource)
	})
	subject := resourceType + ":" + resource
	if matched {
		if err := m.enforce(ctx, pluginID, ActionResource, subject, rule, entities.ViolationResource, entities.SeverityMedium); err != nil {
			return err
		}
	}
	m.appendAudit(pluginID, ActionResource, subject, entities.AuditAllowed, rule.ID, false)
	return nil
}

// enforce applies a matched rule. It returns nil for allow and for an
// accepted prompt.
func (m *Manager) enforce(ctx context.Context, pluginID, action, subject string, rule entities.Rule, vt entities.ViolationType, severity entities.Severity) error {
	switch rule.Action {
	case entities.ActionAllow:
		return nil
	case entities.ActionPrompt:
		ok, err := m.ask(ctx, pluginID, action, subject, rule)
		if err == nil && ok {
			return nil
		}
		if err != nil {
			m.cfg.logger.WarnContext(ctx, "consent failed", "plugin", pluginID, "subject", subject, "error", err)
		}
	}

	if rule.Severity != "" {
		severity = rule.Severity
	}
	desc := rule.Description
	if desc == "" {
		desc = fmt.Sprintf("%s %s blocked by rule %s", action, subject, rule.ID)
	}
	v := m.recordViolation(entities.Violation{
		PluginID:    pluginID,
		Type:        vt,
		Severity:    severity,
		RuleID:      rule.ID,
		Subject:     subject,
		Description: desc,
	})
	m.appendAudit(pluginID, action, subject, entities.AuditDenied, rule.ID, false)
	m.cfg.denials.OnDenial(pluginID, action, subject, desc)
	return &rterrors.SecurityViolationError{Violation: v}
}

func (m *Manager) ask(ctx context.Context, pluginID, action, subject string, rule entities.Rule) (bool, error) {
	if m.cfg.consent == nil {
		return false, nil
	}
	risk := entities.RiskLevelMedium
	if rule.Severity == entities.SeverityHigh || rule.Severity == entities.SeverityCritical {
		risk = entities.RiskLevelHigh
	}
	return m.cfg.consent.RequestConsent(ctx, entities.ConsentRequest{
		PluginID: pluginID,
		Kind:     action,
		Subject:  subject,
		Reason:   rule.Description,
		Risk:     risk,
	})
}

func (m *Manager) permissionFor(api string) string {
	best, permID := "", ""
	for prefix, id := range m.cfg.apiPermissions {
		if strings.HasPrefix(api, prefix) && len(prefix) > len(best) {
			best, permID = prefix, id
		}
	}
	return permID
}

// ValidateManifest runs the install-time security checks: a safe entry
// path, permission risk within the configured maximum and install rules.
func (m *Manager) ValidateManifest(ctx context.Context, man *entities.Manifest) error {
	id := man.ID()
	if man.Main != "" && !policy.SafeRelativePath(man.Main) {
		return m.reject(id, entities.ViolationResource, entities.SeverityHigh, "main:"+man.Main,
			fmt.Sprintf("entry point %q escapes the bundle", man.Main))
	}

	lookup := func(pid string) (entities.Permission, bool) {
		if m.cfg.permissions == nil {
			return entities.Permission{}, false
		}
		return m.cfg.permissions.Definition(pid)
	}
	if risk := m.cfg.assessor.Assess(man.Permissions, lookup); risk > m.cfg.maxRisk {
		return m.reject(id, entities.ViolationAPI, entities.SeverityHigh, "permissions",
			fmt.Sprintf("permission risk %s exceeds allowed %s: %s", risk, m.cfg.maxRisk,
				strings.Join(m.cfg.assessor.DescribeRisks(man.Permissions, lookup), "; ")))
	}

	subject := InstallAPIPrefix + id
	rule, matched := m.firstMatch(id, func(c *policy.Compiled) (entities.Rule, bool) {
		return c.MatchAPI(subject)
	})
	if matched {
		if err := m.enforce(ctx, id, ActionInstall, subject, rule, entities.ViolationAPI, entities.SeverityHigh); err != nil {
			return err
		}
	}
	m.appendAudit(id, ActionInstall, subject, entities.AuditAllowed, rule.ID, false)
	return nil
}

func (m *Manager) reject(pluginID string, vt entities.ViolationType, sev entities.Severity, subject, desc string) error {
	v := m.recordViolation(entities.Violation{
		PluginID:    pluginID,
		Type:        vt,
		Severity:    sev,
		Subject:     subject,
		Description: desc,
	})
	m.appendAudit(pluginID, ActionInstall, subject, entities.AuditDenied, desc, false)
	m.cfg.denials.OnDenial(pluginID, ActionInstall, subject, desc)
	return &rterrors.SecurityViolationError{Violation: v}
}

// recordViolation stamps, stores and publishes a violation, and runs the
// critical handler when needed.
func (m *Manager) recordViolation(v entities.Violation) entities.Violation {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = m.cfg.now()
	}
	m.violations.Append(v)
	m.cfg.logger.Warn("security violation",
		"plugin", v.PluginID, "type", v.Type, "severity", v.Severity, "rule", v.RuleID, "subject", v.Subject)
	m.cfg.publisher.Publish(entities.Event{
		Type:      entities.EventViolation,
		PluginID:  v.PluginID,
		Timestamp: v.Timestamp,
		Payload:   v,
	})
	if v.Severity == entities.SeverityCritical && m.cfg.critical != nil {
		m.cfg.critical(v)
	}
	return v
}

func (m *Manager) appendAudit(pluginID, action, subject string, result entities.AuditResult, reason string, unauthorized bool) {
	now := m.cfg.now()
	entry := m.audit.AppendSeq(func(seq uint64) entities.AuditLogEntry {
		return entities.AuditLogEntry{
			Seq:          seq,
			Timestamp:    now,
			PluginID:     pluginID,
			Action:       action,
			Subject:      subject,
			Result:       result,
			Reason:       reason,
			Unauthorized: unauthorized,
		}
	})
	m.cfg.publisher.Publish(entities.Event{
		Type:      entities.EventAudit,
		PluginID:  pluginID,
		Timestamp: now,
		Payload:   entry,
	})
}

// Violations returns up to limit of the newest violations for a plugin;
// an empty id means every plugin.
func (m *Manager) Violations(pluginID string, limit int) []entities.Violation {
	if pluginID == "" {
		return m.violations.Last(limit)
	}
	return m.violations.Filter(limit, func(v entities.Violation) bool { return v.PluginID == pluginID })
}

// AuditLog returns up to limit of the newest audit entries for a plugin;
// an empty id means every plugin.
func (m *Manager) AuditLog(pluginID string, limit int) []entities.AuditLogEntry {
	if pluginID == "" {
		return m.audit.Last(limit)
	}
	return m.audit.Filter(limit, func(e entities.AuditLogEntry) bool { return e.PluginID == pluginID })
}

// Forget drops the call trace of a plugin, typically on uninstall.
func (m *Manager) Forget(pluginID string) {
	m.traceMu.Lock()
	delete(m.traces, pluginID)
	m.traceMu.Unlock()
}

// PluginsWithTraces returns the ids that have a recorded trace, sorted.
func (m *Manager) PluginsWithTraces() []string {
	m.traceMu.Lock()
	defer m.traceMu.Unlock()
	out := make([]string, 0, len(m.traces))
	for id := range m.traces {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
