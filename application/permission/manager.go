// Package permission owns permission definitions, per-plugin grants and the
// permission audit trail.
package permission

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
	"github.com/reglet-dev/reglet-runtime/internal/auditlog"
)

// Audit actions recorded by the manager.
const (
	ActionCheck   = "check"
	ActionUse     = "use"
	ActionGrant   = "grant"
	ActionRevoke  = "revoke"
	ActionRequest = "request"
)

// Manager is the single owner of grants.
type Manager struct {
	cfg managerConfig

	mu        sync.RWMutex
	persistMu sync.Mutex
	defs      map[string]entities.Permission
	grants    map[string]map[string]entities.Grant
	audit     *auditlog.Log[entities.AuditLogEntry]
	requests  *auditlog.Log[entities.PermissionRequestRecord]
}

// New creates a manager and restores persisted grants. Stored grants whose
// permission is no longer defined are dropped.
func New(opts ...Option) (*Manager, error) {
	cfg := defaultManagerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	m := &Manager{
		cfg:      cfg,
		defs:     make(map[string]entities.Permission),
		grants:   make(map[string]map[string]entities.Grant),
		audit:    auditlog.New[entities.AuditLogEntry](cfg.auditCapacity),
		requests: auditlog.New[entities.PermissionRequestRecord](cfg.auditCapacity),
	}
	for _, d := range cfg.definitions {
		m.defs[d.ID] = d
	}
	if cfg.store == nil {
		return m, nil
	}

	stored, err := cfg.store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to restore grants from %s: %w", cfg.store.ConfigPath(), err)
	}
	for _, g := range stored {
		if _, ok := m.defs[g.PermissionID]; !ok {
			cfg.logger.Warn("dropping stored grant for undefined permission",
				"plugin", g.PluginID, "permission", g.PermissionID)
			continue
		}
		m.put(g)
	}
	return m, nil
}

// DefinePermission registers or overwrites a permission definition.
func (m *Manager) DefinePermission(def entities.Permission) error {
	if def.ID == "" {
		return rterrors.NewManifestError("permission", entities.ValidationError{Field: "id", Message: "is required"})
	}
	m.mu.Lock()
	m.defs[def.ID] = def
	m.mu.Unlock()
	return nil
}

// Definition returns a permission definition.
func (m *Manager) Definition(id string) (entities.Permission, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.defs[id]
	return d, ok
}

// Definitions returns every definition sorted by id.
func (m *Manager) Definitions() []entities.Permission {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]entities.Permission, 0, len(m.defs))
	for _, d := range m.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Request asks for a permission on behalf of a plugin. Granted permissions
// return true at once; non-sensitive ones are granted automatically;
// sensitive ones need consent. The outcome is recorded in the request log.
func (m *Manager) Request(ctx context.Context, pluginID, permissionID, reason string) (bool, error) {
	def, ok := m.Definition(permissionID)
	if !ok {
		m.recordRequest(pluginID, permissionID, reason, entities.RequestFailed)
		return false, &rterrors.PermissionError{
			Err:          rterrors.ErrUnknownPermission,
			PluginID:     pluginID,
			PermissionID: permissionID,
		}
	}
	if m.HasPermission(pluginID, permissionID) {
		m.recordRequest(pluginID, permissionID, reason, entities.RequestGranted)
		return true, nil
	}

	if def.Sensitive {
		allowed, err := m.consent(ctx, pluginID, def, reason)
		if err != nil {
			m.recordRequest(pluginID, permissionID, reason, entities.RequestFailed)
			return false, &rterrors.PermissionError{
				Err:          err,
				PluginID:     pluginID,
				PermissionID: permissionID,
				Reason:       "consent failed",
			}
		}
		if !allowed {
			m.recordRequest(pluginID, permissionID, reason, entities.RequestDenied)
			m.appendAudit(pluginID, ActionRequest, permissionID, entities.AuditDenied, reason, false)
			return false, nil
		}
	}

	if err := m.Grant(pluginID, permissionID, reason); err != nil {
		m.recordRequest(pluginID, permissionID, reason, entities.RequestFailed)
		return false, err
	}
	m.recordRequest(pluginID, permissionID, reason, entities.RequestGranted)
	return true, nil
}

func (m *Manager) consent(ctx context.Context, pluginID string, def entities.Permission, reason string) (bool, error) {
	if m.cfg.consent == nil {
		return false, nil
	}
	risk := entities.RiskLevelMedium
	if def.HasScope(entities.PermissionNetwork) {
		risk = entities.RiskLevelHigh
	}
	return m.cfg.consent.RequestConsent(ctx, entities.ConsentRequest{
		PluginID: pluginID,
		Kind:     "permission",
		Subject:  def.ID,
		Reason:   reason,
		Risk:     risk,
	})
}

// Grant activates a permission for a plugin. Granting twice is a no-op.
func (m *Manager) Grant(pluginID, permissionID, reason string) error {
	m.mu.Lock()
	if _, ok := m.defs[permissionID]; !ok {
		m.mu.Unlock()
		return &rterrors.PermissionError{
			Err:          rterrors.ErrUnknownPermission,
			PluginID:     pluginID,
			PermissionID: permissionID,
		}
	}
	if _, ok := m.grants[pluginID][permissionID]; ok {
		m.mu.Unlock()
		return nil
	}
	g := entities.Grant{
		PluginID:     pluginID,
		PermissionID: permissionID,
		Reason:       reason,
		GrantedAt:    m.cfg.now(),
	}
	m.put(g)
	m.mu.Unlock()

	m.appendAudit(pluginID, ActionGrant, permissionID, entities.AuditGranted, reason, false)
	m.publish(entities.EventPermissionGranted, pluginID, g)
	m.persist()
	return nil
}

// Revoke removes a grant and reports whether one existed.
func (m *Manager) Revoke(pluginID, permissionID string) bool {
	m.mu.Lock()
	g, ok := m.grants[pluginID][permissionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.grants[pluginID], permissionID)
	if len(m.grants[pluginID]) == 0 {
		delete(m.grants, pluginID)
	}
	m.mu.Unlock()

	m.appendAudit(pluginID, ActionRevoke, permissionID, entities.AuditRevoked, "", false)
	m.publish(entities.EventPermissionRevoked, pluginID, g)
	m.persist()
	return true
}

// RevokeAll removes every grant of a plugin and returns the revoked ids.
func (m *Manager) RevokeAll(pluginID string) []string {
	ids := m.Granted(pluginID)
	for _, id := range ids {
		m.Revoke(pluginID, id)
	}
	return ids
}

// HasPermission reports whether the plugin holds the permission.
func (m *Manager) HasPermission(pluginID, permissionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.grants[pluginID][permissionID]
	return ok
}

// HasScopePermission reports whether any granted permission carries scope.
func (m *Manager) HasScopePermission(pluginID, scope string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id := range m.grants[pluginID] {
		if m.defs[id].HasScope(scope) {
			return true
		}
	}
	return false
}

// Granted returns the plugin's granted permission ids, sorted.
func (m *Manager) Granted(pluginID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.grants[pluginID]))
	for id := range m.grants[pluginID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Check is HasPermission with an audit entry.
func (m *Manager) Check(pluginID, permissionID string) bool {
	ok := m.HasPermission(pluginID, permissionID)
	result := entities.AuditAllowed
	if !ok {
		result = entities.AuditDenied
	}
	m.appendAudit(pluginID, ActionCheck, permissionID, result, "", false)
	return ok
}

// RecordUse audits the use of a permission. Use without a grant is flagged
// unauthorized and returns false.
func (m *Manager) RecordUse(pluginID, permissionID string) bool {
	ok := m.HasPermission(pluginID, permissionID)
	if ok {
		m.appendAudit(pluginID, ActionUse, permissionID, entities.AuditAllowed, "", false)
		return true
	}
	m.appendAudit(pluginID, ActionUse, permissionID, entities.AuditDenied, "used without grant", true)
	m.cfg.logger.Warn("permission used without grant", "plugin", pluginID, "permission", permissionID)
	return false
}

// AuditLog returns up to limit of the newest audit entries, oldest first.
func (m *Manager) AuditLog(limit int) []entities.AuditLogEntry {
	return m.audit.Last(limit)
}

// Requests returns up to limit of the newest request records, oldest first.
func (m *Manager) Requests(limit int) []entities.PermissionRequestRecord {
	return m.requests.Last(limit)
}

func (m *Manager) put(g entities.Grant) {
	set, ok := m.grants[g.PluginID]
	if !ok {
		set = make(map[string]entities.Grant)
		m.grants[g.PluginID] = set
	}
	set[g.PermissionID] = g
}

func (m *Manager) snapshotLocked() []entities.Grant {
	var out []entities.Grant
	for _, set := range m.grants {
		for _, g := range set {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PluginID != out[j].PluginID {
			return out[i].PluginID < out[j].PluginID
		}
		return out[i].PermissionID < out[j].PermissionID
	})
	return out
}

// persist writes the current grant set. Saves are serialized and each one
// snapshots under persistMu, so the last write always carries every change
// made before it started.
func (m *Manager) persist() {
	if m.cfg.store == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	grants := m.snapshotLocked()
	m.mu.RUnlock()
	if err := m.cfg.store.Save(grants); err != nil {
		m.cfg.logger.Error("failed to persist grants", "path", m.cfg.store.ConfigPath(), "error", err)
	}
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
	m.publish(entities.EventAudit, pluginID, entry)
}

func (m *Manager) recordRequest(pluginID, permissionID, reason string, outcome entities.RequestOutcome) {
	m.requests.Append(entities.PermissionRequestRecord{
		RequestedAt:  m.cfg.now(),
		PluginID:     pluginID,
		PermissionID: permissionID,
		Reason:       reason,
		Outcome:      outcome,
	})
}

func (m *Manager) publish(t entities.EventType, pluginID string, payload any) {
	m.cfg.publisher.Publish(entities.Event{
		Type:      t,
		PluginID:  pluginID,
		Timestamp: m.cfg.now(),
		Payload:   payload,
	})
}
