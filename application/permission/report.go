package permission

import "github.com/reglet-dev/reglet-runtime/domain/entities"

// ReportAuditLimit bounds the audit and request entries included in a report.
const ReportAuditLimit = 100

// Stats summarises the permission state.
type Stats struct {
	Definitions      int    `json:"definitions"`
	Plugins          int    `json:"plugins"`
	Grants           int    `json:"grants"`
	SensitiveGrants  int    `json:"sensitiveGrants"`
	AuditEntries     uint64 `json:"auditEntries"`
	Denied           int    `json:"denied"`
	UnauthorizedUses int    `json:"unauthorizedUses"`
}

// Report is a point-in-time view of the permission state.
type Report struct {
	Stats               Stats                              `json:"stats"`
	AuditLogs           []entities.AuditLogEntry           `json:"auditLogs"`
	Requests            []entities.PermissionRequestRecord `json:"requests"`
	PermissionsByPlugin map[string][]string                `json:"permissionsByPlugin"`
}

// Report builds a Report.
func (m *Manager) Report() Report {
	m.mu.RLock()
	byPlugin := make(map[string][]string, len(m.grants))
	stats := Stats{Definitions: len(m.defs), Plugins: len(m.grants)}
	for pluginID, set := range m.grants {
		for id := range set {
			byPlugin[pluginID] = append(byPlugin[pluginID], id)
			stats.Grants++
			if m.defs[id].Sensitive {
				stats.SensitiveGrants++
			}
		}
	}
	m.mu.RUnlock()
	for pluginID := range byPlugin {
		byPlugin[pluginID] = m.Granted(pluginID)
	}

	stats.AuditEntries = m.audit.Total()
	for _, e := range m.audit.Last(0) {
		if e.Result == entities.AuditDenied {
			stats.Denied++
		}
		if e.Unauthorized {
			stats.UnauthorizedUses++
		}
	}

	return Report{
		Stats:               stats,
		AuditLogs:           m.audit.Last(ReportAuditLimit),
		Requests:            m.requests.Last(ReportAuditLimit),
		PermissionsByPlugin: byPlugin,
	}
}
