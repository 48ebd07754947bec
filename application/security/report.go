package security

import "github.com/reglet-dev/reglet-runtime/domain/entities"

// Stats summarises violations and audit decisions.
type Stats struct {
	Violations int                            `json:"violations"`
	BySeverity map[entities.Severity]int      `json:"bySeverity"`
	ByType     map[entities.ViolationType]int `json:"byType"`
	Allowed    int                            `json:"allowed"`
	Denied     int                            `json:"denied"`
}

// Report is a point-in-time view of the security state.
type Report struct {
	Violations []entities.Violation      `json:"violations"`
	AuditLogs  []entities.AuditLogEntry  `json:"auditLogs"`
	Stats      Stats                     `json:"stats"`
	Policies   []entities.SecurityPolicy `json:"policies"`
	// Traced lists the plugins with a recorded call trace. Only set on
	// reports covering every plugin.
	Traced []string `json:"traced,omitempty"`
}

// Report builds a report for one plugin, or for all plugins when pluginID
// is empty. limit bounds the listed violations and audit entries.
func (m *Manager) Report(pluginID string, limit int) Report {
	stats := Stats{
		BySeverity: make(map[entities.Severity]int),
		ByType:     make(map[entities.ViolationType]int),
	}
	for _, v := range m.Violations(pluginID, 0) {
		stats.Violations++
		stats.BySeverity[v.Severity]++
		stats.ByType[v.Type]++
	}
	for _, e := range m.AuditLog(pluginID, 0) {
		switch e.Result {
		case entities.AuditAllowed:
			stats.Allowed++
		case entities.AuditDenied:
			stats.Denied++
		}
	}
	r := Report{
		Violations: m.Violations(pluginID, limit),
		AuditLogs:  m.AuditLog(pluginID, limit),
		Stats:      stats,
		Policies:   m.Policies(),
	}
	if pluginID == "" {
		r.Traced = m.PluginsWithTraces()
	}
	return r
}
