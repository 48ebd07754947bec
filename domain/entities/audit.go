package entities

import "time"

// AuditResult is the outcome recorded by an audit entry.
type AuditResult string

const (
	AuditAllowed AuditResult = "allowed"
	AuditDenied  AuditResult = "denied"
	AuditGranted AuditResult = "granted"
	AuditRevoked AuditResult = "revoked"
)

// AuditLogEntry records one permission or security decision. Entries are
// never modified after they are appended.
type AuditLogEntry struct {
	Timestamp    time.Time   `json:"timestamp"`
	PluginID     string      `json:"pluginId"`
	Action       string      `json:"action"`
	Subject      string      `json:"subject"`
	Result       AuditResult `json:"result"`
	Reason       string      `json:"reason,omitempty"`
	Seq          uint64      `json:"seq"`
	Unauthorized bool        `json:"unauthorized,omitempty"`
}
