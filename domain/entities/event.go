package entities

import "time"

// EventType tags an event published on the runtime bus.
type EventType string

const (
	EventStateChanged      EventType = "lifecycle.state"
	EventRegistered        EventType = "registry.registered"
	EventUnregistered      EventType = "registry.unregistered"
	EventUpdated           EventType = "registry.updated"
	EventViolation         EventType = "security.violation"
	EventAudit             EventType = "audit.entry"
	EventPluginError       EventType = "plugin.error"
	EventPermissionGranted EventType = "permission.granted"
	EventPermissionRevoked EventType = "permission.revoked"
)

// Event is a tagged record delivered to bus subscribers.
//
// Payload depends on Type: StateChange, *Plugin, Violation, AuditLogEntry,
// PluginError or Grant.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
	Type      EventType `json:"type"`
	PluginID  string    `json:"pluginId"`
}

// StateChange is the payload of EventStateChanged.
type StateChange struct {
	From Status `json:"from"`
	To   Status `json:"to"`
}
