package entities

import (
	"slices"
	"time"
)

// Permission describes a named capability a plugin may be granted.
type Permission struct {
	ID          string   `json:"id" yaml:"id" validate:"required"`
	Description string   `json:"description" yaml:"description"`
	Scopes      []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	Sensitive   bool     `json:"sensitive" yaml:"sensitive"`
}

// HasScope reports whether the permission carries the scope tag.
func (p Permission) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

// Grant records that a permission is active for a plugin.
type Grant struct {
	GrantedAt    time.Time `json:"grantedAt" yaml:"granted_at"`
	PluginID     string    `json:"pluginId" yaml:"plugin_id"`
	PermissionID string    `json:"permissionId" yaml:"permission_id"`
	Reason       string    `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// RequestOutcome is the result of a permission request.
type RequestOutcome string

const (
	RequestGranted RequestOutcome = "granted"
	RequestDenied  RequestOutcome = "denied"
	RequestFailed  RequestOutcome = "error"
)

// PermissionRequestRecord is one entry of the permission request log.
type PermissionRequestRecord struct {
	RequestedAt  time.Time      `json:"requestedAt"`
	PluginID     string         `json:"pluginId"`
	PermissionID string         `json:"permissionId"`
	Reason       string         `json:"reason,omitempty"`
	Outcome      RequestOutcome `json:"outcome"`
}

// Built-in permission ids backing the capability host.
const (
	PermissionStorage = "storage"
	PermissionNetwork = "network"
	PermissionUI      = "ui"
)

// DefaultPermissions returns the permissions known to every runtime.
func DefaultPermissions() []Permission {
	return []Permission{
		{
			ID:          PermissionStorage,
			Description: "Read and write the plugin's private key-value storage",
			Scopes:      []string{"storage"},
		},
		{
			ID:          PermissionNetwork,
			Description: "Make outbound HTTP(S) requests",
			Scopes:      []string{"network"},
			Sensitive:   true,
		},
		{
			ID:          PermissionUI,
			Description: "Show notifications and ask the user questions",
			Scopes:      []string{"ui"},
		},
	}
}
