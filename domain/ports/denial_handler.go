package ports

// DenialHandler is called when a security check denies a request.
// Implementations can log, collect metrics, or take other actions.
type DenialHandler interface {
	// OnDenial is called when an access is denied.
	// kind: "api", "resource", "permission"
	// subject: the api name or resource that was denied
	// reason: human-readable denial reason
	OnDenial(pluginID, kind, subject, reason string)
}
