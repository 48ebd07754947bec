// Package entities holds the records shared by every runtime component:
// manifests, plugins, grants, policies, violations, audit entries and events.
// Each record type has a single owning component; other components work on
// snapshots returned by Clone.
package entities
