// Package lifecycle orchestrates plugin installation, activation and
// removal.
//
// The Manager composes the registry, dependency resolver, permission and
// security managers and the loader. It owns the lifecycle state machine:
//
//	installing -> installed -> registered -> loading -> loaded -> running <-> paused
//	running|paused -> loaded (stop) -> registered (unload) -> uninstalling
//
// error is reachable from loading, loaded, running and paused and is left
// only through Reload, Unload or Uninstall. Plugin records stay owned by the
// registry; the Manager holds sandboxes, instances and kept bundles.
package lifecycle
