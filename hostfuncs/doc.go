// Package hostfuncs implements the capability host: the storage, network,
// ui and log functions sandboxed plugins may call. Handlers speak JSON and
// know nothing about the isolation engine that calls them; every failure is
// returned to the plugin as an ErrorResponse instead of a trap.
package hostfuncs
