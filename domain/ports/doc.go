// Package ports defines the interfaces the runtime core consumes.
// Application packages depend on these abstractions; infrastructure
// adapters (fetchers, catalogs, engines, consent providers) implement them.
package ports
