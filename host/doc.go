// Package host fetches plugin bundles and runs them inside isolated
// execution contexts.
//
// A Loader routes each bundle source to its ports.Fetcher and each entry
// file extension to its ports.Engine. Fetched bundles are cached by source
// and pinned version, and concurrent fetches of the same bundle share one
// download. Instantiate binds the capability host to the plugin id and
// returns an Executor that runs the plugin's exported functions under its
// resource limits.
package host
