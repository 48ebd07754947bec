// Package fetcher retrieves plugin bundles from the supported sources.
//
// Every source serves the same layout: a directory holding one manifest
// (plugin.yaml, plugin.yml or plugin.json) and the entry file named by
// the manifest's main field. The file and git fetchers read that layout
// through a billy.Filesystem; the url and registry fetchers read it over
// HTTP.
package fetcher
