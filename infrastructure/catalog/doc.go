// Package catalog persists installed-plugin records.
//
// Two drivers implement ports.Catalog: a YAML file written atomically on
// every change, and a SQLite table holding one JSON document per plugin.
package catalog
