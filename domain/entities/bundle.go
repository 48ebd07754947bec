package entities

import "time"

// SourceKind names a code-fetch channel.
type SourceKind string

const (
	SourceFile     SourceKind = "file"
	SourceURL      SourceKind = "url"
	SourceRegistry SourceKind = "registry"
	SourceGit      SourceKind = "git"
)

// Source identifies where a plugin bundle came from.
type Source struct {
	Kind SourceKind `json:"kind" yaml:"kind"`
	Ref  string     `json:"ref" yaml:"ref"`
}

// Bundle is the fetched content of one plugin version.
type Bundle struct {
	Manifest *Manifest `json:"manifest"`
	Source   Source    `json:"source"`
	Checksum string    `json:"checksum"`
	// RawManifest is the manifest document as fetched, kept for schema
	// validation.
	RawManifest []byte `json:"-"`
	Code        []byte `json:"-"`
}

// Clone returns a deep copy of the bundle.
func (b *Bundle) Clone() *Bundle {
	if b == nil {
		return nil
	}
	c := *b
	c.Manifest = b.Manifest.Clone()
	c.RawManifest = append([]byte(nil), b.RawManifest...)
	c.Code = append([]byte(nil), b.Code...)
	return &c
}

// CatalogRecord persists an installed plugin across restarts.
type CatalogRecord struct {
	InstalledAt time.Time    `json:"installedAt" yaml:"installed_at"`
	Manifest    *Manifest    `json:"manifest" yaml:"manifest"`
	Config      PluginConfig `json:"config" yaml:"config"`
	Source      Source       `json:"source" yaml:"source"`
	ID          string       `json:"id" yaml:"id"`
	Version     string       `json:"version" yaml:"version"`
	Checksum    string       `json:"checksum" yaml:"checksum"`
}

// InstallOptions controls Manager.Install.
type InstallOptions struct {
	Source      SourceKind `json:"source" validate:"required,oneof=registry url file git"`
	Ref         string     `json:"ref" validate:"required"`
	Version     string     `json:"version,omitempty"`
	Permissions []string   `json:"permissions,omitempty"`
	AutoStart   bool       `json:"autoStart,omitempty"`
	Overwrite   bool       `json:"overwrite,omitempty"`
	Validate    bool       `json:"validate,omitempty"`
}

// ConsentRequest is handed to the host when a sensitive decision needs a yes/no.
type ConsentRequest struct {
	PluginID string    `json:"pluginId"`
	Kind     string    `json:"kind"`
	Subject  string    `json:"subject"`
	Reason   string    `json:"reason,omitempty"`
	Risk     RiskLevel `json:"risk"`
}

// UpdateOptions controls Manager.Update. An empty Version fetches the
// newest version available from the plugin's source.
type UpdateOptions struct {
	Version string `json:"version,omitempty"`
}
