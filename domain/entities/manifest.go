package entities

import (
	"path"
	"strings"
)

// DependencyKind classifies a manifest dependency.
type DependencyKind string

const (
	// DependencyPlugin is a dependency on another registered plugin.
	DependencyPlugin DependencyKind = "plugin"
	// DependencyPackage is a dependency on an external package provided by the host.
	DependencyPackage DependencyKind = "package"
	// DependencyCapability is a dependency on a host capability.
	DependencyCapability DependencyKind = "capability"
)

// Dependency is a typed edge from a manifest to something it needs.
type Dependency struct {
	ID           string         `json:"id" yaml:"id" validate:"required" jsonschema:"required"`
	VersionRange string         `json:"versionRange,omitempty" yaml:"versionRange,omitempty"`
	Kind         DependencyKind `json:"kind,omitempty" yaml:"kind,omitempty" validate:"omitempty,oneof=plugin package capability"`
	Required     bool           `json:"required" yaml:"required"`
}

// EffectiveKind returns the dependency kind, defaulting to plugin.
func (d Dependency) EffectiveKind() DependencyKind {
	if d.Kind == "" {
		return DependencyPlugin
	}
	return d.Kind
}

// PermissionRequest is a permission declared by a manifest.
type PermissionRequest struct {
	ID       string `json:"id" yaml:"id" validate:"required" jsonschema:"required"`
	Reason   string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Manifest is the immutable descriptor of one plugin version.
// The plugin id is the manifest name.
type Manifest struct {
	Name                   string              `json:"name" yaml:"name" validate:"required,max=128" jsonschema:"required"`
	Version                string              `json:"version" yaml:"version" validate:"required,semver" jsonschema:"required"`
	Author                 string              `json:"author" yaml:"author" validate:"required" jsonschema:"required"`
	Description            string              `json:"description,omitempty" yaml:"description,omitempty"`
	Category               string              `json:"category,omitempty" yaml:"category,omitempty"`
	Keywords               []string            `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	License                string              `json:"license,omitempty" yaml:"license,omitempty"`
	Homepage               string              `json:"homepage,omitempty" yaml:"homepage,omitempty" validate:"omitempty,url"`
	Main                   string              `json:"main,omitempty" yaml:"main,omitempty"`
	HostCompatibilityRange string              `json:"hostCompatibilityRange" yaml:"hostCompatibilityRange" validate:"required" jsonschema:"required"`
	Platforms              []string            `json:"platforms,omitempty" yaml:"platforms,omitempty"`
	Permissions            []PermissionRequest `json:"permissions,omitempty" yaml:"permissions,omitempty" validate:"dive"`
	Dependencies           []Dependency        `json:"dependencies,omitempty" yaml:"dependencies,omitempty" validate:"dive"`
	Size                   int64               `json:"size,omitempty" yaml:"size,omitempty" validate:"gte=0"`
	Signature              string              `json:"signature,omitempty" yaml:"signature,omitempty"`
}

// ID returns the plugin id described by the manifest.
func (m *Manifest) ID() string {
	return m.Name
}

// EntryExtension returns the lowercase extension of the entry point, e.g. ".wasm".
func (m *Manifest) EntryExtension() string {
	return strings.ToLower(path.Ext(m.Main))
}

// PluginDependencies returns the dependencies of kind plugin.
func (m *Manifest) PluginDependencies() []Dependency {
	var deps []Dependency
	for _, d := range m.Dependencies {
		if d.EffectiveKind() == DependencyPlugin {
			deps = append(deps, d)
		}
	}
	return deps
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	c := *m
	c.Keywords = append([]string(nil), m.Keywords...)
	c.Platforms = append([]string(nil), m.Platforms...)
	c.Permissions = append([]PermissionRequest(nil), m.Permissions...)
	c.Dependencies = append([]Dependency(nil), m.Dependencies...)
	return &c
}

// ConflictReason explains why a dependency could not be satisfied.
type ConflictReason string

const (
	ConflictCyclic  ConflictReason = "cyclic"
	ConflictVersion ConflictReason = "version"
)

// Conflict is a dependency that is present but unusable.
type Conflict struct {
	Dependent    string         `json:"dependent"`
	DependencyID string         `json:"dependencyId"`
	Reason       ConflictReason `json:"reason"`
	Required     string         `json:"required,omitempty"`
	Found        string         `json:"found,omitempty"`
	Cycle        []string       `json:"cycle,omitempty"`
}

// MissingDependency is a dependency that could not be found.
type MissingDependency struct {
	Dependent    string         `json:"dependent"`
	ID           string         `json:"id"`
	VersionRange string         `json:"versionRange,omitempty"`
	Kind         DependencyKind `json:"kind"`
	Required     bool           `json:"required"`
}
