// Package schema generates JSON schemas from Go types and keeps them in a
// registry keyed by document kind.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
)

// ManifestKind is the registry key of the plugin manifest schema.
const ManifestKind = "manifest"

// Generate creates a Draft 2020-12 JSON schema from a Go struct.
// Only fields tagged `jsonschema:"required"` are marked required.
func Generate(v any) ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: true,
	}
	s := reflector.Reflect(v)

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

type registryConfig struct {
	strictMode bool // Fail on duplicate registrations
}

func defaultRegistryConfig() registryConfig {
	return registryConfig{strictMode: true}
}

// RegistryOption configures a Registry instance.
type RegistryOption func(*registryConfig)

// WithStrictMode enables/disables strict mode for duplicate registrations.
// Default is true. Disable only for hot-reloading.
func WithStrictMode(enabled bool) RegistryOption {
	return func(c *registryConfig) {
		c.strictMode = enabled
	}
}

// Registry implements ports.SchemaRegistry.
type Registry struct {
	config  registryConfig
	schemas sync.Map // map[string]string
}

var _ ports.SchemaRegistry = (*Registry)(nil)

// NewRegistry creates an empty schema registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	cfg := defaultRegistryConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Registry{config: cfg}
}

// NewManifestRegistry returns a registry preloaded with the manifest schema.
func NewManifestRegistry(opts ...RegistryOption) (*Registry, error) {
	r := NewRegistry(opts...)
	if err := r.Register(ManifestKind, &entities.Manifest{}); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds a schema generated from model.
func (r *Registry) Register(kind string, model any) error {
	if r.config.strictMode {
		if _, exists := r.schemas.Load(kind); exists {
			return fmt.Errorf("schema %q already registered", kind)
		}
	}
	data, err := Generate(model)
	if err != nil {
		return fmt.Errorf("failed to generate schema for %s: %w", kind, err)
	}
	r.schemas.Store(kind, string(data))
	return nil
}

// GetSchema retrieves the JSON schema for a document kind.
func (r *Registry) GetSchema(kind string) (string, bool) {
	v, ok := r.schemas.Load(kind)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// List returns all registered kinds in sorted order.
func (r *Registry) List() []string {
	var keys []string
	r.schemas.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}
