// Package registry is the single owner of registered plugin records.
// Callers only ever see clones; mutation goes through the methods below.
package registry

import (
	"fmt"
	"sync"

	"github.com/reglet-dev/reglet-runtime/application/validation"
	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
)

// Registry stores plugins keyed by id.
type Registry struct {
	cfg registryConfig

	mu      sync.RWMutex
	plugins map[string]*entities.Plugin
	order   []string
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	cfg := defaultRegistryConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Registry{
		cfg:     cfg,
		plugins: make(map[string]*entities.Plugin),
	}
}

func (r *Registry) validate(m *entities.Manifest) error {
	if r.cfg.validator == nil {
		return validation.ManifestError(m)
	}
	res := r.cfg.validator.Validate(m)
	if res == nil || res.Valid {
		return nil
	}
	subject := ""
	if m != nil {
		subject = m.Name
	}
	return rterrors.NewManifestError(subject, res.Errors...)
}

// Register stores p under its manifest name. When m is non-nil it replaces
// p.Manifest. The registry keeps its own copy of p.
func (r *Registry) Register(p *entities.Plugin, m *entities.Manifest) error {
	if p == nil {
		return rterrors.NewManifestError("", entities.ValidationError{Message: "plugin is required"})
	}
	if m != nil {
		p.Manifest = m
	}
	if err := r.validate(p.Manifest); err != nil {
		return err
	}

	id := p.ID()
	stored := p.Clone()
	now := r.cfg.now()

	r.mu.Lock()
	if _, exists := r.plugins[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("plugin %q: %w", id, rterrors.ErrAlreadyRegistered)
	}
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = now
	}
	stored.UpdatedAt = now
	r.plugins[id] = stored
	r.order = append(r.order, id)
	snapshot := stored.Clone()
	r.mu.Unlock()

	r.cfg.logger.Debug("plugin registered", "plugin", id, "version", stored.Version())
	r.publish(entities.EventRegistered, id, snapshot)
	return nil
}

// Unregister removes a plugin.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	p, ok := r.plugins[id]
	if !ok {
		r.mu.Unlock()
		return notFound(id)
	}
	delete(r.plugins, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.cfg.logger.Debug("plugin unregistered", "plugin", id)
	r.publish(entities.EventUnregistered, id, p)
	return nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.plugins[id]
	return ok
}

// Get returns a snapshot of the plugin.
func (r *Registry) Get(id string) (*entities.Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	if !ok {
		return nil, notFound(id)
	}
	return p.Clone(), nil
}

// List returns snapshots in registration order.
func (r *Registry) List() []*entities.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entities.Plugin, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.plugins[id].Clone())
	}
	return out
}

// Manifest returns a copy of the plugin's manifest.
func (r *Registry) Manifest(id string) (*entities.Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	if !ok {
		return nil, false
	}
	return p.Manifest.Clone(), true
}

// Manifests returns copies of every manifest in registration order.
func (r *Registry) Manifests() []*entities.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entities.Manifest, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.plugins[id].Manifest.Clone())
	}
	return out
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

func (r *Registry) publish(t entities.EventType, id string, payload any) {
	r.cfg.publisher.Publish(entities.Event{
		Type:      t,
		PluginID:  id,
		Timestamp: r.cfg.now(),
		Payload:   payload,
	})
}

func notFound(id string) error {
	return fmt.Errorf("plugin %q: %w", id, rterrors.ErrNotFound)
}
