package registry

import (
	"fmt"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
)

// MetadataUpdate carries the metadata fields to overwrite; nil fields are kept.
type MetadataUpdate struct {
	Description *string
	Category    *string
	Keywords    []string
	Tags        []string
}

// UpdateMetadata merges u into the plugin's metadata.
func (r *Registry) UpdateMetadata(id string, u MetadataUpdate) (*entities.Plugin, error) {
	return r.update(id, true, func(p *entities.Plugin) {
		if u.Description != nil {
			p.Metadata.Description = *u.Description
		}
		if u.Category != nil {
			p.Metadata.Category = *u.Category
		}
		if u.Keywords != nil {
			p.Metadata.Keywords = append([]string(nil), u.Keywords...)
		}
		if u.Tags != nil {
			p.Metadata.Tags = append([]string(nil), u.Tags...)
		}
	})
}

// SetStatus records a new lifecycle status and returns the previous one.
// The lifecycle manager is responsible for checking the transition.
func (r *Registry) SetStatus(id string, s entities.Status) (entities.Status, error) {
	var prev entities.Status
	_, err := r.update(id, false, func(p *entities.Plugin) {
		prev = p.Status
		p.Status = s
	})
	return prev, err
}

// Transition moves the plugin to status to if allowed(from, to) holds,
// returning the previous status. A refused move leaves the record unchanged
// and returns ErrInvalidTransition.
func (r *Registry) Transition(id string, to entities.Status, allowed func(from, to entities.Status) bool) (entities.Status, error) {
	var (
		from    entities.Status
		refused bool
	)
	_, err := r.update(id, false, func(p *entities.Plugin) {
		from = p.Status
		if !allowed(from, to) {
			refused = true
			return
		}
		p.Status = to
	})
	if err != nil {
		return from, err
	}
	if refused {
		return from, fmt.Errorf("%s -> %s: %w", from, to, rterrors.ErrInvalidTransition)
	}
	return from, nil
}

// RecordError appends to the plugin's error log, keeping the newest
// entities.MaxPluginErrors entries.
func (r *Registry) RecordError(id string, pe entities.PluginError) error {
	if pe.Timestamp.IsZero() {
		pe.Timestamp = r.cfg.now()
	}
	_, err := r.update(id, false, func(p *entities.Plugin) {
		p.Errors = append(p.Errors, pe)
		if over := len(p.Errors) - entities.MaxPluginErrors; over > 0 {
			p.Errors = append([]entities.PluginError(nil), p.Errors[over:]...)
		}
		p.Metrics.ErrorCount++
	})
	if err != nil {
		return err
	}
	r.publish(entities.EventPluginError, id, pe)
	return nil
}

// Touch stamps LastUsedAt.
func (r *Registry) Touch(id string) error {
	now := r.cfg.now()
	_, err := r.update(id, false, func(p *entities.Plugin) {
		p.LastUsedAt = now
	})
	return err
}

// UpdateMetrics applies fn to the plugin's counters.
func (r *Registry) UpdateMetrics(id string, fn func(*entities.PluginMetrics)) error {
	_, err := r.update(id, false, func(p *entities.Plugin) {
		fn(&p.Metrics)
	})
	return err
}

// SetConfig replaces the plugin's configuration.
func (r *Registry) SetConfig(id string, cfg entities.PluginConfig) (*entities.Plugin, error) {
	return r.update(id, true, func(p *entities.Plugin) {
		p.Config = cfg
	})
}

// Replace swaps the stored record for p, keeping RegisteredAt. Used when an
// update installs a new version under the same id.
func (r *Registry) Replace(p *entities.Plugin) error {
	if err := r.validate(p.Manifest); err != nil {
		return err
	}
	stored := p.Clone()
	_, err := r.update(stored.ID(), true, func(cur *entities.Plugin) {
		stored.RegisteredAt = cur.RegisteredAt
		*cur = *stored
	})
	return err
}

func (r *Registry) update(id string, announce bool, fn func(*entities.Plugin)) (*entities.Plugin, error) {
	now := r.cfg.now()

	r.mu.Lock()
	p, ok := r.plugins[id]
	if !ok {
		r.mu.Unlock()
		return nil, notFound(id)
	}
	fn(p)
	p.UpdatedAt = now
	snapshot := p.Clone()
	r.mu.Unlock()

	if announce {
		r.publish(entities.EventUpdated, id, snapshot)
	}
	return snapshot, nil
}
