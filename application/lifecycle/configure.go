package lifecycle

import (
	"context"
	"fmt"

	"github.com/reglet-dev/reglet-runtime/application/validation"
	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
)

// Configure replaces the plugin's configuration and records it in the
// catalog. Zero limits take the manager defaults. New limits apply from the
// next Load or Reload; a live sandbox keeps the ones it was created with.
func (m *Manager) Configure(ctx context.Context, id string, cfg entities.PluginConfig) (*entities.Plugin, error) {
	if err := validation.StructError("plugin config", cfg); err != nil {
		return nil, err
	}
	release, err := m.claim(id, OpConfigure)
	if err != nil {
		return nil, err
	}
	defer release()

	cfg.Limits = cfg.Limits.WithDefaults(m.cfg.defaultConfig.Limits)
	p, err := m.registry.SetConfig(id, cfg)
	if err != nil {
		return nil, err
	}
	if b := m.bundle(id); b != nil {
		if err := m.save(ctx, id, b); err != nil {
			return nil, &rterrors.LifecycleError{
				Err:       fmt.Errorf("record config: %w", err),
				PluginID:  id,
				Operation: OpConfigure,
				State:     p.Status,
			}
		}
	}
	m.cfg.logger.InfoContext(ctx, "plugin configured", "plugin", id,
		"timeout", cfg.Limits.ExecutionTimeout, "memory_limit", cfg.Limits.MemoryLimitBytes, "enabled", cfg.Enabled)
	return p, nil
}
