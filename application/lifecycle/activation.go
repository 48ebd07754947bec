package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
	"github.com/reglet-dev/reglet-runtime/host"
)

// Load instantiates a registered plugin and runs its on_load hook. Loading
// an active plugin is a no-op. A second Load issued while one is in flight
// fails with ErrAlreadyLoading. Plugins in the error state need Reload.
func (m *Manager) Load(ctx context.Context, id string) error {
	return m.load(ctx, id, false)
}

// Reload is the explicit recovery path: it tears down whatever is left of
// the plugin and loads it again. Active plugins are unloaded first.
func (m *Manager) Reload(ctx context.Context, id string) error {
	p, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	switch {
	case p.Status == entities.StatusError:
		m.teardown(ctx, id)
	case p.Status.IsActive():
		if err := m.Unload(ctx, id); err != nil {
			return err
		}
	}
	m.cfg.logger.InfoContext(ctx, "reloading plugin", "plugin", id, "from", p.Status)
	return m.load(ctx, id, true)
}

func (m *Manager) load(ctx context.Context, id string, recovering bool) error {
	m.mu.Lock()
	if _, ok := m.loading[id]; ok {
		m.mu.Unlock()
		return lifecycleError(id, OpLoad, entities.StatusLoading, rterrors.ErrAlreadyLoading)
	}
	m.loading[id] = struct{}{}
	b := m.bundles[id]
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.loading, id)
		m.mu.Unlock()
	}()

	p, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	switch {
	case p.Status.IsActive():
		return nil
	case p.Status == entities.StatusError && !recovering:
		return lifecycleError(id, OpLoad, p.Status, fmt.Errorf("%w: reload required", rterrors.ErrInvalidTransition))
	}
	if b == nil {
		return lifecycleError(id, OpLoad, p.Status, ErrNoBundle)
	}
	if from, err := m.transition(id, entities.StatusLoading); err != nil {
		return lifecycleError(id, OpLoad, from, err)
	}

	start := m.cfg.now()
	exec, err := m.loader.Instantiate(ctx, b, p.Config.Limits)
	if err != nil {
		return m.fail(id, OpLoad, err)
	}
	if err := exec.Hook(ctx, host.HookLoad); err != nil {
		_ = exec.Close(context.WithoutCancel(ctx))
		return m.fail(id, OpLoad, err)
	}
	elapsed := m.cfg.now().Sub(start)

	m.mu.Lock()
	m.executors[id] = exec
	m.mu.Unlock()
	if err := m.registry.UpdateMetrics(id, func(pm *entities.PluginMetrics) {
		pm.LoadCount++
		pm.LastLoadDuration = elapsed
	}); err != nil {
		return err
	}
	if from, err := m.transition(id, entities.StatusLoaded); err != nil {
		m.teardown(ctx, id)
		return lifecycleError(id, OpLoad, from, err)
	}
	m.cfg.logger.InfoContext(ctx, "plugin loaded", "plugin", id, "engine", exec.Engine(), "duration", elapsed)
	return nil
}

// Unload stops the plugin if needed, runs on_unload and releases its
// sandbox, leaving it registered. A failing on_unload is recorded but does
// not keep the plugin loaded.
func (m *Manager) Unload(ctx context.Context, id string) error {
	p, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	switch p.Status {
	case entities.StatusRegistered:
		return nil
	case entities.StatusRunning, entities.StatusPaused:
		if err := m.Stop(ctx, id); err != nil {
			return err
		}
	case entities.StatusLoaded, entities.StatusError:
	default:
		return lifecycleError(id, OpUnload, p.Status, rterrors.ErrInvalidTransition)
	}

	// A failed stop hook leaves the plugin in the error state.
	if p, err = m.registry.Get(id); err != nil {
		return err
	}
	if exec := m.executor(id); exec != nil && p.Status != entities.StatusError {
		if err := exec.Hook(ctx, host.HookUnload); err != nil {
			m.cfg.logger.WarnContext(ctx, "on_unload failed", "plugin", id, "error", err)
			m.recordError(id, OpUnload, err)
		}
	}
	m.teardown(ctx, id)
	if from, err := m.transition(id, entities.StatusRegistered); err != nil {
		return lifecycleError(id, OpUnload, from, err)
	}
	m.cfg.logger.InfoContext(ctx, "plugin unloaded", "plugin", id)
	return nil
}

// Start creates a new instance of a loaded plugin. The first instance moves
// the plugin to running and runs on_start; later ones are added alongside.
func (m *Manager) Start(ctx context.Context, id string) (entities.PluginInstance, error) {
	from, err := m.registry.Transition(id, entities.StatusRunning, func(from, _ entities.Status) bool {
		return from == entities.StatusLoaded || from == entities.StatusRunning
	})
	if err != nil {
		if errors.Is(err, rterrors.ErrNotFound) {
			return entities.PluginInstance{}, err
		}
		return entities.PluginInstance{}, lifecycleError(id, OpStart, from, err)
	}

	if from == entities.StatusLoaded {
		m.publishState(id, from, entities.StatusRunning)
		exec := m.executor(id)
		if exec == nil {
			return entities.PluginInstance{}, m.fail(id, OpStart, ErrNoBundle)
		}
		if err := exec.Hook(ctx, host.HookStart); err != nil {
			return entities.PluginInstance{}, m.fail(id, OpStart, err)
		}
	}

	inst := &entities.PluginInstance{
		ID:        uuid.NewString(),
		PluginID:  id,
		CreatedAt: m.cfg.now(),
		State:     entities.StatusRunning,
	}
	m.mu.Lock()
	m.instances[id] = append(m.instances[id], inst)
	m.mu.Unlock()
	if err := m.registry.UpdateMetrics(id, func(pm *entities.PluginMetrics) { pm.StartCount++ }); err != nil {
		return entities.PluginInstance{}, err
	}
	m.cfg.logger.InfoContext(ctx, "plugin instance started", "plugin", id, "instance", inst.ID)
	return *inst, nil
}

// Stop retires every instance, runs on_stop and returns the plugin to
// loaded. Stopping a loaded plugin is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	from, err := m.registry.Transition(id, entities.StatusLoaded, func(from, _ entities.Status) bool {
		return from == entities.StatusRunning || from == entities.StatusPaused
	})
	if err != nil {
		if from == entities.StatusLoaded {
			return nil
		}
		if errors.Is(err, rterrors.ErrNotFound) {
			return err
		}
		return lifecycleError(id, OpStop, from, err)
	}
	m.publishState(id, from, entities.StatusLoaded)

	m.mu.Lock()
	retired := len(m.instances[id])
	delete(m.instances, id)
	exec := m.executors[id]
	m.mu.Unlock()

	if exec != nil {
		if err := exec.Hook(ctx, host.HookStop); err != nil {
			return m.fail(id, OpStop, err)
		}
	}
	m.cfg.logger.InfoContext(ctx, "plugin stopped", "plugin", id, "instances", retired)
	return nil
}

// StopInstance retires one instance. Retiring the last one stops the plugin.
func (m *Manager) StopInstance(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	var (
		pluginID  string
		remaining int
		found     bool
	)
	for id, insts := range m.instances {
		i := slices.IndexFunc(insts, func(inst *entities.PluginInstance) bool { return inst.ID == instanceID })
		if i < 0 {
			continue
		}
		m.instances[id] = slices.Delete(insts, i, i+1)
		pluginID, remaining, found = id, len(m.instances[id]), true
		break
	}
	m.mu.Unlock()
	if !found {
		return fmt.Errorf("instance %q: %w", instanceID, rterrors.ErrNotFound)
	}
	if remaining > 0 {
		return nil
	}
	return m.Stop(ctx, pluginID)
}

// Pause suspends a running plugin. Its instances survive.
func (m *Manager) Pause(id string) error {
	return m.setRunning(id, OpPause, entities.StatusRunning, entities.StatusPaused)
}

// Resume returns a paused plugin to running.
func (m *Manager) Resume(id string) error {
	return m.setRunning(id, OpResume, entities.StatusPaused, entities.StatusRunning)
}

func (m *Manager) setRunning(id, op string, want, to entities.Status) error {
	from, err := m.registry.Transition(id, to, func(from, _ entities.Status) bool { return from == want })
	if err != nil {
		if from == to {
			return nil
		}
		if errors.Is(err, rterrors.ErrNotFound) {
			return err
		}
		return lifecycleError(id, op, from, err)
	}
	m.mu.Lock()
	for _, inst := range m.instances[id] {
		inst.State = to
	}
	m.mu.Unlock()
	m.publishState(id, from, to)
	return nil
}

// Invoke calls an exported function of a running plugin. Timeouts and
// resource overruns move the plugin to the error state; other failures are
// only recorded.
func (m *Manager) Invoke(ctx context.Context, id, function string, payload []byte) ([]byte, error) {
	p, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Status != entities.StatusRunning {
		return nil, lifecycleError(id, OpInvoke, p.Status, ErrNotRunning)
	}
	exec := m.executor(id)
	if exec == nil {
		return nil, lifecycleError(id, OpInvoke, p.Status, ErrNoBundle)
	}

	out, err := exec.Call(ctx, function, payload)
	if terr := m.registry.Touch(id); terr != nil {
		m.cfg.logger.Warn("touching plugin", "plugin", id, "error", terr)
	}
	if merr := m.registry.UpdateMetrics(id, func(pm *entities.PluginMetrics) { pm.InvokeCount++ }); merr != nil {
		m.cfg.logger.Warn("updating plugin metrics", "plugin", id, "error", merr)
	}
	if err != nil {
		if errors.Is(err, rterrors.ErrExecutionTimeout) || errors.Is(err, rterrors.ErrResourceExceeded) {
			return nil, m.fail(id, OpInvoke, err)
		}
		m.recordError(id, OpInvoke, err)
		return nil, err
	}
	return out, nil
}
