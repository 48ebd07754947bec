package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/reglet-dev/reglet-runtime/application/permission"
	"github.com/reglet-dev/reglet-runtime/application/registry"
	"github.com/reglet-dev/reglet-runtime/application/resolver"
	"github.com/reglet-dev/reglet-runtime/application/security"
	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
	"github.com/reglet-dev/reglet-runtime/host"
)

// Operation names used in errors, logs and plugin error entries.
const (
	OpInstall   = "install"
	OpLoad      = "load"
	OpUnload    = "unload"
	OpStart     = "start"
	OpStop      = "stop"
	OpPause     = "pause"
	OpResume    = "resume"
	OpInvoke    = "invoke"
	OpReload    = "reload"
	OpUpdate    = "update"
	OpUninstall = "uninstall"
	OpRestore   = "restore"
	OpSecurity  = "security"
	OpConfigure = "configure"
)

var (
	// ErrBusy is returned when an install, update or uninstall of the same
	// plugin is already in progress.
	ErrBusy = errors.New("another operation on the plugin is in progress")

	// ErrNotRunning is returned by Invoke for plugins that are not running.
	ErrNotRunning = errors.New("plugin is not running")

	// ErrNoBundle is returned when a plugin's code is not available to load.
	ErrNoBundle = errors.New("plugin bundle is not available")
)

// Manager drives plugins through their lifecycle.
type Manager struct {
	cfg         managerConfig
	registry    *registry.Registry
	resolver    *resolver.Resolver
	permissions *permission.Manager
	security    *security.Manager
	loader      *host.Loader

	mu        sync.Mutex
	bundles   map[string]*entities.Bundle
	executors map[string]*host.Executor
	instances map[string][]*entities.PluginInstance
	loading   map[string]struct{}
	busy      map[string]string
}

// New wires a Manager over its collaborators.
func New(
	reg *registry.Registry,
	res *resolver.Resolver,
	perms *permission.Manager,
	sec *security.Manager,
	loader *host.Loader,
	opts ...Option,
) (*Manager, error) {
	if reg == nil || res == nil || perms == nil || sec == nil || loader == nil {
		return nil, errors.New("lifecycle: registry, resolver, permission manager, security manager and loader are required")
	}
	cfg := defaultManagerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.requireSignature && cfg.verifier == nil {
		return nil, errors.New("lifecycle: signatures are required but no verifier is configured")
	}
	cfg.defaultConfig.Limits = cfg.defaultConfig.Limits.WithDefaults(entities.DefaultResourceLimits())

	return &Manager{
		cfg:         cfg,
		registry:    reg,
		resolver:    res,
		permissions: perms,
		security:    sec,
		loader:      loader,
		bundles:     make(map[string]*entities.Bundle),
		executors:   make(map[string]*host.Executor),
		instances:   make(map[string][]*entities.PluginInstance),
		loading:     make(map[string]struct{}),
		busy:        make(map[string]string),
	}, nil
}

// Get returns a snapshot of the plugin record.
func (m *Manager) Get(id string) (*entities.Plugin, error) {
	return m.registry.Get(id)
}

// List returns snapshots of every plugin in registration order.
func (m *Manager) List() []*entities.Plugin {
	return m.registry.List()
}

// Status returns the plugin's lifecycle state.
func (m *Manager) Status(id string) (entities.Status, error) {
	p, err := m.registry.Get(id)
	if err != nil {
		return 0, err
	}
	return p.Status, nil
}

// IsRunning reports whether the plugin is in the running state.
func (m *Manager) IsRunning(id string) bool {
	s, err := m.Status(id)
	return err == nil && s == entities.StatusRunning
}

// Instances returns copies of the plugin's live instances.
func (m *Manager) Instances(id string) []entities.PluginInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]entities.PluginInstance, 0, len(m.instances[id]))
	for _, inst := range m.instances[id] {
		out = append(out, *inst)
	}
	return out
}

// claim marks id as owned by op until the returned release is called.
func (m *Manager) claim(id, op string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.busy[id]; ok {
		return nil, &rterrors.LifecycleError{
			Err:       fmt.Errorf("%w (%s)", ErrBusy, cur),
			PluginID:  id,
			Operation: op,
		}
	}
	m.busy[id] = op
	return func() {
		m.mu.Lock()
		delete(m.busy, id)
		m.mu.Unlock()
	}, nil
}

func (m *Manager) bundle(id string) *entities.Bundle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bundles[id]
}

func (m *Manager) setBundle(id string, b *entities.Bundle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b == nil {
		delete(m.bundles, id)
		return
	}
	m.bundles[id] = b
}

func (m *Manager) executor(id string) *host.Executor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executors[id]
}

// teardown drops the plugin's sandbox and instances without running hooks.
func (m *Manager) teardown(ctx context.Context, id string) {
	m.mu.Lock()
	exec := m.executors[id]
	delete(m.executors, id)
	delete(m.instances, id)
	m.mu.Unlock()
	if exec == nil {
		return
	}
	if err := exec.Close(context.WithoutCancel(ctx)); err != nil {
		m.cfg.logger.WarnContext(ctx, "closing plugin sandbox", "plugin", id, "error", err)
	}
}

// transition moves id to the given state and announces it.
func (m *Manager) transition(id string, to entities.Status) (entities.Status, error) {
	from, err := m.registry.Transition(id, to, CanTransition)
	if err != nil {
		return from, err
	}
	m.publishState(id, from, to)
	return from, nil
}

func (m *Manager) publishState(id string, from, to entities.Status) {
	m.cfg.logger.Debug("plugin state changed", "plugin", id, "from", from, "to", to)
	m.cfg.publisher.Publish(entities.Event{
		Type:      entities.EventStateChanged,
		PluginID:  id,
		Timestamp: m.cfg.now(),
		Payload:   entities.StateChange{From: from, To: to},
	})
}

// recordError appends err to the plugin's error log.
func (m *Manager) recordError(id, op string, err error) {
	if rerr := m.registry.RecordError(id, rterrors.NewPluginError(op, err, m.cfg.now())); rerr != nil {
		m.cfg.logger.Warn("recording plugin error", "plugin", id, "op", op, "error", rerr)
	}
}

// fail records err and moves a committed plugin to the error state.
func (m *Manager) fail(id, op string, err error) error {
	m.cfg.logger.Error("plugin operation failed", "plugin", id, "op", op, "error", err)
	m.recordError(id, op, err)
	if _, terr := m.transition(id, entities.StatusError); terr != nil {
		m.cfg.logger.Warn("moving plugin to error state", "plugin", id, "error", terr)
	}
	return err
}

func lifecycleError(id, op string, state entities.Status, err error) error {
	return &rterrors.LifecycleError{Err: err, PluginID: id, Operation: op, State: state}
}

// HandleCriticalViolation pauses a running plugin after a critical
// security violation. Other states are left alone.
func (m *Manager) HandleCriticalViolation(v entities.Violation) {
	id := v.PluginID
	if !m.registry.Has(id) {
		return
	}
	m.recordError(id, OpSecurity, &rterrors.SecurityViolationError{Violation: v})
	if !m.IsRunning(id) {
		return
	}
	if err := m.Pause(id); err != nil {
		m.cfg.logger.Warn("pausing plugin after critical violation", "plugin", id, "error", err)
		return
	}
	m.cfg.logger.Warn("plugin paused after critical violation", "plugin", id, "violation", v.ID, "subject", v.Subject)
}

// Shutdown unloads every active plugin. Sandboxes whose plugin is no
// longer registered are closed without hooks.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.executors))
	for id := range m.executors {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	slices.Sort(ids)

	var errs []error
	for _, id := range ids {
		err := m.Unload(ctx, id)
		switch {
		case errors.Is(err, rterrors.ErrNotFound):
			m.teardown(ctx, id)
		case err != nil:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
