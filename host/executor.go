package host

import (
	"context"
	"errors"
	"sync"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
)

// Lifecycle hooks a plugin may export. Missing hooks are skipped.
const (
	HookLoad   = "on_load"
	HookUnload = "on_unload"
	HookStart  = "on_start"
	HookStop   = "on_stop"
)

// Executor runs the exported functions of one instantiated plugin.
type Executor struct {
	sandbox  ports.Sandbox
	pluginID string
	engine   string
	limits   entities.ResourceLimits

	mu     sync.Mutex
	closed bool
}

func newExecutor(sb ports.Sandbox, pluginID, engine string, limits entities.ResourceLimits) *Executor {
	return &Executor{sandbox: sb, pluginID: pluginID, engine: engine, limits: limits}
}

// PluginID returns the id of the plugin being run.
func (e *Executor) PluginID() string { return e.pluginID }

// Engine returns the name of the isolation engine.
func (e *Executor) Engine() string { return e.engine }

// Limits returns the effective resource limits.
func (e *Executor) Limits() entities.ResourceLimits { return e.limits }

// Has reports whether the plugin exports function.
func (e *Executor) Has(function string) bool {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	return !closed && e.sandbox.Has(function)
}

// Call invokes an exported function. Every failure is an
// *errors.ExecutionError.
func (e *Executor) Call(ctx context.Context, function string, payload []byte) ([]byte, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, &rterrors.ExecutionError{
			Err: errors.New("plugin is not loaded"), PluginID: e.pluginID, Function: function, Kind: rterrors.ExecutionFailure,
		}
	}
	out, err := e.sandbox.Call(ctx, function, payload)
	if err != nil {
		return nil, normalize(e.pluginID, function, err)
	}
	return out, nil
}

// Hook calls a lifecycle hook if the plugin exports it.
func (e *Executor) Hook(ctx context.Context, hook string) error {
	if !e.Has(hook) {
		return nil
	}
	_, err := e.Call(ctx, hook, nil)
	return err
}

// Close tears the sandbox down. Closing twice is a no-op.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.sandbox.Close(ctx)
}

func normalize(pluginID, function string, err error) error {
	var execErr *rterrors.ExecutionError
	if errors.As(err, &execErr) {
		return err
	}
	kind := rterrors.ExecutionFailure
	if errors.Is(err, context.DeadlineExceeded) {
		kind = rterrors.ExecutionTimeout
	}
	return &rterrors.ExecutionError{Err: err, PluginID: pluginID, Function: function, Kind: kind}
}
