package lua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	lua "github.com/yuin/gopher-lua"
)

// EngineName identifies the Lua engine in logs and errors.
const EngineName = "lua"

// HostGlobal is the global table exposing the capability host.
const HostGlobal = "host"

// bytesPerRegistrySlot approximates the memory one registry slot stands for
// when sizing the registry from a byte limit.
const bytesPerRegistrySlot = 64

const (
	minRegistrySize = 1024
	maxRegistrySize = 1 << 22
)

// removedGlobals are base library functions that load code or modules.
var removedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "require", "module"}

// Engine runs plugins written in Lua.
type Engine struct {
	logger *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

var _ ports.Engine = (*Engine)(nil)

// NewEngine creates a Lua engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ports.Engine.
func (e *Engine) Name() string { return EngineName }

// Extensions implements ports.Engine.
func (e *Engine) Extensions() []string { return []string{".lua"} }

// Close implements ports.Engine. Lua states hold no shared resources.
func (e *Engine) Close(context.Context) error { return nil }

// Instantiate creates a restricted state, installs the host table and runs
// the plugin chunk under the execution timeout.
func (e *Engine) Instantiate(ctx context.Context, spec ports.SandboxSpec) (ports.Sandbox, error) {
	limits := spec.Limits.WithDefaults(entities.DefaultResourceLimits())
	L := newState(limits)
	installHost(L, spec.Host)
	m := newMeter(L, limits)
	installAllocationLimits(L, m)
	m.calibrate()

	sb := &sandbox{L: L, meter: m, pluginID: spec.PluginID, limits: limits, logger: e.logger}

	chunk := spec.Entry
	if chunk == "" {
		chunk = spec.PluginID
	}
	fn, err := L.Load(strings.NewReader(string(spec.Code)), chunk)
	if err != nil {
		L.Close()
		return nil, &rterrors.ExecutionError{Err: fmt.Errorf("compile: %w", err), PluginID: spec.PluginID, Function: "instantiate", Kind: rterrors.ExecutionFailure}
	}
	if err := sb.run(ctx, "instantiate", func() error {
		L.Push(fn)
		return L.PCall(0, 0, nil)
	}); err != nil {
		L.Close()
		return nil, err
	}
	e.logger.DebugContext(ctx, "lua sandbox ready", "plugin", spec.PluginID,
		"call_stack", limits.MaxCallDepth, "memory_limit", limits.MemoryLimitBytes, "memory_used", m.used)
	return sb, nil
}

func newState(limits entities.ResourceLimits) *lua.LState {
	registryMax := int(limits.MemoryLimitBytes / bytesPerRegistrySlot) //nolint:gosec // G115: clamped below
	registryMax = max(minRegistrySize, min(registryMax, maxRegistrySize))

	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       limits.MaxCallDepth,
		RegistrySize:        minRegistrySize,
		RegistryMaxSize:     registryMax,
		RegistryGrowStep:    minRegistrySize,
		IncludeGoStackTrace: false,
	})
	for _, open := range []lua.LGFunction{lua.OpenBase, lua.OpenTable, lua.OpenString, lua.OpenMath} {
		L.Push(L.NewFunction(open))
		L.Call(0, 0)
	}
	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// classify maps a failed Lua call onto an ExecutionError.
func classify(ctx context.Context, m *meter, pluginID, function string, limits entities.ResourceLimits, err error) error {
	kind := rterrors.ExecutionFailure
	msg := err.Error()
	switch {
	case m.exceeded:
		return &rterrors.ExecutionError{Err: err, PluginID: pluginID, Function: function, Kind: rterrors.ExecutionResource}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = rterrors.ExecutionTimeout
	case strings.Contains(msg, "stack overflow"), strings.Contains(msg, "registry overflow"):
		kind = rterrors.ExecutionResource
	}
	return &rterrors.ExecutionError{Err: err, PluginID: pluginID, Function: function, Kind: kind, Limit: limits.ExecutionTimeout}
}
