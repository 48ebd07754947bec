package wazero

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// EngineName identifies the wasm engine in logs and errors.
const EngineName = "wazero"

// wasmPageSize is the size of one linear memory page.
const wasmPageSize = 64 * 1024

// maxPages is the wasm32 address space in pages.
const maxPages = 65536

// InitializeExport is the reactor initialization export, called once after
// instantiation when present.
const InitializeExport = "_initialize"

// Engine runs plugins compiled to WebAssembly. Every sandbox gets its own
// wazero runtime, so instances share nothing but the compilation cache.
type Engine struct {
	cache  wazero.CompilationCache
	logger *slog.Logger
	cfg    engineConfig
}

type engineConfig struct {
	logger   *slog.Logger
	cacheDir string
	adapter  []AdapterOption
	wasi     bool
}

// EngineOption configures an Engine.
type EngineOption func(*engineConfig)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(c *engineConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCacheDir persists compiled modules under dir.
func WithCacheDir(dir string) EngineOption {
	return func(c *engineConfig) {
		c.cacheDir = dir
	}
}

// WithWASI enables or disables the wasi_snapshot_preview1 imports. Default is enabled.
func WithWASI(enabled bool) EngineOption {
	return func(c *engineConfig) {
		c.wasi = enabled
	}
}

// WithAdapterOptions passes options to the host module adapter.
func WithAdapterOptions(opts ...AdapterOption) EngineOption {
	return func(c *engineConfig) {
		c.adapter = append(c.adapter, opts...)
	}
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		logger: slog.Default(),
		wasi:   true,
	}
}

var _ ports.Engine = (*Engine)(nil)

// NewEngine creates a wasm engine.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	cache := wazero.NewCompilationCache()
	if cfg.cacheDir != "" {
		var err error
		if cache, err = wazero.NewCompilationCacheWithDir(cfg.cacheDir); err != nil {
			return nil, fmt.Errorf("compilation cache: %w", err)
		}
	}
	cfg.adapter = append([]AdapterOption{WithAdapterLogger(cfg.logger)}, cfg.adapter...)
	return &Engine{cache: cache, logger: cfg.logger, cfg: cfg}, nil
}

// Name implements ports.Engine.
func (e *Engine) Name() string { return EngineName }

// Extensions implements ports.Engine.
func (e *Engine) Extensions() []string { return []string{".wasm"} }

// Instantiate compiles spec.Code in a fresh runtime limited to
// spec.Limits, links the capability host and runs _initialize.
func (e *Engine) Instantiate(ctx context.Context, spec ports.SandboxSpec) (ports.Sandbox, error) {
	limits := spec.Limits.WithDefaults(entities.DefaultResourceLimits())
	pages := memoryPages(limits.MemoryLimitBytes)

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCompilationCache(e.cache).
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(pages))

	sb, err := e.instantiate(ctx, rt, spec, limits, pages)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	return sb, nil
}

func (e *Engine) instantiate(ctx context.Context, rt wazero.Runtime, spec ports.SandboxSpec, limits entities.ResourceLimits, pages uint32) (*sandbox, error) {
	fail := func(kind rterrors.ExecutionKind, err error) error {
		return &rterrors.ExecutionError{Err: err, PluginID: spec.PluginID, Function: "instantiate", Kind: kind, Limit: limits.ExecutionTimeout}
	}

	if e.cfg.wasi {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			return nil, fail(rterrors.ExecutionFailure, fmt.Errorf("wasi: %w", err))
		}
	}
	if spec.Host != nil {
		if err := RegisterWithRuntime(ctx, rt, spec.Host, e.cfg.adapter...); err != nil {
			return nil, fail(rterrors.ExecutionFailure, fmt.Errorf("host module: %w", err))
		}
	}

	compiled, err := rt.CompileModule(ctx, spec.Code)
	if err != nil {
		if strings.Contains(err.Error(), "over limit") {
			return nil, fail(rterrors.ExecutionResource, err)
		}
		return nil, fail(rterrors.ExecutionFailure, fmt.Errorf("compile: %w", err))
	}
	for name, mem := range compiled.ExportedMemories() {
		if mem.Min() > pages {
			return nil, fail(rterrors.ExecutionResource,
				fmt.Errorf("memory %q needs %d pages, limit is %d", name, mem.Min(), pages))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, limits.ExecutionTimeout)
	defer cancel()

	mod, err := rt.InstantiateModule(callCtx, compiled, wazero.NewModuleConfig().
		WithName(spec.PluginID).
		WithStartFunctions())
	if err != nil {
		return nil, classify(callCtx, spec.PluginID, "instantiate", limits, err)
	}
	sb := &sandbox{runtime: rt, module: mod, pluginID: spec.PluginID, limits: limits, logger: e.logger}
	if mod.ExportedFunction(InitializeExport) != nil {
		if _, err := sb.Call(ctx, InitializeExport, nil); err != nil {
			return nil, err
		}
	}
	e.logger.DebugContext(ctx, "wasm sandbox ready", "plugin", spec.PluginID, "memory_pages", pages)
	return sb, nil
}

// Close releases the compilation cache.
func (e *Engine) Close(ctx context.Context) error {
	return e.cache.Close(ctx)
}

// memoryPages converts a byte limit into whole wasm pages, at least one.
func memoryPages(limit uint64) uint32 {
	pages := limit / wasmPageSize
	switch {
	case pages == 0:
		return 1
	case pages > maxPages:
		return maxPages
	}
	return uint32(pages) //nolint:gosec // G115: capped at maxPages
}

// classify maps a wazero failure onto an ExecutionError.
func classify(ctx context.Context, pluginID, function string, limits entities.ResourceLimits, err error) error {
	kind := rterrors.ExecutionFailure
	var exit *sys.ExitError
	switch {
	case errors.As(err, &exit) && exit.ExitCode() == sys.ExitCodeDeadlineExceeded,
		errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = rterrors.ExecutionTimeout
	case strings.Contains(err.Error(), "stack overflow"),
		strings.Contains(err.Error(), "out of memory"):
		kind = rterrors.ExecutionResource
	}
	return &rterrors.ExecutionError{Err: err, PluginID: pluginID, Function: function, Kind: kind, Limit: limits.ExecutionTimeout}
}
