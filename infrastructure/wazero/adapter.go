package wazero

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"github.com/reglet-dev/reglet-runtime/hostfuncs"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// HostModuleName is the import module guests use for capability calls.
const HostModuleName = "reglet_host"

// AllocateExport is the guest export the host calls to reserve memory for
// request and response bytes.
const AllocateExport = "allocate"

// AdapterConfig holds configuration for the host module adapter.
type AdapterConfig struct {
	// Logger receives adapter failures. Defaults to slog.Default().
	Logger *slog.Logger

	// ModuleName is the host module name (default: "reglet_host").
	ModuleName string

	// CustomHandlers allows adding wazero-specific functions that don't fit
	// the packed request/response pattern.
	CustomHandlers []CustomHandler

	// MaxRequestSize limits the size of incoming requests from guest memory.
	MaxRequestSize uint32
}

// CustomHandler represents a raw wazero function exported next to the
// capability functions.
type CustomHandler struct {
	Handler     api.GoModuleFunc
	Name        string
	ParamTypes  []api.ValueType
	ResultTypes []api.ValueType
}

// AdapterOption configures the adapter.
type AdapterOption func(*AdapterConfig)

// WithModuleName sets the host module name (default: "reglet_host").
func WithModuleName(name string) AdapterOption {
	return func(c *AdapterConfig) {
		c.ModuleName = name
	}
}

// WithMaxRequestSize sets the maximum request size read from guest memory.
func WithMaxRequestSize(size uint32) AdapterOption {
	return func(c *AdapterConfig) {
		c.MaxRequestSize = size
	}
}

// WithCustomHandler adds a raw wazero function.
func WithCustomHandler(h CustomHandler) AdapterOption {
	return func(c *AdapterConfig) {
		c.CustomHandlers = append(c.CustomHandlers, h)
	}
}

// WithAdapterLogger sets the logger used for adapter failures.
func WithAdapterLogger(l *slog.Logger) AdapterOption {
	return func(c *AdapterConfig) {
		if l != nil {
			c.Logger = l
		}
	}
}

func defaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		Logger:         slog.Default(),
		ModuleName:     HostModuleName,
		MaxRequestSize: hostfuncs.DefaultMaxRequestSize,
	}
}

// RegisterWithRuntime exports every function of host as an import module
// of runtime. Each function takes and returns a packed i64 (ptr<<32 | len):
// the request is read from guest memory, dispatched to host, and the
// response is written back into memory reserved through the guest's
// "allocate" export.
//
//	err := wazero.RegisterWithRuntime(ctx, rt, registry.Bind("weather"))
func RegisterWithRuntime(ctx context.Context, runtime wazero.Runtime, host ports.HostInvoker, opts ...AdapterOption) error {
	cfg := defaultAdapterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	builder := runtime.NewHostModuleBuilder(cfg.ModuleName)
	for _, name := range host.Names() {
		funcName := name
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				handleCall(ctx, mod, stack, host, funcName, &cfg)
			}), []api.ValueType{api.ValueTypeI64}, []api.ValueType{api.ValueTypeI64}).
			Export(funcName)
	}
	for _, ch := range cfg.CustomHandlers {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(ch.Handler, ch.ParamTypes, ch.ResultTypes).
			Export(ch.Name)
	}

	_, err := builder.Instantiate(ctx)
	return err
}

func handleCall(ctx context.Context, mod api.Module, stack []uint64, host ports.HostInvoker, name string, cfg *AdapterConfig) {
	ptr, length := unpackPtrLen(stack[0])
	if mod.Memory() == nil {
		cfg.Logger.ErrorContext(ctx, "wazero: guest exports no memory", "function", name)
		stack[0] = 0
		return
	}

	if length > cfg.MaxRequestSize {
		msg := fmt.Sprintf("request size %d exceeds maximum %d bytes", length, cfg.MaxRequestSize)
		cfg.Logger.ErrorContext(ctx, "wazero: "+msg, "function", name)
		stack[0] = writeResponse(ctx, mod, hostfuncs.NewValidationError(msg).ToJSON(), cfg.Logger)
		return
	}

	request, ok := mod.Memory().Read(ptr, length)
	if !ok {
		msg := "failed to read request from guest memory"
		cfg.Logger.ErrorContext(ctx, "wazero: "+msg, "function", name)
		stack[0] = writeResponse(ctx, mod, hostfuncs.NewInternalError(msg).ToJSON(), cfg.Logger)
		return
	}
	// The view aliases guest memory, which the handler's own allocations
	// may move.
	request = append([]byte(nil), request...)

	response, err := host.Invoke(ctx, name, request)
	if err != nil {
		cfg.Logger.ErrorContext(ctx, "wazero: handler invocation failed", "function", name, "error", err)
		response = hostfuncs.NewInternalError(err.Error()).ToJSON()
	}
	stack[0] = writeResponse(ctx, mod, response, cfg.Logger)
}

// writeResponse copies data into guest memory and returns its packed
// location, or 0 when the guest cannot take it.
func writeResponse(ctx context.Context, mod api.Module, data []byte, logger *slog.Logger) uint64 {
	ptr, err := writeGuest(ctx, mod, data)
	if err != nil {
		logger.ErrorContext(ctx, "wazero: failed to write response", "error", err)
		return 0
	}
	return packPtrLen(ptr, uint32(len(data))) //nolint:gosec // G115: bounded by guest allocation
}

// writeGuest reserves len(data) bytes through the allocate export and
// copies data there.
func writeGuest(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	allocate := mod.ExportedFunction(AllocateExport)
	if allocate == nil {
		return 0, fmt.Errorf("guest module missing %q export", AllocateExport)
	}
	results, err := allocate.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("guest allocate: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("guest allocate returned no result")
	}
	ptr := uint32(results[0]) //nolint:gosec // G115: WASM32 pointers are always 32-bit
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("write of %d bytes at %d out of range", len(data), ptr)
	}
	return ptr, nil
}

// packPtrLen packs a pointer and length into a single i64.
// Upper 32 bits: pointer, lower 32 bits: length.
func packPtrLen(ptr, length uint32) uint64 {
	return (uint64(ptr) << 32) | uint64(length)
}

// unpackPtrLen unpacks a pointer and length from a packed i64.
func unpackPtrLen(packed uint64) (ptr, length uint32) {
	ptr = uint32(packed >> 32)           //nolint:gosec // G115: Packed format stores 32-bit values
	length = uint32(packed & 0xFFFFFFFF) //nolint:gosec // G115: Packed format stores 32-bit values
	return ptr, length
}
