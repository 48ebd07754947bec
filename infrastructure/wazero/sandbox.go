package wazero

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// sandbox is one instantiated guest module. Wasm instances are single
// threaded, so calls are serialized.
type sandbox struct {
	runtime  wazero.Runtime
	module   api.Module
	logger   *slog.Logger
	pluginID string
	limits   entities.ResourceLimits
	mu       sync.Mutex
	closed   bool
}

var _ ports.Sandbox = (*sandbox)(nil)

// Has implements ports.Sandbox.
func (s *sandbox) Has(function string) bool {
	return s.module.ExportedFunction(function) != nil
}

// Call invokes an export. Exports taking (ptr, len) receive the payload
// copied into guest memory; exports returning an i64 are read back as a
// packed (ptr, len) result.
func (s *sandbox) Call(ctx context.Context, function string, payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	execErr := func(err error) error {
		return &rterrors.ExecutionError{Err: err, PluginID: s.pluginID, Function: function, Kind: rterrors.ExecutionFailure}
	}
	if s.closed {
		return nil, execErr(fmt.Errorf("sandbox is closed"))
	}
	fn := s.module.ExportedFunction(function)
	if fn == nil {
		return nil, execErr(fmt.Errorf("export %q not found", function))
	}

	callCtx, cancel := context.WithTimeout(ctx, s.limits.ExecutionTimeout)
	defer cancel()

	def := fn.Definition()
	var args []uint64
	switch params := def.ParamTypes(); {
	case len(params) == 0:
		if len(payload) > 0 {
			return nil, execErr(fmt.Errorf("export %q takes no input", function))
		}
	case len(params) == 2 && params[0] == api.ValueTypeI32 && params[1] == api.ValueTypeI32:
		var ptr uint32
		if len(payload) > 0 {
			p, err := writeGuest(callCtx, s.module, payload)
			if err != nil {
				return nil, s.fail(callCtx, function, err)
			}
			ptr = p
		}
		args = []uint64{uint64(ptr), uint64(len(payload))}
	default:
		return nil, execErr(fmt.Errorf("export %q has unsupported signature", function))
	}

	results, err := fn.Call(callCtx, args...)
	if err != nil {
		return nil, s.fail(callCtx, function, err)
	}
	if len(results) == 0 || len(def.ResultTypes()) != 1 || def.ResultTypes()[0] != api.ValueTypeI64 {
		return nil, nil
	}
	ptr, length := unpackPtrLen(results[0])
	if length == 0 {
		return nil, nil
	}
	data, ok := s.module.Memory().Read(ptr, length)
	if !ok {
		return nil, execErr(fmt.Errorf("result (%d, %d) out of guest memory", ptr, length))
	}
	return append([]byte(nil), data...), nil
}

// fail classifies err; a module aborted by its deadline is unusable
// afterwards and is marked closed.
func (s *sandbox) fail(ctx context.Context, function string, err error) error {
	classified := classify(ctx, s.pluginID, function, s.limits, err)
	if s.module.IsClosed() {
		s.closed = true
		s.logger.WarnContext(ctx, "wasm module aborted", "plugin", s.pluginID, "function", function, "error", err)
	}
	return classified
}

// Close implements ports.Sandbox.
func (s *sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.runtime.Close(ctx)
}
