package lua

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	lua "github.com/yuin/gopher-lua"
)

// sandbox is one Lua state. LState is not goroutine safe, so every use
// holds mu.
type sandbox struct {
	L        *lua.LState
	meter    *meter
	logger   *slog.Logger
	pluginID string
	limits   entities.ResourceLimits
	mu       sync.Mutex
	closed   bool
}

var _ ports.Sandbox = (*sandbox)(nil)

// Has implements ports.Sandbox.
func (s *sandbox) Has(function string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	return s.L.GetGlobal(function).Type() == lua.LTFunction
}

// Call invokes a global function. A non-nil payload is decoded from JSON
// and passed as the only argument; the first return value is encoded back
// to JSON unless it is nil.
func (s *sandbox) Call(ctx context.Context, function string, payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	execErr := func(err error) error {
		return &rterrors.ExecutionError{Err: err, PluginID: s.pluginID, Function: function, Kind: rterrors.ExecutionFailure}
	}
	if s.closed {
		return nil, execErr(fmt.Errorf("sandbox is closed"))
	}
	fn := s.L.GetGlobal(function)
	if fn.Type() != lua.LTFunction {
		return nil, execErr(fmt.Errorf("function %q not found", function))
	}

	var args []lua.LValue
	if payload != nil {
		arg, err := decodeJSON(s.L, payload)
		if err != nil {
			return nil, execErr(fmt.Errorf("decode input: %w", err))
		}
		args = append(args, arg)
	}

	top := s.L.GetTop()
	var ret lua.LValue = lua.LNil
	err := s.run(ctx, function, func() error {
		s.L.Push(fn)
		for _, a := range args {
			s.L.Push(a)
		}
		if err := s.L.PCall(len(args), 1, nil); err != nil {
			return err
		}
		ret = s.L.Get(-1)
		return nil
	})
	s.L.SetTop(top)
	if err != nil {
		return nil, err
	}
	if ret == lua.LNil {
		return nil, nil
	}
	out, err := encodeJSON(ret)
	if err != nil {
		return nil, execErr(fmt.Errorf("encode result: %w", err))
	}
	return out, nil
}

// run executes fn with the state bound to a deadline and the memory meter,
// and converts panics and Lua errors into ExecutionErrors.
func (s *sandbox) run(ctx context.Context, function string, fn func() error) (err error) {
	callCtx, cancel := context.WithTimeout(ctx, s.limits.ExecutionTimeout)
	defer cancel()

	s.meter.reset()
	s.L.SetContext(&meteredContext{Context: callCtx, m: s.meter})
	defer s.L.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
		if err == nil && s.meter.exceeded {
			err = errMemoryLimit
		}
		if err != nil {
			err = classify(callCtx, s.meter, s.pluginID, function, s.limits, err)
			s.logger.DebugContext(ctx, "lua call failed", "plugin", s.pluginID, "function", function, "error", err)
		}
	}()
	return fn()
}

// Close implements ports.Sandbox.
func (s *sandbox) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.L.Close()
	}
	return nil
}
