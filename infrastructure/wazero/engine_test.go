package wazero

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHost struct {
	mu    sync.Mutex
	calls []string
}

func (h *recordingHost) Invoke(_ context.Context, name string, payload []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, name+" "+string(payload))
	return []byte(`{"ok":true}`), nil
}

func (h *recordingHost) Names() []string { return []string{"log.write"} }

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func instantiate(t *testing.T, e *Engine, spec ports.SandboxSpec) ports.Sandbox {
	t.Helper()
	sb, err := e.Instantiate(context.Background(), spec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sb.Close(context.Background()) })
	return sb
}

func TestEngine_Metadata(t *testing.T) {
	e := newEngine(t)
	assert.Equal(t, "wazero", e.Name())
	assert.Equal(t, []string{".wasm"}, e.Extensions())
}

func TestEngine_NoopModule(t *testing.T) {
	e := newEngine(t)
	sb := instantiate(t, e, ports.SandboxSpec{PluginID: "noop", Code: noopModule})

	assert.True(t, sb.Has("on_load"))
	assert.False(t, sb.Has("on_unload"))

	out, err := sb.Call(context.Background(), "on_load", nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = sb.Call(context.Background(), "on_unload", nil)
	var execErr *rterrors.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, rterrors.ExecutionFailure, execErr.Kind)
	assert.Equal(t, "noop", execErr.PluginID)

	_, err = sb.Call(context.Background(), "on_load", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "takes no input")
}

func TestEngine_InvalidCode(t *testing.T) {
	e := newEngine(t)
	_, err := e.Instantiate(context.Background(), ports.SandboxSpec{PluginID: "junk", Code: []byte("not wasm")})
	var execErr *rterrors.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, rterrors.ExecutionFailure, execErr.Kind)
}

func TestEngine_Timeout(t *testing.T) {
	e := newEngine(t)
	sb := instantiate(t, e, ports.SandboxSpec{
		PluginID: "spin",
		Code:     spinModule,
		Limits:   entities.ResourceLimits{ExecutionTimeout: 50 * time.Millisecond},
	})

	start := time.Now()
	_, err := sb.Call(context.Background(), "on_load", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, rterrors.ErrExecutionTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The aborted module cannot be reused.
	_, err = sb.Call(context.Background(), "on_load", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestEngine_MemoryLimit(t *testing.T) {
	e := newEngine(t)
	_, err := e.Instantiate(context.Background(), ports.SandboxSpec{
		PluginID: "hungry",
		Code:     bigMemoryModule,
		Limits:   entities.ResourceLimits{MemoryLimitBytes: wasmPageSize},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, rterrors.ErrResourceExceeded)

	sb := instantiate(t, e, ports.SandboxSpec{
		PluginID: "fits",
		Code:     bigMemoryModule,
		Limits:   entities.ResourceLimits{MemoryLimitBytes: 4 * wasmPageSize},
	})
	assert.False(t, sb.Has("on_load"))
}

func TestEngine_HostCalls(t *testing.T) {
	e := newEngine(t)
	host := &recordingHost{}
	sb := instantiate(t, e, ports.SandboxSpec{PluginID: "chatty", Code: hostModule, Host: host})

	_, err := sb.Call(context.Background(), "on_load", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{`log.write {"message":"hi"}`}, host.calls)

	out, err := sb.Call(context.Background(), "echo", []byte(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(out))

	out, err = sb.Call(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestEngine_MissingHostImport(t *testing.T) {
	e := newEngine(t)
	_, err := e.Instantiate(context.Background(), ports.SandboxSpec{PluginID: "orphan", Code: hostModule})
	require.Error(t, err)
	var execErr *rterrors.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "orphan", execErr.PluginID)
}

func TestEngine_IsolatedInstances(t *testing.T) {
	e := newEngine(t)
	a := instantiate(t, e, ports.SandboxSpec{PluginID: "same", Code: noopModule})
	b := instantiate(t, e, ports.SandboxSpec{PluginID: "same", Code: noopModule})

	require.NoError(t, a.Close(context.Background()))
	_, err := b.Call(context.Background(), "on_load", nil)
	assert.NoError(t, err)
}
