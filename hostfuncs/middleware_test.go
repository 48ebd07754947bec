package hostfuncs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPanicRecoveryMiddleware(t *testing.T) {
	reg, err := NewRegistry(
		WithMiddleware(PanicRecoveryMiddleware()),
		WithByteHandler("ui.notify", func(context.Context, []byte) ([]byte, error) {
			panic("nil UI")
		}),
	)
	require.NoError(t, err)

	resp, err := reg.Invoke(context.Background(), "ui.notify", nil)
	require.NoError(t, err)
	e, ok := IsErrorResponse(resp)
	require.True(t, ok)
	assert.Equal(t, "INTERNAL_ERROR", e.Error)
	assert.Contains(t, e.Message, "nil UI")
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	reg, err := NewRegistry(
		WithMiddleware(LoggingMiddleware(logger)),
		WithByteHandler("ok", echoHandler),
		WithByteHandler("refuse", func(context.Context, []byte) ([]byte, error) {
			return NewValidationError("nope").ToJSON(), nil
		}),
		WithByteHandler("fail", func(context.Context, []byte) ([]byte, error) {
			return nil, errors.New("broken pipe")
		}),
	)
	require.NoError(t, err)
	inv := reg.Bind("logger-test")

	_, _ = inv.Invoke(context.Background(), "ok", []byte(`{}`))
	assert.Contains(t, buf.String(), "host function completed")
	assert.Contains(t, buf.String(), "plugin=logger-test")

	buf.Reset()
	_, _ = inv.Invoke(context.Background(), "refuse", nil)
	assert.Contains(t, buf.String(), "host function refused")
	assert.Contains(t, buf.String(), "VALIDATION_ERROR")

	buf.Reset()
	_, err = inv.Invoke(context.Background(), "fail", nil)
	require.Error(t, err)
	assert.Contains(t, buf.String(), "broken pipe")
}

type gateCall struct {
	kind, pluginID, subject string
}

type fakeGate struct {
	mu          sync.Mutex
	calls       []gateCall
	denyAPI     map[string]error
	denyRes     map[string]error
	violations  []entities.Violation
	recordedAPI []string
}

func (g *fakeGate) CheckAPIAccess(_ context.Context, pluginID, api string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gateCall{"api", pluginID, api})
	return g.denyAPI[api]
}

func (g *fakeGate) CheckResourceAccess(_ context.Context, pluginID, resourceType, resource string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	subject := resourceType + ":" + resource
	g.calls = append(g.calls, gateCall{"resource", pluginID, subject})
	return g.denyRes[subject]
}

func (g *fakeGate) RecordCall(pluginID, api, detail string) []entities.Violation {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recordedAPI = append(g.recordedAPI, api+"|"+detail)
	return g.violations
}

func newGatedRegistry(t *testing.T, gate AccessGate) (*HandlerRegistry, *int) {
	t.Helper()
	ran := 0
	handler := func(context.Context, []byte) ([]byte, error) {
		ran++
		return []byte(`{"ok":true}`), nil
	}
	reg, err := NewRegistry(
		WithMiddleware(SecurityMiddleware(gate)),
		WithByteHandler(FuncStorageGet, handler),
		WithByteHandler(FuncStorageKeys, handler),
		WithByteHandler(FuncNetworkFetch, handler),
		WithByteHandler(FuncUINotify, handler),
	)
	require.NoError(t, err)
	return reg, &ran
}

func TestSecurityMiddleware(t *testing.T) {
	permErr := &rterrors.PermissionError{Err: rterrors.ErrPermissionDenied, PluginID: "p", PermissionID: "network"}
	secErr := &rterrors.SecurityViolationError{Violation: entities.Violation{PluginID: "p", Severity: entities.SeverityMedium}}

	tests := []struct {
		name      string
		gate      *fakeGate
		fn        string
		payload   any
		wantError string
		wantCalls []gateCall
		wantTrace string
	}{
		{
			name:      "storage key checked as resource",
			gate:      &fakeGate{},
			fn:        FuncStorageGet,
			payload:   StorageRequest{Key: "token"},
			wantCalls: []gateCall{{"api", "p", FuncStorageGet}, {"resource", "p", "storage:token"}},
			wantTrace: "storage.get|token",
		},
		{
			name:      "keys has no resource",
			gate:      &fakeGate{},
			fn:        FuncStorageKeys,
			payload:   StorageRequest{Prefix: "cache/"},
			wantCalls: []gateCall{{"api", "p", FuncStorageKeys}},
			wantTrace: "storage.keys|cache/",
		},
		{
			name:      "fetch url checked as resource",
			gate:      &fakeGate{},
			fn:        FuncNetworkFetch,
			payload:   FetchRequest{URL: "https://api.example.com/v1"},
			wantCalls: []gateCall{{"api", "p", FuncNetworkFetch}, {"resource", "p", "url:https://api.example.com/v1"}},
			wantTrace: "network.fetch|https://api.example.com/v1",
		},
		{
			name:      "api denied by permission",
			gate:      &fakeGate{denyAPI: map[string]error{FuncNetworkFetch: permErr}},
			fn:        FuncNetworkFetch,
			payload:   FetchRequest{URL: "https://api.example.com"},
			wantError: "PERMISSION_DENIED",
			wantCalls: []gateCall{{"api", "p", FuncNetworkFetch}},
		},
		{
			name:      "resource denied by policy",
			gate:      &fakeGate{denyRes: map[string]error{"url:http://10.0.0.1/": secErr}},
			fn:        FuncNetworkFetch,
			payload:   FetchRequest{URL: "http://10.0.0.1/"},
			wantError: "SECURITY_VIOLATION",
			wantCalls: []gateCall{{"api", "p", FuncNetworkFetch}, {"resource", "p", "url:http://10.0.0.1/"}},
		},
		{
			name: "critical behavior refuses the call",
			gate: &fakeGate{violations: []entities.Violation{
				{PluginID: "p", Severity: entities.SeverityCritical, RuleID: "dynamic-eval", Description: "eval"},
			}},
			fn:        FuncUINotify,
			payload:   UIRequest{Message: "eval(x)"},
			wantError: "SECURITY_VIOLATION",
			wantCalls: []gateCall{{"api", "p", FuncUINotify}},
			wantTrace: "ui.notify|eval(x)",
		},
		{
			name: "non-critical behavior is only recorded",
			gate: &fakeGate{violations: []entities.Violation{
				{PluginID: "p", Severity: entities.SeverityMedium, RuleID: "raw-ip-target"},
			}},
			fn:        FuncUINotify,
			payload:   UIRequest{Message: "hi"},
			wantCalls: []gateCall{{"api", "p", FuncUINotify}},
			wantTrace: "ui.notify|hi",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, ran := newGatedRegistry(t, tt.gate)
			payload, err := json.Marshal(tt.payload)
			require.NoError(t, err)

			resp, err := reg.Bind("p").Invoke(context.Background(), tt.fn, payload)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCalls, tt.gate.calls)

			if tt.wantError != "" {
				e, ok := IsErrorResponse(resp)
				require.True(t, ok)
				assert.Equal(t, tt.wantError, e.Error)
				assert.Equal(t, 0, *ran)
			} else {
				assert.JSONEq(t, `{"ok":true}`, string(resp))
				assert.Equal(t, 1, *ran)
			}
			if tt.wantTrace != "" {
				assert.Equal(t, []string{tt.wantTrace}, tt.gate.recordedAPI)
			}
		})
	}
}

func TestSecurityMiddleware_Unbound(t *testing.T) {
	gate := &fakeGate{}
	reg, ran := newGatedRegistry(t, gate)

	resp, err := reg.Invoke(context.Background(), FuncStorageGet, []byte(`{"key":"a"}`))
	require.NoError(t, err)
	e, ok := IsErrorResponse(resp)
	require.True(t, ok)
	assert.Equal(t, "VALIDATION_ERROR", e.Error)
	assert.Empty(t, gate.calls)
	assert.Equal(t, 0, *ran)
}
