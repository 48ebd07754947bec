package hostfuncs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorResponse_ToJSON(t *testing.T) {
	tests := []struct {
		name string
		err  ErrorResponse
		want string
	}{
		{"validation", NewValidationError("bad key"), `{"error":"VALIDATION_ERROR","message":"bad key","code":400}`},
		{"not found", NewNotFoundError("fs.read"), `{"error":"NOT_FOUND","message":"unknown host function: fs.read","code":404}`},
		{"internal", NewInternalError("disk full"), `{"error":"INTERNAL_ERROR","message":"disk full","code":500}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.JSONEq(t, tt.want, string(tt.err.ToJSON()))
		})
	}
}

func TestNewDeniedError(t *testing.T) {
	perm := &rterrors.PermissionError{Err: rterrors.ErrPermissionDenied, PluginID: "p", PermissionID: "network"}
	sec := &rterrors.SecurityViolationError{Violation: entities.Violation{PluginID: "p", Severity: entities.SeverityHigh}}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"permission", perm, "PERMISSION_DENIED"},
		{"security", sec, "SECURITY_VIOLATION"},
		{"wrapped security", fmt.Errorf("gate: %w", sec), "SECURITY_VIOLATION"},
		{"plain", errors.New("no"), "PERMISSION_DENIED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewDeniedError(tt.err)
			assert.Equal(t, tt.want, e.Error)
			assert.Equal(t, 403, e.Code)
			assert.Equal(t, tt.err.Error(), e.Message)
		})
	}
}

func TestNewPanicError(t *testing.T) {
	assert.Equal(t, "panic: boom", NewPanicError("boom").Message)
	assert.Equal(t, "panic: oops", NewPanicError(errors.New("oops")).Message)
	assert.Equal(t, "panic: panic recovered", NewPanicError(42).Message)
}

func TestIsErrorResponse(t *testing.T) {
	e, ok := IsErrorResponse(NewNotFoundError("x").ToJSON())
	require.True(t, ok)
	assert.Equal(t, 404, e.Code)

	for _, payload := range []string{`{"ok":true}`, `{"error":{"code":"X"}}`, `not json`, ``} {
		_, ok := IsErrorResponse([]byte(payload))
		assert.False(t, ok, payload)
	}
}
