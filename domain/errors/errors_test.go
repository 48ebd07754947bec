package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError(t *testing.T) {
	err := NewManifestError("demo",
		entities.ValidationError{Field: "version", Message: "must be semver"},
		entities.ValidationError{Field: "author", Message: "is required"},
	)

	assert.Equal(t, "validation failed for demo: version: must be semver; author: is required", err.Error())
	assert.True(t, errors.Is(err, ErrInvalidManifest))

	detail := err.ToErrorDetail()
	assert.Equal(t, entities.ErrorKindValidation, detail.Type)
	assert.Equal(t, "must be semver", detail.Details["version"])
}

func TestDependencyError(t *testing.T) {
	err := &DependencyError{
		PluginID: "b",
		Missing:  []entities.MissingDependency{{Dependent: "b", ID: "c", Required: true}},
		Conflicts: []entities.Conflict{
			{Dependent: "x", DependencyID: "y", Reason: entities.ConflictCyclic, Cycle: []string{"x", "y", "x"}},
			{Dependent: "b", DependencyID: "d", Reason: entities.ConflictVersion, Required: "^2.0.0", Found: "1.0.0"},
		},
	}

	assert.Equal(t, []string{"c"}, err.MissingIDs())
	assert.Contains(t, err.Error(), "missing c")
	assert.Contains(t, err.Error(), "cycle x -> y -> x")
	assert.Contains(t, err.Error(), "b requires d ^2.0.0, found 1.0.0")
	assert.True(t, errors.Is(err, ErrDependency))

	var depErr *DependencyError
	wrapped := fmt.Errorf("install: %w", err)
	require.True(t, errors.As(wrapped, &depErr))
	assert.Equal(t, "b", depErr.PluginID)
}

func TestExecutionError_Is(t *testing.T) {
	timeout := &ExecutionError{PluginID: "p", Function: "on_start", Kind: ExecutionTimeout, Limit: time.Second}
	resource := &ExecutionError{PluginID: "p", Function: "on_load", Kind: ExecutionResource, Err: errors.New("memory")}

	assert.True(t, errors.Is(timeout, ErrExecutionTimeout))
	assert.False(t, errors.Is(timeout, ErrResourceExceeded))
	assert.True(t, timeout.Timeout())
	assert.Equal(t, "plugin p: on_start timed out after 1s", timeout.Error())

	assert.True(t, errors.Is(resource, ErrResourceExceeded))
	assert.True(t, resource.ToErrorDetail().Type == entities.ErrorKindExecution)
}

func TestUpdateError_UnwrapsBoth(t *testing.T) {
	cause := &ValidationError{Err: ErrInvalidManifest, Subject: "p"}
	rollback := errors.New("disk full")
	err := &UpdateError{PluginID: "p", FromVersion: "1.0.0", ToVersion: "2.0.0", Err: cause, RollbackErr: rollback}

	assert.True(t, errors.Is(err, ErrInvalidManifest))
	assert.True(t, errors.Is(err, rollback))
	assert.Contains(t, err.Error(), "rollback failed")

	err.RollbackErr = nil
	err.RolledBack = true
	assert.Contains(t, err.Error(), "rolled back to 1.0.0")
	assert.Equal(t, entities.ErrorKindValidation, KindOf(err))
}

func TestToErrorDetail(t *testing.T) {
	assert.Nil(t, ToErrorDetail(nil))

	generic := ToErrorDetail(errors.New("boom"))
	assert.Equal(t, entities.ErrorKindInternal, generic.Type)

	perm := ToErrorDetail(fmt.Errorf("wrapped: %w", &PermissionError{PluginID: "p", PermissionID: "network", Err: ErrPermissionDenied}))
	assert.Equal(t, entities.ErrorKindPermission, perm.Type)
	assert.Equal(t, "network", perm.Code)
}

func TestNewPluginError(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name        string
		err         error
		kind        entities.ErrorKind
		recoverable bool
	}{
		{"execution", &ExecutionError{Kind: ExecutionTimeout}, entities.ErrorKindExecution, true},
		{"lifecycle", &LifecycleError{Err: ErrAlreadyLoading}, entities.ErrorKindLifecycle, true},
		{"security", &SecurityViolationError{}, entities.ErrorKindSecurity, false},
		{"dependency", &DependencyError{}, entities.ErrorKindDependency, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := NewPluginError("load", tt.err, now)
			assert.Equal(t, tt.kind, pe.Kind)
			assert.Equal(t, tt.recoverable, pe.Recoverable)
			assert.Equal(t, "load", pe.Operation)
			assert.Equal(t, now, pe.Timestamp)
		})
	}
}
