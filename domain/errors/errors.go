// Package errors provides the runtime's error taxonomy.
// All error types support error unwrapping via errors.As() and errors.Is().
package errors

import (
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
)

// Sentinel errors. Typed errors below wrap one of these so callers can use errors.Is.
var (
	ErrAlreadyRegistered = stdErrors.New("plugin already registered")
	ErrNotFound          = stdErrors.New("plugin not found")
	ErrInvalidManifest   = stdErrors.New("invalid manifest")
	ErrUnknownPermission = stdErrors.New("unknown permission")
	ErrPermissionDenied  = stdErrors.New("permission denied")
	ErrSecurityViolation = stdErrors.New("security violation")
	ErrAlreadyLoading    = stdErrors.New("plugin is already loading")
	ErrInvalidTransition = stdErrors.New("invalid lifecycle transition")
	ErrExecutionTimeout  = stdErrors.New("execution timeout")
	ErrResourceExceeded  = stdErrors.New("resource limit exceeded")
	ErrDependency        = stdErrors.New("dependency resolution failed")
)

// ErrorDetail is an alias to entities.ErrorDetail for convenience.
type ErrorDetail = entities.ErrorDetail

// DetailedError is implemented by error types that can convert themselves
// to a structured ErrorDetail.
type DetailedError interface {
	error
	ToErrorDetail() *entities.ErrorDetail
}

// ToErrorDetail converts a Go error to a structured ErrorDetail.
func ToErrorDetail(err error) *entities.ErrorDetail {
	if err == nil {
		return nil
	}

	var e *entities.ErrorDetail
	if stdErrors.As(err, &e) {
		return e
	}

	var de DetailedError
	if stdErrors.As(err, &de) {
		return de.ToErrorDetail()
	}

	return &entities.ErrorDetail{
		Message: err.Error(),
		Type:    entities.ErrorKindInternal,
	}
}

// ValidationError reports a malformed manifest, version or option set.
type ValidationError struct {
	Err     error
	Subject string
	Fields  []entities.ValidationError
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed")
	if e.Subject != "" {
		fmt.Fprintf(&b, " for %s", e.Subject)
	}
	for i, f := range e.Fields {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		if f.Field != "" {
			fmt.Fprintf(&b, "%s: ", f.Field)
		}
		b.WriteString(f.Message)
	}
	if len(e.Fields) == 0 && e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *ValidationError) ToErrorDetail() *entities.ErrorDetail {
	details := make(map[string]any, len(e.Fields))
	for _, f := range e.Fields {
		details[f.Field] = f.Message
	}
	return &entities.ErrorDetail{Message: e.Error(), Type: entities.ErrorKindValidation, Code: e.Subject, Details: details}
}

// NewManifestError wraps field failures of a manifest into a ValidationError.
func NewManifestError(subject string, fields ...entities.ValidationError) *ValidationError {
	return &ValidationError{Err: ErrInvalidManifest, Subject: subject, Fields: fields}
}

// DependencyError reports missing, conflicting or cyclic dependencies, or
// dependents that block a removal.
type DependencyError struct {
	PluginID   string
	Missing    []entities.MissingDependency
	Conflicts  []entities.Conflict
	Dependents []string
}

// MissingIDs returns the ids of the missing dependencies.
func (e *DependencyError) MissingIDs() []string {
	ids := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		ids = append(ids, m.ID)
	}
	return ids
}

func (e *DependencyError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.MissingIDs(), ", "))
	}
	for _, c := range e.Conflicts {
		switch c.Reason {
		case entities.ConflictCyclic:
			parts = append(parts, "cycle "+strings.Join(c.Cycle, " -> "))
		default:
			parts = append(parts, fmt.Sprintf("%s requires %s %s, found %s", c.Dependent, c.DependencyID, c.Required, c.Found))
		}
	}
	if len(e.Dependents) > 0 {
		parts = append(parts, "required by "+strings.Join(e.Dependents, ", "))
	}
	return fmt.Sprintf("dependency error for %s: %s", e.PluginID, strings.Join(parts, "; "))
}

func (e *DependencyError) Unwrap() error {
	return ErrDependency
}

// ToErrorDetail implements DetailedError.
func (e *DependencyError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{
		Message: e.Error(),
		Type:    entities.ErrorKindDependency,
		Code:    e.PluginID,
		Details: map[string]any{
			"missing":    e.MissingIDs(),
			"conflicts":  len(e.Conflicts),
			"dependents": e.Dependents,
		},
	}
}

// PermissionError reports a refused or unknown permission.
type PermissionError struct {
	Err          error
	PluginID     string
	PermissionID string
	Reason       string
}

func (e *PermissionError) Error() string {
	msg := fmt.Sprintf("permission %q for plugin %s: %v", e.PermissionID, e.PluginID, e.Err)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *PermissionError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: entities.ErrorKindPermission, Code: e.PermissionID}
}

// SecurityViolationError is returned when a policy rule blocks an access.
type SecurityViolationError struct {
	Violation entities.Violation
}

func (e *SecurityViolationError) Error() string {
	return fmt.Sprintf("security violation (%s, %s) by %s: %s",
		e.Violation.Type, e.Violation.Severity, e.Violation.PluginID, e.Violation.Description)
}

func (e *SecurityViolationError) Unwrap() error {
	return ErrSecurityViolation
}

// ToErrorDetail implements DetailedError.
func (e *SecurityViolationError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{
		Message: e.Error(),
		Type:    entities.ErrorKindSecurity,
		Code:    e.Violation.RuleID,
		Details: map[string]any{"severity": string(e.Violation.Severity), "subject": e.Violation.Subject},
	}
}

// ExecutionKind classifies an ExecutionError.
type ExecutionKind string

const (
	ExecutionFailure  ExecutionKind = "failure"
	ExecutionTimeout  ExecutionKind = "timeout"
	ExecutionResource ExecutionKind = "resource"
)

// ExecutionError reports a failure inside an isolated execution context.
type ExecutionError struct {
	Err      error
	PluginID string
	Function string
	Kind     ExecutionKind
	Limit    time.Duration
}

func (e *ExecutionError) Error() string {
	switch e.Kind {
	case ExecutionTimeout:
		return fmt.Sprintf("plugin %s: %s timed out after %v", e.PluginID, e.Function, e.Limit)
	case ExecutionResource:
		return fmt.Sprintf("plugin %s: %s exceeded resource limit: %v", e.PluginID, e.Function, e.Err)
	default:
		return fmt.Sprintf("plugin %s: %s failed: %v", e.PluginID, e.Function, e.Err)
	}
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is matches ErrExecutionTimeout and ErrResourceExceeded by kind.
func (e *ExecutionError) Is(target error) bool {
	switch target {
	case ErrExecutionTimeout:
		return e.Kind == ExecutionTimeout
	case ErrResourceExceeded:
		return e.Kind == ExecutionResource
	}
	return false
}

// Timeout reports whether the call ran out of time.
func (e *ExecutionError) Timeout() bool {
	return e.Kind == ExecutionTimeout
}

// ToErrorDetail implements DetailedError.
func (e *ExecutionError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{
		Message: e.Error(),
		Type:    entities.ErrorKindExecution,
		Code:    string(e.Kind),
		Timeout: e.Kind == ExecutionTimeout,
	}
}

// LifecycleError reports an invalid or failed lifecycle transition.
type LifecycleError struct {
	Err       error
	PluginID  string
	Operation string
	State     entities.Status
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s %s (state %s): %v", e.Operation, e.PluginID, e.State, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *LifecycleError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: entities.ErrorKindLifecycle, Code: e.Operation}
}

// UpdateError wraps the error that aborted an update and records whether the
// previous version was restored.
type UpdateError struct {
	Err         error
	RollbackErr error
	PluginID    string
	FromVersion string
	ToVersion   string
	RolledBack  bool
}

func (e *UpdateError) Error() string {
	msg := fmt.Sprintf("update %s %s -> %s failed: %v", e.PluginID, e.FromVersion, e.ToVersion, e.Err)
	switch {
	case e.RolledBack:
		msg += " (rolled back to " + e.FromVersion + ")"
	case e.RollbackErr != nil:
		msg += fmt.Sprintf(" (rollback failed: %v)", e.RollbackErr)
	}
	return msg
}

func (e *UpdateError) Unwrap() []error {
	if e.RollbackErr != nil {
		return []error{e.Err, e.RollbackErr}
	}
	return []error{e.Err}
}

// ToErrorDetail implements DetailedError.
func (e *UpdateError) ToErrorDetail() *entities.ErrorDetail {
	detail := &entities.ErrorDetail{Message: e.Error(), Type: entities.ErrorKindLifecycle, Code: "update"}
	detail.Wrapped = ToErrorDetail(e.Err)
	return detail
}

// KindOf maps an error to the PluginError kind used in plugin error logs.
func KindOf(err error) entities.ErrorKind {
	var (
		ve *ValidationError
		de *DependencyError
		pe *PermissionError
		se *SecurityViolationError
		ee *ExecutionError
		ue *UpdateError
	)
	switch {
	case stdErrors.As(err, &ue):
		return KindOf(ue.Err)
	case stdErrors.As(err, &ve):
		return entities.ErrorKindValidation
	case stdErrors.As(err, &de):
		return entities.ErrorKindDependency
	case stdErrors.As(err, &pe):
		return entities.ErrorKindPermission
	case stdErrors.As(err, &se):
		return entities.ErrorKindSecurity
	case stdErrors.As(err, &ee):
		return entities.ErrorKindExecution
	default:
		return entities.ErrorKindLifecycle
	}
}

// NewPluginError builds an error-log entry for err.
// Execution failures are recoverable by an explicit reload; others need a new install.
func NewPluginError(op string, err error, at time.Time) entities.PluginError {
	kind := KindOf(err)
	return entities.PluginError{
		Timestamp:   at,
		Kind:        kind,
		Message:     err.Error(),
		Operation:   op,
		Recoverable: kind == entities.ErrorKindExecution || kind == entities.ErrorKindLifecycle || kind == entities.ErrorKindPermission,
	}
}
