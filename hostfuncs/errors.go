package hostfuncs

import (
	"encoding/json"
	"errors"

	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
)

// ErrorResponse is the structured error plugins receive instead of a trap.
type ErrorResponse struct {
	// Error is a machine-readable type such as "VALIDATION_ERROR".
	Error string `json:"error"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Code follows HTTP status semantics.
	Code int `json:"code"`
}

// ToJSON serializes the ErrorResponse to JSON bytes.
func (e ErrorResponse) ToJSON() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return data
}

// NewValidationError creates an error response for bad input (e.g., malformed JSON).
func NewValidationError(message string) ErrorResponse {
	return ErrorResponse{Error: "VALIDATION_ERROR", Message: message, Code: 400}
}

// NewNotFoundError creates an error response for unknown handler names.
func NewNotFoundError(name string) ErrorResponse {
	return ErrorResponse{Error: "NOT_FOUND", Message: "unknown host function: " + name, Code: 404}
}

// NewInternalError creates an error response for unexpected failures.
func NewInternalError(message string) ErrorResponse {
	return ErrorResponse{Error: "INTERNAL_ERROR", Message: message, Code: 500}
}

// NewDeniedError maps a refused access to PERMISSION_DENIED or
// SECURITY_VIOLATION.
func NewDeniedError(err error) ErrorResponse {
	kind := "PERMISSION_DENIED"
	if errors.Is(err, rterrors.ErrSecurityViolation) {
		kind = "SECURITY_VIOLATION"
	}
	return ErrorResponse{Error: kind, Message: err.Error(), Code: 403}
}

// NewPanicError creates an error response for recovered panics.
func NewPanicError(panicValue any) ErrorResponse {
	msg := "panic recovered"
	switch v := panicValue.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	}
	return ErrorResponse{Error: "INTERNAL_ERROR", Message: "panic: " + msg, Code: 500}
}

// IsErrorResponse reports whether payload decodes as an ErrorResponse.
func IsErrorResponse(payload []byte) (ErrorResponse, bool) {
	var e ErrorResponse
	if err := json.Unmarshal(payload, &e); err != nil || e.Error == "" || e.Code == 0 {
		return ErrorResponse{}, false
	}
	return e, true
}
