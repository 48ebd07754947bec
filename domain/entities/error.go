package entities

import "strings"

// ErrorKindInternal classifies errors that carry no domain meaning.
const ErrorKindInternal ErrorKind = "internal"

// ErrorDetail is the serialisable form of a runtime error, as stored in
// reports and returned to callers that cannot inspect Go error values.
type ErrorDetail struct {
	Wrapped *ErrorDetail   `json:"wrapped,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Message string         `json:"message"`
	Type    ErrorKind      `json:"type"`

	// Code narrows Type: the violated field, permission id, operation or
	// execution failure kind.
	Code    string `json:"code,omitempty"`
	Timeout bool   `json:"timeout,omitempty"`
}

func (e *ErrorDetail) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Type != "" && e.Type != ErrorKindInternal {
		b.WriteString(string(e.Type))
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Code != "" {
		b.WriteString(" [" + e.Code + "]")
	}
	if e.Wrapped != nil {
		b.WriteString(": ")
		b.WriteString(e.Wrapped.Error())
	}
	return b.String()
}

// Unwrap exposes the wrapped detail to errors.Is and errors.As.
func (e *ErrorDetail) Unwrap() error {
	if e == nil || e.Wrapped == nil {
		return nil
	}
	return e.Wrapped
}
