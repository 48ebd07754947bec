package hostfuncs

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
)

// Middleware is a function that wraps a ByteHandler to add cross-cutting behavior.
// Middleware executes in FIFO order (first registered wraps first, onion model).
//
// Example usage:
//
//	timing := func(next ByteHandler) ByteHandler {
//	    return func(ctx context.Context, payload []byte) ([]byte, error) {
//	        start := time.Now()
//	        defer func() { slog.Debug("host call", "took", time.Since(start)) }()
//	        return next(ctx, payload)
//	    }
//	}
type Middleware func(next ByteHandler) ByteHandler

// RegistryOption is a functional option for configuring a HandlerRegistry.
type RegistryOption func(*registryBuilder)

// PanicRecoveryMiddleware returns a middleware that catches panics and converts
// them to structured ErrorResponse JSON instead of crashing the host.
func PanicRecoveryMiddleware() Middleware {
	return func(next ByteHandler) ByteHandler {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					resp = NewPanicError(r).ToJSON()
					err = nil // Return JSON error, not Go error
				}
			}()
			return next(ctx, payload)
		}
	}
}

// LoggingMiddleware logs every host function invocation at debug level and
// failures at warn level.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next ByteHandler) ByteHandler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			funcName, pluginID := "unknown", PluginIDFrom(ctx)
			if hc, ok := ctx.(HostContext); ok {
				funcName = hc.FunctionName()
			}
			start := time.Now()
			resp, err := next(ctx, payload)
			attrs := []any{"function", funcName, "plugin", pluginID, "duration", time.Since(start)}
			switch e, isErr := IsErrorResponse(resp); {
			case err != nil:
				logger.WarnContext(ctx, "host function failed", append(attrs, "error", err)...)
			case isErr:
				logger.WarnContext(ctx, "host function refused", append(attrs, "error", e.Error, "message", e.Message)...)
			default:
				logger.DebugContext(ctx, "host function completed", attrs...)
			}
			return resp, err
		}
	}
}

// AccessGate decides whether a plugin may perform a host call and records
// the calls it allows.
type AccessGate interface {
	CheckAPIAccess(ctx context.Context, pluginID, api string) error
	CheckResourceAccess(ctx context.Context, pluginID, resourceType, resource string) error
	RecordCall(pluginID, api, detail string) []entities.Violation
}

// Resource types reported to AccessGate.CheckResourceAccess.
const (
	ResourceURL     = "url"
	ResourceStorage = "storage"
)

// callSubject is the part of a request the gate inspects.
type callSubject struct {
	URL     string `json:"url"`
	Key     string `json:"key"`
	Prefix  string `json:"prefix"`
	Message string `json:"message"`
}

// resourceOf extracts the resource a call touches, if any, and the detail
// recorded in the behavior trace.
func resourceOf(name string, payload []byte) (resourceType, resource, detail string) {
	var s callSubject
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &s)
	}
	switch {
	case name == FuncNetworkFetch:
		detail = s.URL
		if u, err := url.Parse(s.URL); err == nil && u.Host != "" {
			return ResourceURL, s.URL, detail
		}
		return "", "", detail
	case strings.HasPrefix(name, "storage."):
		if s.Key != "" {
			return ResourceStorage, s.Key, s.Key
		}
		return "", "", s.Prefix
	default:
		return "", "", s.Message
	}
}

// SecurityMiddleware asks gate before every call. Denials become
// PERMISSION_DENIED or SECURITY_VIOLATION responses and the handler is
// not run. Allowed calls are recorded; a call that triggers a critical
// behavior violation is refused as well.
func SecurityMiddleware(gate AccessGate) Middleware {
	return func(next ByteHandler) ByteHandler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			pluginID := PluginIDFrom(ctx)
			if pluginID == "" {
				return NewValidationError("call is not bound to a plugin").ToJSON(), nil
			}
			funcName := "unknown"
			if hc, ok := ctx.(HostContext); ok {
				funcName = hc.FunctionName()
			}
			if err := gate.CheckAPIAccess(ctx, pluginID, funcName); err != nil {
				return NewDeniedError(err).ToJSON(), nil
			}
			rt, res, detail := resourceOf(funcName, payload)
			if rt != "" {
				if err := gate.CheckResourceAccess(ctx, pluginID, rt, res); err != nil {
					return NewDeniedError(err).ToJSON(), nil
				}
			}
			for _, v := range gate.RecordCall(pluginID, funcName, detail) {
				if v.Severity == entities.SeverityCritical {
					return NewDeniedError(&rterrors.SecurityViolationError{Violation: v}).ToJSON(), nil
				}
			}
			return next(ctx, payload)
		}
	}
}
