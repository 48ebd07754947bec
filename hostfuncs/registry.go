package hostfuncs

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/reglet-dev/reglet-runtime/domain/ports"
)

// HandlerRegistry is the set of host functions shared by every sandbox.
// It is built once by NewRegistry and never changes, so lookups take no
// lock. Each plugin talks to it through Bind.
//
//	hosts, err := NewRegistry(
//	    WithMiddleware(PanicRecoveryMiddleware(), SecurityMiddleware(gate)),
//	    WithBundle(StorageBundle(store)),
//	    WithHandler("custom.echo", echo),
//	)
type HandlerRegistry struct {
	handlers map[string]ByteHandler
	names    []string
}

type registryBuilder struct {
	handlers   map[string]ByteHandler
	middleware []Middleware
	errs       []error
}

var _ ports.HostInvoker = (*HandlerRegistry)(nil)

// NewRegistry wraps every handler in the configured middleware. Empty or
// duplicate handler names are reported together.
func NewRegistry(opts ...RegistryOption) (*HandlerRegistry, error) {
	b := &registryBuilder{handlers: make(map[string]ByteHandler)}
	for _, opt := range opts {
		opt(b)
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}

	wrapped := make(map[string]ByteHandler, len(b.handlers))
	for name, h := range b.handlers {
		// The first middleware ends up outermost.
		for _, mw := range slices.Backward(b.middleware) {
			h = mw(h)
		}
		wrapped[name] = h
	}
	return &HandlerRegistry{
		handlers: wrapped,
		names:    slices.Sorted(maps.Keys(wrapped)),
	}, nil
}

func (b *registryBuilder) add(name string, h ByteHandler) {
	switch _, dup := b.handlers[name]; {
	case name == "":
		b.errs = append(b.errs, errors.New("handler name cannot be empty"))
	case dup:
		b.errs = append(b.errs, fmt.Errorf("duplicate handler name: %q", name))
	default:
		b.handlers[name] = h
	}
}

// WithByteHandler registers a raw handler.
func WithByteHandler(name string, h ByteHandler) RegistryOption {
	return func(b *registryBuilder) { b.add(name, h) }
}

// WithMiddleware appends middleware. The first one added sees each call
// first.
func WithMiddleware(mw ...Middleware) RegistryOption {
	return func(b *registryBuilder) { b.middleware = append(b.middleware, mw...) }
}

// Invoke serves one call. Unknown functions and oversized payloads are
// answered with an ErrorResponse rather than a Go error, so the plugin can
// handle them.
func (r *HandlerRegistry) Invoke(ctx context.Context, name string, payload []byte) ([]byte, error) {
	h, ok := r.handlers[name]
	switch {
	case !ok:
		return NewNotFoundError(name).ToJSON(), nil
	case len(payload) > DefaultMaxRequestSize:
		msg := fmt.Sprintf("request of %d bytes exceeds limit of %d", len(payload), DefaultMaxRequestSize)
		return NewValidationError(msg).ToJSON(), nil
	}
	return h(HostContextFrom(ctx, name), payload)
}

// Has reports whether name is served.
func (r *HandlerRegistry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Names lists the served functions in sorted order.
func (r *HandlerRegistry) Names() []string {
	return slices.Clone(r.names)
}

// Bind returns the invoker handed to one plugin's sandbox: every call it
// makes carries pluginID, which storage namespacing and the security
// middleware rely on.
func (r *HandlerRegistry) Bind(pluginID string) ports.HostInvoker {
	return pluginInvoker{hosts: r, pluginID: pluginID}
}

type pluginInvoker struct {
	hosts    *HandlerRegistry
	pluginID string
}

func (p pluginInvoker) Invoke(ctx context.Context, name string, payload []byte) ([]byte, error) {
	return p.hosts.Invoke(WithPluginID(ctx, p.pluginID), name, payload)
}

func (p pluginInvoker) Names() []string { return p.hosts.Names() }
