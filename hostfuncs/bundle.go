package hostfuncs

import (
	"context"
	"log/slog"

	"github.com/reglet-dev/reglet-runtime/domain/ports"
)

// Capability host function names.
const (
	FuncStorageGet    = "storage.get"
	FuncStorageSet    = "storage.set"
	FuncStorageRemove = "storage.remove"
	FuncStorageClear  = "storage.clear"
	FuncStorageKeys   = "storage.keys"
	FuncNetworkFetch  = "network.fetch"
	FuncUINotify      = "ui.notify"
	FuncUIConfirm     = "ui.confirm"
	FuncUIPrompt      = "ui.prompt"
	FuncLogWrite      = "log.write"
)

// HostFuncBundle is a set of related host functions registered together.
type HostFuncBundle interface {
	// Handlers returns a map of handler names to ByteHandler functions.
	Handlers() map[string]ByteHandler
}

type staticBundle struct {
	handlers map[string]ByteHandler
}

func (b *staticBundle) Handlers() map[string]ByteHandler {
	return b.handlers
}

// StorageBundle exposes store as storage.get/set/remove/clear/keys,
// namespaced by the calling plugin.
func StorageBundle(store ports.KeyValueStore) HostFuncBundle {
	h := storageHandlers{store: store}
	return &staticBundle{handlers: map[string]ByteHandler{
		FuncStorageGet:    NewJSONHandler(h.get),
		FuncStorageSet:    NewJSONHandler(h.set),
		FuncStorageRemove: NewJSONHandler(h.remove),
		FuncStorageClear:  NewJSONHandler(h.clear),
		FuncStorageKeys:   NewJSONHandler(h.keys),
	}}
}

// NetworkBundle exposes network.fetch.
func NetworkBundle(opts ...HTTPOption) HostFuncBundle {
	return &staticBundle{handlers: map[string]ByteHandler{
		FuncNetworkFetch: NewJSONHandler(func(ctx context.Context, req FetchRequest) FetchResponse {
			return PerformFetch(ctx, req, opts...)
		}),
	}}
}

// UIBundle exposes ui as ui.notify/confirm/prompt.
func UIBundle(ui ports.UI) HostFuncBundle {
	h := uiHandlers{ui: ui}
	return &staticBundle{handlers: map[string]ByteHandler{
		FuncUINotify:  NewJSONHandler(h.notify),
		FuncUIConfirm: NewJSONHandler(h.confirm),
		FuncUIPrompt:  NewJSONHandler(h.prompt),
	}}
}

// LogBundle exposes log.write, writing to logger with a plugin attribute.
func LogBundle(logger *slog.Logger) HostFuncBundle {
	if logger == nil {
		logger = slog.Default()
	}
	return &staticBundle{handlers: map[string]ByteHandler{
		FuncLogWrite: NewJSONHandler(writeLog(logger)),
	}}
}

// compositeBundle combines multiple bundles into one.
type compositeBundle struct {
	bundles []HostFuncBundle
}

func (b *compositeBundle) Handlers() map[string]ByteHandler {
	result := make(map[string]ByteHandler)
	for _, bundle := range b.bundles {
		for name, handler := range bundle.Handlers() {
			result[name] = handler
		}
	}
	return result
}

// Capabilities are the host services behind the standard bundles.
type Capabilities struct {
	Store  ports.KeyValueStore
	UI     ports.UI
	Logger *slog.Logger
	HTTP   []HTTPOption
}

// StandardBundles returns every capability bundle whose service is set.
// network.fetch and log.write are always included.
func StandardBundles(c Capabilities) HostFuncBundle {
	bundles := []HostFuncBundle{NetworkBundle(c.HTTP...), LogBundle(c.Logger)}
	if c.Store != nil {
		bundles = append(bundles, StorageBundle(c.Store))
	}
	if c.UI != nil {
		bundles = append(bundles, UIBundle(c.UI))
	}
	return &compositeBundle{bundles: bundles}
}

// WithBundle registers all handlers from a bundle.
func WithBundle(bundle HostFuncBundle) RegistryOption {
	return func(b *registryBuilder) {
		for name, handler := range bundle.Handlers() {
			b.add(name, handler)
		}
	}
}

// WithHandler registers a typed host function with automatic JSON handling.
func WithHandler[Req any, Resp any](name string, fn HostFunc[Req, Resp]) RegistryOption {
	return func(b *registryBuilder) { b.add(name, NewJSONHandler(fn)) }
}
