package hostfuncs

import "context"

// HostContext is the context handed to host function handlers. It names the
// function being served and the plugin calling it.
type HostContext interface {
	context.Context
	FunctionName() string
	PluginID() string
}

type hostContext struct {
	context.Context
	funcName string
}

// NewHostContext tags ctx with the function being served.
func NewHostContext(ctx context.Context, funcName string) HostContext {
	return hostContext{Context: ctx, funcName: funcName}
}

func (c hostContext) FunctionName() string { return c.funcName }

func (c hostContext) PluginID() string { return PluginIDFrom(c.Context) }

// HostContextFrom reuses ctx when it already serves funcName.
func HostContextFrom(ctx context.Context, funcName string) HostContext {
	if hc, ok := ctx.(HostContext); ok && hc.FunctionName() == funcName {
		return hc
	}
	return NewHostContext(ctx, funcName)
}

type pluginIDKey struct{}

// WithPluginID returns a context identifying the calling plugin.
func WithPluginID(ctx context.Context, pluginID string) context.Context {
	return context.WithValue(ctx, pluginIDKey{}, pluginID)
}

// PluginIDFrom returns the plugin id stored by WithPluginID, or "".
func PluginIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(pluginIDKey{}).(string)
	return id
}
