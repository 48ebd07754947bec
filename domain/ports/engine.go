package ports

import (
	"context"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
)

// HostInvoker dispatches capability calls made by sandboxed code.
type HostInvoker interface {
	Invoke(ctx context.Context, name string, payload []byte) ([]byte, error)
	Names() []string
}

// SandboxSpec describes one isolated execution context to create.
type SandboxSpec struct {
	Host     HostInvoker
	PluginID string
	Entry    string
	Code     []byte
	Limits   entities.ResourceLimits
}

// Engine creates isolated execution contexts for one kind of plugin code.
type Engine interface {
	// Name identifies the engine in logs.
	Name() string

	// Extensions returns the entry-point extensions handled, e.g. ".wasm".
	Extensions() []string

	// Instantiate compiles the code and runs its initialization.
	Instantiate(ctx context.Context, spec SandboxSpec) (Sandbox, error)

	// Close releases shared engine resources.
	Close(ctx context.Context) error
}

// Sandbox is one instantiated plugin inside an isolation boundary.
type Sandbox interface {
	// Call invokes an exported function. A nil payload calls it without input.
	Call(ctx context.Context, function string, payload []byte) ([]byte, error)

	// Has reports whether the function is exported.
	Has(function string) bool

	// Close tears the sandbox down.
	Close(ctx context.Context) error
}
