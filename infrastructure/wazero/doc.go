// Package wazero runs WebAssembly plugins in isolated wazero runtimes and
// exposes the capability host to them.
//
// Each sandbox owns a runtime configured with the plugin's resource limits:
// linear memory is capped with WithMemoryLimitPages and every call runs
// under the execution timeout with WithCloseOnContextDone, so a runaway
// guest is aborted instead of hanging the host. Failures are returned as
// *errors.ExecutionError.
//
// # Host calls
//
// Guests import functions from the "reglet_host" module. Each takes and
// returns a packed i64 (ptr<<32 | len) pointing at JSON in guest memory;
// the host writes responses into memory reserved through the guest's
// "allocate" export.
//
//	engine, err := wazero.NewEngine(wazero.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	sb, err := engine.Instantiate(ctx, ports.SandboxSpec{
//	    PluginID: "weather",
//	    Code:     wasmBytes,
//	    Host:     registry.Bind("weather"),
//	    Limits:   entities.DefaultResourceLimits(),
//	})
package wazero
