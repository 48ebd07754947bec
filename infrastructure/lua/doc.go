// Package lua runs Lua plugins in restricted gopher-lua states.
//
// Only the base, table, string and math libraries are opened, and the
// loaders (dofile, loadfile, load, loadstring, require, module) are
// removed, so a plugin can reach the host solely through the global
// "host" table:
//
//	local res, err = host.call("storage.get", { key = "city" })
//
// Calls run under the execution timeout via LState.SetContext. The call
// stack is capped at the plugin's MaxCallDepth and the value registry is
// sized from its memory limit.
//
// The memory limit is enforced by a meter driven from the context the VM
// polls before each instruction. Every few thousand instructions it sums
// the approximate size of the values reachable from the globals, the
// registry and the live frames, and aborts the call once that passes the
// limit. string.rep, string.format, string.gsub and table.concat reserve
// their result size before allocating, so a single call cannot jump far
// past the limit between samples. Any of these is reported as
// ErrResourceExceeded.
package lua
