package lua

import (
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	lua "github.com/yuin/gopher-lua"
)

// installHost publishes the host table:
//
//	host.call(name, request) -> response, err
//	host.names() -> { name, ... }
//
// request is any Lua value and is sent as JSON; the response is decoded
// back into Lua values. err is a string when the call could not be made.
func installHost(L *lua.LState, host ports.HostInvoker) {
	t := L.NewTable()
	t.RawSetString("call", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if host == nil {
			L.Push(lua.LNil)
			L.Push(lua.LString("no host functions available"))
			return 2
		}
		var payload []byte
		if L.GetTop() >= 2 && L.Get(2) != lua.LNil {
			b, err := encodeJSON(L.Get(2))
			if err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString("encode request: " + err.Error()))
				return 2
			}
			payload = b
		}

		resp, err := host.Invoke(hostContext(L.Context()), name, payload)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		if len(resp) == 0 {
			L.Push(lua.LNil)
			return 1
		}
		v, err := decodeJSON(L, resp)
		if err != nil {
			L.Push(lua.LString(resp))
			return 1
		}
		L.Push(v)
		return 1
	}))
	t.RawSetString("names", L.NewFunction(func(L *lua.LState) int {
		list := L.NewTable()
		if host != nil {
			for _, n := range host.Names() {
				list.Append(lua.LString(n))
			}
		}
		L.Push(list)
		return 1
	}))
	L.SetGlobal(HostGlobal, t)
}
