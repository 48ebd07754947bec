package lua

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// maxConvertDepth bounds nested table conversion.
const maxConvertDepth = 64

// toGo converts a Lua value to a JSON-compatible Go value. Tables with
// keys 1..n become slices; other tables become maps with string keys.
// Functions, userdata and cyclic references convert to nil.
func toGo(lv lua.LValue) any {
	return toGoDepth(lv, map[*lua.LTable]bool{}, 0)
}

func toGoDepth(lv lua.LValue, visited map[*lua.LTable]bool, depth int) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] || depth >= maxConvertDepth {
			return nil
		}
		visited[v] = true
		defer delete(visited, v)
		return tableToGo(v, visited, depth+1)
	default:
		return nil
	}
}

func tableToGo(t *lua.LTable, visited map[*lua.LTable]bool, depth int) any {
	n := t.Len()
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })
	if n > 0 && n == count {
		arr := make([]any, n)
		for i := 1; i <= n; i++ {
			arr[i-1] = toGoDepth(t.RawGetInt(i), visited, depth)
		}
		return arr
	}
	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		m[keyString(k)] = toGoDepth(v, visited, depth)
	})
	return m
}

func keyString(k lua.LValue) string {
	if n, ok := k.(lua.LNumber); ok && float64(n) == math.Trunc(float64(n)) {
		return fmt.Sprintf("%d", int64(n))
	}
	return k.String()
}

// toLua converts a decoded JSON value to a Lua value.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case json.Number:
		f, _ := val.Float64()
		return lua.LNumber(f)
	case string:
		return lua.LString(val)
	case []any:
		t := L.CreateTable(len(val), 0)
		for _, item := range val {
			t.Append(toLua(L, item))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, toLua(L, val[k]))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

// decodeJSON turns a JSON document into a Lua value.
func decodeJSON(L *lua.LState, data []byte) (lua.LValue, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return lua.LNil, err
	}
	return toLua(L, v), nil
}

// encodeJSON turns a Lua value into a JSON document.
func encodeJSON(lv lua.LValue) ([]byte, error) {
	return json.Marshal(toGo(lv))
}
