package lua

import (
	"database/sql"
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// GoToLua converts a Go value to Lua. Scalars, slices and string-keyed maps become Lua
// values and tables, *sql.DB becomes a query object, and anything else becomes a host
// object whose properties are read through the introspection cache.
func (r *Runtime) GoToLua(val any) lua.LValue {
	if val == nil {
		return lua.LNil
	}

	switch v := val.(type) {
	case lua.LValue:
		return v
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(float64(v))
	case int32:
		return lua.LNumber(float64(v))
	case int64:
		return lua.LNumber(float64(v))
	case uint64:
		return lua.LNumber(float64(v))
	case float32:
		return lua.LNumber(float64(v))
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []byte:
		return lua.LString(v)
	case time.Time:
		return lua.LString(v.Format(time.RFC3339Nano))
	case *sql.DB:
		return r.dbTable(v)
	case []any:
		tbl := r.State.NewTable()
		for i, item := range v {
			r.State.RawSetInt(tbl, i+1, r.GoToLua(item))
		}
		return tbl
	case map[string]any:
		tbl := r.State.NewTable()
		for k, item := range v {
			r.State.SetField(tbl, k, r.GoToLua(item))
		}
		return tbl
	}

	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		tbl := r.State.NewTable()
		for i := 0; i < rv.Len(); i++ {
			r.State.RawSetInt(tbl, i+1, r.GoToLua(rv.Index(i).Interface()))
		}
		return tbl
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		tbl := r.State.NewTable()
		iter := rv.MapRange()
		for iter.Next() {
			r.State.SetField(tbl, iter.Key().String(), r.GoToLua(iter.Value().Interface()))
		}
		return tbl
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return lua.LNumber(float64(rv.Convert(reflect.TypeFor[int64]()).Int()))
	case reflect.String:
		return lua.LString(rv.String())
	}
	return r.hostObject(val)
}

// LuaToGo converts a Lua value to Go.
// Fields prefixed with "_" are skipped (internal/private fields).
func LuaToGo(val lua.LValue) any {
	switch v := val.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LUserData:
		return v.Value
	case *lua.LTable:
		// A table is an array when its keys are exactly 1..n.
		hasStringKeys := false
		count, maxN := 0, 0
		dense := true
		v.ForEach(func(key, _ lua.LValue) {
			if n, ok := key.(lua.LNumber); ok {
				count++
				if float64(n) != float64(int(n)) || n < 1 {
					dense = false
				} else if int(n) > maxN {
					maxN = int(n)
				}
			} else if ks, ok := key.(lua.LString); ok {
				if !strings.HasPrefix(string(ks), "_") {
					hasStringKeys = true
				}
			}
		})

		if count > 0 && !hasStringKeys && dense && maxN == count {
			arr := make([]any, maxN)
			for i := 1; i <= maxN; i++ {
				arr[i-1] = LuaToGo(v.RawGetInt(i))
			}
			return arr
		}

		// Sparse numeric keys become string keys.
		m := make(map[string]any)
		v.ForEach(func(key, value lua.LValue) {
			switch k := key.(type) {
			case lua.LString:
				if !strings.HasPrefix(string(k), "_") {
					m[string(k)] = LuaToGo(value)
				}
			case lua.LNumber:
				m[k.String()] = LuaToGo(value)
			}
		})
		return m
	default:
		return nil
	}
}

// hostObject wraps a Go value as userdata whose fields are its introspected properties.
func (r *Runtime) hostObject(val any) lua.LValue {
	L := r.State
	if r.hostMeta == nil {
		r.hostMeta = L.NewTable()
		L.SetField(r.hostMeta, "__index", L.NewFunction(func(L *lua.LState) int {
			ud := L.CheckUserData(1)
			key := L.CheckString(2)
			acc, ok := r.support.Introspector.Inspect(reflect.TypeOf(ud.Value))[key]
			if !ok {
				L.Push(lua.LNil)
				return 1
			}
			v, err := acc.Get(reflect.ValueOf(ud.Value))
			if err != nil {
				L.RaiseError("%s: %v", key, err)
				return 0
			}
			L.Push(r.GoToLua(v))
			return 1
		}))
		L.SetField(r.hostMeta, "__tostring", L.NewFunction(func(L *lua.LState) int {
			ud := L.CheckUserData(1)
			L.Push(lua.LString(reflect.TypeOf(ud.Value).String()))
			return 1
		}))
	}
	ud := L.NewUserData()
	ud.Value = val
	L.SetMetatable(ud, r.hostMeta)
	return ud
}

// properties returns every introspected property of a host object as a plain table.
func (r *Runtime) properties(val any) (*lua.LTable, error) {
	props, err := r.support.Introspector.Properties(val)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tbl := r.State.NewTable()
	for _, k := range keys {
		r.State.SetField(tbl, k, r.GoToLua(props[k]))
	}
	return tbl, nil
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSON(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
