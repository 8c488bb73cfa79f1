package lua

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/luaroute/internal/resource"
)

// hostModuleName is the global the bootstrap script builds the router API from.
const hostModuleName = "_host"

// registerHostModule adds the Go primitives behind the router API.
func (r *Runtime) registerHostModule() {
	L := r.State
	mod := L.NewTable()

	fns := map[string]lua.LGFunction{
		"route":       r.hostRoute,
		"websocket":   r.hostWebSocket,
		"wrapper":     r.hostWrapper,
		"alias":       r.hostAlias,
		"inject":      r.hostInject,
		"render":      r.hostRender,
		"json_encode": r.hostJSONEncode,
		"json_decode": r.hostJSONDecode,
		"log":         r.hostLog,
		"properties":  r.hostProperties,
		"routes":      r.hostRoutes,
	}
	for name, fn := range fns {
		L.SetField(mod, name, L.NewFunction(fn))
	}
	L.SetGlobal(hostModuleName, mod)
}

// registerRequire installs a require() that loads "a.b" from the resource "a/b.lua".
func (r *Runtime) registerRequire() {
	L := r.State
	loaded := r.loaded

	requireFn := L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		if cached := L.GetField(loaded, modName); cached != lua.LNil {
			L.Push(cached)
			return 1
		}

		filename := strings.ReplaceAll(modName, ".", "/") + ".lua"

		// Mark as loaded before executing so circular requires terminate.
		L.SetField(loaded, modName, lua.LTrue)

		result, err := r.requireResource(filename)
		if err != nil {
			L.SetField(loaded, modName, lua.LNil)
			L.RaiseError("error loading module '%s': %v", modName, err)
			return 0
		}
		if result == lua.LNil {
			result = lua.LTrue
		}
		L.SetField(loaded, modName, result)
		L.Push(result)
		return 1
	})

	L.SetGlobal("require", requireFn)

	pkg := L.NewTable()
	L.SetField(pkg, "loaded", loaded)
	L.SetGlobal("package", pkg)
}

func (r *Runtime) requireResource(filename string) (lua.LValue, error) {
	if r.support.Resources == nil {
		return lua.LNil, fmt.Errorf("no resource manager")
	}
	res, err := r.support.Resources.Get(filename)
	if err != nil {
		return lua.LNil, err
	}
	if r.support.Track != nil {
		r.support.Track(res)
	}
	src, err := resource.ReadAll(res)
	if err != nil {
		return lua.LNil, err
	}
	fn, err := r.State.Load(strings.NewReader(string(src)), res.Path())
	if err != nil {
		return lua.LNil, err
	}
	return r.call(fn)
}

// _host.alias(name, injection)
func (r *Runtime) hostAlias(L *lua.LState) int {
	r.aliases[L.CheckString(1)] = L.CheckString(2)
	return 0
}

// _host.inject(name) resolves an injection into the current request's scope, or the
// generation's scope while scripts load.
func (r *Runtime) hostInject(L *lua.LState) int {
	v, err := r.resolve(L.CheckString(1))
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(v)
	return 1
}

// _host.render(provider, template, data)
func (r *Runtime) hostRender(L *lua.LState) int {
	out, err := r.render(L.CheckString(1), L.CheckString(2), LuaToGo(L.Get(3)))
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LString(out))
	return 1
}

func (r *Runtime) render(provider, name string, data any) (string, error) {
	if r.support.Templates == nil {
		return "", fmt.Errorf("no template providers")
	}
	tmpl, err := r.support.Templates.Get(provider, name)
	if err != nil {
		return "", err
	}
	return tmpl.Apply(data)
}

func (r *Runtime) hostJSONEncode(L *lua.LState) int {
	s, err := encodeJSON(LuaToGo(L.Get(1)))
	if err != nil {
		L.RaiseError("json_encode: %v", err)
		return 0
	}
	L.Push(lua.LString(s))
	return 1
}

func (r *Runtime) hostJSONDecode(L *lua.LState) int {
	v, err := decodeJSON([]byte(L.CheckString(1)))
	if err != nil {
		L.RaiseError("json_decode: %v", err)
		return 0
	}
	L.Push(r.GoToLua(v))
	return 1
}

// _host.log([level,] message). level is a verbosity number or one of
// "debug", "info", "warn", "error".
func (r *Runtime) hostLog(L *lua.LState) int {
	if L.GetTop() < 2 {
		r.Log(0, "%s", L.ToStringMeta(L.Get(1)).String())
		return 0
	}
	msg := L.ToStringMeta(L.Get(2)).String()
	switch level := L.Get(1).(type) {
	case lua.LNumber:
		r.Log(int(level), "%s", msg)
	case lua.LString:
		switch strings.ToLower(string(level)) {
		case "warn", "warning":
			r.config.Warn("%s", msg)
		case "error":
			r.config.Error(nil, "%s", msg)
		case "debug":
			r.Log(2, "%s", msg)
		default:
			r.Log(0, "%s", msg)
		}
	default:
		r.Log(0, "%s", msg)
	}
	return 0
}

// _host.properties(obj) returns a host object's properties as a plain table.
func (r *Runtime) hostProperties(L *lua.LState) int {
	ud := L.CheckUserData(1)
	tbl, err := r.properties(ud.Value)
	if err != nil {
		L.RaiseError("properties: %v", err)
		return 0
	}
	L.Push(tbl)
	return 1
}

// _host.routes() lists registered routes as {method=, path=, websocket=} tables.
func (r *Runtime) hostRoutes(L *lua.LState) int {
	list := L.NewTable()
	add := func(method, path string, ws bool) {
		entry := L.NewTable()
		L.SetField(entry, "method", lua.LString(method))
		L.SetField(entry, "path", lua.LString(path))
		L.SetField(entry, "websocket", lua.LBool(ws))
		list.Append(entry)
	}
	for _, rt := range r.support.Sockets.Routes() {
		add(rt.Method, rt.Path, true)
	}
	for _, rt := range r.support.Routes.Routes() {
		add(rt.Method, rt.Path, false)
	}
	L.Push(list)
	return 1
}
