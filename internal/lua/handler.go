package lua

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"gopkg.in/yaml.v3"

	"github.com/zot/luaroute/internal/router"
)

// entityPrefix names injections computed from the request body.
const entityPrefix = "$entity:"

// defaultTemplateType is used when a route names a template without a provider.
const defaultTemplateType = "mustache"

type routeOptions struct {
	predicate    *lua.LFunction
	template     string
	templateType string
	contentType  string
}

func parseOptions(L *lua.LState, tbl *lua.LTable) routeOptions {
	opts := routeOptions{templateType: defaultTemplateType}
	if tbl == nil {
		return opts
	}
	if fn, ok := L.GetField(tbl, "predicate").(*lua.LFunction); ok {
		opts.predicate = fn
	}
	if s, ok := L.GetField(tbl, "template").(lua.LString); ok {
		opts.template = string(s)
	}
	if s, ok := L.GetField(tbl, "template_type").(lua.LString); ok {
		opts.templateType = string(s)
	}
	if s, ok := L.GetField(tbl, "content_type").(lua.LString); ok {
		opts.contentType = string(s)
	}
	return opts
}

// handlerDef is a Lua function plus the injections passed to it after the fixed arguments.
type handlerDef struct {
	fn         *lua.LFunction
	injections []string
}

// parseHandler accepts fn or {"inj:a", "inj:b", fn}.
func parseHandler(v lua.LValue) (handlerDef, error) {
	switch h := v.(type) {
	case *lua.LFunction:
		return handlerDef{fn: h}, nil
	case *lua.LTable:
		n := h.Len()
		if n == 0 {
			return handlerDef{}, fmt.Errorf("empty handler table")
		}
		fn, ok := h.RawGetInt(n).(*lua.LFunction)
		if !ok {
			return handlerDef{}, fmt.Errorf("last handler element must be a function, got %s", describe(h.RawGetInt(n)))
		}
		def := handlerDef{fn: fn}
		for i := 1; i < n; i++ {
			name, ok := h.RawGetInt(i).(lua.LString)
			if !ok {
				return handlerDef{}, fmt.Errorf("injection %d must be a string, got %s", i, describe(h.RawGetInt(i)))
			}
			def.injections = append(def.injections, string(name))
		}
		return def, nil
	default:
		return handlerDef{}, fmt.Errorf("handler must be a function or table, got %s", describe(v))
	}
}

// resolve produces the Lua value for one injection name. Executor only.
func (r *Runtime) resolve(name string) (lua.LValue, error) {
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	if kind, ok := strings.CutPrefix(name, entityPrefix); ok {
		return r.entity(kind)
	}
	if r.support.Injection == nil {
		return lua.LNil, fmt.Errorf("no injection providers")
	}
	scope := r.support.Scope
	if r.current != nil {
		scope = r.current.scope
	}
	v, err := r.support.Injection.Resolve(scope, name)
	if err != nil {
		return lua.LNil, err
	}
	return r.GoToLua(v), nil
}

// entity parses the current request body as string, json or yaml.
func (r *Runtime) entity(kind string) (lua.LValue, error) {
	if r.current == nil {
		return lua.LNil, fmt.Errorf("%s%s used outside a request", entityPrefix, kind)
	}
	body, err := r.current.readBody()
	if err != nil {
		return lua.LNil, err
	}
	switch kind {
	case "string", "":
		return lua.LString(body), nil
	case "json":
		if len(body) == 0 {
			return lua.LNil, nil
		}
		v, err := decodeJSON(body)
		if err != nil {
			return lua.LNil, fmt.Errorf("%sjson: %w", entityPrefix, err)
		}
		return r.GoToLua(v), nil
	case "yaml":
		var v any
		if err := yaml.Unmarshal(body, &v); err != nil {
			return lua.LNil, fmt.Errorf("%syaml: %w", entityPrefix, err)
		}
		return r.GoToLua(v), nil
	default:
		return lua.LNil, fmt.Errorf("unknown entity type %q", kind)
	}
}

// args resolves def's injections and prepends the fixed arguments.
func (r *Runtime) args(def handlerDef, fixed ...lua.LValue) ([]lua.LValue, error) {
	args := append([]lua.LValue(nil), fixed...)
	for _, name := range def.injections {
		v, err := r.resolve(name)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

// invoke runs def for ex with the fixed arguments and returns its result. Executor only.
func (r *Runtime) invoke(ex *exchange, def handlerDef, fixed ...lua.LValue) (lua.LValue, error) {
	prev := r.current
	r.current = ex
	defer func() { r.current = prev }()

	args, err := r.args(def, fixed...)
	if err != nil {
		return lua.LNil, err
	}
	return r.call(def.fn, args...)
}

// fail answers a request whose Lua handler failed.
func (r *Runtime) fail(ex *exchange, err error) {
	status := http.StatusInternalServerError
	var tooLarge *http.MaxBytesError
	if errors.As(ex.bodyErr, &tooLarge) {
		status = http.StatusRequestEntityTooLarge
		r.Log(1, "%s %s: body over %d bytes", ex.req.Method, ex.req.URL.Path, tooLarge.Limit)
	} else {
		r.config.Error(err, "%s %s: handler failed", ex.req.Method, ex.req.URL.Path)
	}
	if ex.w != nil && !ex.sent {
		ex.sent = true
		http.Error(ex.w, http.StatusText(status), status)
	}
}

// luaRoute serves one script-registered route.
type luaRoute struct {
	rt   *Runtime
	def  handlerDef
	opts routeOptions
	name string // script that registered it
}

func (h *luaRoute) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.rt.serve(w, req, func(w http.ResponseWriter, req *http.Request) {
		ex, _ := h.rt.exchangeFor(w, req)
		h.rt.Log(3, "%s %s -> %s", req.Method, req.URL.Path, h.name)
		ret, err := h.rt.invoke(ex, h.def, ex.luaTable())
		if err == nil {
			err = ex.respond(ret, h.opts)
		}
		if err != nil {
			h.rt.fail(ex, err)
		}
	})
}

// predicate adapts a Lua predicate to the route table.
func (r *Runtime) predicate(fn *lua.LFunction) router.Predicate {
	if fn == nil {
		return nil
	}
	return func(req *http.Request) bool {
		accepted := false
		r.serve(nil, req, func(_ http.ResponseWriter, req *http.Request) {
			ex := &exchange{rt: r, req: req, scope: r.support.Scope}
			prev := r.current
			r.current = ex
			defer func() { r.current = prev }()
			ret, err := r.call(fn, ex.luaTable())
			if err != nil {
				r.config.Error(err, "%s %s: predicate failed", req.Method, req.URL.Path)
				return
			}
			accepted = lua.LVAsBool(ret)
		})
		return accepted
	}
}

// _host.route(method, path, options, handler)
func (r *Runtime) hostRoute(L *lua.LState) int {
	method := strings.ToUpper(L.CheckString(1))
	path := L.CheckString(2)
	opts := parseOptions(L, L.OptTable(3, nil))
	def, err := parseHandler(L.Get(4))
	if err != nil {
		L.ArgError(4, err.Error())
		return 0
	}

	var h http.Handler = &luaRoute{rt: r, def: def, opts: opts, name: r.script}
	for i := len(r.filters) - 1; i >= 0; i-- {
		h = r.filters[i].wrap(h)
	}
	r.support.Routes.Handle(method, path, r.predicate(opts.predicate), r.support.Wrap(h))
	r.Log(2, "route %s %s (%s)", method, path, r.script)
	return 0
}
