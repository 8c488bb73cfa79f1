package lua

import (
	"net/http"

	lua "github.com/yuin/gopher-lua"
)

// filter is a router.wrapper registration. It wraps every route registered after it.
type filter struct {
	rt        *Runtime
	predicate *lua.LFunction
	def       handlerDef
}

func (f *filter) wrap(next http.Handler) http.Handler {
	return &filteredRoute{filter: f, next: next}
}

type filteredRoute struct {
	*filter
	next http.Handler
}

// ServeHTTP calls the filter as fn(ex, next, injections...). Calling next() runs the
// wrapped handler; not calling it leaves the response to the filter.
func (h *filteredRoute) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rt := h.rt
	rt.serve(w, req, func(w http.ResponseWriter, req *http.Request) {
		ex, req := rt.exchangeFor(w, req)

		if h.predicate != nil {
			ret, err := rt.invoke(ex, handlerDef{fn: h.predicate}, ex.luaTable())
			if err != nil {
				rt.fail(ex, err)
				return
			}
			if !lua.LVAsBool(ret) {
				h.next.ServeHTTP(w, req)
				return
			}
		}

		next := rt.State.NewFunction(func(L *lua.LState) int {
			prev := rt.current
			h.next.ServeHTTP(w, req)
			rt.current = prev
			return 0
		})
		ret, err := rt.invoke(ex, h.def, ex.luaTable(), next)
		if err == nil {
			err = ex.respond(ret, routeOptions{})
		}
		if err != nil {
			rt.fail(ex, err)
		}
	})
}

// _host.wrapper(predicate|nil, handler)
func (r *Runtime) hostWrapper(L *lua.LState) int {
	var pred *lua.LFunction
	if fn, ok := L.Get(1).(*lua.LFunction); ok {
		pred = fn
	}
	def, err := parseHandler(L.Get(2))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	r.filters = append(r.filters, &filter{rt: r, predicate: pred, def: def})
	r.Log(2, "wrapper registered (%s)", r.script)
	return 0
}
