package lua

import (
	"context"
	"io"
	"net/http"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/luaroute/internal/inject"
	"github.com/zot/luaroute/internal/router"
	"github.com/zot/luaroute/internal/script"
)

// maxBodySize bounds request bodies read by scripts.
const maxBodySize = 10 << 20

// exchange is one request/response pair as seen by Lua. Executor only.
type exchange struct {
	rt     *Runtime
	w      http.ResponseWriter // nil while evaluating predicates
	req    *http.Request
	scope  *inject.Scope
	status int
	sent   bool

	body     []byte
	bodyErr  error
	bodyRead bool

	table *lua.LTable
}

type exchangeKey struct{}

// exchangeFor returns the exchange already attached to req, or attaches a new one.
// Wrappers and the route they wrap share one exchange.
func (r *Runtime) exchangeFor(w http.ResponseWriter, req *http.Request) (*exchange, *http.Request) {
	if ex, ok := req.Context().Value(exchangeKey{}).(*exchange); ok && ex.rt == r {
		ex.req = req
		return ex, req
	}
	ex := &exchange{rt: r, w: w, req: req, scope: script.RequestScope(req)}
	if ex.scope == nil {
		ex.scope = r.support.Scope
	}
	req = req.WithContext(context.WithValue(req.Context(), exchangeKey{}, ex))
	ex.req = req
	return ex, req
}

// readBody reads and caches the request body. A body over maxBodySize is an error,
// answered with 413 by fail.
func (ex *exchange) readBody() ([]byte, error) {
	if !ex.bodyRead {
		ex.bodyRead = true
		if ex.req.Body != nil {
			ex.body, ex.bodyErr = io.ReadAll(http.MaxBytesReader(ex.w, ex.req.Body, maxBodySize))
		}
	}
	return ex.body, ex.bodyErr
}

func (ex *exchange) writeHeader() {
	if ex.sent {
		return
	}
	ex.sent = true
	if ex.status != 0 {
		ex.w.WriteHeader(ex.status)
	}
}

func (ex *exchange) send(body string) error {
	ex.writeHeader()
	_, err := io.WriteString(ex.w, body)
	return err
}

// respond turns a handler's return value into a response unless one was already sent.
func (ex *exchange) respond(ret lua.LValue, opts routeOptions) error {
	if ex.sent || ex.w == nil {
		return nil
	}
	if opts.contentType != "" && ex.w.Header().Get("Content-Type") == "" {
		ex.w.Header().Set("Content-Type", opts.contentType)
	}
	switch v := ret.(type) {
	case *lua.LNilType:
		ex.writeHeader()
		return nil
	case lua.LString:
		return ex.send(string(v))
	case lua.LNumber, lua.LBool:
		return ex.send(v.String())
	}

	data := LuaToGo(ret)
	if opts.template != "" {
		out, err := ex.rt.render(opts.templateType, opts.template, data)
		if err != nil {
			return err
		}
		if ex.w.Header().Get("Content-Type") == "" {
			ex.w.Header().Set("Content-Type", "text/html; charset="+ex.rt.charset())
		}
		return ex.send(out)
	}
	out, err := encodeJSON(data)
	if err != nil {
		return err
	}
	if ex.w.Header().Get("Content-Type") == "" {
		ex.w.Header().Set("Content-Type", "application/json")
	}
	return ex.send(out)
}

// luaTable builds the Lua view of the exchange. Methods are called as ex:name(...).
func (ex *exchange) luaTable() *lua.LTable {
	if ex.table != nil {
		return ex.table
	}
	L := ex.rt.State
	tbl := L.NewTable()
	method := func(name string, fn func(L *lua.LState) int) {
		L.SetField(tbl, name, L.NewFunction(fn))
	}
	writable := func(L *lua.LState, name string) bool {
		if ex.w == nil {
			L.RaiseError("%s: no response while evaluating a predicate", name)
			return false
		}
		return true
	}

	method("method", func(L *lua.LState) int {
		L.Push(lua.LString(ex.req.Method))
		return 1
	})
	method("path", func(L *lua.LState) int {
		L.Push(lua.LString(ex.req.URL.Path))
		return 1
	})
	method("header", func(L *lua.LState) int {
		L.Push(lua.LString(ex.req.Header.Get(L.CheckString(2))))
		return 1
	})
	method("param", func(L *lua.LState) int {
		name := L.CheckString(2)
		if v, ok := ex.req.URL.Query()[name]; ok && len(v) > 0 {
			L.Push(lua.LString(v[0]))
			return 1
		}
		L.Push(lua.LNil)
		return 1
	})
	method("params", func(L *lua.LState) int {
		params := L.NewTable()
		for k, v := range ex.req.URL.Query() {
			if len(v) > 0 {
				L.SetField(params, k, lua.LString(v[0]))
			}
		}
		L.Push(params)
		return 1
	})
	method("path_param", func(L *lua.LState) int {
		v, ok := router.Params(ex.req)[L.CheckString(2)]
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(v))
		return 1
	})
	method("body", func(L *lua.LState) int {
		data, err := ex.readBody()
		if err != nil {
			L.RaiseError("body: %v", err)
			return 0
		}
		L.Push(lua.LString(data))
		return 1
	})
	method("status", func(L *lua.LState) int {
		if L.GetTop() < 2 {
			L.Push(lua.LNumber(ex.status))
			return 1
		}
		if ex.sent {
			L.RaiseError("status: response already started")
			return 0
		}
		ex.status = L.CheckInt(2)
		return 0
	})
	method("response_header", func(L *lua.LState) int {
		if !writable(L, "response_header") {
			return 0
		}
		ex.w.Header().Set(L.CheckString(2), L.CheckString(3))
		return 0
	})
	method("send", func(L *lua.LState) int {
		if !writable(L, "send") {
			return 0
		}
		if L.GetTop() >= 3 && !ex.sent {
			ex.status = L.CheckInt(3)
		}
		if err := ex.send(L.ToStringMeta(L.Get(2)).String()); err != nil {
			L.RaiseError("send: %v", err)
		}
		return 0
	})
	method("json", func(L *lua.LState) int {
		if !writable(L, "json") {
			return 0
		}
		s, err := encodeJSON(LuaToGo(L.Get(2)))
		if err != nil {
			L.RaiseError("json: %v", err)
			return 0
		}
		if L.GetTop() >= 3 && !ex.sent {
			ex.status = L.CheckInt(3)
		}
		ex.w.Header().Set("Content-Type", "application/json")
		if err := ex.send(s); err != nil {
			L.RaiseError("json: %v", err)
		}
		return 0
	})
	method("redirect", func(L *lua.LState) int {
		if !writable(L, "redirect") {
			return 0
		}
		code := L.OptInt(3, http.StatusFound)
		ex.sent = true
		http.Redirect(ex.w, ex.req, L.CheckString(2), code)
		return 0
	})

	ex.table = tbl
	return tbl
}

func (r *Runtime) charset() string {
	if r.config != nil {
		if cs := r.config.Templates.Properties["charset"]; cs != "" {
			return strings.ToLower(cs)
		}
	}
	return "utf-8"
}
