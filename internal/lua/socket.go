package lua

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lua "github.com/yuin/gopher-lua"

	"github.com/zot/luaroute/internal/router"
)

// socketRoute serves a router.websocket registration. The handler runs once per
// connection and registers callbacks; the read loop stays on the request goroutine.
type socketRoute struct {
	rt   *Runtime
	def  handlerDef
	path string
}

// socketConn is one upgraded connection.
type socketConn struct {
	id   string
	ws   *websocket.Conn
	wmu  sync.Mutex
	once sync.Once

	// executor-only
	onText   *lua.LFunction
	onBinary *lua.LFunction
	onClose  *lua.LFunction
}

func (c *socketConn) write(kind int, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(kind, data)
}

func (c *socketConn) close(code int, reason string) {
	c.once.Do(func() {
		c.wmu.Lock()
		c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		c.wmu.Unlock()
		c.ws.Close()
	})
}

func (h *socketRoute) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rt := h.rt
	ws, err := router.Upgrade(w, req)
	if err != nil {
		rt.config.Error(err, "websocket %s: upgrade failed", req.URL.Path)
		return
	}
	conn := &socketConn{id: uuid.NewString(), ws: ws}
	defer conn.close(websocket.CloseNormalClosure, "")
	rt.Log(1, "websocket %s: connection %s opened", h.path, conn.id)

	// The exchange has no response writer; the connection replaces it.
	ex, req := rt.exchangeFor(nil, req)
	ok := rt.run(func() bool {
		_, err := rt.invoke(ex, h.def, conn.luaTable(rt, req))
		if err != nil {
			rt.config.Error(err, "websocket %s: handler failed", h.path)
			return false
		}
		return true
	})
	if !ok {
		return
	}

	code := websocket.CloseNormalClosure
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if ce, isClose := err.(*websocket.CloseError); isClose {
				code = ce.Code
			} else {
				code = websocket.CloseAbnormalClosure
			}
			break
		}
		if !rt.run(func() bool {
			cb := conn.onText
			arg := lua.LValue(lua.LString(data))
			if kind == websocket.BinaryMessage {
				cb = conn.onBinary
			}
			if cb == nil {
				return true
			}
			if _, err := rt.invoke(ex, handlerDef{fn: cb}, arg); err != nil {
				rt.config.Error(err, "websocket %s: message handler failed", h.path)
			}
			return true
		}) {
			break
		}
	}

	rt.run(func() bool {
		if conn.onClose != nil {
			if _, err := rt.invoke(ex, handlerDef{fn: conn.onClose}, lua.LNumber(code)); err != nil {
				rt.config.Error(err, "websocket %s: close handler failed", h.path)
			}
		}
		return true
	})
	rt.Log(1, "websocket %s: connection %s closed (%d)", h.path, conn.id, code)
}

// run executes fn on the executor; false means the runtime is gone or fn said stop.
func (r *Runtime) run(fn func() bool) bool {
	v, err := r.execute(func() (any, error) {
		return fn(), nil
	})
	return err == nil && v.(bool)
}

// luaTable builds the Lua view of the connection. Executor only.
func (c *socketConn) luaTable(rt *Runtime, req *http.Request) *lua.LTable {
	L := rt.State
	tbl := L.NewTable()
	method := func(name string, fn func(L *lua.LState) int) {
		L.SetField(tbl, name, L.NewFunction(fn))
	}
	setter := func(target **lua.LFunction) func(L *lua.LState) int {
		return func(L *lua.LState) int {
			*target = L.CheckFunction(2)
			return 0
		}
	}

	L.SetField(tbl, "id", lua.LString(c.id))
	method("on_text", setter(&c.onText))
	method("on_binary", setter(&c.onBinary))
	method("on_close", setter(&c.onClose))
	method("send", func(L *lua.LState) int {
		if err := c.write(websocket.TextMessage, []byte(L.ToStringMeta(L.Get(2)).String())); err != nil {
			L.RaiseError("send: %v", err)
		}
		return 0
	})
	method("send_binary", func(L *lua.LState) int {
		if err := c.write(websocket.BinaryMessage, []byte(L.CheckString(2))); err != nil {
			L.RaiseError("send_binary: %v", err)
		}
		return 0
	})
	method("close", func(L *lua.LState) int {
		c.close(L.OptInt(2, websocket.CloseNormalClosure), L.OptString(3, ""))
		return 0
	})
	method("path_param", func(L *lua.LState) int {
		v, ok := router.Params(req)[L.CheckString(2)]
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(v))
		return 1
	})
	method("header", func(L *lua.LState) int {
		L.Push(lua.LString(req.Header.Get(L.CheckString(2))))
		return 1
	})
	return tbl
}

// _host.websocket(path, handler)
func (r *Runtime) hostWebSocket(L *lua.LState) int {
	path := L.CheckString(1)
	def, err := parseHandler(L.Get(2))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	h := &socketRoute{rt: r, def: def, path: path}
	r.support.Sockets.Handle(http.MethodGet, path, nil, r.support.Wrap(h))
	r.Log(2, "websocket %s (%s)", path, r.script)
	return 0
}
