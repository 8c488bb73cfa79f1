package lua

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/zot/luaroute/internal/config"
	"github.com/zot/luaroute/internal/inject"
	"github.com/zot/luaroute/internal/introspect"
	"github.com/zot/luaroute/internal/resource"
	"github.com/zot/luaroute/internal/router"
	"github.com/zot/luaroute/internal/script"
	"github.com/zot/luaroute/internal/templates"
)

// discardProvider counts discards of the values it hands out.
type discardProvider struct {
	discards atomic.Int32
}

func (p *discardProvider) Prefix() string { return "test" }

func (p *discardProvider) Resolve(ctx *inject.Context) (any, error) {
	ctx.WhenDiscarded(func() { p.discards.Add(1) })
	return "injected-" + ctx.Name(), nil
}

type account struct {
	Owner string
}

func (a *account) GetBalance() int { return 42 }

func newSupport(t *testing.T, files map[string]string, providers ...inject.Provider) *script.Support {
	t.Helper()
	m := resource.NewMemoryManager(files)
	tmpl := templates.NewRegistry(templates.NewGoTemplateProvider(), templates.NewMustacheProvider())
	if err := tmpl.Init(nil, m); err != nil {
		t.Fatal(err)
	}
	providers = append(providers, inject.NewValueProvider(map[string]string{"site": "example"}))
	routes := router.New(router.NextHandler)
	cfg := config.DefaultConfig()
	cfg.Logging.Format = "json"
	return &script.Support{
		Routes:       routes,
		Sockets:      router.NewWebSocket(routes),
		Injection:    inject.NewRegistry(providers...),
		Templates:    tmpl,
		Introspector: introspect.New(),
		Resources:    m,
		Scope:        inject.NewScope(),
		Config:       cfg,
	}
}

func newRuntime(t *testing.T, s *script.Support, src string) *Runtime {
	t.Helper()
	r, err := NewRuntime(s)
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	t.Cleanup(r.Close)
	if src != "" {
		if err := r.Eval("routes.lua", src); err != nil {
			t.Fatalf("Eval failed: %v", err)
		}
	}
	return r
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	h.ServeHTTP(w, httptest.NewRequest(method, path, rd))
	return w
}

func TestGreetRoute(t *testing.T) {
	s := newSupport(t, nil)
	newRuntime(t, s, `
		router.get("/greet/{name}", function(ex)
			return "hello " .. ex:path_param("name")
		end)
	`)

	w := do(s.Sockets, "GET", "/greet/world", "")
	if w.Code != http.StatusOK || w.Body.String() != "hello world" {
		t.Fatalf("got %d %q", w.Code, w.Body.String())
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "from next")
	})
	w = httptest.NewRecorder()
	s.Sockets.ServeHTTP(w, router.WithNext(httptest.NewRequest("GET", "/nope", nil), next))
	if w.Body.String() != "from next" {
		t.Errorf("unmatched request body = %q", w.Body.String())
	}
}

func TestExchangeMethods(t *testing.T) {
	s := newSupport(t, nil)
	newRuntime(t, s, `
		router.post("/echo", function(ex)
			ex:status(201)
			ex:response_header("X-Method", ex:method())
			ex:send(ex:param("q") .. ":" .. ex:body())
		end)
		router.get("/data", function(ex)
			return { path = ex:path(), agent = ex:header("User-Agent") }
		end)
		router.get("/go", function(ex)
			ex:redirect("/elsewhere")
		end)
		router.get("/fail", function(ex)
			error("boom")
		end)
	`)

	w := do(s.Sockets, "POST", "/echo?q=x", "payload")
	if w.Code != http.StatusCreated || w.Body.String() != "x:payload" || w.Header().Get("X-Method") != "POST" {
		t.Errorf("echo = %d %q %v", w.Code, w.Body.String(), w.Header())
	}

	w = do(s.Sockets, "GET", "/data", "")
	if w.Header().Get("Content-Type") != "application/json" || !strings.Contains(w.Body.String(), `"path":"/data"`) {
		t.Errorf("data = %q %q", w.Header().Get("Content-Type"), w.Body.String())
	}

	if w = do(s.Sockets, "GET", "/go", ""); w.Code != http.StatusFound || w.Header().Get("Location") != "/elsewhere" {
		t.Errorf("redirect = %d %q", w.Code, w.Header().Get("Location"))
	}

	if w = do(s.Sockets, "GET", "/fail", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("failing handler = %d", w.Code)
	}
}

func TestInjection(t *testing.T) {
	p := &discardProvider{}
	s := newSupport(t, nil, p)
	newRuntime(t, s, `
		router.alias("greeting", "test:hello")
		router.get("/inj", {"value:site", "greeting", function(ex, site, greeting)
			return site .. " " .. greeting
		end})
		router.post("/entity", {"$entity:json", function(ex, body)
			return body.name
		end})
		router.post("/yaml", {"$entity:yaml", function(ex, body)
			return body.name
		end})
		router.get("/bad", {"nope:x", function(ex) return "unreachable" end})
	`)

	scope := inject.NewScope()
	w := httptest.NewRecorder()
	s.Sockets.ServeHTTP(w, script.WithScope(httptest.NewRequest("GET", "/inj", nil), scope))
	if w.Body.String() != "example injected-hello" {
		t.Fatalf("inj body = %q", w.Body.String())
	}
	if p.discards.Load() != 0 {
		t.Fatal("discarded before the request scope ended")
	}
	scope.Close()
	if p.discards.Load() != 1 {
		t.Errorf("discards = %d, want 1", p.discards.Load())
	}

	if w := do(s.Sockets, "POST", "/entity", `{"name":"json"}`); w.Body.String() != "json" {
		t.Errorf("json entity = %q", w.Body.String())
	}
	if w := do(s.Sockets, "POST", "/yaml", "name: yaml\n"); w.Body.String() != "yaml" {
		t.Errorf("yaml entity = %q", w.Body.String())
	}
	if w := do(s.Sockets, "GET", "/bad", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("unknown provider = %d", w.Code)
	}
}

func TestPredicateAndOptions(t *testing.T) {
	s := newSupport(t, map[string]string{
		"page.mustache": "<p>{{title}}</p>",
	})
	newRuntime(t, s, `
		router.get("/p", { predicate = function(ex) return ex:param("admin") == "1" end }, function(ex)
			return "admin"
		end)
		router.get("/p", function(ex) return "user" end)
		router.get("/page", { template = "page.mustache" }, function(ex)
			return { title = "Hi" }
		end)
		router.get("/txt", { content_type = "text/csv" }, function(ex) return "a,b" end)
	`)

	if w := do(s.Sockets, "GET", "/p?admin=1", ""); w.Body.String() != "admin" {
		t.Errorf("predicate accepted = %q", w.Body.String())
	}
	if w := do(s.Sockets, "GET", "/p", ""); w.Body.String() != "user" {
		t.Errorf("predicate rejected = %q", w.Body.String())
	}
	w := do(s.Sockets, "GET", "/page", "")
	if w.Body.String() != "<p>Hi</p>" || !strings.HasPrefix(w.Header().Get("Content-Type"), "text/html") {
		t.Errorf("template = %q %q", w.Body.String(), w.Header().Get("Content-Type"))
	}
	if w := do(s.Sockets, "GET", "/txt", ""); w.Header().Get("Content-Type") != "text/csv" {
		t.Errorf("content type = %q", w.Header().Get("Content-Type"))
	}
}

func TestWrapper(t *testing.T) {
	s := newSupport(t, nil)
	newRuntime(t, s, `
		router.get("/before", function(ex) return "unwrapped" end)
		router.wrapper(function(ex, next)
			ex:response_header("X-Wrapped", "yes")
			if ex:param("deny") then
				ex:status(403)
				return "denied"
			end
			next()
		end)
		router.get("/after", function(ex) return "wrapped" end)
	`)

	w := do(s.Sockets, "GET", "/before", "")
	if w.Header().Get("X-Wrapped") != "" || w.Body.String() != "unwrapped" {
		t.Errorf("route registered before wrapper was wrapped: %v %q", w.Header(), w.Body.String())
	}
	w = do(s.Sockets, "GET", "/after", "")
	if w.Header().Get("X-Wrapped") != "yes" || w.Body.String() != "wrapped" {
		t.Errorf("wrapped = %v %q", w.Header(), w.Body.String())
	}
	w = do(s.Sockets, "GET", "/after?deny=1", "")
	if w.Code != http.StatusForbidden || w.Body.String() != "denied" {
		t.Errorf("denied = %d %q", w.Code, w.Body.String())
	}
}

func TestBodyTooLarge(t *testing.T) {
	s := newSupport(t, nil)
	newRuntime(t, s, `
		router.post("/len", function(ex) return tostring(#ex:body()) end)
		router.post("/entity", {"$entity:string", function(ex, body) return tostring(#body) end})
	`)

	big := strings.Repeat("x", maxBodySize+1)
	for _, path := range []string{"/len", "/entity"} {
		if w := do(s.Sockets, "POST", path, big); w.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("%s oversized body = %d %q", path, w.Code, w.Body.String())
		}
		if w := do(s.Sockets, "POST", path, "abc"); w.Code != http.StatusOK || w.Body.String() != "3" {
			t.Errorf("%s small body = %d %q", path, w.Code, w.Body.String())
		}
	}
}

func TestOptionalArguments(t *testing.T) {
	s := newSupport(t, nil)
	newRuntime(t, s, `
		router.request("PUT", "/put", function(ex) return "put" end)
		router.get("/fn", function(ex) return "plain" end)
		router.get("/pred", function(ex) return ex:param("k") == "1" end, function(ex) return "guarded" end)
		router.wrapper(function(ex) return ex:param("w") == "1" end, function(ex, next)
			ex:response_header("X-Filtered", "yes")
			next()
		end)
		router.get("/late", function(ex) return "late" end)
	`)

	if w := do(s.Sockets, "PUT", "/put", ""); w.Code != http.StatusOK || w.Body.String() != "put" {
		t.Errorf("request without options = %d %q", w.Code, w.Body.String())
	}
	if w := do(s.Sockets, "GET", "/fn", ""); w.Code != http.StatusOK || w.Body.String() != "plain" {
		t.Errorf("verb without options = %d %q", w.Code, w.Body.String())
	}
	if w := do(s.Sockets, "GET", "/pred?k=1", ""); w.Body.String() != "guarded" {
		t.Errorf("predicate function = %q", w.Body.String())
	}
	if w := do(s.Sockets, "GET", "/pred", ""); w.Code != http.StatusNotFound {
		t.Errorf("predicate rejected = %d", w.Code)
	}
	if w := do(s.Sockets, "GET", "/late?w=1", ""); w.Header().Get("X-Filtered") != "yes" || w.Body.String() != "late" {
		t.Errorf("wrapper predicate accepted = %v %q", w.Header(), w.Body.String())
	}
	if w := do(s.Sockets, "GET", "/late", ""); w.Header().Get("X-Filtered") != "" || w.Body.String() != "late" {
		t.Errorf("wrapper predicate rejected = %v %q", w.Header(), w.Body.String())
	}
}

func TestHelpers(t *testing.T) {
	s := newSupport(t, map[string]string{
		"lib/util.lua": `return { double = function(x) return x * 2 end }`,
		"hello.tmpl":   `hello {{.name}}`,
	})
	r := newRuntime(t, s, "")

	tests := []struct {
		code, want string
	}{
		{`1 + 2`, "3"},
		{`require("lib.util").double(21)`, "42"},
		{`router.json_decode('{"a":[1,2]}').a[2]`, "2"},
		{`router.json_encode({x = "y"})`, `{"x":"y"}`},
		{`router.render("gotemplate", "hello.tmpl", {name = "lua"})`, "hello lua"},
		{`router.inject("value:site")`, "example"},
		{`{1, 2, 3}`, "[1,2,3]"},
		{`router.json_encode({[1] = "a", [3] = "c"})`, `{"1":"a","3":"c"}`},
		{`router.json_encode({[1000000000] = true})`, `{"1000000000":true}`},
	}
	for _, tt := range tests {
		got, err := r.Evaluate(tt.code)
		if err != nil {
			t.Errorf("Evaluate(%q) failed: %v", tt.code, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Evaluate(%q) = %q, want %q", tt.code, got, tt.want)
		}
	}

	if _, err := r.Evaluate(`error("bad")`); err == nil {
		t.Error("expected error from failing code")
	}
	if _, err := r.Evaluate(`router.log("warn", "logged from a test")`); err != nil {
		t.Errorf("log failed: %v", err)
	}
}

func TestHostObjects(t *testing.T) {
	s := newSupport(t, nil)
	r := newRuntime(t, s, "")

	_, err := r.execute(func() (any, error) {
		r.State.SetGlobal("acct", r.GoToLua(&account{Owner: "ada"}))
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.Evaluate(`acct.owner .. " " .. acct.balance .. " " .. router.properties(acct).balance`)
	if err != nil {
		t.Fatal(err)
	}
	if got != "ada 42 42" {
		t.Errorf("host object = %q", got)
	}
}

func TestDatabase(t *testing.T) {
	dbs := inject.NewDBProvider([]config.DatabaseConfig{
		{Name: "main", Driver: "sqlite3", DSN: filepath.Join(t.TempDir(), "main.db")},
	})
	defer dbs.Close()
	s := newSupport(t, nil, dbs)
	newRuntime(t, s, `
		local db = router.inject("db:main")
		db:query("CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)")
		router.post("/notes", {"db:main", "$entity:string", function(ex, db, body)
			db:query("INSERT INTO notes (body) VALUES (?)", body)
			return db:select("SELECT id, body FROM notes ORDER BY id")
		end})
		router.get("/notes/{id}", {"db:main", function(ex, db)
			local row = db:select_one("SELECT body FROM notes WHERE id = ?", tonumber(ex:path_param("id")))
			if row == nil then
				ex:send("missing", 404)
				return
			end
			return row.body
		end})
	`)

	do(s.Sockets, "POST", "/notes", "first")
	w := do(s.Sockets, "POST", "/notes", "second")
	if !strings.Contains(w.Body.String(), `"body":"second"`) {
		t.Errorf("select = %q", w.Body.String())
	}
	if w := do(s.Sockets, "GET", "/notes/1", ""); w.Body.String() != "first" {
		t.Errorf("select_one = %q", w.Body.String())
	}
	if w := do(s.Sockets, "GET", "/notes/9", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing row = %d", w.Code)
	}
}

func TestScriptError(t *testing.T) {
	s := newSupport(t, nil)
	r := newRuntime(t, s, "")
	if err := r.Eval("bad.lua", "router.get("); err == nil {
		t.Error("expected a syntax error")
	}
	if err := r.Eval("bad.lua", `router.get("/x", 42)`); err == nil {
		t.Error("expected an argument error")
	}
}

func TestClosedRuntime(t *testing.T) {
	s := newSupport(t, nil)
	r := newRuntime(t, s, `router.get("/x", function() return "x" end)`)
	r.Close()

	if err := r.Eval("late.lua", "x = 1"); err != ErrClosed {
		t.Errorf("Eval after Close err = %v", err)
	}
	if w := do(s.Sockets, "GET", "/x", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("request after Close = %d", w.Code)
	}
}

func TestWebSocketEcho(t *testing.T) {
	s := newSupport(t, nil)
	newRuntime(t, s, `
		router.websocket("/ws/{room}", "value:site", function(conn, site)
			conn:on_text(function(msg)
				conn:send(site .. "/" .. conn:path_param("room") .. ": " .. msg)
			end)
		end)
	`)

	srv := httptest.NewServer(s.Sockets)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/lobby"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(msg) != "example/lobby: hi" {
		t.Errorf("echo = %q", msg)
	}
}
