package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/zot/luaroute/internal/config"
	"github.com/zot/luaroute/internal/deploy"
	"github.com/zot/luaroute/internal/resource"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newDeployment(t *testing.T, cfg *config.Config) *deploy.Deployment {
	t.Helper()
	m := resource.NewMemoryManager(map[string]string{
		"scripts.conf": "routes.lua",
		"index.html":   "<p>home</p>",
		"routes.lua": `
router.get("/hi", function(ex) return "hi" end)
router.websocket("/ws", function(conn)
	conn:on_text(function(msg) conn:send(string.upper(msg)) end)
end)
`,
	})
	d, err := deploy.Deploy(cfg, m, resource.Handler(m), deploy.DefaultRegistration())
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	return d
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Scripts.Watch = false
	return cfg
}

func TestRouter(t *testing.T) {
	cfg := testConfig()
	d := newDeployment(t, cfg)
	defer d.Close()
	s := New(cfg, d)

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{"/hi", http.StatusOK, "hi"},
		{"/", http.StatusOK, "<p>home</p>"},
		{"/routes.lua", http.StatusNotFound, ""},
		{"/missing.css", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest("GET", tt.path, nil))
		if w.Code != tt.status {
			t.Errorf("%s: status %d, want %d", tt.path, w.Code, tt.status)
		}
		if tt.body != "" && w.Body.String() != tt.body {
			t.Errorf("%s: body %q, want %q", tt.path, w.Body.String(), tt.body)
		}
	}
}

func TestHealth(t *testing.T) {
	cfg := testConfig()
	d := newDeployment(t, cfg)
	defer d.Close()
	s := New(cfg, d)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health status %d", w.Code)
	}
	var body struct {
		OK         bool  `json:"ok"`
		Generation int64 `json:"generation"`
		Scripts    int   `json:"scripts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.OK || body.Generation != 1 || body.Scripts != 1 {
		t.Errorf("health = %+v", body)
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	config.SetLogOutput(&buf)
	defer config.SetLogOutput(os.Stderr)

	cfg := testConfig()
	cfg.Logging.AccessLog = true
	d := newDeployment(t, cfg)
	defer d.Close()
	s := New(cfg, d)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/hi", nil)
	req.Header.Set(requestIDHeader, "abc")
	s.ServeHTTP(w, req)

	if w.Header().Get(requestIDHeader) != "abc" {
		t.Errorf("request id header = %q", w.Header().Get(requestIDHeader))
	}
	line := buf.String()
	for _, want := range []string{`"request_id":"abc"`, `"path":"/hi"`, `"status":200`} {
		if !strings.Contains(line, want) {
			t.Errorf("access log %q missing %s", line, want)
		}
	}
}

func TestStartAndShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	d := newDeployment(t, cfg)
	s := New(cfg, d)

	url, err := s.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	resp, err := http.Get(url + "/hi")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "hi" {
		t.Errorf("body = %q", body)
	}

	conn, _, err := websocket.DefaultDialer.Dial(strings.Replace(url, "http", "ws", 1)+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.WriteMessage(websocket.TextMessage, []byte("shout"))
	_, msg, err := conn.ReadMessage()
	conn.Close()
	if err != nil || string(msg) != "SHOUT" {
		t.Errorf("ws = %q, %v", msg, err)
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if d.Engine.Generation() != 0 {
		t.Error("routes still live after shutdown")
	}
}
