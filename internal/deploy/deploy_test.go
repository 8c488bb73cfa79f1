package deploy

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/luaroute/internal/config"
	"github.com/zot/luaroute/internal/engine"
	"github.com/zot/luaroute/internal/inject"
	"github.com/zot/luaroute/internal/resource"
)

func TestParseManifest(t *testing.T) {
	names, err := ParseManifest(strings.NewReader(`
# routes
api/users.lua   # user endpoints
	pages.lua

#only a comment
ws.lua#trailing
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"api/users.lua", "pages.lua", "ws.lua"}, names)

	names, err = ParseManifest(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, names)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Scripts.Watch = false
	cfg.Injection.Values = map[string]string{"site": "demo"}
	return cfg
}

var static = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, "static")
})

func TestDeploy(t *testing.T) {
	m := resource.NewMemoryManager(map[string]string{
		"scripts.conf":   "routes.lua\n",
		"hello.mustache": "<h1>{{name}}</h1>",
		"routes.lua": `
router.get("/hello/{name}", { template = "hello.mustache" }, {"value:site", function(ex, site)
	return { name = ex:path_param("name") .. "@" .. site }
end})
`,
	})
	d, err := Deploy(testConfig(), m, static, DefaultRegistration())
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, []string{"routes.lua"}, d.Scripts)

	w := httptest.NewRecorder()
	d.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/hello/ann", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<h1>ann@demo</h1>", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")

	w = httptest.NewRecorder()
	d.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/index.html", nil))
	assert.Equal(t, "static", w.Body.String())

	w = httptest.NewRecorder()
	d.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/routes.lua", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeployErrors(t *testing.T) {
	t.Run("no manifest", func(t *testing.T) {
		_, err := Deploy(testConfig(), resource.NewMemoryManager(nil), static, DefaultRegistration())
		assert.ErrorIs(t, err, ErrNoManifest)
	})

	t.Run("missing script", func(t *testing.T) {
		m := resource.NewMemoryManager(map[string]string{"scripts.conf": "gone.lua"})
		_, err := Deploy(testConfig(), m, static, DefaultRegistration())
		assert.ErrorIs(t, err, engine.ErrResourceNotFound)
	})

	t.Run("script error", func(t *testing.T) {
		m := resource.NewMemoryManager(map[string]string{
			"scripts.conf": "bad.lua",
			"bad.lua":      `error("nope")`,
		})
		_, err := Deploy(testConfig(), m, static, DefaultRegistration())
		var se *engine.ScriptError
		assert.True(t, errors.As(err, &se), "got %v", err)
	})

	t.Run("provider error", func(t *testing.T) {
		m := resource.NewMemoryManager(map[string]string{"scripts.conf": ""})
		reg := Registration{Injection: []func(*config.Config) (inject.Provider, error){
			func(*config.Config) (inject.Provider, error) { return nil, errors.New("no credentials") },
		}}
		_, err := Deploy(testConfig(), m, static, reg)
		assert.ErrorContains(t, err, "no credentials")
	})
}

func TestCustomManifest(t *testing.T) {
	cfg := testConfig()
	cfg.Scripts.Manifest = "conf/routes.txt"
	m := resource.NewMemoryManager(map[string]string{
		"conf/routes.txt": "a.lua\n",
		"a.lua":           `router.get("/a", function(ex) return "a" end)`,
	})
	d, err := Deploy(cfg, m, static, DefaultRegistration())
	require.NoError(t, err)
	defer d.Close()

	w := httptest.NewRecorder()
	d.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/a", nil))
	assert.Equal(t, "a", w.Body.String())
}
