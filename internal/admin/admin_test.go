package admin

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/luaroute/internal/config"
	"github.com/zot/luaroute/internal/router"
)

type fakeEngine struct {
	generation int64
	rebuildErr error
}

func (f *fakeEngine) Generation() int64 { return f.generation }

func (f *fakeEngine) Routes() []router.Route {
	return []router.Route{
		{Method: "GET", Path: "/ws", WebSocket: true},
		{Method: "GET", Path: "/users/{id}", Guarded: true},
	}
}

func (f *fakeEngine) Sources() []string { return []string{"/routes.lua"} }

func (f *fakeEngine) Rebuild() error {
	if f.rebuildErr != nil {
		return f.rebuildErr
	}
	f.generation++
	return nil
}

func (f *fakeEngine) Evaluate(code string) (string, error) {
	if code == "boom" {
		return "", errors.New("attempt to call a nil value")
	}
	return "result of " + code, nil
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	switch c := res.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	}
	t.Fatalf("unexpected content %T", res.Content[0])
	return ""
}

func call(t *testing.T, fn func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) *mcp.CallToolResult {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := fn(context.Background(), req)
	require.NoError(t, err)
	return res
}

func newServer(e Engine) *Server {
	cfg := config.DefaultConfig()
	cfg.Logging.Format = "json"
	return New(cfg, e, "test")
}

func TestListRoutes(t *testing.T) {
	s := newServer(&fakeEngine{generation: 3})
	res := call(t, s.listRoutes, nil)
	assert.False(t, res.IsError)

	var got routeList
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &got))
	assert.Equal(t, int64(3), got.Generation)
	assert.Equal(t, []RouteInfo{
		{Method: "GET", Path: "/ws", WebSocket: true},
		{Method: "GET", Path: "/users/{id}", Guarded: true},
	}, got.Routes)
}

func TestListSources(t *testing.T) {
	s := newServer(&fakeEngine{})
	res := call(t, s.listSources, nil)
	assert.JSONEq(t, `["/routes.lua"]`, text(t, res))
}

func TestRebuild(t *testing.T) {
	e := &fakeEngine{generation: 1}
	s := newServer(e)

	res := call(t, s.rebuild, nil)
	assert.False(t, res.IsError)
	assert.JSONEq(t, `{"generation":2}`, text(t, res))

	e.rebuildErr = errors.New("evaluate routes.lua: syntax error")
	res = call(t, s.rebuild, nil)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "syntax error")
	assert.Equal(t, int64(2), e.generation)
}

func TestEvaluate(t *testing.T) {
	s := newServer(&fakeEngine{})

	res := call(t, s.evaluate, map[string]any{"code": "1 + 1"})
	assert.False(t, res.IsError)
	assert.Equal(t, "result of 1 + 1", text(t, res))

	res = call(t, s.evaluate, map[string]any{"code": "boom"})
	assert.True(t, res.IsError)

	res = call(t, s.evaluate, map[string]any{})
	assert.True(t, res.IsError)
}
