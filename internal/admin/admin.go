// Package admin exposes a running route engine to MCP clients over stdio.
package admin

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zot/luaroute/internal/config"
	"github.com/zot/luaroute/internal/router"
)

// Engine is the part of the route engine the admin tools drive.
type Engine interface {
	Generation() int64
	Routes() []router.Route
	Sources() []string
	Rebuild() error
	Evaluate(code string) (string, error)
}

// Server is an MCP server with the route admin tools and resources registered.
type Server struct {
	config *config.Config
	engine Engine
	mcp    *server.MCPServer
}

// New registers the tools and resources for e.
func New(cfg *config.Config, e Engine, version string) *Server {
	s := &Server{
		config: cfg,
		engine: e,
		mcp: server.NewMCPServer("luaroute", version,
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// ServeStdio serves MCP on stdin/stdout until EOF.
func (s *Server) ServeStdio() error {
	s.config.Log(0, "Starting MCP server on stdio...")
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("list_routes",
		mcp.WithDescription("List the routes of the live generation, WebSocket routes first"),
	), s.listRoutes)

	s.mcp.AddTool(mcp.NewTool("list_sources",
		mcp.WithDescription("List the script paths that are refused with 404"),
	), s.listSources)

	s.mcp.AddTool(mcp.NewTool("rebuild",
		mcp.WithDescription("Rebuild the routes from the current scripts; the live routes stay if a script fails"),
	), s.rebuild)

	s.mcp.AddTool(mcp.NewTool("evaluate",
		mcp.WithDescription("Evaluate Lua code in the live generation's interpreter and return the results"),
		mcp.WithString("code", mcp.Required(), mcp.Description("Lua expression or statements")),
	), s.evaluate)
}

func (s *Server) registerResources() {
	s.mcp.AddResource(mcp.NewResource("luaroute://routes", "Routes",
		mcp.WithResourceDescription("Routes of the live generation"),
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		data, err := json.Marshal(s.routeInfo())
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		}}, nil
	})
}

// RouteInfo describes one route for clients.
type RouteInfo struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	WebSocket bool   `json:"websocket,omitempty"`
	Guarded   bool   `json:"guarded,omitempty"`
}

type routeList struct {
	Generation int64       `json:"generation"`
	Routes     []RouteInfo `json:"routes"`
}

func (s *Server) routeInfo() routeList {
	routes := s.engine.Routes()
	out := routeList{Generation: s.engine.Generation(), Routes: make([]RouteInfo, 0, len(routes))}
	for _, r := range routes {
		out.Routes = append(out.Routes, RouteInfo{Method: r.Method, Path: r.Path, WebSocket: r.WebSocket, Guarded: r.Guarded})
	}
	return out
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) listRoutes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.routeInfo())
}

func (s *Server) listSources(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.engine.Sources())
}

func (s *Server) rebuild(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.engine.Rebuild(); err != nil {
		s.config.Error(err, "MCP rebuild failed")
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"generation": s.engine.Generation()})
}

func (s *Server) evaluate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.config.Log(2, "MCP evaluate: %s", code)
	out, err := s.engine.Evaluate(code)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(out), nil
}
