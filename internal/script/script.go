// Package script defines what the route engine hands to a scripting environment and
// what it expects back.
package script

import (
	"context"
	"net/http"

	"github.com/zot/luaroute/internal/config"
	"github.com/zot/luaroute/internal/inject"
	"github.com/zot/luaroute/internal/introspect"
	"github.com/zot/luaroute/internal/resource"
	"github.com/zot/luaroute/internal/router"
	"github.com/zot/luaroute/internal/templates"
)

// Wrapper decorates every handler a script registers.
type Wrapper func(http.Handler) http.Handler

// Support is everything one build generation exposes to its scripts.
type Support struct {
	Routes       *router.Table // HTTP table, falls back to the request's next handler
	Sockets      *router.Table // WebSocket table, falls back to Routes
	Injection    *inject.Registry
	Templates    *templates.Registry
	Introspector *introspect.Cache
	Resources    resource.Manager
	Wrappers     []Wrapper
	Scope        *inject.Scope // discarded when the generation is retired
	Config       *config.Config

	// Track records a resource evaluated as script source outside the declared sets,
	// such as a required module. Tracked resources are refused as request paths and
	// checked for changes like declared scripts. It may be nil.
	Track func(res resource.Resource)
}

// Wrap applies the host wrappers to h. The first wrapper is outermost.
func (s *Support) Wrap(h http.Handler) http.Handler {
	for i := len(s.Wrappers) - 1; i >= 0; i-- {
		h = s.Wrappers[i](h)
	}
	return h
}

// Interpreter evaluates scripts into a Support. Implementations serialize their own
// execution; every method is safe to call from any goroutine.
type Interpreter interface {
	// Eval runs a script. name labels diagnostics.
	Eval(name, src string) error
	// Evaluate runs code and returns its results rendered as text.
	Evaluate(code string) (string, error)
	// Close releases the interpreter. Handlers it registered must not be called afterwards.
	Close()
}

// Factory creates an interpreter bound to s, with the bootstrap already loaded.
type Factory func(s *Support) (Interpreter, error)

type scopeKey struct{}

// WithScope attaches the request scope that request-time injections discard into.
func WithScope(r *http.Request, scope *inject.Scope) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), scopeKey{}, scope))
}

// RequestScope returns the scope attached by WithScope, or nil.
func RequestScope(r *http.Request) *inject.Scope {
	scope, _ := r.Context().Value(scopeKey{}).(*inject.Scope)
	return scope
}
