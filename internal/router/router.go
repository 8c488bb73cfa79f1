// Package router matches requests against (method, path template) tables.
//
// Templates are slash separated. A segment written {name} binds one path segment to the
// parameter name; a final "*" binds the remaining path to the parameter "*". When several
// entries match, literal segments beat parameters and parameters beat the wildcard;
// entries of equal specificity are tried in registration order. The first entry whose
// predicate accepts the request handles it, and a request nothing accepts goes to the
// table's fallback.
package router

import (
	"net/http"
	"sort"
	"strings"
	"sync"
)

// AnyMethod registers an entry for every method.
const AnyMethod = "*"

// Predicate decides whether an otherwise matching entry accepts the request.
type Predicate func(r *http.Request) bool

// Route describes one registered entry.
type Route struct {
	Method    string
	Path      string
	WebSocket bool
	Guarded   bool // has a predicate
}

type segment struct {
	literal string
	param   string // set for {name} segments
}

type entry struct {
	route     Route
	segments  []segment
	wildcard  bool
	predicate Predicate
	handler   http.Handler
	order     int
}

// specificity orders candidate matches; higher wins.
func (e *entry) specificity() (literals, params int) {
	for _, s := range e.segments {
		if s.param == "" {
			literals++
		} else {
			params++
		}
	}
	return
}

// Table is a route table with a fallback handler. Registration normally completes before
// the table serves requests, but both are safe to do concurrently.
type Table struct {
	mu          sync.RWMutex
	entries     map[string][]*entry
	fallback    http.Handler
	upgradeOnly bool
	count       int
}

// New creates an HTTP table. Requests no entry accepts go to fallback.
func New(fallback http.Handler) *Table {
	if fallback == nil {
		fallback = http.NotFoundHandler()
	}
	return &Table{entries: make(map[string][]*entry), fallback: fallback}
}

// Handle registers h for method and path template.
func (t *Table) Handle(method, pattern string, pred Predicate, h http.Handler) {
	t.add(strings.ToUpper(method), pattern, pred, h)
}

// HandleFunc registers a handler function.
func (t *Table) HandleFunc(method, pattern string, pred Predicate, fn http.HandlerFunc) {
	t.Handle(method, pattern, pred, fn)
}

func (t *Table) add(method, pattern string, pred Predicate, h http.Handler) {
	pattern = normalizePath(pattern)
	e := &entry{
		route: Route{
			Method:    method,
			Path:      pattern,
			WebSocket: t.upgradeOnly,
			Guarded:   pred != nil,
		},
		predicate: pred,
		handler:   h,
	}
	e.segments, e.wildcard = parsePattern(pattern)

	t.mu.Lock()
	defer t.mu.Unlock()
	e.order = t.count
	t.count++
	t.entries[method] = append(t.entries[method], e)
}

// Fallback returns the handler used when nothing matches.
func (t *Table) Fallback() http.Handler {
	return t.fallback
}

// Routes lists the registered entries sorted by path then method.
func (t *Table) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	routes := make([]Route, 0, t.count)
	for _, list := range t.entries {
		for _, e := range list {
			routes = append(routes, e.route)
		}
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return routes[i].Method < routes[j].Method
	})
	return routes
}

// Len reports the number of registered entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

func (t *Table) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.upgradeOnly && !IsUpgrade(r) {
		t.fallback.ServeHTTP(w, r)
		return
	}
	e, params := t.match(r)
	if e == nil {
		t.fallback.ServeHTTP(w, r)
		return
	}
	e.handler.ServeHTTP(w, withParams(r, params))
}

type candidate struct {
	e      *entry
	params map[string]string
}

// match returns the most specific entry that accepts r.
func (t *Table) match(r *http.Request) (*entry, map[string]string) {
	parts := splitPath(normalizePath(r.URL.Path))

	t.mu.RLock()
	var found []candidate
	collect := func(method string) {
		for _, e := range t.entries[method] {
			if params, ok := e.matches(parts); ok {
				found = append(found, candidate{e, params})
			}
		}
	}
	collect(r.Method)
	collect(AnyMethod)
	if len(found) == 0 && r.Method == http.MethodHead {
		collect(http.MethodGet)
	}
	t.mu.RUnlock()

	sort.SliceStable(found, func(i, j int) bool {
		a, b := found[i].e, found[j].e
		if a.wildcard != b.wildcard {
			return !a.wildcard
		}
		al, ap := a.specificity()
		bl, bp := b.specificity()
		if al != bl {
			return al > bl
		}
		if ap != bp {
			return ap > bp
		}
		return a.order < b.order
	})
	for _, c := range found {
		if c.e.predicate == nil || c.e.predicate(withParams(r, c.params)) {
			return c.e, c.params
		}
	}
	return nil, nil
}

func (e *entry) matches(parts []string) (map[string]string, bool) {
	if len(parts) < len(e.segments) || (!e.wildcard && len(parts) != len(e.segments)) {
		return nil, false
	}
	var params map[string]string
	for i, s := range e.segments {
		if s.param == "" {
			if s.literal != parts[i] {
				return nil, false
			}
			continue
		}
		if parts[i] == "" {
			return nil, false
		}
		if params == nil {
			params = make(map[string]string)
		}
		params[s.param] = parts[i]
	}
	if e.wildcard {
		if params == nil {
			params = make(map[string]string)
		}
		params["*"] = strings.Join(parts[len(e.segments):], "/")
	}
	return params, true
}

func parsePattern(pattern string) ([]segment, bool) {
	parts := splitPath(pattern)
	wildcard := false
	if n := len(parts); n > 0 && parts[n-1] == "*" {
		wildcard = true
		parts = parts[:n-1]
	}
	segments := make([]segment, len(parts))
	for i, p := range parts {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") && len(p) > 2 {
			segments[i] = segment{param: p[1 : len(p)-1]}
		} else {
			segments[i] = segment{literal: p}
		}
	}
	return segments, wildcard
}

func splitPath(path string) []string {
	if path == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(path, "/"), "/")
}

// normalizePath ensures path has leading slash and no trailing slash.
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if path != "/" && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}
