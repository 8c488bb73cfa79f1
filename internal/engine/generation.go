package engine

import (
	"maps"
	"sync"
	"time"

	"github.com/zot/luaroute/internal/inject"
	"github.com/zot/luaroute/internal/resource"
	"github.com/zot/luaroute/internal/router"
	"github.com/zot/luaroute/internal/script"
	"github.com/zot/luaroute/internal/templates"
)

type snapshotKey struct {
	set  int
	name string
}

// generation is the product of one successful build. Its tables, snapshot and reject
// set never change after publication. Modules may still be required at request time,
// so they are tracked separately.
type generation struct {
	seq       int64
	entry     *router.Table // WebSocket table; falls back to routes
	routes    *router.Table
	snapshot  map[snapshotKey]time.Time
	reject    map[string]struct{}
	modules   *moduleSet
	interp    script.Interpreter
	templates *templates.Registry
	scope     *inject.Scope
	onClose   func(*generation, error) // discard failures, if any

	mu      sync.Mutex
	refs    int
	retired bool
	closed  bool
}

// acquire takes a reference. It fails once the generation has been closed.
func (g *generation) acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.refs++
	return true
}

func (g *generation) release() {
	g.mu.Lock()
	g.refs--
	done := g.retired && g.refs == 0 && !g.closed
	if done {
		g.closed = true
	}
	g.mu.Unlock()
	if done {
		g.close()
	}
}

// retire marks the generation replaced. It closes when the last reference is released.
func (g *generation) retire() {
	g.mu.Lock()
	g.retired = true
	done := g.refs == 0 && !g.closed
	if done {
		g.closed = true
	}
	g.mu.Unlock()
	if done {
		g.close()
	}
}

func (g *generation) close() {
	g.interp.Close()
	g.templates.Cleanup()
	err := g.scope.Close()
	if g.onClose != nil {
		g.onClose(g, err)
	}
}

func (g *generation) rejects(path string) bool {
	if _, ok := g.reject[path]; ok {
		return true
	}
	return g.modules.has(path)
}

// moduleStamp is a required module's name and modification time when it was loaded.
type moduleStamp struct {
	name     string
	modified time.Time
}

// moduleSet records the resources scripts loaded through require, by request path.
type moduleSet struct {
	mu     sync.RWMutex
	stamps map[string]moduleStamp
}

func newModuleSet() *moduleSet {
	return &moduleSet{stamps: make(map[string]moduleStamp)}
}

// track records res. The first load of a path wins; later loads come from the cache.
func (s *moduleSet) track(res resource.Resource) {
	path := resource.Normalize(res.Name())
	stamp := moduleStamp{name: res.Name(), modified: res.LastModified()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stamps[path]; !ok {
		s.stamps[path] = stamp
	}
}

func (s *moduleSet) has(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stamps[path]
	return ok
}

// list returns a copy of the recorded modules keyed by request path.
func (s *moduleSet) list() map[string]moduleStamp {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.stamps)
}

func (g *generation) routeList() []router.Route {
	return append(g.entry.Routes(), g.routes.Routes()...)
}
