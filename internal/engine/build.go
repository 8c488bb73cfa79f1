package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/zot/luaroute/internal/inject"
	"github.com/zot/luaroute/internal/resource"
	"github.com/zot/luaroute/internal/router"
	"github.com/zot/luaroute/internal/script"
	"github.com/zot/luaroute/internal/templates"
)

// build evaluates every declared script into a new generation and publishes it.
// On any error nothing is published. Caller holds buildMu.
func (e *Engine) build(initial bool) error {
	start := time.Now()

	// Templates must be ready before scripts load, since scripts may render at load time.
	tmpl, err := e.newTemplates()
	if err != nil {
		return err
	}
	if err := tmpl.Init(e.templateProps, e.resources); err != nil {
		tmpl.Cleanup()
		return err
	}

	routes := router.New(router.NextHandler)
	sockets := router.NewWebSocket(routes)
	scope := inject.NewScope()
	modules := newModuleSet()
	support := &script.Support{
		Routes:       routes,
		Sockets:      sockets,
		Injection:    e.injection,
		Templates:    tmpl,
		Introspector: e.introspector,
		Resources:    e.resources,
		Wrappers:     e.wrappers,
		Scope:        scope,
		Config:       e.config,
		Track:        modules.track,
	}

	interp, err := e.factory(support)
	if err != nil {
		tmpl.Cleanup()
		scope.Close()
		return &ScriptError{Resource: "bootstrap", Err: err}
	}

	g := &generation{
		seq:       e.seq + 1,
		entry:     sockets,
		routes:    routes,
		snapshot:  make(map[snapshotKey]time.Time),
		reject:    make(map[string]struct{}),
		modules:   modules,
		interp:    interp,
		templates: tmpl,
		scope:     scope,
		onClose:   e.closed,
	}
	if err := e.evaluate(g, initial); err != nil {
		interp.Close()
		tmpl.Cleanup()
		scope.Close()
		return err
	}

	e.seq = g.seq
	e.lifeMu.Lock()
	e.open++
	e.lifeMu.Unlock()
	old := e.current.Swap(g)
	if old != nil {
		old.retire()
	}
	e.config.Log(1, "generation %d: %d routes from %d scripts in %s",
		g.seq, routes.Len()+sockets.Len(), len(g.snapshot), time.Since(start).Round(time.Millisecond))
	return nil
}

// newTemplates creates this build's template providers.
func (e *Engine) newTemplates() (*templates.Registry, error) {
	r := templates.NewRegistry()
	for _, f := range e.templates {
		if err := r.Register(f()); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// evaluate runs every declared script into g, recording the snapshot and reject set.
func (e *Engine) evaluate(g *generation, initial bool) error {
	declared := make(map[string]int)
	for i, set := range e.sets {
		for _, name := range set.Names() {
			path := resource.Normalize(name)
			if prev, dup := declared[path]; dup {
				return fmt.Errorf("%w: %s (sets %d and %d)", ErrDuplicateResource, path, prev, i)
			}
			declared[path] = i
		}
	}

	for i, set := range e.sets {
		m := set.Manager()
		for _, name := range set.Names() {
			g.reject[resource.Normalize(name)] = struct{}{}
			key := snapshotKey{set: i, name: name}

			res, err := m.Get(name)
			if err != nil {
				if !errors.Is(err, resource.ErrNotFound) {
					return fmt.Errorf("load %s: %w", name, err)
				}
				if initial {
					return fmt.Errorf("%w: %s", ErrResourceNotFound, name)
				}
				e.config.Warn("script %s not found, skipping", name)
				g.snapshot[key] = time.Time{}
				continue
			}

			// Stamp before reading so a write during the read is seen by the next check.
			g.snapshot[key] = res.LastModified()
			src, err := resource.ReadAll(res)
			if err != nil {
				return fmt.Errorf("read %s: %w", name, err)
			}
			e.config.Log(2, "evaluating %s", res.Path())
			if err := g.interp.Eval(name, string(src)); err != nil {
				return &ScriptError{Resource: name, Err: err}
			}
		}
	}
	return nil
}

// stale reports whether any tracked script changed since g was built.
func (e *Engine) stale(g *generation) bool {
	for key, stamp := range g.snapshot {
		if key.set >= len(e.sets) {
			return true
		}
		var current time.Time
		if res, err := e.sets[key.set].Manager().Get(key.name); err == nil {
			current = res.LastModified()
		}
		if !current.Equal(stamp) {
			e.config.Log(1, "script %s changed", key.name)
			return true
		}
	}
	if e.resources != nil {
		for _, m := range g.modules.list() {
			var current time.Time
			if res, err := e.resources.Get(m.name); err == nil {
				current = res.LastModified()
			}
			if !current.Equal(m.modified) {
				e.config.Log(1, "module %s changed", m.name)
				return true
			}
		}
	}
	// Names added to a set since the build are changes too.
	n := 0
	for _, set := range e.sets {
		n += len(set.Names())
	}
	return n != len(g.snapshot)
}

// closed runs when a retired generation releases its last reference. After Stop, the
// last generation to close releases the injection providers.
func (e *Engine) closed(g *generation, err error) {
	if err != nil {
		e.config.Error(err, "generation %d: discard callbacks failed", g.seq)
	}
	e.config.Log(2, "generation %d closed", g.seq)

	e.lifeMu.Lock()
	e.open--
	release := e.draining && e.open == 0 && !e.released
	if release {
		e.released = true
	}
	e.lifeMu.Unlock()
	if release {
		if err := e.closeProviders(); err != nil {
			e.config.Error(err, "closing injection providers")
		}
	}
}
