// Package engine compiles route scripts into a dispatch table and keeps it current.
//
// A build evaluates every declared script into a fresh interpreter and publishes the
// resulting route tables, modification-time snapshot and reject set as one generation.
// Requests always dispatch against a single generation; a failed build leaves the
// previous one serving.
package engine

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/zot/luaroute/internal/config"
	"github.com/zot/luaroute/internal/inject"
	"github.com/zot/luaroute/internal/introspect"
	"github.com/zot/luaroute/internal/lua"
	"github.com/zot/luaroute/internal/resource"
	"github.com/zot/luaroute/internal/router"
	"github.com/zot/luaroute/internal/script"
	"github.com/zot/luaroute/internal/templates"
)

// HotReloadInterval is the minimum time between staleness checks.
const HotReloadInterval = 500 * time.Millisecond

// Clock returns the current time.
type Clock func() time.Time

// Builder collects the configuration of an Engine.
type Builder struct {
	sets          []*resource.Set
	hotReload     bool
	injection     []inject.Provider
	templates     []templates.Factory
	templateProps map[string]string
	resources     resource.Manager
	wrappers      []script.Wrapper
	factory       script.Factory
	config        *config.Config
	clock         Clock
}

// NewBuilder returns a builder with hot reload enabled and the Lua interpreter.
func NewBuilder() *Builder {
	return &Builder{
		hotReload:     true,
		templateProps: map[string]string{},
		factory:       lua.Factory,
		clock:         time.Now,
	}
}

// AddResourceSet declares a set of scripts. Names added to the set later are picked up
// by the next build.
func (b *Builder) AddResourceSet(s *resource.Set) *Builder {
	b.sets = append(b.sets, s)
	return b
}

// AddResources declares scripts served by m.
func (b *Builder) AddResources(m resource.Manager, names ...string) *Builder {
	return b.AddResourceSet(resource.NewSet(m).Add(names...))
}

func (b *Builder) SetHotReload(enabled bool) *Builder {
	b.hotReload = enabled
	return b
}

func (b *Builder) AddInjectionProvider(p inject.Provider) *Builder {
	b.injection = append(b.injection, p)
	return b
}

// AddTemplateProvider registers a template provider. f is called once per build.
func (b *Builder) AddTemplateProvider(f templates.Factory) *Builder {
	b.templates = append(b.templates, f)
	return b
}

// SetTemplateProperties replaces the properties passed to template providers.
func (b *Builder) SetTemplateProperties(props map[string]string) *Builder {
	b.templateProps = maps.Clone(props)
	return b
}

// SetResourceManager sets the manager templates and require() read from. It defaults to
// the manager of the first resource set.
func (b *Builder) SetResourceManager(m resource.Manager) *Builder {
	b.resources = m
	return b
}

// AddHandlerWrapper decorates every script handler. The first wrapper added is outermost.
func (b *Builder) AddHandlerWrapper(w script.Wrapper) *Builder {
	b.wrappers = append(b.wrappers, w)
	return b
}

func (b *Builder) SetInterpreter(f script.Factory) *Builder {
	b.factory = f
	return b
}

func (b *Builder) SetConfig(cfg *config.Config) *Builder {
	b.config = cfg
	return b
}

// SetClock replaces time.Now for hot reload checks.
func (b *Builder) SetClock(c Clock) *Builder {
	b.clock = c
	return b
}

// Build validates the configuration and returns an unstarted engine.
func (b *Builder) Build() (*Engine, error) {
	if b.factory == nil {
		return nil, errors.New("no interpreter")
	}
	injection := inject.NewRegistry()
	for _, p := range b.injection {
		if err := injection.Register(p); err != nil {
			return nil, err
		}
	}
	names := make(map[string]bool)
	for _, f := range b.templates {
		name := f().Name()
		if names[name] {
			return nil, fmt.Errorf("template provider %q already registered", name)
		}
		names[name] = true
	}

	resources := b.resources
	if resources == nil && len(b.sets) > 0 {
		resources = b.sets[0].Manager()
	}
	cfg := b.config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	return &Engine{
		config:        cfg,
		sets:          append([]*resource.Set(nil), b.sets...),
		hotReload:     b.hotReload,
		injection:     injection,
		closers:       closers(b.injection),
		templates:     slices.Clone(b.templates),
		templateProps: maps.Clone(b.templateProps),
		resources:     resources,
		wrappers:      append([]script.Wrapper(nil), b.wrappers...),
		factory:       b.factory,
		clock:         b.clock,
		introspector:  introspect.New(),
		failLog:       rate.Sometimes{Interval: 10 * time.Second},
	}, nil
}

func closers(providers []inject.Provider) []io.Closer {
	var out []io.Closer
	for _, p := range providers {
		if c, ok := p.(io.Closer); ok {
			out = append(out, c)
		}
	}
	return out
}

// Engine dispatches requests through the current generation of script routes.
type Engine struct {
	config        *config.Config
	sets          []*resource.Set
	hotReload     bool
	injection     *inject.Registry
	closers       []io.Closer
	templates     []templates.Factory
	templateProps map[string]string
	resources     resource.Manager
	wrappers      []script.Wrapper
	factory       script.Factory
	clock         Clock
	introspector  *introspect.Cache

	current    atomic.Pointer[generation]
	checkpoint atomic.Int64 // Unix ms of the last staleness check

	buildMu sync.Mutex // serializes builds and provider lifecycle
	seq     int64
	started bool
	stopped bool
	watcher *Watcher

	// Injection providers outlive every generation that may still use them.
	lifeMu   sync.Mutex
	open     int // published generations not yet closed
	draining bool
	released bool

	failLog rate.Sometimes
}

// Start runs the first build. Any error is fatal to the engine.
func (e *Engine) Start() error {
	e.buildMu.Lock()
	defer e.buildMu.Unlock()

	if e.started || e.stopped {
		return errors.New("engine already started")
	}
	if err := e.build(true); err != nil {
		return err
	}
	e.started = true
	e.checkpoint.Store(e.clock().UnixMilli())

	if e.hotReload && e.config.Scripts.Watch {
		w, err := NewWatcher(e)
		if err != nil {
			e.config.Warn("file watching disabled: %v", err)
		} else if err := w.Start(); err != nil {
			w.Stop()
			e.config.Warn("file watching disabled: %v", err)
		} else {
			e.watcher = w
		}
	}
	e.config.Log(0, "routes ready: generation %d", e.seq)
	return nil
}

// Stop retires the live generation. In-flight requests finish against the retired
// generation; its templates are cleaned up when it closes, and the injection providers
// are released once no generation is left open. Stopping an engine whose Start failed
// only releases providers.
func (e *Engine) Stop() error {
	e.buildMu.Lock()
	defer e.buildMu.Unlock()

	if e.stopped {
		return nil
	}
	e.stopped = true
	if e.watcher != nil {
		e.watcher.Stop()
		e.watcher = nil
	}
	if g := e.current.Swap(nil); g != nil {
		g.retire()
	}

	e.lifeMu.Lock()
	e.draining = true
	release := e.open == 0 && !e.released
	if release {
		e.released = true
	}
	open := e.open
	e.lifeMu.Unlock()

	e.config.Log(0, "routes stopped")
	if !release {
		e.config.Log(1, "releasing providers after %d open generations close", open)
		return nil
	}
	return e.closeProviders()
}

func (e *Engine) closeProviders() error {
	var errs []error
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Rebuild builds a new generation now, whether or not anything changed.
func (e *Engine) Rebuild() error {
	e.buildMu.Lock()
	defer e.buildMu.Unlock()

	if !e.started || e.stopped {
		return ErrNotRunning
	}
	if err := e.build(false); err != nil {
		return err
	}
	e.checkpoint.Store(e.clock().UnixMilli())
	return nil
}

// Nudge makes the next request check for changes without waiting for the interval.
func (e *Engine) Nudge() {
	e.checkpoint.Store(0)
}

// Generation returns the sequence number of the live generation, or 0.
func (e *Engine) Generation() int64 {
	if g := e.current.Load(); g != nil {
		return g.seq
	}
	return 0
}

// Routes lists the live generation's routes, WebSocket entries first.
func (e *Engine) Routes() []router.Route {
	g := e.acquire()
	if g == nil {
		return nil
	}
	defer g.release()
	return g.routeList()
}

// Sources returns the request paths answered with 404 because they name scripts or
// modules the scripts required.
func (e *Engine) Sources() []string {
	g := e.acquire()
	if g == nil {
		return nil
	}
	defer g.release()
	out := make([]string, 0, len(g.reject))
	for p := range g.reject {
		out = append(out, p)
	}
	for p := range g.modules.list() {
		out = append(out, p)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Evaluate runs code in the live generation's interpreter.
func (e *Engine) Evaluate(code string) (string, error) {
	g := e.acquire()
	if g == nil {
		return "", ErrNotRunning
	}
	defer g.release()
	return g.interp.Evaluate(code)
}

// acquire returns the live generation with a reference held, or nil.
func (e *Engine) acquire() *generation {
	for {
		g := e.current.Load()
		if g == nil {
			return nil
		}
		if g.acquire() {
			return g
		}
		// Retired and closed between the load and the acquire.
		if e.current.Load() == g {
			return nil
		}
	}
}

func (e *Engine) String() string {
	return fmt.Sprintf("engine(generation %d, %d sets)", e.Generation(), len(e.sets))
}
