package engine

import (
	"net/http"
	"path"

	"github.com/zot/luaroute/internal/inject"
	"github.com/zot/luaroute/internal/router"
	"github.com/zot/luaroute/internal/script"
)

// Handler returns an http.Handler dispatching through the engine, falling back to next.
func (e *Engine) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.Handle(w, r, next)
	})
}

// Wrapper returns the engine as middleware.
func (e *Engine) Wrapper() func(http.Handler) http.Handler {
	return e.Handler
}

// Handle dispatches one request: check for changes, refuse script sources, then try the
// WebSocket table, the HTTP table and finally next.
func (e *Engine) Handle(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if e.hotReload {
		e.checkForChanges()
	}

	g := e.acquire()
	if g == nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	defer g.release()

	if g.rejects(path.Clean("/" + r.URL.Path)) {
		e.config.Log(3, "refusing script source %s", r.URL.Path)
		http.NotFound(w, r)
		return
	}

	scope := inject.NewScope()
	defer func() {
		if err := scope.Close(); err != nil {
			e.config.Error(err, "%s %s: discard callbacks failed", r.Method, r.URL.Path)
		}
	}()

	if next == nil {
		next = http.NotFoundHandler()
	}
	r = router.WithNext(script.WithScope(r, scope), next)
	g.entry.ServeHTTP(w, r)
}

// checkForChanges rebuilds when the interval has passed and a tracked script changed.
// Only the request that advances the checkpoint checks; the rest dispatch at once.
func (e *Engine) checkForChanges() {
	now := e.clock().UnixMilli()
	last := e.checkpoint.Load()
	if now-last < HotReloadInterval.Milliseconds() {
		return
	}
	if !e.checkpoint.CompareAndSwap(last, now) {
		return
	}

	e.buildMu.Lock()
	defer e.buildMu.Unlock()

	if e.stopped {
		return
	}
	g := e.current.Load()
	if g == nil || !e.stale(g) {
		return
	}
	if err := e.build(false); err != nil {
		e.failLog.Do(func() {
			e.config.Error(err, "hot reload failed, generation %d keeps serving", g.seq)
		})
		return
	}
	// The build may have been slow; measure the next interval from its end.
	e.checkpoint.Store(e.clock().UnixMilli())
}
