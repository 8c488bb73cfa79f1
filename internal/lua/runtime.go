// Package lua is the Lua scripting environment for route scripts.
//
// Each build generation gets its own Runtime: one *lua.LState whose every use is funneled
// through a single executor goroutine, so handlers registered by scripts can be invoked
// from any number of request goroutines.
package lua

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/luaroute/internal/config"
	"github.com/zot/luaroute/internal/script"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("lua runtime closed")

// WorkItem is a function to run on the executor.
type WorkItem struct {
	fn     func() (any, error)
	result chan WorkResult
}

// WorkResult is what the executor sends back.
type WorkResult struct {
	Value any
	Err   error
}

// Runtime evaluates route scripts into a script.Support.
type Runtime struct {
	config  *config.Config
	support *script.Support
	State   *lua.LState

	executorChan chan WorkItem
	done         chan struct{}
	closeOnce    sync.Once

	// executor-only state
	loaded   *lua.LTable
	hostMeta *lua.LTable
	aliases  map[string]string
	filters  []*filter
	current  *exchange
	script   string
}

type executorKey struct{}

// Factory is a script.Factory producing Lua runtimes.
func Factory(s *script.Support) (script.Interpreter, error) {
	return NewRuntime(s)
}

// NewRuntime creates a runtime bound to s and loads the bootstrap script.
func NewRuntime(s *script.Support) (*Runtime, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	r := &Runtime{
		config:       s.Config,
		support:      s,
		State:        L,
		executorChan: make(chan WorkItem),
		done:         make(chan struct{}),
		loaded:       L.NewTable(),
		aliases:      make(map[string]string),
	}

	// Load standard libraries
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.OsLibName, lua.OpenOs},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	r.registerRequire()
	r.registerHostModule()
	r.startExecutor()

	if err := r.Eval(bootstrapName, bootstrap); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Log logs a message via the config.
func (r *Runtime) Log(level int, format string, args ...any) {
	r.config.Log(level, format, args...)
}

// startExecutor creates the goroutine that processes work items.
// The state is closed on the executor once the runtime is closed.
func (r *Runtime) startExecutor() {
	go func() {
		defer r.State.Close()
		for {
			select {
			case <-r.done:
				return
			case work := <-r.executorChan:
				select {
				case <-r.done:
					work.result <- WorkResult{Err: ErrClosed}
					return
				default:
				}
				result, err := work.fn()
				work.result <- WorkResult{Value: result, Err: err}
			}
		}
	}()
}

// execute queues a function on the executor and blocks until complete.
func (r *Runtime) execute(fn func() (any, error)) (any, error) {
	result := make(chan WorkResult, 1)
	select {
	case r.executorChan <- WorkItem{fn: fn, result: result}:
	case <-r.done:
		return nil, ErrClosed
	}
	res := <-result
	return res.Value, res.Err
}

// serve runs fn on the executor with a request marked as executing there, so nested
// handlers invoked from Lua run directly instead of queueing behind themselves.
func (r *Runtime) serve(w http.ResponseWriter, req *http.Request, fn func(http.ResponseWriter, *http.Request)) {
	if req.Context().Value(executorKey{}) == r {
		fn(w, req)
		return
	}
	_, err := r.execute(func() (any, error) {
		fn(w, req.WithContext(context.WithValue(req.Context(), executorKey{}, r)))
		return nil, nil
	})
	if err != nil && w != nil {
		http.Error(w, "routes are being replaced", http.StatusServiceUnavailable)
	}
}

// Eval loads and runs a script.
func (r *Runtime) Eval(name, src string) error {
	_, err := r.execute(func() (any, error) {
		fn, err := r.State.Load(strings.NewReader(src), name)
		if err != nil {
			return nil, err
		}
		r.script = name
		defer func() { r.script = "" }()

		r.State.Push(fn)
		return nil, r.State.PCall(0, 0, nil)
	})
	return err
}

// Evaluate runs code and returns its results as tab-separated text. An expression is
// evaluated as if prefixed with "return".
func (r *Runtime) Evaluate(code string) (string, error) {
	out, err := r.execute(func() (any, error) {
		L := r.State
		fn, err := L.LoadString("return " + code)
		if err != nil {
			if fn, err = L.LoadString(code); err != nil {
				return nil, err
			}
		}
		base := L.GetTop()
		L.Push(fn)
		if err := L.PCall(0, lua.MultRet, nil); err != nil {
			return nil, err
		}
		n := L.GetTop() - base
		parts := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			parts = append(parts, r.format(L.Get(base+i)))
		}
		L.Pop(n)
		return strings.Join(parts, "\t"), nil
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// format renders a value for Evaluate: tables as JSON, everything else as tostring would.
func (r *Runtime) format(v lua.LValue) string {
	if tbl, ok := v.(*lua.LTable); ok {
		if s, err := encodeJSON(LuaToGo(tbl)); err == nil {
			return s
		}
	}
	return v.String()
}

// Close stops the executor and closes the state. Safe to call more than once.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
}

// call invokes fn with args and returns its first result. Executor only.
func (r *Runtime) call(fn *lua.LFunction, args ...lua.LValue) (lua.LValue, error) {
	L := r.State
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return lua.LNil, err
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

func describe(v lua.LValue) string {
	return fmt.Sprintf("%s %s", v.Type(), v.String())
}
