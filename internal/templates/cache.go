package templates

import (
	"strconv"
	"sync"

	"github.com/zot/luaroute/internal/resource"
)

// compileCache is the init/lookup/cleanup bookkeeping shared by the built-in providers.
// In debug mode nothing is cached so edits show up on the next render.
type compileCache struct {
	mu       sync.Mutex
	manager  resource.Manager
	debug    bool
	compiled map[string]Template
}

func (c *compileCache) init(props map[string]string, m resource.Manager) error {
	debug := false
	if v, ok := props["debug"]; ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		debug = b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.manager = m
	c.debug = debug
	c.compiled = make(map[string]Template)
	return nil
}

func (c *compileCache) get(name string, compile func(src string, m resource.Manager) (Template, error)) (Template, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.compiled[name]; ok {
		return t, nil
	}
	src, err := LoadTemplate(name, c.manager)
	if err != nil {
		return nil, err
	}
	t, err := compile(src, c.manager)
	if err != nil {
		return nil, err
	}
	if !c.debug && c.compiled != nil {
		c.compiled[name] = t
	}
	return t, nil
}

func (c *compileCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compiled = nil
	c.manager = nil
}
