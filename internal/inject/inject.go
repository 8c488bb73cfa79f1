// Package inject resolves "prefix:name" keys to values through registered providers.
package inject

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnknownProvider is returned when a key has no prefix or no provider owns the prefix.
	ErrUnknownProvider = errors.New("unknown injection provider")
	// ErrResolutionFailed marks every error produced by a provider.
	ErrResolutionFailed = errors.New("injection resolution failed")
	// ErrNotFound is what providers return when the name is not known to them.
	ErrNotFound = errors.New("not found")
)

// ResolutionError reports a provider failure for one key.
type ResolutionError struct {
	Key string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Key, e.Err)
}

func (e *ResolutionError) Unwrap() []error {
	return []error{ErrResolutionFailed, e.Err}
}

// Provider resolves names within one prefix.
type Provider interface {
	Prefix() string
	Resolve(ctx *Context) (any, error)
}

// Context is handed to a provider for a single resolution.
type Context struct {
	name  string
	scope *Scope
}

// Name is the key with the prefix removed.
func (c *Context) Name() string {
	return c.name
}

// WhenDiscarded registers fn to run when the requesting scope ends.
func (c *Context) WhenDiscarded(fn func()) {
	c.scope.Add(fn)
}

// Registry maps prefixes to providers. It is filled at startup and read-only afterwards.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry holding providers. Duplicate prefixes panic.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds p. A prefix may only be registered once.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := p.Prefix()
	if prefix == "" || strings.Contains(prefix, ":") {
		return fmt.Errorf("invalid injection prefix %q", prefix)
	}
	if _, exists := r.providers[prefix]; exists {
		return fmt.Errorf("injection prefix %q already registered", prefix)
	}
	r.providers[prefix] = p
	return nil
}

// Prefixes returns the registered prefixes in sorted order.
func (r *Registry) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prefixes := make([]string, 0, len(r.providers))
	for p := range r.providers {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	return prefixes
}

// Providers returns the registered providers ordered by prefix.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix() < out[j].Prefix() })
	return out
}

// Resolve looks up key ("prefix:name") and hands it to the owning provider.
// Discard callbacks registered by the provider attach to scope; with a nil scope they
// run as soon as Resolve returns.
func (r *Registry) Resolve(scope *Scope, key string) (any, error) {
	prefix, name, ok := strings.Cut(key, ":")
	if !ok {
		return nil, fmt.Errorf("%w: %q has no prefix", ErrUnknownProvider, key)
	}

	r.mu.RLock()
	p, found := r.providers[prefix]
	r.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, prefix)
	}

	if scope == nil {
		scope = NewScope()
		defer scope.Close()
	}
	value, err := p.Resolve(&Context{name: name, scope: scope})
	if err != nil {
		return nil, &ResolutionError{Key: key, Err: err}
	}
	return value, nil
}
