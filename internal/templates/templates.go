// Package templates manages named template providers and their per-build lifecycle.
package templates

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zot/luaroute/internal/resource"
)

// ErrTemplateNotFound is returned when a template name does not resolve to a resource,
// or the provider name is unknown.
var ErrTemplateNotFound = errors.New("template not found")

// ProviderInitError reports a provider that failed to initialize during a build.
type ProviderInitError struct {
	Provider string
	Err      error
}

func (e *ProviderInitError) Error() string {
	return fmt.Sprintf("template provider %s: init: %v", e.Provider, e.Err)
}

func (e *ProviderInitError) Unwrap() error {
	return e.Err
}

// Template renders structured data to text. Apply has no side effects.
type Template interface {
	Apply(data any) (string, error)
}

// Provider compiles templates. Init is called before every build and must drop
// anything cached from the previous one.
type Provider interface {
	Name() string
	Init(props map[string]string, m resource.Manager) error
	Template(name string) (Template, error)
	Cleanup()
}

// Factory creates a provider. Every build gets providers of its own.
type Factory func() Provider

// Registry holds providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry holding providers. Duplicate names panic.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds p.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.Name()]; exists {
		return fmt.Errorf("template provider %q already registered", p.Name())
	}
	r.providers[p.Name()] = p
	return nil
}

// Names returns the provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Init (re)initializes every provider. The first failure is returned as a *ProviderInitError.
func (r *Registry) Init(props map[string]string, m resource.Manager) error {
	for _, name := range r.Names() {
		p := r.provider(name)
		if err := p.Init(props, m); err != nil {
			return &ProviderInitError{Provider: name, Err: err}
		}
	}
	return nil
}

// Get returns the named template from the named provider.
func (r *Registry) Get(provider, name string) (Template, error) {
	p := r.provider(provider)
	if p == nil {
		return nil, fmt.Errorf("%w: no provider %q", ErrTemplateNotFound, provider)
	}
	return p.Template(name)
}

// Cleanup releases every provider.
func (r *Registry) Cleanup() {
	for _, name := range r.Names() {
		r.provider(name).Cleanup()
	}
}

func (r *Registry) provider(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// LoadTemplate reads the named template through m.
func LoadTemplate(name string, m resource.Manager) (string, error) {
	if m == nil {
		return "", fmt.Errorf("%w: %s (no resource manager)", ErrTemplateNotFound, name)
	}
	res, err := m.Get(name)
	if err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
		}
		return "", err
	}
	data, err := resource.ReadAll(res)
	if err != nil {
		return "", fmt.Errorf("read template %s: %w", name, err)
	}
	return string(data), nil
}
