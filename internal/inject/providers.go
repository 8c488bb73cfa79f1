package inject

import (
	"fmt"
	"os"
	"slices"
)

// ValueProvider serves a fixed map under the "value" prefix.
type ValueProvider struct {
	values map[string]string
}

func NewValueProvider(values map[string]string) *ValueProvider {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &ValueProvider{values: copied}
}

func (p *ValueProvider) Prefix() string { return "value" }

func (p *ValueProvider) Resolve(ctx *Context) (any, error) {
	v, ok := p.values[ctx.Name()]
	if !ok {
		return nil, fmt.Errorf("value %q: %w", ctx.Name(), ErrNotFound)
	}
	return v, nil
}

// EnvProvider reads environment variables under the "env" prefix. Only names in the
// allow list resolve; "*" allows every variable.
type EnvProvider struct {
	allowed []string
	lookup  func(string) (string, bool)
}

func NewEnvProvider(allowed []string) *EnvProvider {
	return &EnvProvider{allowed: slices.Clone(allowed), lookup: os.LookupEnv}
}

func (p *EnvProvider) Prefix() string { return "env" }

func (p *EnvProvider) Resolve(ctx *Context) (any, error) {
	name := ctx.Name()
	if !slices.Contains(p.allowed, "*") && !slices.Contains(p.allowed, name) {
		return nil, fmt.Errorf("environment variable %q is not exposed", name)
	}
	v, ok := p.lookup(name)
	if !ok {
		return nil, fmt.Errorf("environment variable %q: %w", name, ErrNotFound)
	}
	return v, nil
}
