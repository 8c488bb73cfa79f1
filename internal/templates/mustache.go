package templates

import (
	"errors"
	"fmt"
	"path"

	"github.com/cbroglie/mustache"

	"github.com/zot/luaroute/internal/resource"
)

// MustacheProvider compiles mustache templates. Partials ({{> name}}) are read from
// the same resource manager, trying "name" and then "name.mustache".
type MustacheProvider struct {
	cache compileCache
}

func NewMustacheProvider() *MustacheProvider {
	return &MustacheProvider{}
}

func (p *MustacheProvider) Name() string { return "mustache" }

func (p *MustacheProvider) Init(props map[string]string, m resource.Manager) error {
	return p.cache.init(props, m)
}

func (p *MustacheProvider) Template(name string) (Template, error) {
	return p.cache.get(name, func(src string, m resource.Manager) (Template, error) {
		t, err := mustache.ParseStringPartials(src, partials{m})
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		return mustacheTemplate{t}, nil
	})
}

func (p *MustacheProvider) Cleanup() {
	p.cache.cleanup()
}

type mustacheTemplate struct {
	t *mustache.Template
}

func (m mustacheTemplate) Apply(data any) (string, error) {
	return m.t.Render(data)
}

type partials struct {
	m resource.Manager
}

func (p partials) Get(name string) (string, error) {
	src, err := LoadTemplate(name, p.m)
	if errors.Is(err, ErrTemplateNotFound) && path.Ext(name) == "" {
		return LoadTemplate(name+".mustache", p.m)
	}
	return src, err
}
