package templates

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/zot/luaroute/internal/resource"
)

// GoTemplateProvider compiles text/template sources. Templates may include other
// resources with {{include "name"}}.
type GoTemplateProvider struct {
	cache compileCache
}

func NewGoTemplateProvider() *GoTemplateProvider {
	return &GoTemplateProvider{}
}

func (p *GoTemplateProvider) Name() string { return "gotemplate" }

func (p *GoTemplateProvider) Init(props map[string]string, m resource.Manager) error {
	return p.cache.init(props, m)
}

func (p *GoTemplateProvider) Template(name string) (Template, error) {
	return p.cache.get(name, func(src string, m resource.Manager) (Template, error) {
		t, err := template.New(name).Funcs(template.FuncMap{
			"include": func(other string) (string, error) { return LoadTemplate(other, m) },
		}).Option("missingkey=zero").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		return goTemplate{t}, nil
	})
}

func (p *GoTemplateProvider) Cleanup() {
	p.cache.cleanup()
}

type goTemplate struct {
	t *template.Template
}

func (g goTemplate) Apply(data any) (string, error) {
	var sb strings.Builder
	if err := g.t.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}
