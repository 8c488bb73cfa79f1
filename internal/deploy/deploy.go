// Package deploy starts a route engine from a script manifest and splices it in front of
// a host handler.
package deploy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zot/luaroute/internal/config"
	"github.com/zot/luaroute/internal/engine"
	"github.com/zot/luaroute/internal/inject"
	"github.com/zot/luaroute/internal/resource"
	"github.com/zot/luaroute/internal/templates"
)

// ManifestPath is the manifest resource read when the configuration names none.
const ManifestPath = "scripts.conf"

// ErrNoManifest is returned when the manifest resource does not exist.
var ErrNoManifest = errors.New("no script manifest")

// ParseManifest reads one script path per line. A # starts a comment; blank lines are
// ignored.
func ParseManifest(r io.Reader) ([]string, error) {
	var names []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return names, nil
}

// ReadManifest loads and parses the configured manifest from m.
func ReadManifest(cfg *config.Config, m resource.Manager) ([]string, error) {
	name := cfg.Scripts.Manifest
	if name == "" {
		name = ManifestPath
	}
	res, err := m.Get(name)
	if err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoManifest, name)
		}
		return nil, err
	}
	rc, err := res.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ParseManifest(rc)
}

// Registration lists the providers a deployment installs. Providers are constructed
// explicitly; nothing is discovered.
type Registration struct {
	Injection []func(*config.Config) (inject.Provider, error)
	Templates []func(*config.Config) templates.Provider
}

// DefaultRegistration installs the value, env and db injection providers and the
// gotemplate and mustache template providers.
func DefaultRegistration() Registration {
	return Registration{
		Injection: []func(*config.Config) (inject.Provider, error){
			func(cfg *config.Config) (inject.Provider, error) {
				return inject.NewValueProvider(cfg.Injection.Values), nil
			},
			func(cfg *config.Config) (inject.Provider, error) {
				return inject.NewEnvProvider(cfg.Injection.Env), nil
			},
			func(cfg *config.Config) (inject.Provider, error) {
				return inject.NewDBProvider(cfg.Databases), nil
			},
		},
		Templates: []func(*config.Config) templates.Provider{
			func(*config.Config) templates.Provider { return templates.NewGoTemplateProvider() },
			func(*config.Config) templates.Provider { return templates.NewMustacheProvider() },
		},
	}
}

// Deployment is a started engine and the handler chain it heads.
type Deployment struct {
	Engine  *engine.Engine
	Handler http.Handler
	Scripts []string
}

// Close stops the engine.
func (d *Deployment) Close() error {
	return d.Engine.Stop()
}

// Deploy reads the manifest from m, builds and starts an engine over the listed scripts
// and returns it wrapped around next. Any error leaves nothing running.
func Deploy(cfg *config.Config, m resource.Manager, next http.Handler, reg Registration) (*Deployment, error) {
	names, err := ReadManifest(cfg, m)
	if err != nil {
		return nil, err
	}

	b, err := NewBuilder(cfg, m, reg)
	if err != nil {
		return nil, err
	}
	e, err := b.AddResources(m, names...).Build()
	if err != nil {
		return nil, err
	}
	if err := e.Start(); err != nil {
		e.Stop()
		return nil, fmt.Errorf("start routes: %w", err)
	}
	cfg.Log(1, "deployed %d scripts from %s", len(names), cfg.Scripts.Manifest)
	return &Deployment{Engine: e, Handler: e.Handler(next), Scripts: names}, nil
}

// NewBuilder returns an engine builder configured from cfg with reg's providers.
func NewBuilder(cfg *config.Config, m resource.Manager, reg Registration) (*engine.Builder, error) {
	b := engine.NewBuilder().
		SetConfig(cfg).
		SetHotReload(cfg.Scripts.HotReload).
		SetResourceManager(m).
		SetTemplateProperties(cfg.Templates.Properties)
	for _, newProvider := range reg.Injection {
		p, err := newProvider(cfg)
		if err != nil {
			return nil, fmt.Errorf("injection provider: %w", err)
		}
		b.AddInjectionProvider(p)
	}
	for _, newProvider := range reg.Templates {
		b.AddTemplateProvider(func() templates.Provider { return newProvider(cfg) })
	}
	return b, nil
}
