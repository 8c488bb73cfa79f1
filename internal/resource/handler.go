package resource

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/zot/luaroute/internal/config"
)

// Open creates the manager selected by cfg. The returned closer releases it.
func Open(cfg config.ResourcesConfig) (Manager, io.Closer, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "dir":
		m, err := NewDirManager(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return m, m, nil
	case "sqlite":
		m, err := NewSQLiteManager(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return m, m, nil
	case "postgres", "postgresql":
		m, err := NewPostgresManager(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return m, m, nil
	default:
		return nil, nil, fmt.Errorf("unknown resource store type %q", cfg.Type)
	}
}

// Handler serves resources as static content. Directory-like paths map to index.html.
func Handler(m Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		if name == "" || strings.HasSuffix(r.URL.Path, "/") {
			name = path.Join(name, "index.html")
		}

		res, err := m.Get(name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data, err := ReadAll(res)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		// Content sniffing gets CSS wrong, so prefer the extension.
		if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		http.ServeContent(w, r, name, res.LastModified(), bytes.NewReader(data))
	})
}
