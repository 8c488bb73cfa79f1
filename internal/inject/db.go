package inject

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/zot/luaroute/internal/config"
)

// DBProvider hands out named *sql.DB handles under the "db" prefix.
// Handles are opened on first use and shared until Close.
type DBProvider struct {
	mu      sync.Mutex
	configs map[string]config.DatabaseConfig
	open    map[string]*sql.DB
}

func NewDBProvider(dbs []config.DatabaseConfig) *DBProvider {
	p := &DBProvider{
		configs: make(map[string]config.DatabaseConfig, len(dbs)),
		open:    make(map[string]*sql.DB),
	}
	for _, db := range dbs {
		p.configs[db.Name] = db
	}
	return p
}

func (p *DBProvider) Prefix() string { return "db" }

func (p *DBProvider) Resolve(ctx *Context) (any, error) {
	return p.DB(ctx.Name())
}

// DB returns the handle for name, opening it if needed.
func (p *DBProvider) DB(name string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.open[name]; ok {
		return db, nil
	}
	cfg, ok := p.configs[name]
	if !ok {
		return nil, fmt.Errorf("database %q: %w", name, ErrNotFound)
	}

	driver := cfg.Driver
	switch driver {
	case "", "sqlite", "sqlite3":
		driver = "sqlite3"
	case "postgres", "postgresql":
		driver = "postgres"
	default:
		return nil, fmt.Errorf("database %q: unsupported driver %q", name, cfg.Driver)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("database %q: %w", name, err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database %q: %w", name, err)
	}
	p.open[name] = db
	return db, nil
}

// Close closes every opened handle. The provider can be used again afterwards.
func (p *DBProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for name, db := range p.open {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database %q: %w", name, err))
		}
		delete(p.open, name)
	}
	return errors.Join(errs...)
}
