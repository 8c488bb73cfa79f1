// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

// Config holds all configuration settings for the route server.
type Config struct {
	Server    ServerConfig     `toml:"server"`
	Scripts   ScriptsConfig    `toml:"scripts"`
	Resources ResourcesConfig  `toml:"resources"`
	Templates TemplatesConfig  `toml:"templates"`
	Injection InjectionConfig  `toml:"injection"`
	Databases []DatabaseConfig `toml:"databases"`
	Logging   LoggingConfig    `toml:"logging"`

	logOnce sync.Once
	logger  zerolog.Logger
}

// ServerConfig holds host server settings.
type ServerConfig struct {
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	HealthPath      string   `toml:"health_path"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	Dir             string   `toml:"-"` // Site directory (CLI only, not in config file)
}

// ScriptsConfig controls which scripts are loaded and how they are reloaded.
type ScriptsConfig struct {
	Manifest  string `toml:"manifest"`   // manifest resource listing the route scripts
	HotReload bool   `toml:"hot_reload"` // rebuild routes when a script changes
	Watch     bool   `toml:"watch"`      // use filesystem notifications to check sooner
}

// ResourcesConfig selects the resource store scripts and templates are read from.
type ResourcesConfig struct {
	Type string `toml:"type"` // "dir", "sqlite", "postgresql"
	Path string `toml:"path"` // directory root or SQLite file path
	URL  string `toml:"url"`  // PostgreSQL connection URL
}

// TemplatesConfig holds the properties passed to every template provider on init.
type TemplatesConfig struct {
	Properties map[string]string `toml:"properties"`
}

// InjectionConfig configures the built-in injection providers.
type InjectionConfig struct {
	Values map[string]string `toml:"values"` // resolved by the "value:" provider
	Env    []string          `toml:"env"`    // variables readable through the "env:" provider
}

// DatabaseConfig names a database handle resolvable through the "db:" provider.
type DatabaseConfig struct {
	Name   string `toml:"name"`
	Driver string `toml:"driver"` // "sqlite3" or "postgres"
	DSN    string `toml:"dsn"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`     // "debug", "info", "warn", "error"
	Format    string `toml:"format"`    // "auto", "console", "json"
	Verbosity int    `toml:"verbosity"` // 0=lifecycle, 1=builds, 2=routes, 3=requests, 4=values
	AccessLog bool   `toml:"access_log"`
}

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// expandVerbosityFlags preprocesses args to expand -vvv into -v -v -v.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] == 'v' {
			allV := true
			for _, c := range arg[1:] {
				if c != 'v' {
					allV = false
					break
				}
			}
			if allV {
				for range arg[1:] {
					result = append(result, "-v")
				}
				continue
			}
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			HealthPath:      "/healthz",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Scripts: ScriptsConfig{
			Manifest:  "scripts.conf",
			HotReload: true,
			Watch:     true,
		},
		Resources: ResourcesConfig{
			Type: "dir",
			Path: ".",
		},
		Templates: TemplatesConfig{
			Properties: map[string]string{"charset": "UTF-8"},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "auto",
			Verbosity: 0,
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet("luaroute", flag.ContinueOnError)
	dir := fs.String("dir", "", "Site directory containing scripts and config/")
	configFile := fs.String("config", "", "TOML config file (default: <dir>/config/config.toml)")

	host := fs.String("host", "", "Listen address")
	port := fs.Int("port", 0, "Listen port")

	manifest := fs.String("manifest", "", "Script manifest resource name")
	hotReload := fs.String("hot-reload", "", "Rebuild routes when scripts change (true/false)")

	resources := fs.String("resources", "", "Resource store: dir, sqlite, postgresql")
	resourcesPath := fs.String("resources-path", "", "Resource directory or SQLite path")
	resourcesURL := fs.String("resources-url", "", "PostgreSQL connection URL")

	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "", "Log format: auto, console, json")
	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	configPath := *configFile
	if configPath == "" {
		configPath = filepath.Join("config", "config.toml")
		if *dir != "" {
			configPath = filepath.Join(*dir, "config", "config.toml")
		}
	}
	if err := cfg.loadTOML(configPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	cfg.applyEnv()

	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *manifest != "" {
		cfg.Scripts.Manifest = *manifest
	}
	if *hotReload != "" {
		cfg.Scripts.HotReload = parseBool(*hotReload)
	}
	if *resources != "" {
		cfg.Resources.Type = *resources
	}
	if *resourcesPath != "" {
		cfg.Resources.Path = *resourcesPath
	}
	if *resourcesURL != "" {
		cfg.Resources.URL = *resourcesURL
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if verbosity > 0 {
		cfg.Logging.Verbosity = int(verbosity)
	}

	cfg.Server.Dir = *dir
	if cfg.Server.Dir != "" && cfg.Resources.Type == "dir" && *resourcesPath == "" {
		cfg.Resources.Path = cfg.Server.Dir
	}

	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("LUAROUTE_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("LUAROUTE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("LUAROUTE_MANIFEST"); v != "" {
		c.Scripts.Manifest = v
	}
	if v := os.Getenv("LUAROUTE_HOT_RELOAD"); v != "" {
		c.Scripts.HotReload = parseBool(v)
	}
	if v := os.Getenv("LUAROUTE_RESOURCES"); v != "" {
		c.Resources.Type = v
	}
	if v := os.Getenv("LUAROUTE_RESOURCES_PATH"); v != "" {
		c.Resources.Path = v
	}
	if v := os.Getenv("LUAROUTE_RESOURCES_URL"); v != "" {
		c.Resources.URL = v
	}
	if v := os.Getenv("LUAROUTE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LUAROUTE_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Verbosity returns the configured verbosity level.
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}
