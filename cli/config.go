// Package cli provides the command-line interface for luaroute.
// This file re-exports config types from internal/config for public API.
package cli

import (
	"github.com/zot/luaroute/internal/config"
)

// Re-export config types for public API
type (
	Config          = config.Config
	ServerConfig    = config.ServerConfig
	ScriptsConfig   = config.ScriptsConfig
	ResourcesConfig = config.ResourcesConfig
	TemplatesConfig = config.TemplatesConfig
	InjectionConfig = config.InjectionConfig
	DatabaseConfig  = config.DatabaseConfig
	LoggingConfig   = config.LoggingConfig
	Duration        = config.Duration
)

// Re-export config functions for public API
var (
	DefaultConfig = config.DefaultConfig
	Load          = config.Load
)
