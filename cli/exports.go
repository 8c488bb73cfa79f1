// Package cli provides the command-line interface for luaroute.
// This file re-exports internal packages for embedding the engine in other servers.
package cli

import (
	"github.com/zot/luaroute/internal/deploy"
	"github.com/zot/luaroute/internal/engine"
	"github.com/zot/luaroute/internal/inject"
	"github.com/zot/luaroute/internal/resource"
	"github.com/zot/luaroute/internal/router"
	"github.com/zot/luaroute/internal/server"
	"github.com/zot/luaroute/internal/templates"
)

// Re-export engine types
type (
	Engine        = engine.Engine
	EngineBuilder = engine.Builder
	ScriptError   = engine.ScriptError
	Route         = router.Route
	Deployment    = deploy.Deployment
	Registration  = deploy.Registration
	Server        = server.Server
)

// Re-export provider contracts
type (
	InjectionProvider = inject.Provider
	InjectionContext  = inject.Context
	TemplateProvider  = templates.Provider
	Template          = templates.Template
	ResourceManager   = resource.Manager
	Resource          = resource.Resource
	ResourceSet       = resource.Set
)

// Re-export constructors
var (
	NewEngineBuilder    = engine.NewBuilder
	Deploy              = deploy.Deploy
	ParseManifest       = deploy.ParseManifest
	DefaultRegistration = deploy.DefaultRegistration
	NewServer           = server.New
	NewResourceSet      = resource.NewSet
	NewDirManager       = resource.NewDirManager
	NewMemoryManager    = resource.NewMemoryManager
	NewFSManager        = resource.NewFSManager
)
