// Package cli provides the command-line interface for luaroute.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zot/luaroute/internal/admin"
	"github.com/zot/luaroute/internal/config"
	"github.com/zot/luaroute/internal/deploy"
	"github.com/zot/luaroute/internal/resource"
	"github.com/zot/luaroute/internal/server"
)

// Version is the luaroute version.
const Version = "0.1.0"

// Hooks allows extending the CLI with additional commands.
type Hooks struct {
	// Commands are added to the root command.
	Commands []*cobra.Command

	// Registration replaces the default provider registration when set.
	Registration *deploy.Registration

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	root := NewRootCommand(hooks)
	// Bare flags mean serve, as does no command at all.
	if len(args) == 0 || (strings.HasPrefix(args[0], "-") && !isHelp(args[0])) {
		args = append([]string{"serve"}, args...)
	}
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
		return 1
	}
	return 0
}

func isHelp(arg string) bool {
	return arg == "-h" || arg == "--help"
}

// NewRootCommand builds the command tree.
func NewRootCommand(hooks *Hooks) *cobra.Command {
	reg := deploy.DefaultRegistration()
	if hooks != nil && hooks.Registration != nil {
		reg = *hooks.Registration
	}

	root := &cobra.Command{
		Use:   "luaroute",
		Short: "Serve HTTP and WebSocket routes declared in hot-reloaded Lua scripts",
		Long: `luaroute evaluates the Lua scripts listed in a manifest (scripts.conf by default)
into a routing table in front of a static file server. Edited scripts are picked up on
the next request; a script that fails to load leaves the previous routes serving.

Server options (serve, check, routes, mcp):
  --dir              Site directory containing scripts and config/
  --config           TOML config file (default: <dir>/config/config.toml)
  --host, --port     Listen address
  --manifest         Script manifest resource name
  --hot-reload       Rebuild routes when scripts change (true/false)
  --resources        Resource store: dir, sqlite, postgresql
  --resources-path   Resource directory or SQLite path
  --resources-url    PostgreSQL connection URL
  --log-level        Log level: debug, info, warn, error
  --log-format       Log format: auto, console, json
  -v, -vv, -vvv      Verbosity`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		configCommand("serve", "Start the route server (default)", func(cmd *cobra.Command, cfg *config.Config) error {
			return server.RunWithRegistration(cfg, reg)
		}),
		configCommand("check", "Load every script once and report errors", func(cmd *cobra.Command, cfg *config.Config) error {
			return check(cmd.OutOrStdout(), cfg, reg, false)
		}),
		configCommand("routes", "Load every script once and list the routes", func(cmd *cobra.Command, cfg *config.Config) error {
			return check(cmd.OutOrStdout(), cfg, reg, true)
		}),
		configCommand("mcp", "Serve routes over HTTP and admin tools over MCP stdio", func(cmd *cobra.Command, cfg *config.Config) error {
			return serveMCP(cfg, reg)
		}),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			RunE: func(cmd *cobra.Command, args []string) error {
				fmt.Fprintf(cmd.OutOrStdout(), "luaroute v%s\n", Version)
				if hooks != nil && hooks.CustomVersion != nil {
					fmt.Fprintln(cmd.OutOrStdout(), hooks.CustomVersion())
				}
				return nil
			},
		},
	)
	if hooks != nil {
		root.AddCommand(hooks.Commands...)
	}
	return root
}

// configCommand passes its raw arguments to config.Load, which owns flag parsing.
func configCommand(use, short string, run func(*cobra.Command, *config.Config) error) *cobra.Command {
	return &cobra.Command{
		Use:                use,
		Short:              short,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, a := range args {
				if isHelp(a) {
					return cmd.Parent().Help()
				}
			}
			cfg, err := config.Load(args)
			if err != nil {
				if errors.Is(err, flag.ErrHelp) {
					return nil
				}
				return fmt.Errorf("failed to load config: %w", err)
			}
			return run(cmd, cfg)
		},
	}
}

// check deploys once without hot reload and reports what loaded.
func check(out io.Writer, cfg *config.Config, reg deploy.Registration, list bool) error {
	cfg.Scripts.HotReload = false
	cfg.Scripts.Watch = false

	m, closer, err := resource.Open(cfg.Resources)
	if err != nil {
		return err
	}
	defer closer.Close()

	d, err := deploy.Deploy(cfg, m, nil, reg)
	if err != nil {
		return err
	}
	defer d.Close()

	routes := d.Engine.Routes()
	if !list {
		fmt.Fprintf(out, "ok: %d scripts, %d routes\n", len(d.Scripts), len(routes))
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METHOD\tPATH\tKIND")
	for _, r := range routes {
		kind := "http"
		if r.WebSocket {
			kind = "websocket"
		}
		if r.Guarded {
			kind += ", guarded"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Method, r.Path, kind)
	}
	return tw.Flush()
}

func serveMCP(cfg *config.Config, reg deploy.Registration) error {
	m, closer, err := resource.Open(cfg.Resources)
	if err != nil {
		return err
	}
	defer closer.Close()

	d, err := deploy.Deploy(cfg, m, resource.Handler(m), reg)
	if err != nil {
		return err
	}
	srv := server.New(cfg, d)
	url, err := srv.Start()
	if err != nil {
		d.Close()
		return err
	}
	cfg.Log(0, "routes at %s", url)

	err = admin.New(cfg, d.Engine, Version).ServeStdio()
	if shutdownErr := srv.Shutdown(context.Background()); shutdownErr != nil {
		cfg.Error(shutdownErr, "shutdown")
	}
	return err
}

// Main runs the CLI and exits.
func Main() {
	os.Exit(Run(os.Args[1:]))
}
