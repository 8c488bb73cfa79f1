// Package server hosts a route deployment behind a gin router with health, access
// logging and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"

	"github.com/zot/luaroute/internal/config"
	"github.com/zot/luaroute/internal/deploy"
	"github.com/zot/luaroute/internal/resource"
)

// Server is the HTTP host for one deployment.
type Server struct {
	config     *config.Config
	deployment *deploy.Deployment
	router     *gin.Engine
	httpServer *http.Server
}

// New creates a server that answers everything its own routes do not with d's handler.
func New(cfg *config.Config, d *deploy.Deployment) *Server {
	s := &Server{
		config:     cfg,
		deployment: d,
	}
	s.router = NewRouter(cfg, d)
	return s
}

// NewRouter builds the gin router: health endpoint first, then the deployment.
func NewRouter(cfg *config.Config, d *deploy.Deployment) *gin.Engine {
	r := gin.New()
	if cfg.Logging.AccessLog {
		r.Use(accessLogger(cfg))
	}
	r.Use(gin.Recovery())

	if cfg.Server.HealthPath != "" {
		r.GET(cfg.Server.HealthPath, func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"ok":         true,
				"generation": d.Engine.Generation(),
				"scripts":    len(d.Scripts),
			})
		})
	}

	// Everything gin does not route, WebSocket upgrades included, goes to the deployment.
	// gin presets 404 for NoRoute; reset it so handlers that never call WriteHeader get 200.
	r.NoRoute(func(c *gin.Context) {
		c.Status(http.StatusOK)
		d.Handler.ServeHTTP(c.Writer, c.Request)
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens on the configured address and serves in the background.
// It returns the base URL.
func (s *Server) Start() (string, error) {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	// We need to capture the actual port if 0 was passed
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if s.config.Server.Port == 0 {
		_, portStr, _ := net.SplitHostPort(listener.Addr().String())
		s.config.Server.Port, _ = strconv.Atoi(portStr)
	}

	go func() {
		s.config.Log(0, "HTTP server listening on %s", listener.Addr())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.config.Error(err, "HTTP server failed")
		}
	}()

	host := s.config.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, s.config.Server.Port), nil
}

// Shutdown stops accepting requests, waits for in-flight ones, then stops the routes.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		errs = append(errs, s.httpServer.Shutdown(ctx))
	}
	errs = append(errs, s.deployment.Close())
	return errors.Join(errs...)
}

// Run serves with the default providers.
func Run(cfg *config.Config) error {
	return RunWithRegistration(cfg, deploy.DefaultRegistration())
}

// RunWithRegistration opens the configured resource store, deploys its manifest and
// serves until SIGINT or SIGTERM. SIGHUP rebuilds the routes.
func RunWithRegistration(cfg *config.Config, reg deploy.Registration) error {
	m, closer, err := resource.Open(cfg.Resources)
	if err != nil {
		return fmt.Errorf("open resources: %w", err)
	}
	defer closer.Close()

	d, err := deploy.Deploy(cfg, m, resource.Handler(m), reg)
	if err != nil {
		return err
	}
	s := New(cfg, d)
	url, err := s.Start()
	if err != nil {
		d.Close()
		return err
	}
	cfg.Log(0, "serving %d scripts at %s", len(d.Scripts), url)
	notify(cfg, daemon.SdNotifyReady)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sig)
	for v := range sig {
		if v != syscall.SIGHUP {
			break
		}
		if err := d.Engine.Rebuild(); err != nil {
			cfg.Error(err, "reload failed (signal)")
			continue
		}
		cfg.Log(0, "reloaded: generation %d", d.Engine.Generation())
	}

	cfg.Log(0, "shutting down")
	notify(cfg, daemon.SdNotifyStopping)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()
	return s.Shutdown(ctx)
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if d := cfg.Server.ShutdownTimeout.Duration(); d > 0 {
		return d
	}
	return 10 * time.Second
}

// notify tells systemd about state changes when running as a notify service.
func notify(cfg *config.Config, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		cfg.Warn("sd_notify %q: %v", state, err)
		return
	}
	if sent {
		cfg.Log(1, "sd_notify %q", state)
	}
}
