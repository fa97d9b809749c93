// Package server wires the service together: registry, runtime, manager,
// workspace guard, terminal bridge, runner, and the HTTP surface.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibecodehq/backend/internal/config"
	"github.com/vibecodehq/backend/internal/container"
	apihttp "github.com/vibecodehq/backend/internal/http"
	"github.com/vibecodehq/backend/internal/logging"
	"github.com/vibecodehq/backend/internal/monitoring"
	"github.com/vibecodehq/backend/internal/registry"
	"github.com/vibecodehq/backend/internal/runner"
	"github.com/vibecodehq/backend/internal/terminal"
	"github.com/vibecodehq/backend/internal/workspace"
	"github.com/vibecodehq/backend/internal/ws"
)

// Server wraps the HTTP server and its dependencies
type Server struct {
	cfg      *config.Config
	log      *logging.Logger
	router   *gin.Engine
	httpSrv  *http.Server
	registry *registry.Registry
	manager  *container.Manager
	bridge   *terminal.Bridge
}

// NewServer creates a fully wired server instance
func NewServer(cfg *config.Config, log *logging.Logger) (*Server, error) {
	if err := os.MkdirAll(cfg.Sandbox.DataRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}

	reg, err := registry.Open(filepath.Join(cfg.Sandbox.DataRoot, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("open session registry: %w", err)
	}

	rt, err := newRuntime(cfg.Sandbox)
	if err != nil {
		reg.Close()
		return nil, err
	}

	volumes, err := container.NewVolumeStore(cfg.Sandbox.DataRoot)
	if err != nil {
		reg.Close()
		return nil, err
	}
	manager := container.NewManager(rt, volumes, reg, cfg.Sandbox, log)
	bridge := terminal.NewBridge(rt, cfg.Sandbox.Shell, log)
	manager.SetTerminator(bridge)

	guard := workspace.NewGuard(volumes)
	run := runner.NewRunner(rt, cfg.Sandbox.ExecTimeout, cfg.Sandbox.ExecTimeoutMax, log)
	metrics := monitoring.NewMetrics()

	handlers := apihttp.NewHandlers(manager, reg, guard, run, metrics, log)
	wsHandler := ws.NewHandler(reg, bridge, metrics, log)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", apihttp.OwnerHeader},
		MaxAge:          12 * time.Hour,
	}))

	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Session lifecycle
	router.POST("/sessions", handlers.CreateSession)
	router.GET("/sessions", handlers.ListSessions)
	router.POST("/sessions/:id/open", handlers.OpenSession)
	router.POST("/sessions/:id/suspend", handlers.SuspendSession)
	router.DELETE("/sessions/:id", handlers.DeleteSession)

	// Workspace files
	router.GET("/sessions/:id/files", handlers.FileTree)
	router.POST("/sessions/:id/files", handlers.CreateFile)
	router.PUT("/sessions/:id/files", handlers.SaveFile)
	router.GET("/sessions/:id/files/content", handlers.ReadFile)
	router.POST("/sessions/:id/files/rename", handlers.RenameFile)
	router.POST("/sessions/:id/files/move", handlers.MoveFile)
	router.DELETE("/sessions/:id/files", handlers.DeleteFile)
	router.GET("/sessions/:id/trash", handlers.ListTrash)
	router.POST("/sessions/:id/trash/restore", handlers.RestoreTrash)

	// Execution
	router.POST("/sessions/:id/execute", handlers.Execute)
	router.GET("/sessions/:id/terminal", wsHandler.Terminal)

	// Admin
	router.GET("/admin/volumes", handlers.AdminVolumes)

	return &Server{
		cfg:      cfg,
		log:      log,
		router:   router,
		registry: reg,
		manager:  manager,
		bridge:   bridge,
	}, nil
}

// Run starts the server and blocks until ctx is cancelled, then shuts
// down gracefully: in-flight requests drain, running sessions suspend.
func (s *Server) Run(ctx context.Context) error {
	// Reconcile units left over from a previous process before serving
	s.manager.OrphanSweep(ctx)

	addr := net.JoinHostPort(s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.String("addr", addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("http shutdown error", zap.Error(err))
	}
	s.manager.DrainAll(shutdownCtx)
	return nil
}

// Close releases server resources
func (s *Server) Close() error {
	return s.registry.Close()
}

func newRuntime(cfg config.SandboxConfig) (container.Runtime, error) {
	switch cfg.Runtime {
	case "docker":
		rt, err := container.NewDockerRuntime()
		if err != nil {
			return nil, fmt.Errorf("docker runtime: %w", err)
		}
		return rt, nil
	case "local":
		return container.NewLocalRuntime(), nil
	default:
		return nil, fmt.Errorf("unknown runtime %q", cfg.Runtime)
	}
}
