package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/iconidentify/muxgrab/internal/api"
	"github.com/iconidentify/muxgrab/internal/api/handler"
	"github.com/iconidentify/muxgrab/internal/config"
	"github.com/iconidentify/muxgrab/internal/extractor"
	"github.com/iconidentify/muxgrab/internal/repository"
	"github.com/iconidentify/muxgrab/internal/service"
	"github.com/iconidentify/muxgrab/internal/worker"
	"github.com/iconidentify/muxgrab/internal/workspace"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("muxgrab %s (built %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	logger.Info("starting muxgrab",
		"version", Version,
		"build_time", BuildTime,
		"backend", cfg.Extractor.Backend,
	)

	// Temporary workspaces live on the real filesystem.
	fs := afero.NewOsFs()
	workspaces := workspace.NewManager(fs, cfg.Storage.TempPath, cfg.Storage.MinFreeBytes, logger)
	if err := workspaces.Init(); err != nil {
		logger.Error("failed to create temp directory", "error", err)
		os.Exit(1)
	}

	// Initialize dependencies
	ext, err := extractor.New(cfg, fs, logger)
	if err != nil {
		logger.Error("failed to initialize extractor", "error", err)
		os.Exit(1)
	}
	sessions := repository.NewInMemorySessionRepository()

	grabSvc := service.NewGrabService(sessions, ext, workspaces, cfg.Fetch, logger)

	// Initialize handlers
	sessionHandler := handler.NewSessionHandler(grabSvc, fs, logger)
	healthHandler := handler.NewHealthHandler(grabSvc, workspaces)
	uiHandler := handler.NewUIHandler()

	// Setup router
	router := api.NewRouter(sessionHandler, healthHandler, uiHandler, cfg.Server)

	// Background cleanup of abandoned sessions and workspaces
	var janitor *worker.Janitor
	if cfg.Janitor.Enabled {
		janitor = worker.NewJanitor(
			worker.Config{
				Interval:     cfg.Janitor.Interval,
				SessionTTL:   cfg.Janitor.SessionTTL,
				WorkspaceTTL: cfg.Janitor.WorkspaceTTL,
			},
			sessions,
			workspaces,
			logger,
		)
		janitor.Start()
	}

	// Setup HTTP server
	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting new requests; in-flight downloads release their workspaces.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	if janitor != nil {
		if err := janitor.Stop(10 * time.Second); err != nil {
			logger.Error("janitor shutdown error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
