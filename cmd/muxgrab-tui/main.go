// muxgrab-tui is the terminal front end: paste a video URL, pick a
// resolution, and the muxed file is saved to a local directory.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/afero"
	"golang.org/x/term"

	"github.com/iconidentify/muxgrab/internal/config"
	"github.com/iconidentify/muxgrab/internal/extractor"
	"github.com/iconidentify/muxgrab/internal/repository"
	"github.com/iconidentify/muxgrab/internal/service"
	"github.com/iconidentify/muxgrab/internal/tui"
	"github.com/iconidentify/muxgrab/internal/workspace"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	outDir := flag.String("out", "", "Download directory (overrides tui.download_dir)")
	logPath := flag.String("log", "", "Write logs to this file")
	flag.Parse()

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(os.Stderr, "muxgrab-tui needs an interactive terminal; use the HTTP server instead")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *outDir != "" {
		cfg.TUI.DownloadDir = *outDir
	}

	// The terminal belongs to the UI; logs go to a file or nowhere.
	var logOut io.Writer = io.Discard
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	level, _ := cfg.Log.SlogLevel()
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))

	fs := afero.NewOsFs()
	workspaces := workspace.NewManager(fs, cfg.Storage.TempPath, cfg.Storage.MinFreeBytes, logger)
	if err := workspaces.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating temp directory: %v\n", err)
		os.Exit(1)
	}
	// Leftovers from an earlier run that was killed mid-fetch.
	if n, err := workspaces.Sweep(cfg.Janitor.WorkspaceTTL); err == nil && n > 0 {
		logger.Info("removed stale workspaces", "count", n)
	}

	ext, err := extractor.New(cfg, fs, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing extractor: %v\n", err)
		os.Exit(1)
	}

	svc := service.NewGrabService(repository.NewInMemorySessionRepository(), ext, workspaces, cfg.Fetch, logger)
	ctrl := tui.NewController(svc, workspaces, cfg.TUI.DownloadDir, logger)

	if err := tui.NewApp(ctrl, logger).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
		os.Exit(1)
	}
}
