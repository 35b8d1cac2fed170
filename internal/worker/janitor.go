// Package worker runs background maintenance for the grab service.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/iconidentify/muxgrab/internal/repository"
)

// ErrShutdownTimeout is returned when the janitor doesn't stop within timeout.
var ErrShutdownTimeout = errors.New("janitor shutdown timed out")

// Sweeper removes workspaces older than maxAge.
type Sweeper interface {
	Sweep(maxAge time.Duration) (int, error)
}

// Janitor periodically expires idle sessions and sweeps workspaces left
// behind by crashed or abandoned fetches.
type Janitor struct {
	interval     time.Duration
	sessionTTL   time.Duration
	workspaceTTL time.Duration
	sessions     repository.SessionRepository
	sweeper      Sweeper
	logger       *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Config holds janitor configuration.
type Config struct {
	Interval     time.Duration
	SessionTTL   time.Duration
	WorkspaceTTL time.Duration
}

// NewJanitor creates a new janitor.
func NewJanitor(
	cfg Config,
	sessions repository.SessionRepository,
	sweeper Sweeper,
	logger *slog.Logger,
) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = time.Hour
	}
	if cfg.WorkspaceTTL <= 0 {
		cfg.WorkspaceTTL = 2 * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Janitor{
		interval:     cfg.Interval,
		sessionTTL:   cfg.SessionTTL,
		workspaceTTL: cfg.WorkspaceTTL,
		sessions:     sessions,
		sweeper:      sweeper,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start runs one sweep immediately, then one per interval.
func (j *Janitor) Start() {
	j.logger.Info("starting janitor",
		"interval", j.interval,
		"session_ttl", j.sessionTTL,
		"workspace_ttl", j.workspaceTTL,
	)

	j.wg.Add(1)
	go j.run()
}

// Stop gracefully stops the janitor.
func (j *Janitor) Stop(timeout time.Duration) error {
	j.logger.Info("stopping janitor")
	j.cancel()

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		j.logger.Info("janitor stopped gracefully")
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

func (j *Janitor) run() {
	defer j.wg.Done()

	j.RunOnce()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce()
		}
	}
}

// RunOnce performs a single cleanup pass.
func (j *Janitor) RunOnce() {
	expired, err := j.sessions.Expire(j.ctx, time.Now().Add(-j.sessionTTL))
	if err != nil {
		j.logger.Error("failed to expire sessions", "error", err)
	} else if len(expired) > 0 {
		j.logger.Info("expired sessions", "count", len(expired))
	}

	removed, err := j.sweeper.Sweep(j.workspaceTTL)
	if err != nil {
		j.logger.Error("failed to sweep workspaces", "error", err)
	} else if removed > 0 {
		j.logger.Info("removed stale workspaces", "count", removed)
	}
}
