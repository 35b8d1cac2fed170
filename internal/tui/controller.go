// Package tui is the terminal front end: paste a URL, pick a resolution,
// and the muxed file lands in a local download directory.
package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/iconidentify/muxgrab/internal/domain"
)

// ErrNothingListed is returned by Download before a successful Load.
var ErrNothingListed = errors.New("no formats loaded")

// Grabber is the part of the grab service the terminal front end drives.
type Grabber interface {
	List(ctx context.Context, rawURL string) (*domain.Session, error)
	Fetch(ctx context.Context, id domain.SessionID, height int, onProgress domain.ProgressFunc) (*domain.OutputArtifact, error)
	Complete(ctx context.Context, id domain.SessionID, artifact *domain.OutputArtifact) error
	Abort(ctx context.Context, id domain.SessionID, artifact *domain.OutputArtifact, cause error) error
}

// Deliverer moves a finished artifact out of its workspace.
type Deliverer interface {
	Deliver(a domain.OutputArtifact, destDir string) (string, error)
}

// Controller holds the current session and runs list and download.
type Controller struct {
	svc         Grabber
	deliverer   Deliverer
	downloadDir string
	logger      *slog.Logger

	mu      sync.Mutex
	session *domain.Session
}

// NewController creates a controller delivering into downloadDir.
func NewController(svc Grabber, deliverer Deliverer, downloadDir string, logger *slog.Logger) *Controller {
	return &Controller{
		svc:         svc,
		deliverer:   deliverer,
		downloadDir: downloadDir,
		logger:      logger,
	}
}

// DownloadDir is where delivered files are placed.
func (c *Controller) DownloadDir() string {
	return c.downloadDir
}

// Load lists formats for rawURL and makes the result the current session.
// On failure the previous session is forgotten.
func (c *Controller) Load(ctx context.Context, rawURL string) (*domain.Session, error) {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()

	session, err := c.svc.List(ctx, rawURL)
	if err != nil {
		c.logger.Info("listing failed", "url", rawURL, "kind", domain.KindOf(err), "error", err)
		return nil, err
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	return session, nil
}

// Choices returns the resolution choices of the current session.
func (c *Controller) Choices() []domain.ResolutionChoice {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.Choices
}

// Download fetches the choice at index, moves the file into the download
// directory and returns its path. A session is used for one download; call
// Load again for another resolution.
func (c *Controller) Download(ctx context.Context, index int, onProgress domain.ProgressFunc) (string, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return "", ErrNothingListed
	}
	if index < 0 || index >= len(session.Choices) {
		return "", fmt.Errorf("%w: choice %d out of range", domain.ErrNoSuitableFormat, index)
	}
	choice := session.Choices[index]
	logger := c.logger.With("session_id", session.ID, "height", choice.Height)

	artifact, err := c.svc.Fetch(ctx, session.ID, choice.Height, onProgress)
	if err != nil {
		logger.Info("fetch failed", "kind", domain.KindOf(err), "error", err)
		return "", err
	}

	dest, err := c.deliverer.Deliver(*artifact, c.downloadDir)
	if err != nil {
		err = fmt.Errorf("deliver %s: %w", artifact.Name, err)
		if abortErr := c.svc.Abort(context.WithoutCancel(ctx), session.ID, artifact, err); abortErr != nil {
			logger.Warn("failed to release artifact", "error", abortErr)
		}
		return "", err
	}

	if err := c.svc.Complete(context.WithoutCancel(ctx), session.ID, artifact); err != nil {
		logger.Warn("failed to release delivered artifact", "error", err)
	}

	c.mu.Lock()
	if c.session == session {
		c.session = nil
	}
	c.mu.Unlock()

	logger.Info("artifact delivered", "path", dest, "size", humanize.IBytes(uint64(artifact.Size)))
	return dest, nil
}

// FormatProgress renders a progress snapshot as one status line.
func FormatProgress(p domain.Progress) string {
	switch p.Phase {
	case domain.PhaseMerging:
		return "Merging video and audio..."
	case domain.PhaseFinished:
		return "Finished"
	}

	line := fmt.Sprintf("Stream %d/2: %s", p.Stream, humanize.IBytes(uint64(max(p.Downloaded, 0))))
	if total, ok := p.Total.Get(); ok && total > 0 {
		line += " of " + humanize.IBytes(uint64(total))
	}
	line += fmt.Sprintf(" (%.0f%%)", p.Fraction*100)
	if rate, ok := p.Rate.Get(); ok && rate > 0 {
		line += " at " + humanize.IBytes(uint64(rate)) + "/s"
	}
	return line
}
