package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/iconidentify/muxgrab/internal/config"
	"github.com/iconidentify/muxgrab/internal/domain"
	"github.com/iconidentify/muxgrab/internal/extractor"
	"github.com/iconidentify/muxgrab/internal/repository"
	"github.com/iconidentify/muxgrab/internal/selector"
	"github.com/iconidentify/muxgrab/internal/workspace"
)

// GrabService orchestrates listing, selection, fetching and release of
// muxed media for user sessions.
type GrabService struct {
	sessions   repository.SessionRepository
	extractor  extractor.Extractor
	workspaces *workspace.Manager
	cfg        config.FetchConfig
	sem        chan struct{}
	logger     *slog.Logger
}

// NewGrabService creates a new grab service.
func NewGrabService(
	sessions repository.SessionRepository,
	ext extractor.Extractor,
	workspaces *workspace.Manager,
	cfg config.FetchConfig,
	logger *slog.Logger,
) *GrabService {
	s := &GrabService{
		sessions:   sessions,
		extractor:  ext,
		workspaces: workspaces,
		cfg:        cfg,
		logger:     logger,
	}
	if cfg.MaxConcurrent > 0 {
		s.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	return s
}

// List creates a session for rawURL and fetches its resolution choices.
// A failed listing is recorded on the session before the error is returned.
func (s *GrabService) List(ctx context.Context, rawURL string) (*domain.Session, error) {
	id := domain.SessionID(uuid.New().String())
	logger := s.logger.With("session_id", id)

	if err := s.sessions.Create(ctx, domain.NewSession(id, rawURL)); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if _, err := s.sessions.Update(ctx, id, (*domain.Session).MarkListing); err != nil {
		return nil, fmt.Errorf("start listing: %w", err)
	}

	listing, err := s.extractor.ListFormats(ctx, rawURL)
	if err != nil {
		s.fail(id, err, logger)
		return nil, domain.NewGrabError("list", rawURL, err)
	}

	choices, err := selector.Choices(listing)
	if err != nil {
		s.fail(id, err, logger)
		return nil, domain.NewGrabError("list", rawURL, err)
	}

	session, err := s.sessions.Update(ctx, id, func(sess *domain.Session) error {
		return sess.MarkReady(listing, choices)
	})
	if err != nil {
		return nil, fmt.Errorf("store listing: %w", err)
	}

	logger.Info("formats listed",
		"url", rawURL,
		"title", listing.Title,
		"descriptors", len(listing.Descriptors),
		"choices", len(choices),
	)
	return session, nil
}

// Get returns a session by ID.
func (s *GrabService) Get(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	return s.sessions.Get(ctx, id)
}

// Fetch downloads and muxes the streams for height into a fresh workspace
// and returns the produced artifact. The workspace is removed on every
// error path; on success the caller owns the artifact until it calls
// Complete or Abort.
func (s *GrabService) Fetch(ctx context.Context, id domain.SessionID, height int, onProgress domain.ProgressFunc) (*domain.OutputArtifact, error) {
	session, err := s.sessions.Update(ctx, id, func(sess *domain.Session) error {
		if sess.State == domain.SessionReady && !offered(sess.Choices, height) {
			return fmt.Errorf("%w: %dp is not offered", domain.ErrNoSuitableFormat, height)
		}
		return sess.MarkFetching(height)
	})
	if err != nil {
		return nil, domain.NewGrabError("fetch", "", err)
	}

	logger := s.logger.With("session_id", id, "height", height)

	// A panicking backend or progress callback must not leave the session
	// stuck in fetching.
	defer func() {
		if r := recover(); r != nil {
			s.fail(id, fmt.Errorf("%w: panic: %v", domain.ErrFetchFailed, r), logger)
			panic(r)
		}
	}()

	artifact, err := s.fetch(ctx, session, height, onProgress, logger)
	if err != nil {
		s.fail(id, err, logger)
		return nil, domain.NewGrabError("fetch", session.URL, err)
	}

	logger.Info("artifact ready",
		"name", artifact.Name,
		"size", artifact.Size,
		"media_type", artifact.MediaType,
	)
	return artifact, nil
}

func (s *GrabService) fetch(ctx context.Context, session *domain.Session, height int, onProgress domain.ProgressFunc, logger *slog.Logger) (*domain.OutputArtifact, error) {
	listing := session.Listing
	if !listing.Fresh(time.Now(), s.cfg.ListingTTL) {
		logger.Debug("listing stale, listing again")
		fresh, err := s.extractor.ListFormats(ctx, session.URL)
		if err != nil {
			return nil, err
		}
		listing = fresh
	}

	choice, err := selector.Select(listing, height)
	if err != nil {
		return nil, err
	}

	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := s.workspaces.CheckSpace(); err != nil {
		return nil, err
	}

	dir, err := s.workspaces.Create()
	if err != nil {
		return nil, err
	}
	kept := false
	defer func() {
		if !kept {
			s.removeDir(dir, logger)
		}
	}()

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	tracker := domain.NewProgressTracker(2, func(p domain.Progress) {
		s.recordProgress(session.ID, p)
		if onProgress != nil {
			onProgress(p)
		}
	})

	logger.Info("fetch started",
		"selector", choice.FormatSelector(),
		"backend", s.extractor.Name(),
		"workspace", dir.ID,
	)

	reported, err := s.extractor.FetchAndMux(ctx, extractor.FetchRequest{
		URL:            session.URL,
		Selector:       choice.FormatSelector(),
		Container:      s.cfg.Container,
		OutputTemplate: dir.Template(),
		Progress:       tracker,
	})
	if err != nil {
		return nil, err
	}

	artifact, err := dir.Artifact(reported, s.cfg.Container)
	if err != nil {
		return nil, err
	}

	tracker.Finish()
	kept = true
	return &artifact, nil
}

// Complete releases a delivered artifact and closes the session.
func (s *GrabService) Complete(ctx context.Context, id domain.SessionID, artifact *domain.OutputArtifact) error {
	releaseErr := s.release(artifact)
	if _, err := s.sessions.Update(ctx, id, (*domain.Session).MarkDelivered); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return releaseErr
}

// Abort releases an artifact whose delivery failed and records cause on
// the session.
func (s *GrabService) Abort(ctx context.Context, id domain.SessionID, artifact *domain.OutputArtifact, cause error) error {
	releaseErr := s.release(artifact)
	s.fail(id, cause, s.logger.With("session_id", id))
	return releaseErr
}

// Discard removes a session. Sessions still fetching are refused.
func (s *GrabService) Discard(ctx context.Context, id domain.SessionID) error {
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if session.State == domain.SessionFetching {
		return domain.ErrSessionBusy
	}
	return s.sessions.Delete(ctx, id)
}

// Stats returns session statistics.
func (s *GrabService) Stats(ctx context.Context) (*repository.SessionStats, error) {
	return s.sessions.Stats(ctx)
}

// Backend names the extraction backend in use.
func (s *GrabService) Backend() string {
	return s.extractor.Name()
}

func (s *GrabService) release(artifact *domain.OutputArtifact) error {
	if artifact == nil {
		return nil
	}
	return s.workspaces.Release(*artifact)
}

func (s *GrabService) removeDir(dir *workspace.Dir, logger *slog.Logger) {
	if err := dir.Remove(); err != nil {
		logger.Warn("failed to remove workspace", "workspace", dir.ID, "error", err)
	}
}

func (s *GrabService) recordProgress(id domain.SessionID, p domain.Progress) {
	// Progress may arrive after the request context ends.
	_, _ = s.sessions.Update(context.Background(), id, func(sess *domain.Session) error {
		sess.SetProgress(p)
		return nil
	})
}

func (s *GrabService) fail(id domain.SessionID, cause error, logger *slog.Logger) {
	_, err := s.sessions.Update(context.Background(), id, func(sess *domain.Session) error {
		return sess.MarkFailed(cause)
	})
	if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		logger.Warn("failed to record session failure", "error", err)
	}
	logger.Warn("session failed", "kind", domain.KindOf(cause), "error", cause)
}

func offered(choices []domain.ResolutionChoice, height int) bool {
	return lo.ContainsBy(choices, func(c domain.ResolutionChoice) bool {
		return c.Height == height
	})
}
