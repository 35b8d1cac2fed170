package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/iconidentify/muxgrab/internal/domain"
	"github.com/iconidentify/muxgrab/internal/repository"
)

// testLogger returns a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockGrabService is a test implementation of GrabService.
type mockGrabService struct {
	mu sync.Mutex

	sessions map[domain.SessionID]*domain.Session
	artifact *domain.OutputArtifact

	listErr    error
	fetchErr   error
	discardErr error
	statsErr   error
	stats      *repository.SessionStats

	fetchHeight int
	completed   []*domain.OutputArtifact
	aborted     []error
}

func newMockGrabService() *mockGrabService {
	return &mockGrabService{
		sessions: make(map[domain.SessionID]*domain.Session),
		stats:    &repository.SessionStats{},
	}
}

// addReady stores a ready session offering 1080p and 720p.
func (m *mockGrabService) addReady(id domain.SessionID) *domain.Session {
	s := domain.NewSession(id, "https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	s.State = domain.SessionReady
	s.Listing = &domain.Listing{URL: s.URL, Title: "Test Video"}
	s.Choices = []domain.ResolutionChoice{
		{Height: 1080, Label: "1080p (mp4) - 10 MB", Descriptor: domain.StreamDescriptor{ID: "137"}},
		{Height: 720, Label: "720p (mp4) - Unknown size", Descriptor: domain.StreamDescriptor{ID: "136"}},
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s
}

func (m *mockGrabService) List(ctx context.Context, rawURL string) (*domain.Session, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	s := m.addReady("sess-1")
	s.URL = rawURL
	return s, nil
}

func (m *mockGrabService) Get(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *mockGrabService) Fetch(ctx context.Context, id domain.SessionID, height int, onProgress domain.ProgressFunc) (*domain.OutputArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchHeight = height
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	if _, ok := m.sessions[id]; !ok {
		return nil, domain.ErrSessionNotFound
	}
	if m.artifact == nil {
		return nil, errors.New("no artifact configured")
	}
	return m.artifact, nil
}

func (m *mockGrabService) Complete(ctx context.Context, id domain.SessionID, artifact *domain.OutputArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, artifact)
	return nil
}

func (m *mockGrabService) Abort(ctx context.Context, id domain.SessionID, artifact *domain.OutputArtifact, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = append(m.aborted, cause)
	return nil
}

func (m *mockGrabService) Discard(ctx context.Context, id domain.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.discardErr != nil {
		return m.discardErr
	}
	if _, ok := m.sessions[id]; !ok {
		return domain.ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *mockGrabService) Stats(ctx context.Context) (*repository.SessionStats, error) {
	if m.statsErr != nil {
		return nil, m.statsErr
	}
	return m.stats, nil
}

func (m *mockGrabService) Backend() string {
	return "youtube"
}

// mockStorage is a test implementation of Storage.
type mockStorage struct {
	root     string
	free     uint64
	freeOK   bool
	spaceErr error
	count    int
}

func (m *mockStorage) Root() string              { return m.root }
func (m *mockStorage) FreeSpace() (uint64, bool) { return m.free, m.freeOK }
func (m *mockStorage) CheckSpace() error         { return m.spaceErr }
func (m *mockStorage) Count() int                { return m.count }
