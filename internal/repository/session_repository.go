package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iconidentify/muxgrab/internal/domain"
)

// InMemorySessionRepository implements SessionRepository using in-memory storage.
type InMemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*domain.Session
}

// NewInMemorySessionRepository creates a new in-memory session repository.
func NewInMemorySessionRepository() *InMemorySessionRepository {
	return &InMemorySessionRepository{
		sessions: make(map[domain.SessionID]*domain.Session),
	}
}

// Create stores a new session.
func (r *InMemorySessionRepository) Create(ctx context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; ok {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	r.sessions[session.ID] = session.Clone()

	return nil
}

// Get retrieves a session by ID.
func (r *InMemorySessionRepository) Get(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}

	return session.Clone(), nil
}

// Update applies fn to the stored session under the write lock.
func (r *InMemorySessionRepository) Update(ctx context.Context, id domain.SessionID, fn func(*domain.Session) error) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}

	working := session.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	r.sessions[id] = working

	return working.Clone(), nil
}

// Delete removes a session.
func (r *InMemorySessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return domain.ErrSessionNotFound
	}
	delete(r.sessions, id)

	return nil
}

// Expire removes sessions idle since before cutoff.
func (r *InMemorySessionRepository) Expire(ctx context.Context, cutoff time.Time) ([]domain.SessionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []domain.SessionID
	for id, s := range r.sessions {
		if s.State == domain.SessionFetching {
			continue
		}
		if s.UpdatedAt.Before(cutoff) {
			delete(r.sessions, id)
			expired = append(expired, id)
		}
	}

	return expired, nil
}

// Stats returns session statistics.
func (r *InMemorySessionRepository) Stats(ctx context.Context) (*SessionStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &SessionStats{Total: len(r.sessions)}
	for _, s := range r.sessions {
		switch s.State {
		case domain.SessionIdle:
			stats.Idle++
		case domain.SessionListing:
			stats.Listing++
		case domain.SessionReady:
			stats.Ready++
		case domain.SessionFetching:
			stats.Fetching++
		case domain.SessionDelivered:
			stats.Delivered++
		case domain.SessionFailed:
			stats.Failed++
		}
	}

	return stats, nil
}
