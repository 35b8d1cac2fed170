package repository

import (
	"context"
	"time"

	"github.com/iconidentify/muxgrab/internal/domain"
)

// SessionRepository tracks live sessions. Sessions are process-local.
// Implementations hand out copies; changes go through Update.
type SessionRepository interface {
	// Create stores a new session.
	Create(ctx context.Context, session *domain.Session) error

	// Get retrieves a session by ID.
	Get(ctx context.Context, id domain.SessionID) (*domain.Session, error)

	// Update applies fn to the stored session atomically and returns the
	// result. If fn returns an error the session is left unchanged.
	Update(ctx context.Context, id domain.SessionID, fn func(*domain.Session) error) (*domain.Session, error)

	// Delete removes a session.
	Delete(ctx context.Context, id domain.SessionID) error

	// Expire removes sessions idle since before cutoff, except those still
	// fetching, and returns their IDs.
	Expire(ctx context.Context, cutoff time.Time) ([]domain.SessionID, error)

	// Stats returns session statistics.
	Stats(ctx context.Context) (*SessionStats, error)
}

// SessionStats contains session counts by state.
type SessionStats struct {
	Total     int `json:"total"`
	Idle      int `json:"idle"`
	Listing   int `json:"listing"`
	Ready     int `json:"ready"`
	Fetching  int `json:"fetching"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}
