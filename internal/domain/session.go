package domain

import (
	"time"
)

// SessionID is a unique identifier for a user session.
type SessionID string

// String returns the string representation of the SessionID.
func (id SessionID) String() string {
	return string(id)
}

// SessionState is the position of a session in its linear lifecycle.
type SessionState string

const (
	SessionIdle      SessionState = "idle"
	SessionListing   SessionState = "listing"
	SessionReady     SessionState = "ready"
	SessionFetching  SessionState = "fetching"
	SessionDelivered SessionState = "delivered"
	SessionFailed    SessionState = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s SessionState) IsTerminal() bool {
	return s == SessionDelivered || s == SessionFailed
}

var sessionTransitions = map[SessionState][]SessionState{
	SessionIdle:     {SessionListing},
	SessionListing:  {SessionReady, SessionFailed},
	SessionReady:    {SessionFetching, SessionFailed},
	SessionFetching: {SessionDelivered, SessionFailed},
}

// Session tracks one user's progress from URL submission to delivery.
type Session struct {
	ID        SessionID
	URL       string
	State     SessionState
	Listing   *Listing
	Choices   []ResolutionChoice
	Height    int
	Progress  Progress
	ErrorKind Kind
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSession creates an idle session for url.
func NewSession(id SessionID, url string) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		URL:       url,
		State:     SessionIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Session) transition(to SessionState) error {
	for _, next := range sessionTransitions[s.State] {
		if next == to {
			s.State = to
			s.UpdatedAt = time.Now()
			return nil
		}
	}
	if to == SessionFetching && s.State == SessionFetching {
		return ErrSessionBusy
	}
	return ErrInvalidTransition
}

// MarkListing moves the session into the listing state.
func (s *Session) MarkListing() error {
	return s.transition(SessionListing)
}

// MarkReady stores the listing and the offered choices.
func (s *Session) MarkReady(listing *Listing, choices []ResolutionChoice) error {
	if err := s.transition(SessionReady); err != nil {
		return err
	}
	s.Listing = listing
	s.Choices = choices
	return nil
}

// MarkFetching records the chosen height and starts the fetch.
func (s *Session) MarkFetching(height int) error {
	if err := s.transition(SessionFetching); err != nil {
		return err
	}
	s.Height = height
	s.Progress = Progress{Phase: PhaseDownloading, Stream: 1}
	return nil
}

// MarkDelivered marks the artifact as handed over.
func (s *Session) MarkDelivered() error {
	if err := s.transition(SessionDelivered); err != nil {
		return err
	}
	s.Progress.Phase = PhaseFinished
	s.Progress.Fraction = 1
	return nil
}

// MarkFailed records err and ends the session.
func (s *Session) MarkFailed(err error) error {
	if terr := s.transition(SessionFailed); terr != nil {
		return terr
	}
	s.ErrorKind = KindOf(err)
	s.Error = UserMessage(err)
	return nil
}

// SetProgress stores a progress snapshot while fetching.
func (s *Session) SetProgress(p Progress) {
	if s.State != SessionFetching {
		return
	}
	if p.Fraction < s.Progress.Fraction {
		p.Fraction = s.Progress.Fraction
	}
	s.Progress = p
	s.UpdatedAt = time.Now()
}

// Clone returns a copy that shares no mutable state with s.
// The listing is shared because listings are never mutated.
func (s *Session) Clone() *Session {
	c := *s
	if s.Choices != nil {
		c.Choices = append([]ResolutionChoice(nil), s.Choices...)
	}
	return &c
}
