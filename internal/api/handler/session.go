package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"

	"github.com/iconidentify/muxgrab/internal/domain"
	"github.com/iconidentify/muxgrab/internal/repository"
)

// GrabService is the session workflow the HTTP handlers drive.
type GrabService interface {
	List(ctx context.Context, rawURL string) (*domain.Session, error)
	Get(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	Fetch(ctx context.Context, id domain.SessionID, height int, onProgress domain.ProgressFunc) (*domain.OutputArtifact, error)
	Complete(ctx context.Context, id domain.SessionID, artifact *domain.OutputArtifact) error
	Abort(ctx context.Context, id domain.SessionID, artifact *domain.OutputArtifact, cause error) error
	Discard(ctx context.Context, id domain.SessionID) error
	Stats(ctx context.Context) (*repository.SessionStats, error)
	Backend() string
}

// SessionHandler handles session HTTP requests.
type SessionHandler struct {
	svc    GrabService
	fs     afero.Fs
	logger *slog.Logger
}

// NewSessionHandler creates a new session handler. fs is the filesystem
// artifacts are read from.
func NewSessionHandler(svc GrabService, fs afero.Fs, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		svc:    svc,
		fs:     fs,
		logger: logger,
	}
}

// CreateSessionRequest is the JSON request body for session creation.
type CreateSessionRequest struct {
	URL string `json:"url"`
}

// DownloadRequest is the JSON request body for a download.
type DownloadRequest struct {
	Height int `json:"height"`
}

// ChoiceResponse is one entry of the resolution picker.
type ChoiceResponse struct {
	Height   int    `json:"height"`
	Label    string `json:"label"`
	FormatID string `json:"format_id"`
}

// ProgressResponse is a progress snapshot.
type ProgressResponse struct {
	Phase           string   `json:"phase"`
	Stream          int      `json:"stream"`
	Downloaded      int64    `json:"downloaded_bytes"`
	DownloadedHuman string   `json:"downloaded_human"`
	Total           *int64   `json:"total_bytes,omitempty"`
	Rate            *float64 `json:"rate_bytes_per_sec,omitempty"`
	Fraction        float64  `json:"fraction"`
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID        string            `json:"id"`
	URL       string            `json:"url"`
	State     string            `json:"state"`
	Title     string            `json:"title,omitempty"`
	Choices   []ChoiceResponse  `json:"choices"`
	Height    int               `json:"height,omitempty"`
	Progress  *ProgressResponse `json:"progress,omitempty"`
	ErrorKind string            `json:"error_kind,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func toSessionResponse(s *domain.Session) SessionResponse {
	resp := SessionResponse{
		ID:        s.ID.String(),
		URL:       s.URL,
		State:     string(s.State),
		Choices:   make([]ChoiceResponse, 0, len(s.Choices)),
		Height:    s.Height,
		ErrorKind: string(s.ErrorKind),
		Error:     s.Error,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if s.Listing != nil {
		resp.Title = s.Listing.Title
	}
	for _, c := range s.Choices {
		resp.Choices = append(resp.Choices, ChoiceResponse{
			Height:   c.Height,
			Label:    c.Label,
			FormatID: c.Descriptor.ID,
		})
	}

	switch s.State {
	case domain.SessionFetching, domain.SessionDelivered:
		p := s.Progress
		resp.Progress = &ProgressResponse{
			Phase:           string(p.Phase),
			Stream:          p.Stream,
			Downloaded:      p.Downloaded,
			DownloadedHuman: humanize.IBytes(uint64(max(p.Downloaded, 0))),
			Fraction:        p.Fraction,
		}
		if total, ok := p.Total.Get(); ok {
			resp.Progress.Total = &total
		}
		if rate, ok := p.Rate.Get(); ok {
			resp.Progress.Rate = &rate
		}
	}

	return resp
}

// Create handles POST /api/v1/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", domain.KindInvalidURL)
		return
	}
	if req.URL == "" {
		writeDomainError(w, domain.ErrInvalidURL)
		return
	}

	session, err := h.svc.List(r.Context(), req.URL)
	if err != nil {
		h.logger.Info("listing failed", "url", req.URL, "kind", domain.KindOf(err), "error", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(session))
}

// Get handles GET /api/v1/sessions/{sessionID}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := domain.SessionID(chi.URLParam(r, "sessionID"))

	session, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// Delete handles DELETE /api/v1/sessions/{sessionID}
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := domain.SessionID(chi.URLParam(r, "sessionID"))

	if err := h.svc.Discard(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Download handles POST /api/v1/sessions/{sessionID}/download. It runs the
// fetch, streams the artifact as an attachment and releases it afterwards,
// whether or not the client received all of it.
func (h *SessionHandler) Download(w http.ResponseWriter, r *http.Request) {
	id := domain.SessionID(chi.URLParam(r, "sessionID"))
	logger := h.logger.With("session_id", id)

	height, err := parseHeight(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), domain.KindNoSuitableFormat)
		return
	}

	artifact, err := h.svc.Fetch(r.Context(), id, height, nil)
	if err != nil {
		logger.Info("fetch failed", "kind", domain.KindOf(err), "error", err)
		writeDomainError(w, err)
		return
	}

	f, err := h.fs.Open(artifact.Path)
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrFileMissingPostFetch, err)
		h.abort(id, artifact, err, logger)
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", artifact.MediaType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": artifact.Name}))
	w.Header().Set("Content-Length", strconv.FormatInt(artifact.Size, 10))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	n, copyErr := io.Copy(w, f)
	f.Close()

	if copyErr == nil && n < artifact.Size {
		copyErr = io.ErrShortWrite
	}
	if copyErr == nil {
		copyErr = r.Context().Err()
	}
	if copyErr != nil {
		logger.Warn("delivery interrupted",
			"sent", humanize.IBytes(uint64(n)),
			"size", humanize.IBytes(uint64(artifact.Size)),
			"error", copyErr,
		)
		h.abort(id, artifact, copyErr, logger)
		return
	}

	if err := h.svc.Complete(context.WithoutCancel(r.Context()), id, artifact); err != nil {
		logger.Error("failed to release delivered artifact", "error", err)
		return
	}
	logger.Info("artifact delivered", "name", artifact.Name, "size", humanize.IBytes(uint64(n)))
}

func (h *SessionHandler) abort(id domain.SessionID, artifact *domain.OutputArtifact, cause error, logger *slog.Logger) {
	if err := h.svc.Abort(context.Background(), id, artifact, cause); err != nil {
		logger.Error("failed to release artifact", "error", err)
	}
}

// parseHeight reads the height from the query string or the JSON body.
func parseHeight(r *http.Request) (int, error) {
	if q := r.URL.Query().Get("height"); q != "" {
		h, err := strconv.Atoi(q)
		if err != nil || h <= 0 {
			return 0, fmt.Errorf("invalid height %q", q)
		}
		return h, nil
	}

	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return 0, errors.New("invalid request body")
	}
	if req.Height <= 0 {
		return 0, errors.New("height is required")
	}
	return req.Height, nil
}
