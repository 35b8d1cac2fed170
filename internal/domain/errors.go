package domain

import (
	"context"
	"errors"
)

// Domain errors.
var (
	// ErrInvalidURL is returned when the submitted resource URL is malformed.
	ErrInvalidURL = errors.New("invalid resource URL")

	// ErrAccessRestricted is returned when the resource is private, age-gated,
	// region-locked or otherwise requires credentials.
	ErrAccessRestricted = errors.New("access restricted")

	// ErrNotFound is returned when the resource does not exist or was removed.
	ErrNotFound = errors.New("resource not found")

	// ErrRetrievalFailed is returned for any other format listing failure.
	ErrRetrievalFailed = errors.New("format retrieval failed")

	// ErrNoSuitableFormat is returned when no video-only stream matches.
	ErrNoSuitableFormat = errors.New("no suitable video format")

	// ErrNoAudioAvailable is returned when muxing is required but the
	// resource exposes no audio-only stream.
	ErrNoAudioAvailable = errors.New("no audio-only stream available")

	// ErrFetchFailed is returned when the download or mux step fails.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrFileMissingPostFetch is returned when the backend reported success
	// but no output file exists.
	ErrFileMissingPostFetch = errors.New("output file missing after fetch")

	// ErrStorageFull is returned when there is insufficient temporary storage.
	ErrStorageFull = errors.New("insufficient storage space")

	// ErrSessionNotFound is returned when a session cannot be found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionBusy is returned when a session already has a fetch in flight.
	ErrSessionBusy = errors.New("session is already fetching")

	// ErrInvalidTransition is returned when a session is asked to move
	// backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// Kind classifies an error for the caller.
type Kind string

const (
	KindInvalidURL       Kind = "invalid_url"
	KindAccessRestricted Kind = "access_restricted"
	KindNotFound         Kind = "not_found"
	KindRetrieval        Kind = "retrieval"
	KindNoSuitableFormat Kind = "no_suitable_format"
	KindNoAudio          Kind = "no_audio"
	KindFetch            Kind = "fetch"
	KindFileMissing      Kind = "file_missing"
	KindStorage          Kind = "storage"
	KindSession          Kind = "session"
	KindCanceled         Kind = "canceled"
	KindUnknown          Kind = "unknown"
)

// GrabError wraps an error with the operation and resource it relates to.
type GrabError struct {
	Op  string
	URL string
	Err error
}

func (e *GrabError) Error() string {
	if e.URL != "" {
		return e.Op + " [" + e.URL + "]: " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *GrabError) Unwrap() error {
	return e.Err
}

// NewGrabError creates a new GrabError.
func NewGrabError(op, url string, err error) *GrabError {
	return &GrabError{
		Op:  op,
		URL: url,
		Err: err,
	}
}

// KindOf reports the Kind of err by walking its chain.
// Access restrictions win over generic retrieval failures when both appear.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidURL):
		return KindInvalidURL
	case errors.Is(err, ErrAccessRestricted):
		return KindAccessRestricted
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrNoSuitableFormat):
		return KindNoSuitableFormat
	case errors.Is(err, ErrNoAudioAvailable):
		return KindNoAudio
	case errors.Is(err, ErrFileMissingPostFetch):
		return KindFileMissing
	case errors.Is(err, ErrStorageFull):
		return KindStorage
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrSessionBusy),
		errors.Is(err, ErrInvalidTransition):
		return KindSession
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrFetchFailed):
		return KindFetch
	case errors.Is(err, ErrRetrievalFailed):
		return KindRetrieval
	default:
		return KindUnknown
	}
}

// UserMessage converts err into text suitable for showing to an end user.
func UserMessage(err error) string {
	switch KindOf(err) {
	case "":
		return ""
	case KindInvalidURL:
		return "That does not look like a valid video URL."
	case KindAccessRestricted:
		return "This video is restricted. It may be private, age-restricted, or region-locked."
	case KindNotFound:
		return "The video could not be found. It may have been removed."
	case KindRetrieval:
		return "Could not fetch the available formats. Please try again later."
	case KindNoSuitableFormat:
		return "No video-only formats found. This might be a live stream or a different kind of video."
	case KindNoAudio:
		return "No separate audio track is available for this video."
	case KindFetch:
		return "The download failed before the file could be produced."
	case KindFileMissing:
		return "File not found after download. It might be a DRM-protected video."
	case KindStorage:
		return "The server is out of temporary storage. Please try again later."
	case KindSession:
		if errors.Is(err, ErrSessionBusy) {
			return "A download is already running for this request."
		}
		return "This request has expired. Please submit the URL again."
	case KindCanceled:
		return "The request was cancelled or timed out."
	default:
		return "Something went wrong: " + err.Error()
	}
}
