package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/iconidentify/muxgrab/internal/domain"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// StatusFor maps an error onto an HTTP status code.
func StatusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindInvalidURL:
		return http.StatusBadRequest
	case domain.KindAccessRestricted:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindNoSuitableFormat, domain.KindNoAudio:
		return http.StatusUnprocessableEntity
	case domain.KindRetrieval, domain.KindFetch:
		return http.StatusBadGateway
	case domain.KindStorage:
		return http.StatusInsufficientStorage
	case domain.KindSession:
		if errors.Is(err, domain.ErrSessionNotFound) {
			return http.StatusNotFound
		}
		return http.StatusConflict
	case domain.KindCanceled:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, kind domain.Kind) {
	writeJSON(w, status, ErrorResponse{Error: message, Kind: string(kind)})
}

// writeDomainError replies with the user-facing message for err.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, StatusFor(err), domain.UserMessage(err), domain.KindOf(err))
}
