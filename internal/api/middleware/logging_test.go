package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLogger_CapturesStatusAndSize(t *testing.T) {
	var captured *responseWriter
	handler := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = w.(*responseWriter)
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/pot", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
	}
	if captured.status != http.StatusTeapot {
		t.Errorf("captured status = %d", captured.status)
	}
	if captured.size != int64(len("short and stout")) {
		t.Errorf("captured size = %d", captured.size)
	}
}

func TestLogger_DefaultStatus(t *testing.T) {
	var captured *responseWriter
	handler := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = w.(*responseWriter)
		w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if captured.status != http.StatusOK {
		t.Errorf("status = %d, want %d", captured.status, http.StatusOK)
	}
}

func TestLogger_Unwrap(t *testing.T) {
	handler := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// httptest.ResponseRecorder supports flushing through the wrapper.
		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("Flush through wrapper failed: %v", err)
		}
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if !w.Flushed {
		t.Error("recorder should be flushed")
	}
}

func TestRequestLevel(t *testing.T) {
	tests := []struct {
		path   string
		status int
		want   slog.Level
	}{
		{"/api/v1/sessions", http.StatusCreated, slog.LevelInfo},
		{"/api/v1/sessions/x/download", http.StatusBadGateway, slog.LevelError},
		{"/health", http.StatusOK, slog.LevelDebug},
		{"/ready", http.StatusServiceUnavailable, slog.LevelError},
	}

	for _, tt := range tests {
		if got := requestLevel(tt.path, tt.status); got != tt.want {
			t.Errorf("requestLevel(%q, %d) = %v, want %v", tt.path, tt.status, got, tt.want)
		}
	}
}
