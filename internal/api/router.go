package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/iconidentify/muxgrab/internal/api/handler"
	mw "github.com/iconidentify/muxgrab/internal/api/middleware"
	"github.com/iconidentify/muxgrab/internal/config"
)

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(
	sessionHandler *handler.SessionHandler,
	healthHandler *handler.HealthHandler,
	uiHandler *handler.UIHandler,
	cfg config.ServerConfig,
) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.CleanPath) // Normalize paths (e.g., //ready -> /ready)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(mw.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth)
	r.Get("/health", healthHandler.Live)
	r.Get("/ready", healthHandler.Ready)

	// Web UI (no auth - the page sends the API key itself)
	r.Get("/", uiHandler.Index)

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(mw.APIKeyAuth(cfg.APIKey))
		}

		r.Group(func(r chi.Router) {
			if cfg.RequestTimeout > 0 {
				r.Use(middleware.Timeout(cfg.RequestTimeout))
			}

			r.Get("/stats", healthHandler.Stats)

			r.Post("/sessions", sessionHandler.Create)
			r.Get("/sessions/{sessionID}", sessionHandler.Get)
			r.Delete("/sessions/{sessionID}", sessionHandler.Delete)
		})

		// Not under the request timeout; fetch.timeout bounds it.
		r.Post("/sessions/{sessionID}/download", sessionHandler.Download)
	})

	return r
}
