package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/iconidentify/muxgrab/internal/domain"
	"github.com/iconidentify/muxgrab/internal/repository"
)

var startTime = time.Now()

// Storage reports on the temporary workspace root.
type Storage interface {
	Root() string
	FreeSpace() (uint64, bool)
	CheckSpace() error
	Count() int
}

// SessionStatser reports session counts.
type SessionStatser interface {
	Stats(ctx context.Context) (*repository.SessionStats, error)
	Backend() string
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	sessions SessionStatser
	storage  Storage
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(sessions SessionStatser, storage Storage) *HealthHandler {
	return &HealthHandler{
		sessions: sessions,
		storage:  storage,
	}
}

// HealthResponse is the JSON response for health checks.
type HealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp string                   `json:"timestamp"`
	Error     string                   `json:"error,omitempty"`
	Sessions  *repository.SessionStats `json:"sessions,omitempty"`
}

// Live handles GET /health - liveness probe.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready - readiness probe. The service is not ready
// when sessions are unavailable or temporary storage is below its minimum.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	notReady := func(err error) {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:    "error",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Error:     err.Error(),
		})
	}

	stats, err := h.sessions.Stats(ctx)
	if err != nil {
		notReady(err)
		return
	}
	if err := h.storage.CheckSpace(); err != nil {
		notReady(err)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Sessions:  stats,
	})
}

// SystemStats contains service and resource statistics.
type SystemStats struct {
	Backend       string                   `json:"backend"`
	Sessions      *repository.SessionStats `json:"sessions"`
	Workspaces    int                      `json:"workspaces"`
	TempPath      string                   `json:"temp_path"`
	TempFreeBytes *uint64                  `json:"temp_free_bytes,omitempty"`
	TempFreeHuman string                   `json:"temp_free_human,omitempty"`
	Uptime        int64                    `json:"uptime_seconds"`
	UptimeHuman   string                   `json:"uptime_human"`
	MemAllocMB    int64                    `json:"mem_alloc_mb"`
	MemSysMB      int64                    `json:"mem_sys_mb"`
	NumGoroutines int                      `json:"num_goroutines"`
	NumCPU        int                      `json:"num_cpu"`
}

// Stats handles GET /api/v1/stats - system statistics.
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read session stats", domain.KindUnknown)
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(startTime)

	stats := SystemStats{
		Backend:       h.sessions.Backend(),
		Sessions:      sessions,
		Workspaces:    h.storage.Count(),
		TempPath:      h.storage.Root(),
		Uptime:        int64(uptime.Seconds()),
		UptimeHuman:   formatUptime(uptime),
		MemAllocMB:    int64(m.Alloc / 1024 / 1024),
		MemSysMB:      int64(m.Sys / 1024 / 1024),
		NumGoroutines: runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
	}
	if free, ok := h.storage.FreeSpace(); ok {
		stats.TempFreeBytes = &free
		stats.TempFreeHuman = humanize.IBytes(free)
	}

	writeJSON(w, http.StatusOK, stats)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}
