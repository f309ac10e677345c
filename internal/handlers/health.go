package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/pinchtab/authstream/internal/web"
)

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.Sessions.Stats()
	web.JSON(w, 200, map[string]any{
		"status":   "ok",
		"version":  h.Version,
		"sessions": stats.Active,
		"uptime":   int(time.Since(h.started).Seconds()),
	})
}

func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	m := snapshotMetrics()
	stats := h.Sessions.Stats()
	m["sessionsActive"] = stats.Active
	m["sessionsTracked"] = stats.Total
	web.JSON(w, 200, map[string]any{"metrics": m})
}

func (h *Handlers) HandleShutdown(shutdownFn func()) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Info("shutdown requested via API")
		web.JSON(w, 200, map[string]any{"status": "shutting down"})

		go func() {
			time.Sleep(100 * time.Millisecond)
			shutdownFn()
		}()
	}
}
