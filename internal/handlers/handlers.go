// Package handlers provides the HTTP API: session lifecycle, the WebSocket
// stream and the authorization handoff.
package handlers

import (
	"net/http"
	"time"

	"github.com/pinchtab/authstream/internal/authz"
	"github.com/pinchtab/authstream/internal/config"
	"github.com/pinchtab/authstream/internal/registry"
)

type Handlers struct {
	Config   *config.RuntimeConfig
	Sessions *registry.Registry
	Auth     *authz.Coordinator
	Version  string
	started  time.Time
}

func New(cfg *config.RuntimeConfig, sessions *registry.Registry, auth *authz.Coordinator, version string) *Handlers {
	return &Handlers{
		Config:   cfg,
		Sessions: sessions,
		Auth:     auth,
		Version:  version,
		started:  time.Now(),
	}
}

func (h *Handlers) RegisterRoutes(mux *http.ServeMux, doShutdown func()) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /metrics", h.HandleMetrics)

	mux.HandleFunc("POST /sessions", h.HandleStart)
	mux.HandleFunc("GET /sessions/{id}", h.HandleStatus)
	mux.HandleFunc("POST /sessions/{id}/reconnect", h.HandleReconnect)
	mux.HandleFunc("GET /sessions/{id}/stream", h.HandleStream)

	mux.HandleFunc("POST /authorize", h.HandleAuthorize)
	mux.HandleFunc("POST /authorize/{id}/complete", h.HandleComplete)
	mux.HandleFunc("GET /workspaces", h.HandleWorkspaces)
	mux.HandleFunc("POST /workspaces/{realm}/default", h.HandleSetDefault)
	mux.HandleFunc("DELETE /workspaces/{realm}", h.HandleRevoke)

	if doShutdown != nil {
		mux.HandleFunc("POST /shutdown", h.HandleShutdown(doShutdown))
	}
}

// Handler wires the routes behind the standard middleware chain.
func (h *Handlers) Handler(doShutdown func()) http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, doShutdown)
	return RequestIDMiddleware(LoggingMiddleware(CorsMiddleware(AuthMiddleware(h.Config, RateLimitMiddleware(mux)))))
}
