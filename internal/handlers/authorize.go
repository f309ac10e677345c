package handlers

import (
	"errors"
	"net/http"

	"github.com/pinchtab/authstream/internal/authz"
	"github.com/pinchtab/authstream/internal/vault"
	"github.com/pinchtab/authstream/internal/web"
)

func (h *Handlers) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	a, err := h.Auth.Authorize(r.Context())
	var se *authz.StartError
	switch {
	case errors.As(err, &se):
		writeStartResult(w, se.Result)
	case err != nil:
		web.Error(w, 500, err)
	default:
		recordSessionStarted()
		web.JSON(w, 200, a)
	}
}

func (h *Handlers) HandleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	setDefault := r.URL.Query().Get("default") != "false"
	ws, err := h.Auth.Complete(r.Context(), id, setDefault)
	var fe *authz.FailedError
	switch {
	case errors.Is(err, authz.ErrResultNotReady):
		web.RetryLater(w, 409, "not_ready", err.Error(), 0)
	case errors.As(err, &fe):
		web.JSON(w, 200, map[string]any{"success": false, "error": fe.Reason})
	case err != nil:
		web.Error(w, 500, err)
	default:
		recordWorkspaceSaved()
		web.JSON(w, 200, map[string]any{"success": true, "workspace": ws})
	}
}

func (h *Handlers) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	err := h.Auth.Revoke(r.Context(), r.PathValue("realm"))
	switch {
	case errors.Is(err, vault.ErrNotFound):
		web.ErrorCode(w, 404, "not_found", "workspace not found")
	case err != nil:
		web.Error(w, 500, err)
	default:
		web.JSON(w, 200, map[string]any{"success": true})
	}
}

func (h *Handlers) HandleWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := h.Auth.Workspaces(r.Context())
	if err != nil {
		web.Error(w, 500, err)
		return
	}
	web.JSON(w, 200, list)
}

func (h *Handlers) HandleSetDefault(w http.ResponseWriter, r *http.Request) {
	realm := r.PathValue("realm")
	err := h.Auth.SetDefault(r.Context(), realm)
	switch {
	case errors.Is(err, vault.ErrNotFound):
		web.ErrorCode(w, 404, "not_found", "workspace not found")
	case err != nil:
		web.Error(w, 500, err)
	default:
		web.JSON(w, 200, map[string]any{"success": true, "default": realm})
	}
}
