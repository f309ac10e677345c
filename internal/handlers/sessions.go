package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/pinchtab/authstream/internal/idutil"
	"github.com/pinchtab/authstream/internal/registry"
	"github.com/pinchtab/authstream/internal/stream"
	"github.com/pinchtab/authstream/internal/web"
)

func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	res := h.Sessions.Start(r.Context())
	if res.Success {
		recordSessionStarted()
	}
	writeStartResult(w, res)
}

func writeStartResult(w http.ResponseWriter, res registry.StartResult) {
	if res.Success {
		web.JSON(w, 200, res)
		return
	}
	recordSessionFailed()
	code := http.StatusBadGateway
	switch res.Reason {
	case registry.ReasonRateLimited:
		code = http.StatusTooManyRequests
		web.SetRetryAfter(w, time.Duration(res.RetryAfterSeconds)*time.Second)
	case registry.ReasonCapacity:
		code = http.StatusServiceUnavailable
	}
	web.JSON(w, code, res)
}

// sessionID returns the path id, or writes 400 when it is not shaped like
// one the registry hands out.
func sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !idutil.IsSessionID(id) {
		web.ErrorCode(w, 400, "bad_session_id", "malformed session id")
		return "", false
	}
	return id, true
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	web.JSON(w, 200, h.Sessions.Status(id))
}

func (h *Handlers) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	res, err := h.Sessions.Reconnect(id)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		web.ErrorCode(w, 404, "not_found", err.Error())
	case errors.Is(err, stream.ErrSessionEnded):
		web.ErrorCode(w, 409, "session_ended", err.Error())
	case err != nil:
		web.Error(w, 500, err)
	default:
		web.JSON(w, 200, res)
	}
}
