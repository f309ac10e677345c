package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gobwas/ws"

	"github.com/pinchtab/authstream/internal/stream"
	"github.com/pinchtab/authstream/internal/transport"
	"github.com/pinchtab/authstream/internal/web"
)

// HandleStream upgrades to WebSocket and attaches the connection to the
// session: frames and status go out, input comes back in.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	ctrl, ok := h.Sessions.Get(id)
	if !ok {
		web.ErrorCode(w, 404, "not_found", "session not found")
		return
	}
	if !ctrl.Snapshot().Active() {
		web.ErrorCode(w, 410, "session_ended", stream.ErrSessionEnded.Error())
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		slog.Error("ws upgrade failed", "session", id, "err", err)
		return
	}
	ch := transport.NewConn(conn)

	if _, err := h.Sessions.Attach(id, ch); err != nil {
		_ = ch.Send(transport.NewStatus(transport.StatusError, err.Error(), ""))
		_ = ch.Close()
		return
	}
	recordStreamOpened()

	err = ch.ReadLoop(func(in transport.Input) {
		if in.Kind == transport.InputPing {
			ctrl.Ping(ch)
			return
		}
		ctrl.ForwardInput(in)
	})
	if err != nil {
		slog.Debug("stream read ended", "session", id, "err", err)
	}
}
