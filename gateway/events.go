package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/openloop-ai/openloop/loop"
	"github.com/openloop-ai/openloop/store"
)

// wsWriteTimeout bounds each event write so one stuck connection cannot
// pin the writer goroutine.
const wsWriteTimeout = 5 * time.Second

// events upgrades to a websocket and streams the session's loop events as
// JSON text frames until the client disconnects.
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.serverError(w, "get session", err)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", "session", id, "error", err)
		return
	}
	defer ws.Close(websocket.StatusInternalError, "event stream closed")

	sub, cancel := h.hub.subscribe(id)
	defer cancel()

	ctx := r.Context()
	// Reads are discarded; a read error is how we learn the client left.
	go func() {
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range sub {
		if err := writeEvent(ctx, ws, ev); err != nil {
			h.logger.Debug("event stream write failed", "session", id, "error", err)
			return
		}
	}
	ws.Close(websocket.StatusNormalClosure, "done")
}

func writeEvent(ctx context.Context, ws *websocket.Conn, ev loop.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}
