package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/facturaIA/document-enhancement-service/internal/batch"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Tokens are checked by the auth middleware, not cookies, so any origin may connect
	CheckOrigin: func(r *http.Request) bool { return true },
}

// BatchEvents handles GET /batch/{id}/events. It streams job events as JSON text
// messages, starting with a snapshot of the current state, and closes the stream
// after the job reaches a terminal status.
func (h *Handler) BatchEvents(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if h.deps.Notifier == nil {
		h.sendError(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}

	ctx := r.Context()
	if _, err := h.deps.Queue.GetStatus(ctx, ownerID, id); err != nil {
		h.sendJobError(w, err)
		return
	}

	// subscribe before reading the snapshot so no transition falls in between
	events, unsubscribe, err := h.deps.Notifier.Subscribe(ctx, id)
	if err != nil {
		h.log.Error().Err(err).Str("job_id", id).Msg("failed to subscribe to job events")
		h.sendError(w, http.StatusInternalServerError, "failed to subscribe to job events")
		return
	}
	defer unsubscribe()

	job, err := h.deps.Queue.GetStatus(ctx, ownerID, id)
	if err != nil {
		h.sendJobError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("job_id", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := h.log.With().Str("job_id", id).Logger()
	log.Debug().Msg("event stream opened")

	// the reader goroutine only watches for the client going away
	closed := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Msg("event stream read error")
				}
				return
			}
		}
	}()

	send := func(ev batch.Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			log.Debug().Err(err).Msg("event stream write failed")
			return false
		}
		return true
	}
	finish := func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
	}

	snapshot := batch.Event{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  "snapshot",
		Time:     time.Now(),
	}
	if !send(snapshot) {
		return
	}
	if job.Status.IsTerminal() {
		finish()
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !send(ev) {
				return
			}
			if ev.Status.IsTerminal() {
				finish()
				return
			}
		}
	}
}
