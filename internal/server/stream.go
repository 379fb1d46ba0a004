package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamBatch     = 200
	streamKeepalive = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// stream pushes queue events over a websocket. Clients resume with
// ?cursor=<last event id>; without one they get the full backlog first.
func (h handlers) stream(w http.ResponseWriter, r *http.Request) {
	l := h.log.With("handler", "stream")

	var cursor int64
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondStatusError(w, r, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": raw}))
			return
		}
		cursor = parsed
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	l.Debug("stream opened", "cursor", cursor, "actor", actorIDFromContext(r.Context()))

	ch := h.queue.Notifier().Subscribe()
	defer h.queue.Notifier().Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	if err := h.streamEvents(ctx, conn, &cursor); err != nil {
		l.Error("backfill failed", "err", err)
		return
	}

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Debug("stream closed by client", "cursor", cursor)
			return
		case <-ch:
			if err := h.streamEvents(ctx, conn, &cursor); err != nil {
				l.Error("stream failed", "err", err)
				return
			}
		case <-keepalive.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Warn("keepalive failed", "err", err)
				return
			}
			// events written without a queue change, such as vcs.change,
			// are picked up here
			if err := h.streamEvents(ctx, conn, &cursor); err != nil {
				l.Error("stream failed", "err", err)
				return
			}
		}
	}
}

func (h handlers) streamEvents(ctx context.Context, conn *websocket.Conn, cursor *int64) error {
	for {
		items, err := h.engine.Repo.ListEvents(ctx, *cursor, streamBatch)
		if err != nil {
			return err
		}
		for _, evt := range items {
			if err := conn.WriteJSON(eventResponse(evt)); err != nil {
				return err
			}
			*cursor = evt.ID
		}
		if len(items) < streamBatch {
			return nil
		}
	}
}
