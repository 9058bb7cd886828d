package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"missionline/internal/realtime"
)

const (
	liveWriteWait    = 10 * time.Second
	defaultHeartbeat = 25 * time.Second
)

// liveHandler serves a user's live channels over websocket and SSE. Each
// connection is one registry channel; the registry evicts it when it falls
// behind, which ends the connection.
type liveHandler struct {
	registry  *realtime.Registry
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

func registerLive(r chi.Router, basePath string, reg *realtime.Registry, heartbeat time.Duration, logger *slog.Logger) {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	h := &liveHandler{
		registry:  reg,
		heartbeat: heartbeat,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Live endpoints authenticate with a token, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	r.Get(path.Join(basePath, "live"), h.serveWebsocket)
	r.Get(path.Join(basePath, "live/stream"), h.serveSSE)
}

func (h *liveHandler) open(w http.ResponseWriter, r *http.Request) (*realtime.Channel, bool) {
	userID, authErr := userIDFromContext(r.Context())
	if authErr != nil {
		respondStatusError(w, authErr)
		return nil, false
	}
	ch, err := h.registry.Register(userID)
	if errors.Is(err, realtime.ErrTooManyChannels) {
		respondStatusError(w, newAPIError(http.StatusTooManyRequests, "too_many_channels", err.Error(), nil))
		return nil, false
	}
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
		return nil, false
	}
	return ch, true
}

func (h *liveHandler) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.open(w, r)
	if !ok {
		return
	}
	defer h.registry.Unregister(ch.UserID, ch)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "user_id", ch.UserID, "err", err)
		return
	}
	defer conn.Close()
	h.logger.Debug("live channel opened", "user_id", ch.UserID, "channel_id", ch.ID, "transport", "websocket")

	// Inbound frames are ignored; reading surfaces pongs and the client's close.
	readTimeout := 2 * h.heartbeat
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go func() {
		defer h.registry.Unregister(ch.UserID, ch)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.heartbeat)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-ch.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "channel closed"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (h *liveHandler) serveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming is not supported", nil))
		return
	}
	ch, ok := h.open(w, r)
	if !ok {
		return
	}
	defer h.registry.Unregister(ch.UserID, ch)
	h.logger.Debug("live channel opened", "user_id", ch.UserID, "channel_id", ch.ID, "transport", "sse")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch.Events():
			if !ok {
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev realtime.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", ev.Kind); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
