package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"bloodbank-api/internal/realtime"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const wsWriteTimeout = 10 * time.Second

// EventsHandler streams change events over SSE and WebSocket.
type EventsHandler struct {
	hub            *realtime.Hub
	heartbeat      time.Duration
	originPatterns []string
	log            *zap.Logger
}

// NewEventsHandler creates an events handler. originPatterns are host globs
// accepted for WebSocket upgrades; "*" accepts any origin.
func NewEventsHandler(hub *realtime.Hub, heartbeat time.Duration, originPatterns []string, log *zap.Logger) *EventsHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &EventsHandler{
		hub:            hub,
		heartbeat:      heartbeat,
		originPatterns: originPatterns,
		log:            log.Named("events"),
	}
}

// Stream handles GET /api/v1/events as a server-sent event stream.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	clearDeadlines(w)

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: {\"client_id\":%q}\n\n", sub.ID)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Warn("failed to encode event", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: change\ndata: %s\n\n", data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// WebSocket handles GET /api/v1/events/ws. Each change event is sent as one
// JSON text message; client messages are ignored.
func (h *EventsHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	clearDeadlines(w)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.log.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub.ID)

	// CloseRead discards client frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Warn("failed to encode event", zap.Error(err))
				continue
			}
			if err := write(ctx, conn, data); err != nil {
				h.log.Debug("websocket write failed", zap.String("client_id", sub.ID), zap.Error(err))
				return
			}
		case <-heartbeat.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				h.log.Debug("websocket heartbeat failed", zap.String("client_id", sub.ID), zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

func write(parent context.Context, conn *websocket.Conn, b []byte) error {
	ctx, cancel := context.WithTimeout(parent, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

// clearDeadlines lifts the server read and write timeouts for a long-lived stream.
func clearDeadlines(w http.ResponseWriter) {
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})
}
