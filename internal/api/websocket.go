package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"sublarr/internal/events"
	"sublarr/internal/logging"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	// wsBuffer bounds the per-client backlog; slow clients are dropped
	// rather than blocking the bus.
	wsBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Token auth already gates the route; the UI may be served from
	// another origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents upgrades to a WebSocket and forwards bus events. Clients may
// filter with ?types=job.completed,wanted.scanned.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var types []events.Type
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(t); trimmed != "" {
				types = append(types, events.Type(trimmed))
			}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Debug("websocket upgrade failed", logging.Args(logging.Error(err))...)
		return
	}
	defer conn.Close()

	queue := make(chan events.Event, wsBuffer)
	unsubscribe := s.bus.Subscribe(func(event events.Event) {
		select {
		case queue <- event:
		default:
			// Dropped; the catalog version gap tells the client to resync.
		}
	}, types...)
	defer unsubscribe()

	// Reader goroutine drains control frames and detects disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case event := <-queue:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
