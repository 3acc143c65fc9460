package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrelmedia/playbuf/internal/buffer"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10

	// wsSendBuffer bounds queued snapshots per client; a slow client
	// drops intermediate snapshots rather than stalling the hub.
	wsSendBuffer = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The debug server binds to loopback; cross-origin tooling is fine.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleHealthStream upgrades to a websocket and streams health snapshots
// until the client disconnects. The first message is the current snapshot,
// so a client never waits for the next mutation.
func (s *Server) handleHealthStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	send := make(chan buffer.Health, wsSendBuffer)
	unsubscribe := s.engine.OnBufferHealth(func(h buffer.Health) {
		select {
		case send <- h:
		default:
		}
	})

	send <- s.engine.Health()

	// The hub may still hold a reference to the callback briefly after
	// unsubscribing, so the send channel is never closed; the write pump
	// stops via done.
	done := make(chan struct{})
	go s.healthWritePump(conn, send, done)
	s.healthReadPump(conn)

	unsubscribe()
	close(done)
}

// healthReadPump consumes control frames and returns when the client
// disconnects.
func (s *Server) healthReadPump(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// healthWritePump streams snapshots and keepalive pings until done closes.
func (s *Server) healthWritePump(conn *websocket.Conn, send <-chan buffer.Health, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case snapshot := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(snapshot); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
