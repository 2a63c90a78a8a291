package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/agentcore/internal/events"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = wsPongWait * 9 / 10
	wsBuffer       = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// ClientFrame is a message sent by an event stream client.
type ClientFrame struct {
	Type      string `json:"type"`
	ConfirmID string `json:"confirm_id"`
	Approved  bool   `json:"approved"`
}

// handleEvents upgrades to a WebSocket that carries every bus event to
// the client. Clients answer confirmation requests on the same socket
// with {"type":"confirm","confirm_id":...,"approved":...} frames.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "event stream not configured")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(wsBuffer)
	defer s.bus.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.logger.Info("event stream client connected", "remote", r.RemoteAddr)
	go s.readFrames(ctx, cancel, conn)
	s.writeEvents(ctx, conn, ch)
	s.logger.Info("event stream client disconnected", "remote", r.RemoteAddr)
}

func (s *Server) writeEvents(ctx context.Context, conn *websocket.Conn, ch <-chan events.Event) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readFrames handles client frames until the connection fails, then
// cancels the stream.
func (s *Server) readFrames(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var f ClientFrame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				s.logger.Debug("event stream read failed", "error", err)
			}
			return
		}
		switch f.Type {
		case "confirm":
			if f.ConfirmID == "" || s.confirmer == nil {
				continue
			}
			matched := s.confirmer.Resolve(f.ConfirmID, f.Approved)
			s.logger.Info("confirmation received via event stream",
				"confirm_id", f.ConfirmID,
				"approved", f.Approved,
				"matched", matched,
			)
		default:
			s.logger.Debug("ignoring event stream frame", "type", f.Type)
		}
	}
}
