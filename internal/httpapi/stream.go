package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/prunebox/internal/dialog"
)

const wsWriteTimeout = 5 * time.Second

type streamMessage struct {
	Type string `json:"type"`
	Key  string `json:"key,omitempty"`
	OK   *bool  `json:"ok,omitempty"`
}

type streamReady struct {
	Type    string          `json:"type"`
	Pending []dialog.Dialog `json:"pending"`
}

// handleDialogStream pushes dialog events to the client and accepts
// {"type":"result","key":...,"ok":...} answers on the same socket.
func (s *Server) handleDialogStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Broker == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "dialogs are not served here", getCorrelationID(r))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.WSOriginPatterns,
	})
	if err != nil {
		s.deps.Logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events, cancel := s.deps.Broker.Subscribe(32)
	defer cancel()

	ctx := r.Context()
	if err := writeWithTimeout(ctx, conn, streamReady{Type: "ready", Pending: s.deps.Broker.Pending()}); err != nil {
		return
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			var msg streamMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				readErr <- err
				return
			}
			if msg.Type != "result" || msg.OK == nil {
				continue
			}
			if err := s.deps.Broker.Answer(msg.Key, *msg.OK); err != nil {
				s.deps.Logger.Debug("stream answer rejected", "key", msg.Key, "error", err)
				continue
			}
			s.deps.Logger.Info("dialog answered", "key", msg.Key, "ok", *msg.OK, "via", "websocket")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case err := <-readErr:
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				conn.Close(websocket.StatusNormalClosure, "")
			}
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "broker closed")
				return
			}
			if err := writeWithTimeout(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func writeWithTimeout(ctx context.Context, conn *websocket.Conn, v any) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, v)
}
