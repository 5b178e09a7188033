package api

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleEvents upgrades to a WebSocket and streams the batch's updates as
// JSON, starting with the current snapshot. The server closes the socket
// normally after the terminal update.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	updates, stop, err := s.batches.Watch(id)
	if err != nil {
		httpError(w, err)
		return
	}
	defer stop()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "batch", id, "error", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "unexpected shutdown")

	// Nothing is read from the client; CloseRead notices when it goes away.
	ctx := c.CloseRead(r.Context())
	sent := 0
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("event stream closed by client", "batch", id, "sent", sent)
			return
		case u, ok := <-updates:
			if !ok {
				c.Close(websocket.StatusNormalClosure, "batch finished")
				s.logger.Debug("event stream finished", "batch", id, "sent", sent)
				return
			}
			wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			err := wsjson.Write(wctx, c, u)
			cancel()
			if err != nil {
				s.logger.Warn("writing batch update", "batch", id, "error", err)
				return
			}
			sent++
		}
	}
}
