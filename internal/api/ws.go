package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// handleEventStream upgrades to a websocket and streams every proof record
// appended from this point on. Slow readers are disconnected rather than
// allowed to back-pressure the loop.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	records, cancel := s.proofs.Subscribe()
	defer cancel()

	s.logger.Debug("proof stream attached", "remote", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(r.Context(), 5*time.Second)
			err := wsjson.Write(writeCtx, conn, rec)
			cancelWrite()
			if err != nil {
				s.logger.Debug("proof stream detached", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}
