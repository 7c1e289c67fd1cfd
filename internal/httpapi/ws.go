// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	vmerrors "vmark-noded/internal/errors"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleSessionStream upgrades to a websocket and streams every "sent" and
// "match" event for a running TWAMP session, one JSON text message per
// event, closing when the session reaches StateDone.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.twamp.mu.Lock()
	ts, ok := s.twamp.sessions[id]
	s.twamp.mu.Unlock()
	if !ok {
		writeError(w, vmerrors.Errorf(vmerrors.KindNotFound, "no session %q", id))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session", id, "error", err)
		return
	}
	defer conn.Close()

	ch := make(chan twampEvent, 64)
	ts.mu.Lock()
	if ts.stream == nil {
		// Session already finished before the client connected.
		ts.mu.Unlock()
		conn.WriteJSON(map[string]string{"state": "done"})
		return
	}
	ts.stream[ch] = struct{}{}
	ts.mu.Unlock()

	defer func() {
		ts.mu.Lock()
		if ts.stream != nil {
			delete(ts.stream, ch)
		}
		ts.mu.Unlock()
	}()

	for ev := range ch {
		buf, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
			return
		}
	}

	conn.WriteJSON(map[string]string{"state": "done"})
}
