package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"goa.design/clue/log"

	"github.com/neomentor/engine/runtime/auth"
	"github.com/neomentor/engine/runtime/session"
	"github.com/neomentor/engine/runtime/stream"
	"github.com/neomentor/engine/runtime/stream/broker"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleLive streams a session's events over a WebSocket. Ownership is checked
// before the upgrade so unauthorized callers get a plain HTTP status. A
// session that already terminated yields a single terminal event synthesized
// from the store.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	sessionID := r.PathValue("id")
	sess, err := s.orch.Get(r.Context(), sessionID, id.UserID)
	if err != nil {
		s.writeSessionError(r, w, err)
		return
	}

	var sub stream.Subscription
	if !sess.Status.Terminal() {
		sub, err = s.bus.Subscribe(r.Context(), sessionID)
		if err != nil {
			log.Errorf(r.Context(), err, "live subscribe failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		// The session may have terminated and its topic been torn down between
		// the load and the subscribe, leaving a subscription that will never
		// receive. Re-check and fall back to the store.
		if cur, lerr := s.store.Load(r.Context(), sessionID); lerr == nil && cur.Status.Terminal() {
			sub.Close()
			sub = nil
			sess = cur
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		if sub != nil {
			sub.Close()
		}
		return
	}
	defer conn.Close()

	if sub == nil {
		s.writeTerminalFromStore(conn, sess)
		return
	}
	defer sub.Close()

	// Reader goroutine: the client never sends data frames, but reading is
	// required to observe close frames and pings.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sentTerminal := false
	for {
		select {
		case <-clientGone:
			return
		case evt, ok := <-sub.Events():
			if !ok {
				if errors.Is(sub.Err(), broker.ErrSlowSubscriber) {
					s.writeEvent(conn, stream.Event{
						SessionID: sessionID,
						Kind:      stream.EventLog,
						Payload:   stream.LogPayload{Message: "stream lagged, resynchronize from session history"},
						Timestamp: time.Now().UTC(),
					})
				} else if !sentTerminal {
					// Topic tore down between Get and Subscribe; recover the
					// terminal state from the store.
					if cur, lerr := s.store.Load(r.Context(), sessionID); lerr == nil && cur.Status.Terminal() {
						s.writeTerminalFromStore(conn, cur)
						return
					}
				}
				s.closeConn(conn)
				return
			}
			if !s.writeEvent(conn, evt) {
				return
			}
			if evt.Kind.Terminal() {
				sentTerminal = true
			}
		}
	}
}

// writeTerminalFromStore emits the terminal event a late subscriber missed.
func (s *Server) writeTerminalFromStore(conn *websocket.Conn, sess session.Session) {
	s.writeEvent(conn, stream.Event{
		SessionID: sess.ID,
		Sequence:  uint64(len(sess.Steps)),
		Kind:      stream.EventSessionTerminal,
		Payload: stream.SessionTerminalPayload{
			Status: string(sess.Status),
			Result: sess.Result,
			Error:  sess.Error,
		},
		Timestamp: sess.UpdatedAt,
	})
	s.closeConn(conn)
}

func (s *Server) writeEvent(conn *websocket.Conn, evt stream.Event) bool {
	payload, err := json.Marshal(evt)
	if err != nil {
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload) == nil
}

func (s *Server) closeConn(conn *websocket.Conn) {
	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
