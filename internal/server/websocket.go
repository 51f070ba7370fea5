package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Alias1177/OddsCollector/internal/broadcast"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// clientMessage is what a websocket client sends to change its race set.
type clientMessage struct {
	Action string `json:"action"`
	RaceID string `json:"race_id"`
}

type serverMessage struct {
	Type   string   `json:"type"`
	RaceID string   `json:"race_id,omitempty"`
	Races  []string `json:"races,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// handleWebSocket upgrades the connection and subscribes it to the races in
// the comma separated race query parameter. Clients adjust the set later with
// subscribe and unsubscribe actions.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	var races []string
	for _, id := range strings.Split(r.URL.Query().Get("race"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			races = append(races, id)
		}
	}
	sub := s.hub.Subscribe(races...)
	if r.URL.Query().Get("global") == "true" {
		sub.FollowGlobal()
	}

	s.logger.Debug().Str("remote", r.RemoteAddr).Strs("races", races).Msg("WebSocket client connected")

	outbound := make(chan serverMessage, 8)
	done := make(chan struct{})
	go s.writePump(conn, sub, outbound, done)
	s.readPump(conn, sub, outbound)
	close(done)
}

func (s *Server) readPump(conn *websocket.Conn, sub *broadcast.Subscription, outbound chan<- serverMessage) {
	defer sub.Unsubscribe()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("WebSocket read failed")
			}
			return
		}

		reply := serverMessage{Type: msg.Action, RaceID: msg.RaceID}
		switch {
		case msg.RaceID == "":
			reply = serverMessage{Type: "error", Error: "race_id is required"}
		case msg.Action == "subscribe":
			sub.Follow(msg.RaceID)
		case msg.Action == "unsubscribe":
			sub.Unfollow(msg.RaceID)
		default:
			reply = serverMessage{Type: "error", Error: "unknown action " + msg.Action}
		}
		if reply.Type != "error" {
			reply.Races = sub.Races()
		}

		select {
		case outbound <- reply:
		default:
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, sub *broadcast.Subscription, outbound <-chan serverMessage, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub dropped us for falling behind or the reader closed.
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case msg := <-outbound:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
