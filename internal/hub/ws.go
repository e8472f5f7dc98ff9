package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsWriteTimeout bounds a single frame write so one stalled client
// cannot block a publish indefinitely.
const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 32 * 1024,
	// UI clients connect from file:// shells and dev servers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsSubscriber wraps a websocket connection as a hub Subscriber.
// Writes are serialized: a publish and a pong reply may race otherwise.
type wsSubscriber struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Send implements Subscriber.
func (s *wsSubscriber) Send(e Event) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(e)
}

// clientFrame is the only client→server message of interest: a liveness
// ping, answered with a pong.
type clientFrame struct {
	Type string `json:"type"`
}

// ServeSession upgrades the request to a websocket subscribed to one
// session. Blocks until the connection closes.
func (h *Hub) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string, logger *slog.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sub := &wsSubscriber{conn: conn}
	h.Subscribe(sessionID, sub)
	defer func() {
		h.Unsubscribe(sessionID, sub)
		conn.Close()
	}()

	_ = sub.Send(Event{Type: EventConnected, SessionID: sessionID})
	logger.Debug("session subscriber connected", "session", sessionID)

	readPings(conn, sub)
	logger.Debug("session subscriber disconnected", "session", sessionID)
}

// ServeGlobal upgrades the request to a websocket subscribed to the
// cross-session channel. Blocks until the connection closes.
func (h *Hub) ServeGlobal(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sub := &wsSubscriber{conn: conn}
	h.SubscribeGlobal(sub)
	defer func() {
		h.UnsubscribeGlobal(sub)
		conn.Close()
	}()

	_ = sub.Send(Event{Type: EventConnected})
	logger.Debug("global subscriber connected")

	readPings(conn, sub)
	logger.Debug("global subscriber disconnected")
}

// readPings consumes client frames until the connection dies, answering
// ping frames with pongs and ignoring everything else.
func readPings(conn *websocket.Conn, sub *wsSubscriber) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == "ping" {
			sub.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			_ = conn.WriteJSON(map[string]string{"type": "pong"})
			sub.writeMu.Unlock()
		}
	}
}
