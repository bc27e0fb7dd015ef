package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// inboundEnvelope is the wire shape of one client frame: an event
// name plus its opaque data (6, "Inbound events").
type inboundEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// outboundEnvelope is the wire shape of one server frame.
type outboundEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// wsConn wraps a websocket.Conn with a mutex for thread-safe writes;
// gorilla/websocket does not support concurrent writers.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(outboundEnvelope{Event: event, Data: payload})
}

func (c *wsConn) ping(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// handleWS upgrades to a websocket connection, performs the
// handshake (4.1, "verify token -> set session identity on the
// connection"), then loops reading frames until the connection drops.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sc := &wsConn{conn: conn}
	defer conn.Close()

	token := r.URL.Query().Get("token")
	identity, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		_ = sc.Send("error", map[string]string{"type": "AuthRequired", "message": "authentication required"})
		return
	}

	connectionID := uuid.New().String()
	connectionsActive.Inc()
	defer connectionsActive.Dec()
	defer s.hub.Leave(context.Background(), connectionID)

	pongTimeout := s.cfg.Socket.PongTimeout
	pingInterval := s.cfg.Socket.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := sc.ping(5 * time.Second); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env inboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			_ = sc.Send("error", map[string]string{"type": "ValidationError", "message": "malformed frame"})
			continue
		}
		s.dispatch(r.Context(), connectionID, identity, sc, env)
	}
}
