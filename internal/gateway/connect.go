package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/magi-network/brainproxy/internal/auth"
	"github.com/magi-network/brainproxy/internal/registry"
	"github.com/magi-network/brainproxy/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// wsSocket adapts a gorilla connection to registry.Socket. gorilla allows one
// concurrent writer, so every write takes mu.
type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
}

func (ws *wsSocket) Send(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(ws.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	_ = ws.conn.SetWriteDeadline(deadline)
	return ws.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *wsSocket) Ping() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ws.writeTimeout))
}

func (ws *wsSocket) Close(code int, reason string) error {
	var err error
	ws.closeOnce.Do(func() {
		ws.mu.Lock()
		_ = ws.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		ws.mu.Unlock()
		err = ws.conn.Close()
	})
	return err
}

// handleConnect upgrades a brain's connection and registers it under its
// route. The token is the brain's secret.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("token")
	route := q.Get("route")
	origin := registry.OriginLocal
	if q.Get("origin") == string(registry.OriginRemote) {
		origin = registry.OriginRemote
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("brain websocket upgrade failed", "error", err)
		return
	}
	sock := &wsSocket{conn: conn, writeTimeout: s.writeTimeout}
	defer func() { _ = sock.Close(websocket.CloseNormalClosure, "") }()

	if len(token) < s.minConnectTokenLen || route == "" || route == auth.AutoRoute {
		s.logger.Warn("rejecting brain connection", "route", route, "remote_addr", clientIP(r))
		_ = sock.Close(registry.CloseUnauthorized, "unauthorized")
		return
	}

	if s.maxMessageBytes > 0 {
		conn.SetReadLimit(s.maxMessageBytes)
	}

	c, _ := s.reg.Register(route, sock, token, origin)
	conn.SetPongHandler(func(string) error {
		s.reg.TouchConnector(c)
		return nil
	})

	hello, _ := json.Marshal(protocol.Control{
		Type:      protocol.TypeConnected,
		Route:     route,
		Timestamp: time.Now().UTC(),
	})
	if err := sock.Send(r.Context(), hello); err != nil {
		s.logger.Warn("failed to greet brain", "route", route, "error", err)
		s.reg.RemoveConnector(c, registry.ErrClosed)
		return
	}

	s.readLoop(c, sock)
}

// readLoop dispatches inbound frames until the socket fails. Removal goes
// through RemoveConnector so a replaced socket cannot evict its successor.
func (s *Server) readLoop(c *registry.Connector, sock *wsSocket) {
	for {
		_, msg, err := sock.conn.ReadMessage()
		if err != nil {
			if s.reg.RemoveConnector(c, registry.ErrClosed) {
				s.logger.Info("brain disconnected", "route", c.Route, "connector_id", c.ID, "error", err)
			}
			return
		}
		s.reg.TouchConnector(c)
		s.handleFrame(c, sock, msg)
	}
}

func (s *Server) handleFrame(c *registry.Connector, sock *wsSocket, msg []byte) {
	var f protocol.Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		s.logger.Warn("dropping malformed frame", "route", c.Route, "error", err)
		return
	}

	if len(f.ID) == 0 || string(f.ID) == "null" {
		switch f.Type {
		case protocol.TypePing:
			pong, _ := json.Marshal(protocol.Control{Type: protocol.TypePong, Timestamp: time.Now().UTC()})
			if err := sock.Send(context.Background(), pong); err != nil {
				s.logger.Debug("pong failed", "route", c.Route, "error", err)
			}
		case protocol.TypePong, protocol.TypeHeartbeat:
			// liveness only
		default:
			s.logger.Warn("dropping frame without id", "route", c.Route, "type", f.Type)
		}
		return
	}

	id := protocol.IDKey(f.ID)
	if id == "" {
		s.logger.Warn("dropping frame with unusable id", "route", c.Route, "id", string(f.ID))
		return
	}
	s.correlator.Resolve(c, id, msg)
}
