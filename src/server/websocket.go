package server

import (
	"context"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/fanout/config"
	"github.com/valyala/fasthttp"
)

// handleWebSocket upgrades GET /ws?token=... and hands the socket to the
// registry. The registry decides admission; the capacity check here only
// avoids an upgrade that would be closed straight away.
func (s *Server) handleWebSocket(ctx *fasthttp.RequestCtx) {
	if !websocket.FastHTTPIsWebSocketUpgrade(ctx) {
		writeJSONError(ctx, fasthttp.StatusUpgradeRequired, "upgrade_required", "WebSocket upgrade required")
		return
	}
	if s.registry.AtCapacity() {
		writeJSONError(ctx, fasthttp.StatusServiceUnavailable, "at_capacity", "server at capacity")
		return
	}

	token := string(ctx.QueryArgs().Peek("token"))
	err := s.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		s.serveSocket(conn, token)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
	}
}

func (s *Server) serveSocket(conn *websocket.Conn, token string) {
	ctx := context.Background()
	wc := newWSConn(conn, s.socket)
	id, _, err := s.registry.Connect(ctx, wc, token)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket session refused")
		return
	}

	stop := make(chan struct{})
	go wc.keepAlive(s.socket.PingInterval, stop)
	s.registry.Serve(ctx, id)
	close(stop)
}

func writeJSONError(ctx *fasthttp.RequestCtx, status int, code, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"error":"` + code + `","message":"` + message + `"}`)
}

// wsConn adapts fasthttp/websocket.Conn to types.Conn. The upgrader has
// already completed the handshake, so Accept only arms the deadlines.
type wsConn struct {
	conn         *websocket.Conn
	idleTimeout  time.Duration
	writeTimeout time.Duration
	readLimit    int64
}

func newWSConn(conn *websocket.Conn, cfg config.SocketConfig) *wsConn {
	return &wsConn{
		conn:         conn,
		idleTimeout:  cfg.IdleTimeout,
		writeTimeout: cfg.WriteTimeout,
		readLimit:    cfg.MaxMessageSize,
	}
}

func (w *wsConn) Accept() error {
	if w.readLimit > 0 {
		w.conn.SetReadLimit(w.readLimit)
	}
	if err := w.conn.SetReadDeadline(time.Now().Add(w.idleTimeout)); err != nil {
		return err
	}
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(w.idleTimeout))
	})
	return nil
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if err := w.conn.SetReadDeadline(time.Now().Add(w.idleTimeout)); err != nil {
		return nil, err
	}
	return data, nil
}

func (w *wsConn) WriteMessage(data []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close(code int, reason string) error {
	deadline := time.Now().Add(w.writeTimeout)
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return w.conn.Close()
}

// keepAlive pings the peer until stop is closed or a ping fails.
func (w *wsConn) keepAlive(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout)); err != nil {
				return
			}
		}
	}
}
