package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dynabot/dynamq/internal/broker"
	"github.com/dynabot/dynamq/internal/logger"
)

// WSServer terminates MQTT-over-WebSocket: each upgraded socket is
// adapted to net.Conn and served by the same connection machinery as
// raw TCP.
type WSServer struct {
	broker *broker.Broker
	log    *logger.Logger

	server   *http.Server
	upgrader websocket.Upgrader
}

func NewWSServer(b *broker.Broker, port int, path string, log *logger.Logger) *WSServer {
	s := &WSServer{
		broker: b,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{"mqtt"},
			// Browser MQTT clients connect cross-origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handleUpgrade)
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed",
			logger.String("remote", r.RemoteAddr), logger.ErrorAttr(err))
		return
	}

	nc := newWSConn(ws)
	if !s.broker.Limiter().Admit(nc.RemoteAddr()) {
		s.log.Warn("connection refused by admission control",
			logger.String("remote", nc.RemoteAddr().String()))
		s.broker.Metrics().ConnectionsDenied.Inc()
		refuse(nc)
		return
	}
	defer s.broker.Limiter().Release(nc.RemoteAddr())

	broker.NewConn(s.broker, nc).Serve()
}

// ListenAndServe blocks serving upgrades until Close.
func (s *WSServer) ListenAndServe() error {
	s.log.Info("listening", logger.String("addr", s.server.Addr), logger.Bool("websocket", true))

	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *WSServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// wsConn adapts a WebSocket to net.Conn. MQTT frames map onto binary
// messages; a message can carry several packets and a packet can span
// messages, so reads drain a rolling buffer.
type wsConn struct {
	ws  *websocket.Conn
	buf []byte
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.buf = data
	}

	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
