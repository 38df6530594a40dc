package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/dynabot/dynamq/internal/broker"
	"github.com/dynabot/dynamq/internal/bus"
	"github.com/dynabot/dynamq/internal/config"
	"github.com/dynabot/dynamq/internal/logger"
	"github.com/dynabot/dynamq/internal/packet"
	"github.com/dynabot/dynamq/internal/packet/utils"
	"github.com/dynabot/dynamq/internal/session"
)

func newTestServer(t *testing.T) (*TCPServer, *broker.Broker, net.Addr) {
	t.Helper()

	cfg := config.Default()
	cfg.Limits.RateLimitEnabled = false
	log := logger.New(logger.Config{Level: logger.LevelError, Output: io.Discard})
	b := bus.New()

	brk := broker.New(cfg, broker.Deps{
		Sessions: session.NewLocalManager(cfg.Cluster.NodeID, b, log),
		Bus:      b,
		Log:      log,
	})
	brk.Start()

	srv := NewTCPServer(brk, 0, log)
	go srv.ListenAndServe()

	var addr net.Addr
	for i := 0; i < 200; i++ {
		srv.mu.Lock()
		if srv.listener != nil {
			addr = srv.listener.Addr()
		}
		srv.mu.Unlock()
		if addr != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if addr == nil {
		t.Fatal("listener never came up")
	}
	return srv, brk, addr
}

func rawConnect(clientID string, keepAlive uint16) []byte {
	var body []byte
	body = append(body, utils.EncodeString("MQTT")...)
	body = append(body, 4, 0x02) // clean session
	body = append(body, byte(keepAlive>>8), byte(keepAlive))
	body = append(body, utils.EncodeString(clientID)...)

	out := []byte{byte(packet.CONNECT)}
	out = append(out, utils.EncodeRemainingLength(len(body))...)
	return append(out, body...)
}

// A connected idle client (keep alive 0, so no read deadline) must not
// block the listener shutdown; the broker closes the connection and Wait
// drains the handler afterwards.
func TestCloseDoesNotWaitForIdleConnections(t *testing.T) {
	srv, brk, addr := newTestServer(t)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write(rawConnect("idle-client", 0)); err != nil {
		t.Fatal(err)
	}
	connack := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, connack); err != nil {
		t.Fatalf("no CONNACK: %v", err)
	}
	if connack[0] != byte(packet.CONNACK) || connack[3] != packet.ConnackAccepted {
		t.Fatalf("unexpected CONNACK: % x", connack)
	}

	closed := make(chan struct{})
	go func() {
		srv.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a connected idle client")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := brk.Shutdown(ctx); err != nil {
		t.Fatalf("broker shutdown: %v", err)
	}
	if err := srv.Wait(ctx); err != nil {
		t.Fatalf("connection handlers never drained: %v", err)
	}
}
