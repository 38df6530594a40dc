package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dynabot/dynamq/internal/broker"
	"github.com/dynabot/dynamq/internal/logger"
	"github.com/dynabot/dynamq/internal/packet"
)

// TCPServer accepts MQTT connections over plain TCP or TLS and hands
// each one to the broker on its own goroutine.
type TCPServer struct {
	broker *broker.Broker
	log    *logger.Logger

	addr      string
	tlsConfig *tls.Config

	listener net.Listener
	closing  bool
	mu       sync.Mutex
	wg       sync.WaitGroup
}

func NewTCPServer(b *broker.Broker, port int, log *logger.Logger) *TCPServer {
	return &TCPServer{
		broker: b,
		log:    log,
		addr:   fmt.Sprintf(":%d", port),
	}
}

// NewTLSServer builds a TCP server that wraps every accepted connection
// in TLS using the given certificate pair.
func NewTLSServer(b *broker.Broker, port int, certPath, keyPath string, log *logger.Logger) (*TCPServer, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}

	return &TCPServer{
		broker: b,
		log:    log,
		addr:   fmt.Sprintf(":%d", port),
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
	}, nil
}

// ListenAndServe blocks in the accept loop until Close.
func (s *TCPServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("listening",
		logger.String("addr", s.addr),
		logger.Bool("tls", s.tlsConfig != nil))

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", logger.ErrorAttr(err))
			continue
		}

		if !s.broker.Limiter().Admit(conn.RemoteAddr()) {
			s.log.Warn("connection refused by admission control",
				logger.String("remote", conn.RemoteAddr().String()))
			s.broker.Metrics().ConnectionsDenied.Inc()
			refuse(conn)
			continue
		}

		s.wg.Add(1)
		go func(nc net.Conn) {
			defer s.wg.Done()
			defer s.broker.Limiter().Release(nc.RemoteAddr())
			broker.NewConn(s.broker, nc).Serve()
		}(conn)
	}
}

// refuse tells the client the server is unavailable and drops the
// connection.
func refuse(conn net.Conn) {
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	conn.Write(packet.NewConnAck(false, packet.ConnackServerUnavailable))
	conn.Close()
}

// Close stops accepting new connections. It does not wait: live
// connections are closed by the broker's shutdown, after which Wait
// drains their handler goroutines.
func (s *TCPServer) Close() error {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	return nil
}

// Wait blocks until every connection handler has returned, bounded by
// ctx.
func (s *TCPServer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
