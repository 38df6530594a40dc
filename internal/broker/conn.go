package broker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dynabot/dynamq/internal/logger"
	"github.com/dynabot/dynamq/internal/packet"
	"github.com/dynabot/dynamq/internal/session"
	"github.com/dynabot/dynamq/pkg/er"
)

type connState int

const (
	stateAwaitingConnect connState = iota
	stateConnected
	stateClosing
)

// Conn is one client connection. Packets from a single connection are
// processed sequentially by its read loop, so per-session ordering holds
// without extra coordination.
type Conn struct {
	broker *Broker
	conn   net.Conn
	reader *bufio.Reader
	log    *logger.Logger

	clientID string
	session  *session.Session

	state      connState
	cleanStop  bool // DISCONNECT received; suppresses the will
	unsubKick  func()
	writeMu    sync.Mutex
	closeOnce  sync.Once
	closedChan chan struct{}
}

// NewConn wraps an accepted transport connection. Serve drives it.
func NewConn(b *Broker, nc net.Conn) *Conn {
	return &Conn{
		broker:     b,
		conn:       nc,
		reader:     bufio.NewReader(nc),
		log:        b.log,
		state:      stateAwaitingConnect,
		closedChan: make(chan struct{}),
	}
}

// WritePacket sends one encoded packet; safe for concurrent use.
func (c *Conn) WritePacket(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.conn.Write(raw); err != nil {
		return &er.Err{Context: "Conn", Message: er.ErrConnectionClosed}
	}
	return nil
}

// Close tears the network connection down. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closedChan)
		c.conn.Close()
	})
	return nil
}

// Connected reports whether the connection is still open.
func (c *Conn) Connected() bool {
	select {
	case <-c.closedChan:
		return false
	default:
		return true
	}
}

// Serve runs the connection to completion: one CONNECT within the
// deadline, then the packet loop until disconnect or error.
func (c *Conn) Serve() {
	defer c.teardown()

	// The first packet must be CONNECT, and it must arrive promptly.
	c.conn.SetReadDeadline(time.Now().Add(c.broker.cfg.ConnectTimeout()))

	raw, err := packet.ReadPacket(c.reader, c.broker.cfg.MaxMessageSize())
	if err != nil {
		c.log.Debug("connection dropped before connect",
			logger.String("remote", c.conn.RemoteAddr().String()))
		return
	}

	parsed, err := packet.Parse(raw)
	if err != nil || parsed.Type != packet.CONNECT {
		c.log.Warn("first packet was not a valid connect",
			logger.String("remote", c.conn.RemoteAddr().String()),
			logger.ErrorAttr(err))
		return
	}

	if !c.handleConnect(parsed.Connect) {
		return
	}
	c.state = stateConnected

	for c.state == stateConnected {
		c.armKeepAliveDeadline()

		raw, err := packet.ReadPacket(c.reader, c.broker.cfg.MaxMessageSize())
		if err != nil {
			if c.state == stateConnected && !errors.Is(err, io.EOF) {
				c.log.Debug("read failed",
					logger.ClientID(c.clientID), logger.ErrorAttr(err))
			}
			return
		}

		parsed, err := packet.Parse(raw)
		if err != nil {
			c.log.Warn("malformed packet, closing connection",
				logger.ClientID(c.clientID), logger.ErrorAttr(err))
			return
		}

		if err := c.dispatch(parsed); err != nil {
			c.log.Warn("packet handling failed",
				logger.ClientID(c.clientID),
				logger.String("type", parsed.Type.String()),
				logger.ErrorAttr(err))
			return
		}
	}
}

// armKeepAliveDeadline sets the read deadline to one and a half times the
// negotiated keep alive, per the protocol's grace period.
func (c *Conn) armKeepAliveDeadline() {
	if c.session == nil || c.session.KeepAlive == 0 {
		c.conn.SetReadDeadline(time.Time{})
		return
	}
	grace := time.Duration(c.session.KeepAlive) * time.Second * 3 / 2
	c.conn.SetReadDeadline(time.Now().Add(grace))
}

func (c *Conn) dispatch(p *packet.ParsedPacket) error {
	if c.session != nil {
		c.session.Touch()
	}

	switch p.Type {
	case packet.CONNECT:
		// A second CONNECT is a protocol violation
		return &er.Err{Context: "Conn", Message: er.ErrUnexpectedPacket}
	case packet.PUBLISH:
		return c.handlePublish(p.Publish)
	case packet.PUBACK:
		return c.handlePuback(p.Ack)
	case packet.PUBREC:
		return c.handlePubrec(p.Ack)
	case packet.PUBREL:
		return c.handlePubrel(p.Ack)
	case packet.PUBCOMP:
		return c.handlePubcomp(p.Ack)
	case packet.SUBSCRIBE:
		return c.handleSubscribe(p.Subscribe)
	case packet.UNSUBSCRIBE:
		return c.handleUnsubscribe(p.Unsubscribe)
	case packet.PINGREQ:
		return c.handlePingreq()
	case packet.DISCONNECT:
		c.handleDisconnect()
		return nil
	default:
		return &er.Err{Context: "Conn", Message: er.ErrUnexpectedPacket}
	}
}

func (c *Conn) handlePingreq() error {
	// Keep the cluster's view of this connection alive alongside the
	// transport deadline.
	if rm, ok := c.broker.sessions.(*session.RedisManager); ok && c.session != nil {
		rm.RefreshConnection(context.Background(), c.session)
	}
	return c.WritePacket(packet.NewPingResp())
}

// handleDisconnect processes a graceful DISCONNECT: the will is
// discarded and a clean session is removed for good.
func (c *Conn) handleDisconnect() {
	c.cleanStop = true
	c.state = stateClosing

	if c.session != nil {
		c.session.Will = nil
	}
	c.log.Info("client disconnected", logger.ClientID(c.clientID))
}

// teardown runs exactly once when the read loop exits, for both clean
// and abnormal endings.
func (c *Conn) teardown() {
	c.Close()

	if c.unsubKick != nil {
		c.unsubKick()
	}

	if c.session == nil {
		// Never completed a CONNECT
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// On takeover a new connection already owns the client id; the state
	// now belongs to it and the evicted connection must not touch it.
	takenOver := !c.broker.unregisterConn(c.clientID, c)
	if takenOver {
		c.broker.metrics.ConnectionsActive.Dec()
		return
	}

	if !c.cleanStop {
		c.broker.publishWill(ctx, c.session)
	}

	c.broker.subs.RemoveAll(c.clientID)
	c.broker.metrics.SubscriptionsActive.Set(float64(c.broker.subs.Count()))
	c.session.BindEndpoint(nil)

	if cur, _ := c.broker.sessions.GetSession(ctx, c.clientID); cur == nil || cur == c.session {
		permanent := c.session.CleanSession
		if err := c.broker.sessions.RemoveSession(ctx, c.clientID, permanent); err != nil {
			c.log.Warn("failed to remove session",
				logger.ClientID(c.clientID), logger.ErrorAttr(err))
		}
	}

	c.broker.metrics.ConnectionsActive.Dec()
}
