package broker

import (
	"context"
	"errors"
	"time"

	"github.com/dynabot/dynamq/internal/acl"
	"github.com/dynabot/dynamq/internal/auth"
	"github.com/dynabot/dynamq/internal/logger"
	"github.com/dynabot/dynamq/internal/packet"
	"github.com/dynabot/dynamq/internal/session"
	"github.com/dynabot/dynamq/pkg/er"
)

// handleConnect runs the connect sequence: authenticate, evict any
// duplicate holder of the client id, create or restore the session, then
// CONNACK. Returns false when the connection must close.
func (c *Conn) handleConnect(cp *packet.ConnectPacket) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientID := cp.ClientID
	username := ""
	if cp.Username != nil {
		username = *cp.Username
	}

	// Keep alive is clamped to the broker maximum; zero disables the
	// transport idle deadline.
	keepAlive := cp.KeepAlive
	if max := uint16(c.broker.cfg.MQTT.KeepAliveMax); max > 0 && keepAlive > max {
		keepAlive = max
	}

	if err := c.broker.auth.Authenticate(ctx, auth.Credentials{
		Username: cp.Username,
		Password: cp.Password,
	}); err != nil {
		code := packet.ConnackBadUsernameOrPasswd
		if errors.Is(err, er.ErrNotAuthorized) {
			code = packet.ConnackNotAuthorized
		}
		c.log.Warn("authentication failed",
			logger.ClientID(clientID), logger.ErrorAttr(err))
		c.WritePacket(packet.NewConnAck(false, code))
		return false
	}

	if !c.broker.acl.CheckPermission(ctx, clientID, username, acl.ActionConnect, "") {
		c.log.Warn("connect denied by acl", logger.ClientID(clientID))
		c.WritePacket(packet.NewConnAck(false, packet.ConnackNotAuthorized))
		return false
	}

	// Single owner per client id: an existing connection anywhere in the
	// cluster is evicted before this one takes over.
	if connected, err := c.broker.sessions.IsClientConnected(ctx, clientID); err == nil && connected {
		c.log.Info("evicting existing connection for client id",
			logger.ClientID(clientID))
		if err := c.broker.sessions.ForceDisconnect(ctx, clientID); err != nil {
			c.log.Warn("eviction failed", logger.ClientID(clientID), logger.ErrorAttr(err))
		}
		c.broker.metrics.ConnectionsEvicted.Inc()
	}

	sess, present, err := c.broker.sessions.CreateSession(ctx, clientID, cp.CleanSession, keepAlive)
	if err != nil {
		c.log.Error("failed to create session",
			logger.ClientID(clientID), logger.ErrorAttr(err))
		c.WritePacket(packet.NewConnAck(false, packet.ConnackServerUnavailable))
		return false
	}

	if cp.Username != nil {
		sess.Username = *cp.Username
	}
	if cp.WillFlag && cp.WillTopic != nil {
		sess.Will = &session.WillMessage{
			Topic:   *cp.WillTopic,
			Payload: cp.WillMessage,
			QoS:     cp.WillQoS,
			Retain:  cp.WillRetain,
		}
	}

	c.clientID = clientID
	c.session = sess
	sess.BindEndpoint(c)

	c.broker.registerConn(clientID, c)

	// Eviction requests for this client id arrive over the bus, from this
	// node or any peer.
	c.unsubKick = c.broker.bus.Subscribe(session.DisconnectAddress(clientID), func([]byte) {
		c.log.Info("connection evicted", logger.ClientID(clientID))
		c.Close()
	})

	if err := c.broker.sessions.UpdateSession(ctx, sess); err != nil {
		c.log.Warn("failed to persist session",
			logger.ClientID(clientID), logger.ErrorAttr(err))
	}

	if err := c.WritePacket(packet.NewConnAck(present, packet.ConnackAccepted)); err != nil {
		return false
	}

	// Restore the local subscription index for a resumed session.
	for filter, qos := range sess.Subscriptions {
		if err := c.broker.subs.Add(clientID, filter, packet.QoSLevel(qos)); err != nil {
			c.log.Warn("dropping invalid stored subscription",
				logger.ClientID(clientID), logger.Topic(filter), logger.ErrorAttr(err))
			delete(sess.Subscriptions, filter)
		}
	}
	c.broker.metrics.SubscriptionsActive.Set(float64(c.broker.subs.Count()))

	c.broker.metrics.ConnectionsTotal.Inc()
	c.broker.metrics.ConnectionsActive.Inc()

	c.log.Info("client connected",
		logger.ClientID(clientID),
		logger.Bool("clean_session", cp.CleanSession),
		logger.Bool("session_present", present),
		logger.Int("keep_alive", int(keepAlive)))
	return true
}
