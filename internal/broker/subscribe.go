package broker

import (
	"context"
	"time"

	"github.com/dynabot/dynamq/internal/acl"
	"github.com/dynabot/dynamq/internal/logger"
	"github.com/dynabot/dynamq/internal/packet"
)

// handleSubscribe grants or refuses each requested filter independently,
// answers with a SUBACK whose return codes line up with the request
// order, then replays matching retained messages.
func (c *Conn) handleSubscribe(sp *packet.SubscribePacket) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	codes := make([]byte, len(sp.Filters))
	granted := make([]packet.TopicFilter, 0, len(sp.Filters))

	for i, f := range sp.Filters {
		if !c.broker.acl.CheckPermission(ctx, c.clientID, c.session.Username, acl.ActionSubscribe, f.Filter) {
			c.log.Warn("subscribe denied by acl",
				logger.ClientID(c.clientID), logger.Topic(f.Filter))
			codes[i] = packet.SubackFailure
			continue
		}

		if err := c.broker.subs.Add(c.clientID, f.Filter, f.QoS); err != nil {
			c.log.Warn("rejecting invalid topic filter",
				logger.ClientID(c.clientID), logger.Topic(f.Filter), logger.ErrorAttr(err))
			codes[i] = packet.SubackFailure
			continue
		}

		c.session.Subscriptions[f.Filter] = byte(f.QoS)
		codes[i] = byte(f.QoS)
		granted = append(granted, f)

		c.log.Info("subscription added",
			logger.ClientID(c.clientID),
			logger.Topic(f.Filter),
			logger.Int("qos", int(f.QoS)))
	}

	c.broker.metrics.SubscriptionsActive.Set(float64(c.broker.subs.Count()))

	if err := c.broker.sessions.UpdateSession(ctx, c.session); err != nil {
		c.log.Warn("failed to persist subscriptions",
			logger.ClientID(c.clientID), logger.ErrorAttr(err))
	}

	suback := &packet.SubackPacket{PacketID: sp.PacketID, ReturnCodes: codes}
	if err := c.WritePacket(suback.Encode()); err != nil {
		return err
	}

	// Retained replay happens after the SUBACK, with the retain flag set
	// and the QoS capped by the grant.
	for _, f := range granted {
		c.replayRetained(ctx, f.Filter, f.QoS)
	}
	return nil
}

func (c *Conn) replayRetained(ctx context.Context, filter string, grantedQoS packet.QoSLevel) {
	msgs, err := c.broker.retained.GetMatching(ctx, filter)
	if err != nil {
		c.log.Warn("failed to load retained messages",
			logger.Topic(filter), logger.ErrorAttr(err))
		return
	}

	for _, msg := range msgs {
		c.broker.deliverTo(c, msg.Topic, msg.Payload, minQoS(packet.QoSLevel(msg.QoS), grantedQoS), true)
	}
}

// handleUnsubscribe removes each listed filter and always answers with
// an UNSUBACK, even when nothing matched.
func (c *Conn) handleUnsubscribe(up *packet.UnsubscribePacket) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, filter := range up.Filters {
		c.broker.subs.Remove(c.clientID, filter)
		delete(c.session.Subscriptions, filter)

		c.log.Info("subscription removed",
			logger.ClientID(c.clientID), logger.Topic(filter))
	}

	c.broker.metrics.SubscriptionsActive.Set(float64(c.broker.subs.Count()))

	if err := c.broker.sessions.UpdateSession(ctx, c.session); err != nil {
		c.log.Warn("failed to persist subscriptions",
			logger.ClientID(c.clientID), logger.ErrorAttr(err))
	}

	return c.WritePacket(packet.NewUnsubAck(up.PacketID))
}
