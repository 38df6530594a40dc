package broker

import (
	"context"
	"time"

	"github.com/dynabot/dynamq/internal/acl"
	"github.com/dynabot/dynamq/internal/logger"
	"github.com/dynabot/dynamq/internal/packet"
	"github.com/dynabot/dynamq/pkg/er"
)

// handlePublish accepts an inbound PUBLISH. The protocol acknowledgement
// is sent before any fan-out so a slow store never delays the client;
// an ACL denial is still acknowledged but produces no side effects.
func (c *Conn) handlePublish(pp *packet.PublishPacket) error {
	c.broker.metrics.ObserveReceived(byte(pp.QoS))
	c.broker.shared.Incr("messages-received")

	forward := true

	switch pp.QoS {
	case packet.QoSAtLeastOnce:
		if pp.PacketID == nil {
			return &er.Err{Context: "Publish", Message: er.ErrInvalidPacketID}
		}
		if err := c.WritePacket(packet.NewPubAck(*pp.PacketID)); err != nil {
			return err
		}
	case packet.QoSExactlyOnce:
		if pp.PacketID == nil {
			return &er.Err{Context: "Publish", Message: er.ErrInvalidPacketID}
		}
		// Exactly-once: a repeated packet id (DUP retransmission before
		// our PUBREC arrived) is acknowledged again but not re-forwarded.
		forward = c.session.MarkInboundQoS2(*pp.PacketID)
		if err := c.WritePacket(packet.NewPubRec(*pp.PacketID)); err != nil {
			return err
		}
	}

	if !forward {
		c.log.Debug("duplicate qos2 publish suppressed",
			logger.ClientID(c.clientID),
			logger.Int("packet_id", int(*pp.PacketID)))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if !c.broker.acl.CheckPermission(ctx, c.clientID, c.session.Username, acl.ActionPublish, pp.Topic) {
		c.log.Warn("publish denied by acl",
			logger.ClientID(c.clientID), logger.Topic(pp.Topic))
		return nil
	}

	c.broker.publishMessage(ctx, c.clientID, pp.Topic, pp.Payload, pp.QoS, pp.Retain)
	return nil
}

// handlePuback completes an outbound QoS 1 delivery.
func (c *Conn) handlePuback(ack *packet.AckPacket) error {
	if !c.session.AckQoS1(ack.PacketID) {
		c.log.Debug("puback for unknown packet id",
			logger.ClientID(c.clientID), logger.Int("packet_id", int(ack.PacketID)))
	}
	return nil
}

// handlePubrec is step two of an outbound QoS 2 delivery; the in-flight
// record stays until PUBCOMP.
func (c *Conn) handlePubrec(ack *packet.AckPacket) error {
	return c.WritePacket(packet.NewPubRel(ack.PacketID))
}

// handlePubrel is step three of an inbound QoS 2 publish: the sender is
// releasing the packet id.
func (c *Conn) handlePubrel(ack *packet.AckPacket) error {
	c.session.ReleaseInboundQoS2(ack.PacketID)
	return c.WritePacket(packet.NewPubComp(ack.PacketID))
}

// handlePubcomp completes an outbound QoS 2 delivery.
func (c *Conn) handlePubcomp(ack *packet.AckPacket) error {
	if !c.session.AckQoS2(ack.PacketID) {
		c.log.Debug("pubcomp for unknown packet id",
			logger.ClientID(c.clientID), logger.Int("packet_id", int(ack.PacketID)))
	}
	return nil
}
