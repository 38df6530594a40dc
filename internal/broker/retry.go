package broker

import (
	"time"

	"github.com/dynabot/dynamq/internal/logger"
	"github.com/dynabot/dynamq/internal/packet"
	"github.com/dynabot/dynamq/internal/session"
)

// sweepPending walks every connected session's in-flight tables on the
// shared retry tick. Messages past the interval are retransmitted with
// DUP set; messages past the retry limit are dropped.
func (b *Broker) sweepPending(interval time.Duration) {
	b.connsMu.RLock()
	conns := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.connsMu.RUnlock()

	maxRetries := b.cfg.MQTT.MaxRetries
	now := time.Now()

	for _, c := range conns {
		if !c.Connected() || c.session == nil {
			continue
		}

		for _, msg := range c.session.PendingSnapshot() {
			if now.Sub(msg.SentAt.Time) < interval {
				continue
			}

			if msg.RetryCount >= maxRetries {
				b.log.Warn("dropping message after retry limit",
					logger.ClientID(c.clientID),
					logger.Topic(msg.Topic),
					logger.Int("packet_id", int(msg.MessageID)),
					logger.Int("retries", msg.RetryCount))
				c.session.DropPending(msg.QoS, msg.MessageID)
				b.metrics.MessagesDropped.Inc()
				continue
			}

			b.retransmit(c, msg)
		}
	}
}

func (b *Broker) retransmit(c *Conn, msg session.PendingMessage) {
	id := msg.MessageID
	pub := &packet.PublishPacket{
		DUP:      true,
		QoS:      packet.QoSLevel(msg.QoS),
		Retain:   msg.Retain,
		Topic:    msg.Topic,
		PacketID: &id,
		Payload:  msg.Payload,
	}

	if err := c.WritePacket(pub.Encode()); err != nil {
		b.log.Debug("retransmission failed",
			logger.ClientID(c.clientID), logger.ErrorAttr(err))
		return
	}

	if !c.session.MarkRetransmitted(msg.QoS, msg.MessageID) {
		// Acked while the retransmission was on the wire
		return
	}
	b.metrics.Retransmissions.Inc()

	b.log.Debug("retransmitted pending message",
		logger.ClientID(c.clientID),
		logger.Topic(msg.Topic),
		logger.Int("packet_id", int(msg.MessageID)),
		logger.Int("retry", msg.RetryCount+1))
}
