package sink

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dynabot/dynamq/internal/logger"
	"github.com/dynabot/dynamq/pkg/er"
)

// Envelope is the JSON record published per message.
type Envelope struct {
	ClientID  string `json:"clientId"`
	Topic     string `json:"topic"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// NATSSink bridges accepted publishes onto NATS subjects. MQTT topic
// levels map to subject tokens: sensors/room1/temp becomes
// <prefix>.sensors.room1.temp.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	log    *logger.Logger
}

func NewNATS(url, prefix string, log *logger.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", logger.ErrorAttr(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", logger.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, &er.Err{Context: "NATSSink", Message: err}
	}

	return &NATSSink{nc: nc, prefix: prefix, log: log}, nil
}

func (s *NATSSink) Publish(_ context.Context, clientID, topic string, payload []byte) error {
	data, err := json.Marshal(Envelope{
		ClientID:  clientID,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return &er.Err{Context: "NATSSink", Message: err}
	}

	if err := s.nc.Publish(s.subject(topic), data); err != nil {
		return &er.Err{Context: "NATSSink", Message: err}
	}
	return nil
}

func (s *NATSSink) subject(topic string) string {
	subj := strings.ReplaceAll(topic, ".", "_")
	subj = strings.ReplaceAll(subj, "/", ".")
	if s.prefix == "" {
		return subj
	}
	return s.prefix + "." + subj
}

func (s *NATSSink) Close() error {
	return s.nc.Drain()
}
