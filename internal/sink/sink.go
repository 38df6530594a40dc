package sink

import (
	"context"
)

// Sink receives a copy of every accepted application message, for
// downstream consumers outside the MQTT fabric.
type Sink interface {
	Publish(ctx context.Context, clientID, topic string, payload []byte) error
	Close() error
}

// Discard drops everything. Used when no sink is configured.
type Discard struct{}

func (Discard) Publish(context.Context, string, string, []byte) error { return nil }

func (Discard) Close() error { return nil }
