package retain

import (
	"context"
)

// Message is a retained application message held per topic. At most one
// retained message exists per topic; publishing with an empty payload and
// the retain flag clears it.
type Message struct {
	Topic     string `json:"topic"`
	Payload   []byte `json:"payload"`
	QoS       byte   `json:"qos"`
	Timestamp int64  `json:"timestamp"`
}

// Store holds retained messages. Implementations must treat an empty
// payload in Store as a deletion of the topic's retained message.
type Store interface {
	// Store upserts the retained message for msg.Topic, or removes it when
	// the payload is empty.
	Store(ctx context.Context, msg *Message) error

	// Get returns the retained message for an exact topic, or nil.
	Get(ctx context.Context, topic string) (*Message, error)

	// Remove deletes the retained message for an exact topic.
	Remove(ctx context.Context, topic string) error

	// GetMatching returns every retained message whose topic matches the
	// given filter (wildcards allowed).
	GetMatching(ctx context.Context, filter string) ([]*Message, error)

	// Count reports the number of retained messages.
	Count(ctx context.Context) (int, error)

	// Close releases store resources.
	Close() error
}
