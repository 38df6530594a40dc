package cluster

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/dynabot/dynamq/internal/logger"
	"github.com/dynabot/dynamq/internal/session"
	"github.com/dynabot/dynamq/pkg/er"
)

const (
	broadcastChannel = "dynamq:cluster:publish"
	nodeChannelPrefix = "dynamq:node:"
)

// Message is a publish carried between nodes. Payload is JSON-encoded as
// base64 by encoding/json's []byte handling.
type Message struct {
	Topic           string `json:"topic"`
	Payload         []byte `json:"payload"`
	QoS             byte   `json:"qos"`
	Retain          bool   `json:"retain"`
	SourceNode      string `json:"sourceNode"`
	ExcludeClientID string `json:"excludeClientId,omitempty"`
	TargetClientID  string `json:"targetClientId,omitempty"`
}

// PublishHandler fans a remote publish out to this node's local
// subscribers.
type PublishHandler func(msg *Message)

// TargetedHandler delivers a publish addressed to one local client.
type TargetedHandler func(clientID string, msg *Message)

// Router moves publishes between nodes over the shared store's pub/sub:
// a broadcast channel every node consumes, plus a per-node channel for
// messages addressed to a specific client.
type Router struct {
	rdb      *redis.Client
	nodeID   string
	sessions session.Manager
	log      *logger.Logger

	onPublish  PublishHandler
	onTargeted TargetedHandler

	cancel context.CancelFunc
}

func NewRouter(rdb *redis.Client, nodeID string, sessions session.Manager, log *logger.Logger) *Router {
	return &Router{
		rdb:      rdb,
		nodeID:   nodeID,
		sessions: sessions,
		log:      log,
	}
}

// OnPublish registers the broadcast fan-out handler. Must be called
// before Start.
func (r *Router) OnPublish(h PublishHandler) {
	r.onPublish = h
}

// OnTargeted registers the single-client delivery handler. Must be called
// before Start.
func (r *Router) OnTargeted(h TargetedHandler) {
	r.onTargeted = h
}

// Start subscribes to the broadcast channel and this node's own channel.
func (r *Router) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	go r.consume(ctx, broadcastChannel, r.handleBroadcast)
	go r.consume(ctx, nodeChannelPrefix+r.nodeID, r.handleTargeted)

	r.log.Info("cluster router started", logger.Node(r.nodeID))
}

func (r *Router) consume(ctx context.Context, channel string, handle func(*Message)) {
	sub := r.rdb.Subscribe(ctx, channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}

			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				r.log.Warn("malformed cluster message",
					logger.String("channel", channel), logger.ErrorAttr(err))
				continue
			}
			handle(&msg)
		}
	}
}

func (r *Router) handleBroadcast(msg *Message) {
	// Each node fans out its own publishes locally before broadcasting.
	if msg.SourceNode == r.nodeID {
		return
	}
	if r.onPublish != nil {
		r.onPublish(msg)
	}
}

func (r *Router) handleTargeted(msg *Message) {
	if msg.TargetClientID == "" {
		return
	}
	if r.onTargeted != nil {
		r.onTargeted(msg.TargetClientID, msg)
	}
}

// BroadcastPublish hands a publish to every other node for fan-out to
// their local subscribers.
func (r *Router) BroadcastPublish(ctx context.Context, topic string, payload []byte, qos byte, retain bool, excludeClientID string) error {
	data, err := json.Marshal(&Message{
		Topic:           topic,
		Payload:         payload,
		QoS:             qos,
		Retain:          retain,
		SourceNode:      r.nodeID,
		ExcludeClientID: excludeClientID,
	})
	if err != nil {
		return &er.Err{Context: "BroadcastPublish", Message: err}
	}

	if err := r.rdb.Publish(ctx, broadcastChannel, data).Err(); err != nil {
		return &er.Err{Context: "BroadcastPublish", Message: er.ErrStoreUnavailable}
	}
	return nil
}

// RouteToClient delivers a publish to one client wherever it is
// connected. A locally connected client gets the targeted handler
// directly; otherwise the message goes over the owning node's channel.
func (r *Router) RouteToClient(ctx context.Context, clientID, topic string, payload []byte, qos byte, retain bool) error {
	node, err := r.sessions.GetClientNode(ctx, clientID)
	if err != nil {
		return err
	}
	if node == "" {
		return nil // Not connected anywhere; nothing to route
	}

	msg := &Message{
		Topic:          topic,
		Payload:        payload,
		QoS:            qos,
		Retain:         retain,
		SourceNode:     r.nodeID,
		TargetClientID: clientID,
	}

	if node == r.nodeID {
		if r.onTargeted != nil {
			r.onTargeted(clientID, msg)
		}
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return &er.Err{Context: "RouteToClient", Message: err}
	}
	if err := r.rdb.Publish(ctx, nodeChannelPrefix+node, data).Err(); err != nil {
		return &er.Err{Context: "RouteToClient", Message: er.ErrStoreUnavailable}
	}
	return nil
}

// Stop shuts the router's subscriptions down.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}
