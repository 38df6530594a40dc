package broker

import (
	"context"
	"sync"
	"time"

	"github.com/dynabot/dynamq/internal/acl"
	"github.com/dynabot/dynamq/internal/auth"
	"github.com/dynabot/dynamq/internal/bus"
	"github.com/dynabot/dynamq/internal/cluster"
	"github.com/dynabot/dynamq/internal/config"
	"github.com/dynabot/dynamq/internal/logger"
	"github.com/dynabot/dynamq/internal/metrics"
	"github.com/dynabot/dynamq/internal/packet"
	"github.com/dynabot/dynamq/internal/retain"
	"github.com/dynabot/dynamq/internal/session"
	"github.com/dynabot/dynamq/internal/sink"
	"github.com/dynabot/dynamq/internal/subscription"
)

// Router moves publishes between nodes. cluster.Router implements it;
// standalone mode leaves it nil.
type Router interface {
	OnPublish(cluster.PublishHandler)
	OnTargeted(cluster.TargetedHandler)
	Start()
	Stop()
	BroadcastPublish(ctx context.Context, topic string, payload []byte, qos byte, retain bool, excludeClientID string) error
	RouteToClient(ctx context.Context, clientID, topic string, payload []byte, qos byte, retain bool) error
}

// Deps are the collaborators a Broker is built from. Nil optional fields
// fall back to no-op implementations; Router and Health stay nil in
// standalone mode.
type Deps struct {
	Sessions session.Manager
	Retained retain.Store
	Router   Router
	Health   *cluster.Monitor
	ACL      acl.Provider
	Auth     auth.Authenticator
	Sink     sink.Sink
	Metrics  *metrics.Metrics
	Shared   *metrics.SharedCounters
	Bus      *bus.Bus
	Log      *logger.Logger
}

// Broker owns the per-node broker state: the local subscription index,
// the live connection registry and the wiring between transports,
// session storage and the cluster.
type Broker struct {
	cfg      *config.Config
	log      *logger.Logger
	sessions session.Manager
	subs     *subscription.Tree
	retained retain.Store
	router   Router
	health   *cluster.Monitor
	acl      acl.Provider
	auth     auth.Authenticator
	sink     sink.Sink
	metrics  *metrics.Metrics
	shared   *metrics.SharedCounters
	bus      *bus.Bus
	limiter  *Limiter

	conns   map[string]*Conn
	connsMu sync.RWMutex

	done chan struct{}
	wg   sync.WaitGroup
}

func New(cfg *config.Config, deps Deps) *Broker {
	if deps.ACL == nil {
		deps.ACL = acl.NoOp{}
	}
	if deps.Auth == nil {
		deps.Auth = auth.NoOp{}
	}
	if deps.Sink == nil {
		deps.Sink = sink.Discard{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Bus == nil {
		deps.Bus = bus.New()
	}
	if deps.Retained == nil {
		deps.Retained = retain.NewLocalStore()
	}
	if deps.Log == nil {
		deps.Log = logger.GetGlobalLogger()
	}

	b := &Broker{
		cfg:      cfg,
		log:      deps.Log,
		sessions: deps.Sessions,
		subs:     subscription.NewTree(),
		retained: deps.Retained,
		router:   deps.Router,
		health:   deps.Health,
		acl:      deps.ACL,
		auth:     deps.Auth,
		sink:     deps.Sink,
		metrics:  deps.Metrics,
		shared:   deps.Shared,
		bus:      deps.Bus,
		conns:    make(map[string]*Conn),
		done:     make(chan struct{}),
	}
	b.limiter = NewLimiter(cfg.Limits)
	return b
}

// Start wires the cluster handlers and launches the retry sweeper.
func (b *Broker) Start() {
	if b.router != nil {
		b.router.OnPublish(b.handleClusterPublish)
		b.router.OnTargeted(b.handleTargetedPublish)
		b.router.Start()
	}
	if b.health != nil {
		b.health.SessionCount = b.sessions.SessionCount
		b.health.Start()
	}

	b.wg.Add(1)
	go b.retryLoop()

	b.log.Info("broker started",
		logger.Node(b.cfg.Cluster.NodeID),
		logger.Bool("clustered", b.router != nil))
}

// Shutdown closes every live connection and stops the background
// machinery, bounded by ctx.
func (b *Broker) Shutdown(ctx context.Context) error {
	close(b.done)

	b.connsMu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.connsMu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	if b.health != nil {
		b.health.Stop()
	}
	if b.router != nil {
		b.router.Stop()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.sink.Close()
	b.retained.Close()
	return b.sessions.Close()
}

// Limiter exposes admission control to the transports.
func (b *Broker) Limiter() *Limiter {
	return b.limiter
}

// Metrics exposes the collector set for the metrics endpoint.
func (b *Broker) Metrics() *metrics.Metrics {
	return b.metrics
}

func (b *Broker) registerConn(clientID string, c *Conn) {
	b.connsMu.Lock()
	b.conns[clientID] = c
	b.connsMu.Unlock()
}

// unregisterConn removes the registry entry when it still belongs to c;
// it reports false when another connection has taken the client id over.
func (b *Broker) unregisterConn(clientID string, c *Conn) bool {
	b.connsMu.Lock()
	defer b.connsMu.Unlock()

	if b.conns[clientID] != c {
		return false
	}
	delete(b.conns, clientID)
	return true
}

func (b *Broker) localConn(clientID string) *Conn {
	b.connsMu.RLock()
	defer b.connsMu.RUnlock()
	return b.conns[clientID]
}

// publishMessage is the single fan-out path every accepted application
// message goes through: retained-store upkeep, local subscriber
// delivery, cluster broadcast and the external sink.
func (b *Broker) publishMessage(ctx context.Context, fromClientID, topic string, payload []byte, qos packet.QoSLevel, retainFlag bool) {
	if retainFlag {
		err := b.retained.Store(ctx, &retain.Message{
			Topic:   topic,
			Payload: payload,
			QoS:     byte(qos),
		})
		if err != nil {
			b.log.Error("failed to store retained message",
				logger.Topic(topic), logger.ErrorAttr(err))
		} else if n, err := b.retained.Count(ctx); err == nil {
			b.metrics.RetainedMessages.Set(float64(n))
		}
	}

	b.deliverMatches(ctx, topic, payload, qos, fromClientID, true)

	if b.router != nil {
		if err := b.router.BroadcastPublish(ctx, topic, payload, byte(qos), retainFlag, fromClientID); err != nil {
			b.log.Error("cluster broadcast failed",
				logger.Topic(topic), logger.ErrorAttr(err))
		} else {
			b.metrics.ClusterForwards.Inc()
		}
	}

	if _, ok := b.sink.(sink.Discard); !ok {
		go func() {
			if err := b.sink.Publish(context.Background(), fromClientID, topic, payload); err != nil {
				b.log.Warn("sink publish failed",
					logger.Topic(topic), logger.ErrorAttr(err))
			}
		}()
	}
}

// deliverMatches writes the message to every matching subscriber connected
// through this node, at the minimum of the publish QoS and the granted
// QoS. The publishing client never receives its own message back. When
// routeRemote is set, a matched client with no local connection is handed
// to the cluster router for delivery through its owning node; remote
// publishes keep routeRemote off so a broadcast is never re-routed.
func (b *Broker) deliverMatches(ctx context.Context, topic string, payload []byte, qos packet.QoSLevel, excludeClientID string, routeRemote bool) {
	for clientID, granted := range b.subs.Match(topic) {
		if clientID == excludeClientID {
			continue
		}
		eff := minQoS(qos, granted)

		c := b.localConn(clientID)
		if c != nil {
			b.deliverTo(c, topic, payload, eff, false)
			continue
		}

		if !routeRemote || b.router == nil {
			continue
		}
		if err := b.router.RouteToClient(ctx, clientID, topic, payload, byte(eff), false); err != nil {
			b.log.Warn("targeted route failed",
				logger.ClientID(clientID), logger.Topic(topic), logger.ErrorAttr(err))
		}
	}
}

// deliverTo sends one message to one connection, allocating a packet id
// and an in-flight record when the effective QoS needs acknowledgement.
func (b *Broker) deliverTo(c *Conn, topic string, payload []byte, qos packet.QoSLevel, retained bool) {
	pub := &packet.PublishPacket{
		QoS:     qos,
		Retain:  retained,
		Topic:   topic,
		Payload: payload,
	}

	if qos > packet.QoSAtMostOnce {
		id := c.session.NextMessageID()
		pub.PacketID = &id
		c.session.AddPending(&session.PendingMessage{
			MessageID: id,
			Topic:     topic,
			Payload:   payload,
			QoS:       byte(qos),
			Retain:    retained,
			SentAt:    session.Now(),
		})
	}

	if err := c.WritePacket(pub.Encode()); err != nil {
		b.log.Warn("delivery failed",
			logger.ClientID(c.clientID), logger.Topic(topic), logger.ErrorAttr(err))
		return
	}
	b.metrics.MessagesSent.Inc()
	b.shared.Incr("messages-sent")
}

// handleClusterPublish fans a peer node's publish out to local
// subscribers.
func (b *Broker) handleClusterPublish(msg *cluster.Message) {
	b.metrics.ClusterReceived.Inc()
	b.deliverMatches(context.Background(), msg.Topic, msg.Payload, packet.QoSLevel(msg.QoS), msg.ExcludeClientID, false)
}

// handleTargetedPublish delivers a routed message to one local client.
func (b *Broker) handleTargetedPublish(clientID string, msg *cluster.Message) {
	c := b.localConn(clientID)
	if c == nil {
		return
	}

	qos := packet.QoSLevel(msg.QoS)
	if granted, ok := b.subs.Match(msg.Topic)[clientID]; ok {
		qos = minQoS(qos, granted)
	}
	b.deliverTo(c, msg.Topic, msg.Payload, qos, msg.Retain)
}

// publishWill publishes the session's will message, if any, and clears
// it so it fires at most once.
func (b *Broker) publishWill(ctx context.Context, s *session.Session) {
	will := s.Will
	if will == nil {
		return
	}
	s.Will = nil

	b.log.Info("publishing will message",
		logger.ClientID(s.ClientID), logger.Topic(will.Topic))
	b.publishMessage(ctx, s.ClientID, will.Topic, will.Payload, packet.QoSLevel(will.QoS), will.Retain)
}

func (b *Broker) retryLoop() {
	defer b.wg.Done()

	interval := b.cfg.RetryInterval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.sweepPending(interval)
		}
	}
}

func minQoS(a, b packet.QoSLevel) packet.QoSLevel {
	if a < b {
		return a
	}
	return b
}
