package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dynabot/dynamq/internal/bus"
	"github.com/dynabot/dynamq/internal/logger"
	"github.com/dynabot/dynamq/pkg/er"
)

const (
	sessionKeyPrefix      = "dynamq:session:"
	connectionKeyPrefix   = "dynamq:connection:"
	subscriptionKeyPrefix = "dynamq:subscriptions:"
	kickChannel           = "dynamq:cluster:kick"
)

// kickRequest asks whichever node holds the client to drop it.
type kickRequest struct {
	ClientID   string `json:"clientId"`
	SourceNode string `json:"sourceNode"`
}

// RedisManager keeps live sessions in process memory and mirrors their
// durable state into the shared store, so any node can see who is
// connected where and evict duplicates across the cluster.
type RedisManager struct {
	nodeID        string
	rdb           *redis.Client
	bus           *bus.Bus
	log           *logger.Logger
	sessionExpiry time.Duration
	connectionTTL time.Duration

	sessions map[string]*Session
	mu       sync.RWMutex

	cancel context.CancelFunc
}

func NewRedisManager(rdb *redis.Client, nodeID string, b *bus.Bus, sessionExpiry, connectionTTL time.Duration, log *logger.Logger) *RedisManager {
	m := &RedisManager{
		nodeID:        nodeID,
		rdb:           rdb,
		bus:           b,
		log:           log,
		sessionExpiry: sessionExpiry,
		connectionTTL: connectionTTL,
		sessions:      make(map[string]*Session),
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.listenKicks(ctx)

	return m
}

// listenKicks consumes cluster-wide eviction requests. When the targeted
// client is connected through this node, the request is forwarded onto
// the local bus where its connection handler listens.
func (m *RedisManager) listenKicks(ctx context.Context) {
	sub := m.rdb.Subscribe(ctx, kickChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var req kickRequest
			if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
				m.log.Warn("malformed kick request", logger.ErrorAttr(err))
				continue
			}

			m.mu.RLock()
			s, local := m.sessions[req.ClientID]
			m.mu.RUnlock()

			if local && s.IsConnected() {
				m.log.Info("kicking client on cluster request",
					logger.ClientID(req.ClientID),
					logger.String("requested_by", req.SourceNode))
				m.bus.Publish(DisconnectAddress(req.ClientID), nil)
			}
		}
	}
}

func (m *RedisManager) CreateSession(ctx context.Context, clientID string, cleanSession bool, keepAlive uint16) (*Session, bool, error) {
	s := New(clientID, cleanSession, keepAlive, m.nodeID)
	present := false

	if !cleanSession {
		stored, err := m.loadStored(ctx, clientID)
		if err != nil {
			return nil, false, err
		}
		if stored != nil && !stored.CleanSession {
			s.Subscriptions = stored.Subscriptions
			if s.Subscriptions == nil {
				s.Subscriptions = make(map[string]byte)
			}
			s.PendingQoS1 = stored.PendingQoS1
			if s.PendingQoS1 == nil {
				s.PendingQoS1 = make(map[uint16]*PendingMessage)
			}
			s.PendingQoS2 = stored.PendingQoS2
			if s.PendingQoS2 == nil {
				s.PendingQoS2 = make(map[uint16]*PendingMessage)
			}
			present = len(s.Subscriptions) > 0
		}
	}

	m.mu.Lock()
	m.sessions[clientID] = s
	m.mu.Unlock()

	if err := m.persist(ctx, s); err != nil {
		return nil, false, err
	}
	return s, present, nil
}

func (m *RedisManager) loadStored(ctx context.Context, clientID string) (*Session, error) {
	data, err := m.rdb.Get(ctx, sessionKeyPrefix+clientID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &er.Err{Context: "SessionLoad", Message: er.ErrStoreUnavailable}
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		m.log.Warn("discarding malformed stored session",
			logger.ClientID(clientID), logger.ErrorAttr(err))
		return nil, nil
	}

	// Subscriptions may live in their own key written by older nodes.
	if len(s.Subscriptions) == 0 {
		subData, err := m.rdb.Get(ctx, subscriptionKeyPrefix+clientID).Bytes()
		if err == nil {
			var subs map[string]byte
			if json.Unmarshal(subData, &subs) == nil {
				s.Subscriptions = subs
			}
		}
	}
	return &s, nil
}

// persist writes the session record, its subscriptions and the connection
// ownership marker. The connection key carries a TTL of twice the keep
// alive so a crashed node's claims expire on their own.
func (m *RedisManager) persist(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return &er.Err{Context: "SessionPersist", Message: err}
	}

	pipe := m.rdb.Pipeline()
	pipe.Set(ctx, sessionKeyPrefix+s.ClientID, data, m.sessionExpiry)

	if len(s.Subscriptions) > 0 {
		subData, err := json.Marshal(s.Subscriptions)
		if err == nil {
			pipe.Set(ctx, subscriptionKeyPrefix+s.ClientID, subData, m.sessionExpiry)
		}
	} else {
		pipe.Del(ctx, subscriptionKeyPrefix+s.ClientID)
	}

	if s.IsConnected() {
		ttl := m.connectionTTL
		if s.KeepAlive > 0 {
			ttl = time.Duration(s.KeepAlive) * 2 * time.Second
		}
		pipe.Set(ctx, connectionKeyPrefix+s.ClientID, m.nodeID, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return &er.Err{Context: "SessionPersist", Message: er.ErrStoreUnavailable}
	}
	return nil
}

func (m *RedisManager) GetSession(ctx context.Context, clientID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[clientID]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}
	return m.loadStored(ctx, clientID)
}

func (m *RedisManager) UpdateSession(ctx context.Context, s *Session) error {
	s.Touch()
	return m.persist(ctx, s)
}

// unclaimScript deletes the connection ownership record only while it
// still names this node, so an evicted connection's teardown cannot erase
// the record the client's new node has written.
var unclaimScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (m *RedisManager) RemoveSession(ctx context.Context, clientID string, permanent bool) error {
	m.mu.Lock()
	s, ok := m.sessions[clientID]
	m.mu.Unlock()

	owned, err := unclaimScript.Run(ctx, m.rdb,
		[]string{connectionKeyPrefix + clientID}, m.nodeID).Int()
	if err != nil {
		return &er.Err{Context: "SessionRemove", Message: er.ErrStoreUnavailable}
	}

	if owned == 0 {
		// The client re-homed to another node; its shared records belong
		// to that node now. Only the local map entry goes.
		m.mu.Lock()
		delete(m.sessions, clientID)
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	if permanent || (ok && s.CleanSession) {
		delete(m.sessions, clientID)
	}
	m.mu.Unlock()

	if permanent {
		pipe := m.rdb.Pipeline()
		pipe.Del(ctx, sessionKeyPrefix+clientID)
		pipe.Del(ctx, subscriptionKeyPrefix+clientID)
		if _, err := pipe.Exec(ctx); err != nil {
			return &er.Err{Context: "SessionRemove", Message: er.ErrStoreUnavailable}
		}
		return nil
	}

	if ok {
		s.BindEndpoint(nil)
		return m.persist(ctx, s)
	}
	return nil
}

func (m *RedisManager) IsClientConnected(ctx context.Context, clientID string) (bool, error) {
	n, err := m.rdb.Exists(ctx, connectionKeyPrefix+clientID).Result()
	if err != nil {
		return false, &er.Err{Context: "SessionConnected", Message: er.ErrStoreUnavailable}
	}
	return n > 0, nil
}

func (m *RedisManager) GetClientNode(ctx context.Context, clientID string) (string, error) {
	node, err := m.rdb.Get(ctx, connectionKeyPrefix+clientID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", &er.Err{Context: "SessionNode", Message: er.ErrStoreUnavailable}
	}
	return node, nil
}

// ForceDisconnect evicts the client's existing connection. A local client
// is kicked through the bus directly; otherwise a kick request goes out on
// the cluster channel for the owning node to act on.
func (m *RedisManager) ForceDisconnect(ctx context.Context, clientID string) error {
	node, err := m.GetClientNode(ctx, clientID)
	if err != nil {
		return err
	}

	if node == m.nodeID {
		m.bus.Publish(DisconnectAddress(clientID), nil)
		return nil
	}

	data, err := json.Marshal(kickRequest{ClientID: clientID, SourceNode: m.nodeID})
	if err != nil {
		return &er.Err{Context: "ForceDisconnect", Message: err}
	}
	if err := m.rdb.Publish(ctx, kickChannel, data).Err(); err != nil {
		return &er.Err{Context: "ForceDisconnect", Message: er.ErrStoreUnavailable}
	}
	return nil
}

func (m *RedisManager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sessions)
}

// RefreshConnection re-arms the connection ownership TTL; called from the
// keep-alive path so live connections never expire.
func (m *RedisManager) RefreshConnection(ctx context.Context, s *Session) {
	ttl := m.connectionTTL
	if s.KeepAlive > 0 {
		ttl = time.Duration(s.KeepAlive) * 2 * time.Second
	}
	if err := m.rdb.Expire(ctx, connectionKeyPrefix+s.ClientID, ttl).Err(); err != nil {
		m.log.Warn("failed to refresh connection ttl",
			logger.ClientID(s.ClientID), logger.ErrorAttr(err))
	}
}

func (m *RedisManager) Close() error {
	m.cancel()
	return nil
}
