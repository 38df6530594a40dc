package session

import (
	"context"
	"sync"

	"github.com/dynabot/dynamq/internal/bus"
	"github.com/dynabot/dynamq/internal/logger"
)

// LocalManager tracks sessions in process memory for standalone
// deployments. Connection state is authoritative here since no other node
// exists.
type LocalManager struct {
	nodeID   string
	bus      *bus.Bus
	log      *logger.Logger
	sessions map[string]*Session
	mu       sync.RWMutex
}

func NewLocalManager(nodeID string, b *bus.Bus, log *logger.Logger) *LocalManager {
	return &LocalManager{
		nodeID:   nodeID,
		bus:      b,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

func (m *LocalManager) CreateSession(_ context.Context, clientID string, cleanSession bool, keepAlive uint16) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[clientID]
	if ok && !cleanSession && !existing.CleanSession {
		// Persistent session resumes: keep subscriptions and in-flight
		// state, refresh connection metadata.
		existing.KeepAlive = keepAlive
		existing.NodeID = m.nodeID
		existing.ConnectedAt = Now()
		existing.LastActivityAt = existing.ConnectedAt
		present := len(existing.Subscriptions) > 0
		return existing, present, nil
	}

	s := New(clientID, cleanSession, keepAlive, m.nodeID)
	m.sessions[clientID] = s
	return s, false, nil
}

func (m *LocalManager) GetSession(_ context.Context, clientID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sessions[clientID], nil
}

func (m *LocalManager) UpdateSession(_ context.Context, s *Session) error {
	s.Touch()
	return nil
}

func (m *LocalManager) RemoveSession(_ context.Context, clientID string, permanent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[clientID]
	if !ok {
		return nil
	}

	if permanent {
		delete(m.sessions, clientID)
		return nil
	}

	// Persistent session: keep the state, drop the live binding.
	s.BindEndpoint(nil)
	return nil
}

func (m *LocalManager) IsClientConnected(_ context.Context, clientID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[clientID]
	return ok && s.IsConnected(), nil
}

func (m *LocalManager) GetClientNode(ctx context.Context, clientID string) (string, error) {
	connected, err := m.IsClientConnected(ctx, clientID)
	if err != nil || !connected {
		return "", err
	}
	return m.nodeID, nil
}

func (m *LocalManager) ForceDisconnect(_ context.Context, clientID string) error {
	m.log.Info("evicting duplicate client", logger.ClientID(clientID))
	m.bus.Publish(DisconnectAddress(clientID), nil)
	return nil
}

func (m *LocalManager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sessions)
}

func (m *LocalManager) Close() error {
	return nil
}

// DisconnectAddress is the bus address a connection listens on for
// eviction requests targeting its client id.
func DisconnectAddress(clientID string) string {
	return "mqtt.disconnect." + clientID
}
