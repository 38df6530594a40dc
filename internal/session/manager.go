package session

import (
	"context"
)

// Manager owns session lifecycle and, in clustered mode, the shared view
// of which node holds each client.
type Manager interface {
	// CreateSession builds a fresh session or, for a persistent client
	// with stored state, restores it. The second return reports whether
	// prior state was present (the CONNACK session-present flag).
	CreateSession(ctx context.Context, clientID string, cleanSession bool, keepAlive uint16) (*Session, bool, error)

	// GetSession returns the session for a client id, or nil.
	GetSession(ctx context.Context, clientID string) (*Session, error)

	// UpdateSession persists the session's durable state.
	UpdateSession(ctx context.Context, s *Session) error

	// RemoveSession drops the live binding; when permanent it also deletes
	// the stored session state and subscriptions.
	RemoveSession(ctx context.Context, clientID string, permanent bool) error

	// IsClientConnected reports whether the client id has a live
	// connection anywhere in the cluster.
	IsClientConnected(ctx context.Context, clientID string) (bool, error)

	// GetClientNode returns the node currently holding the client's
	// connection, or "" when not connected.
	GetClientNode(ctx context.Context, clientID string) (string, error)

	// ForceDisconnect evicts an existing connection for the client id,
	// wherever in the cluster it lives.
	ForceDisconnect(ctx context.Context, clientID string) error

	// SessionCount reports how many sessions this node tracks.
	SessionCount() int

	// Close releases manager resources.
	Close() error
}
