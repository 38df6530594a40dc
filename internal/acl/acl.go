package acl

import (
	"context"
)

// Action is the operation being authorized.
type Action string

const (
	ActionConnect   Action = "connect"
	ActionPublish   Action = "publish"
	ActionSubscribe Action = "subscribe"
)

// Provider answers authorization checks. Implementations must be safe for
// concurrent use; checks sit on the hot publish path.
type Provider interface {
	CheckPermission(ctx context.Context, clientID, username string, action Action, topic string) bool
}

// NoOp allows everything. It is the default provider.
type NoOp struct{}

func (NoOp) CheckPermission(context.Context, string, string, Action, string) bool {
	return true
}
