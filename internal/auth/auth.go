package auth

import (
	"context"
)

// Credentials are the optional username/password pair from a CONNECT.
type Credentials struct {
	Username *string
	Password *string
}

// Authenticator validates client credentials at connect time.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) error
}

// NoOp accepts every client. It is the default authenticator.
type NoOp struct{}

func (NoOp) Authenticate(context.Context, Credentials) error {
	return nil
}
