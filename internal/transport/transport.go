// Package transport is the realtime channel between a client session and the relay.
package transport

import (
	"context"
	"errors"

	"chatsync/internal/models"
)

var (
	// ErrServerDisconnect ends a connection the relay closed on purpose (session revoked).
	// Callers must not reconnect automatically after it.
	ErrServerDisconnect = errors.New(models.ReasonServerDisconnect)
	ErrUnauthorized     = errors.New("unauthorized")
	ErrClosed           = errors.New("transport closed")
)

// Credentials identify the session a connection is opened for.
type Credentials struct {
	UserID      string
	DisplayName string
	Token       string
}

// Conn is one live connection. Events are delivered in emission order on a single
// channel, which is closed when the connection ends.
type Conn interface {
	Send(ctx context.Context, env models.Envelope) error
	Events() <-chan models.Envelope
	// Err explains why Events was closed: nil after a local Close,
	// ErrServerDisconnect after a relay-initiated disconnect, otherwise the failure.
	Err() error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}
